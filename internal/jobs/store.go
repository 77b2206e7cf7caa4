package jobs

import (
	"context"
	"time"

	"github.com/lihe8811/lumi/internal/lumidoc"
)

// Store persists jobs, paper metadata and finished documents.
//
// ClaimJob and ClaimNextWaiting are the only operations that move a job out
// of WAITING. At most one caller observes a successful claim for a given
// job. Both return a nil job and a nil error when nothing was claimed.
type Store interface {
	CreateJob(ctx context.Context, nj NewJob) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// LatestJob returns the most recently created job for a paper version.
	LatestJob(ctx context.Context, paperID, version string) (*Job, error)
	ClaimJob(ctx context.Context, id string) (*Job, error)
	ClaimNextWaiting(ctx context.Context) (*Job, error)
	UpdateProgress(ctx context.Context, id string, u Update) error
	// ReleaseJob hands an in-progress job back to WAITING with its lock
	// and progress cleared. With a non-nil lockedAt it returns ErrLockLost
	// unless the job still holds that lock.
	ReleaseJob(ctx context.Context, id string, lockedAt *time.Time) error
	// RequeueStale returns jobs that have sat in the CLAIMED stage longer
	// than timeout to WAITING. Jobs past CLAIMED are never touched.
	RequeueStale(ctx context.Context, timeout time.Duration) (int, error)

	SaveMetadata(ctx context.Context, md lumidoc.Metadata) error
	GetMetadata(ctx context.Context, paperID string) (*lumidoc.Metadata, error)
	SaveDocument(ctx context.Context, paperID, version string, doc *lumidoc.Document, sums *lumidoc.Summaries) error
	GetDocument(ctx context.Context, paperID, version string) (*lumidoc.Document, *lumidoc.Summaries, error)
	ListDocuments(ctx context.Context, limit int) ([]PaperSummary, error)
	// FindSuccessfulByTitle returns the latest successful job whose
	// normalized title matches.
	FindSuccessfulByTitle(ctx context.Context, normalized string) (*Job, error)
	SaveFeedback(ctx context.Context, fb Feedback) error

	Close() error
}

// PaperSummary is one entry of the paper listing.
type PaperSummary struct {
	PaperID  string            `json:"arxiv_id"`
	Version  string            `json:"version"`
	Metadata *lumidoc.Metadata `json:"metadata"`
}

// Cleaner is implemented by stores that evict old terminal jobs.
type Cleaner interface {
	Cleanup(ttl time.Duration) int
}

// holdsLock reports whether j is in progress under the lock taken at
// lockedAt. A nil lockedAt matches any job.
func holdsLock(j *Job, lockedAt *time.Time) bool {
	if lockedAt == nil {
		return true
	}
	return j.Status == StatusInProgress && j.LockedAt != nil && j.LockedAt.Equal(*lockedAt)
}

func applyUpdate(j *Job, u Update, now time.Time) {
	if u.Status != "" {
		j.Status = u.Status
	}
	if u.Stage != "" {
		j.Stage = u.Stage
	}
	if u.ProgressPercent > j.ProgressPercent {
		j.ProgressPercent = min(u.ProgressPercent, 1)
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	if u.Title != "" {
		j.Title = u.Title
	}
	j.UpdatedAt = now
}
