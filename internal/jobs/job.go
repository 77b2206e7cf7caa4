// Package jobs holds import job records, their persistence and the queue
// that hands job ids to workers.
package jobs

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
	// ErrLockLost means the job was requeued or claimed again since the
	// caller claimed it.
	ErrLockLost = errors.New("job lock lost")
)

// Status is the externally visible loading status of a job.
type Status string

const (
	StatusWaiting                          Status = "WAITING"
	StatusInProgress                       Status = "IN_PROGRESS"
	StatusSuccess                          Status = "SUCCESS"
	StatusErrorDocumentLoad                Status = "ERROR_DOCUMENT_LOAD"
	StatusErrorDocumentLoadQuotaExceeded   Status = "ERROR_DOCUMENT_LOAD_QUOTA_EXCEEDED"
	StatusErrorDocumentLoadInvalidResponse Status = "ERROR_DOCUMENT_LOAD_INVALID_RESPONSE"
	StatusErrorSummarizing                 Status = "ERROR_SUMMARIZING"
	StatusErrorSummarizingQuotaExceeded    Status = "ERROR_SUMMARIZING_QUOTA_EXCEEDED"
	StatusErrorSummarizingInvalidResponse  Status = "ERROR_SUMMARIZING_INVALID_RESPONSE"
	StatusTimeout                          Status = "TIMEOUT"
)

// IsError reports whether s is one of the failure statuses.
func (s Status) IsError() bool {
	return strings.HasPrefix(string(s), "ERROR_") || s == StatusTimeout
}

// IsTerminal reports whether no worker will touch the job again.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s.IsError()
}

// Reloadable reports whether a new import request for the same paper
// should start a fresh job instead of returning this one.
func (s Status) Reloadable() bool {
	return s.IsError()
}

// Stage is the pipeline step a job is in.
type Stage string

const (
	StageWaiting         Stage = "WAITING"
	StageClaimed         Stage = "CLAIMED"
	StageFetchMetadata   Stage = "FETCH_METADATA"
	StageExtractConcepts Stage = "EXTRACT_CONCEPTS"
	StageImportPipeline  Stage = "IMPORT_PIPELINE"
	StageSummarizing     Stage = "SUMMARIZING"
	StageUploadError     Stage = "UPLOAD_ERROR"
	StageSuccess         Stage = "SUCCESS"
	StageDuplicate       Stage = "DUPLICATE"
)

// Job is one tracked attempt to import a paper version.
type Job struct {
	ID              string     `json:"job_id"`
	PaperID         string     `json:"arxiv_id"`
	Version         string     `json:"version"`
	Status          Status     `json:"status"`
	Stage           Stage      `json:"stage"`
	ProgressPercent float64    `json:"progress_percent"`
	Error           string     `json:"error,omitempty"`
	Title           string     `json:"-"` // normalized, for duplicate detection
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewJob is the input to Store.CreateJob.
type NewJob struct {
	PaperID string
	Version string
	Title   string
}

// Update changes a job. Zero fields leave the stored value alone, and
// ProgressPercent never moves backwards.
type Update struct {
	Status          Status
	Stage           Stage
	ProgressPercent float64
	Error           string
	Title           string
	// LockedAt, when set, restricts the update to an in-progress job that
	// still holds the lock taken at this time.
	LockedAt *time.Time
}

// Feedback is free-text user feedback, optionally tied to a paper.
type Feedback struct {
	PaperID   string    `json:"arxiv_id,omitempty"`
	Version   string    `json:"version,omitempty"`
	Text      string    `json:"user_feedback_text"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeTitle folds a paper title for duplicate detection: NFKD,
// combining marks removed, case folded, and runs of anything that is not a
// letter or digit collapsed to one space.
func NormalizeTitle(title string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, title)
	if err != nil {
		s = title
	}
	s = cases.Fold().String(s)

	var sb strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return sb.String()
}
