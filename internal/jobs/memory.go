package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lihe8811/lumi/internal/lumidoc"
)

type paperKey struct {
	paperID string
	version string
}

type storedDoc struct {
	doc       []byte
	summaries []byte
	updatedAt time.Time
}

// MemoryStore is a thread-safe in-memory Store. Claims go through an
// explicit locked set so a job is handed out once even if its status is
// rewritten.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	locked   map[string]bool
	metadata map[string]lumidoc.Metadata
	docs     map[paperKey]storedDoc
	feedback []Feedback
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		locked:   make(map[string]bool),
		metadata: make(map[string]lumidoc.Metadata),
		docs:     make(map[paperKey]storedDoc),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, nj NewJob) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		PaperID:   nj.PaperID,
		Version:   nj.Version,
		Title:     nj.Title,
		Status:    StatusWaiting,
		Stage:     StageWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) LatestJob(_ context.Context, paperID, version string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Job
	for _, job := range s.jobs {
		if job.PaperID != paperID || job.Version != version {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyJob(latest), nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || !s.claimableLocked(job) {
		return nil, nil
	}
	s.claimLocked(job)
	return copyJob(job), nil
}

func (s *MemoryStore) ClaimNextWaiting(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *Job
	for _, job := range s.jobs {
		if !s.claimableLocked(job) {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) ||
			(job.CreatedAt.Equal(next.CreatedAt) && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	s.claimLocked(next)
	return copyJob(next), nil
}

func (s *MemoryStore) claimableLocked(job *Job) bool {
	return job.Status == StatusWaiting && !s.locked[job.ID]
}

func (s *MemoryStore) claimLocked(job *Job) {
	now := s.now()
	job.Status = StatusInProgress
	job.Stage = StageClaimed
	job.LockedAt = &now
	job.UpdatedAt = now
	s.locked[job.ID] = true
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !holdsLock(job, u.LockedAt) {
		return ErrLockLost
	}
	applyUpdate(job, u, s.now())
	return nil
}

func (s *MemoryStore) ReleaseJob(_ context.Context, id string, lockedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusInProgress || !holdsLock(job, lockedAt) {
		return ErrLockLost
	}
	job.Status = StatusWaiting
	job.Stage = StageWaiting
	job.ProgressPercent = 0
	job.LockedAt = nil
	job.UpdatedAt = s.now()
	delete(s.locked, job.ID)
	return nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-timeout)
	n := 0
	for _, job := range s.jobs {
		if job.Status != StatusInProgress || job.Stage != StageClaimed {
			continue
		}
		if job.LockedAt == nil || !job.LockedAt.Before(cutoff) {
			continue
		}
		job.Status = StatusWaiting
		job.Stage = StageWaiting
		job.ProgressPercent = 0
		job.LockedAt = nil
		job.UpdatedAt = now
		delete(s.locked, job.ID)
		n++
	}
	return n, nil
}

// Cleanup removes terminal jobs not updated within ttl.
func (s *MemoryStore) Cleanup(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && now.Sub(job.UpdatedAt) > ttl {
			delete(s.jobs, id)
			delete(s.locked, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) SaveMetadata(_ context.Context, md lumidoc.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	md.Authors = append([]string(nil), md.Authors...)
	s.metadata[md.PaperID] = md
	return nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, paperID string) (*lumidoc.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.metadata[paperID]
	if !ok {
		return nil, ErrNotFound
	}
	md.Authors = append([]string(nil), md.Authors...)
	return &md, nil
}

// SaveDocument stores encoded copies so later edits by the caller do not
// leak into the store.
func (s *MemoryStore) SaveDocument(_ context.Context, paperID, version string, doc *lumidoc.Document, sums *lumidoc.Summaries) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	sumsJSON, err := json.Marshal(sums)
	if err != nil {
		return fmt.Errorf("encode summaries: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[paperKey{paperID, version}] = storedDoc{doc: docJSON, summaries: sumsJSON, updatedAt: s.now()}
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, paperID, version string) (*lumidoc.Document, *lumidoc.Summaries, error) {
	s.mu.Lock()
	stored, ok := s.docs[paperKey{paperID, version}]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	return decodeDocument(stored.doc, stored.summaries)
}

func (s *MemoryStore) ListDocuments(_ context.Context, limit int) ([]PaperSummary, error) {
	s.mu.Lock()
	type entry struct {
		key paperKey
		doc storedDoc
	}
	entries := make([]entry, 0, len(s.docs))
	for k, d := range s.docs {
		entries = append(entries, entry{k, d})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].doc.updatedAt.After(entries[j].doc.updatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]PaperSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, paperSummary(e.key.paperID, e.key.version, e.doc.doc))
	}
	return out, nil
}

func (s *MemoryStore) FindSuccessfulByTitle(_ context.Context, normalized string) (*Job, error) {
	if normalized == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Job
	for _, job := range s.jobs {
		if job.Status != StatusSuccess || job.Title != normalized {
			continue
		}
		if found == nil || job.UpdatedAt.After(found.UpdatedAt) {
			found = job
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyJob(found), nil
}

func (s *MemoryStore) SaveFeedback(_ context.Context, fb Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now()
	}
	s.feedback = append(s.feedback, fb)
	return nil
}

// Feedback returns everything saved so far.
func (s *MemoryStore) Feedback() []Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Feedback(nil), s.feedback...)
}

func (s *MemoryStore) Close() error { return nil }

func copyJob(j *Job) *Job {
	c := *j
	if j.LockedAt != nil {
		t := *j.LockedAt
		c.LockedAt = &t
	}
	return &c
}

func decodeDocument(docJSON, sumsJSON []byte) (*lumidoc.Document, *lumidoc.Summaries, error) {
	var doc lumidoc.Document
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode document: %w", err)
	}
	var sums *lumidoc.Summaries
	if len(sumsJSON) > 0 && string(sumsJSON) != "null" {
		sums = &lumidoc.Summaries{}
		if err := json.Unmarshal(sumsJSON, sums); err != nil {
			return nil, nil, fmt.Errorf("decode summaries: %w", err)
		}
	}
	return &doc, sums, nil
}

// paperSummary pulls the metadata out of an encoded document, filling in
// the id and version when the document lacks them.
func paperSummary(paperID, version string, docJSON []byte) PaperSummary {
	var partial struct {
		Metadata *lumidoc.Metadata `json:"metadata"`
	}
	_ = json.Unmarshal(docJSON, &partial)
	md := partial.Metadata
	if md == nil {
		md = &lumidoc.Metadata{Authors: []string{}}
	}
	if md.PaperID == "" {
		md.PaperID = paperID
	}
	if md.Version == "" {
		md.Version = version
	}
	return PaperSummary{PaperID: paperID, Version: version, Metadata: md}
}
