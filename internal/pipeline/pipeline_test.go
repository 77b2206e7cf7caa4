package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lihe8811/lumi/internal/config"
	"github.com/lihe8811/lumi/internal/jobs"
	"github.com/lihe8811/lumi/internal/latex"
	"github.com/lihe8811/lumi/internal/llm"
	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/lihe8811/lumi/internal/storage"
)

const formatterOutput = `[[l-abstract-start]]We study transformers.[[l-abstract-end]]
[[l-content-start]]
# Introduction

Transformers are everywhere. They work well.

# Method

We train a model.
[[l-content-end]]`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	mu        sync.Mutex
	pdfCalls  int
	source    []byte
	sourceErr error
	metadata  []lumidoc.Metadata
	mdErr     error
}

func (f *fakeFetcher) PDFURL(id, version string) string {
	return "https://arxiv.test/pdf/" + id + "v" + version
}

func (f *fakeFetcher) FetchPDF(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	f.pdfCalls++
	f.mu.Unlock()
	return []byte("%PDF-1.4 not really"), nil
}

func (f *fakeFetcher) FetchLatexSource(context.Context, string, string) ([]byte, bool, error) {
	if f.sourceErr != nil {
		return nil, false, f.sourceErr
	}
	return f.source, f.source != nil, nil
}

func (f *fakeFetcher) FetchMetadata(_ context.Context, ids []string) ([]lumidoc.Metadata, error) {
	if f.mdErr != nil {
		return nil, f.mdErr
	}
	return f.metadata, nil
}

type fakeFormatter struct {
	mu   sync.Mutex
	out  string
	err  error
	last llm.FormatRequest
	// block waits for the context instead of answering.
	block bool
}

func (f *fakeFormatter) Format(ctx context.Context, req llm.FormatRequest) (string, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.out, f.err
}

type fakeAnalyzer struct {
	conceptsErr  error
	summariesErr error
}

func (a *fakeAnalyzer) ExtractConcepts(context.Context, string) ([]lumidoc.Concept, error) {
	if a.conceptsErr != nil {
		return nil, a.conceptsErr
	}
	return []lumidoc.Concept{{ID: "c1", Name: "transformers", Contents: []lumidoc.ConceptContent{}, InTextCitations: []lumidoc.Citation{}}}, nil
}

func (a *fakeAnalyzer) Summaries(context.Context, *lumidoc.Document) (*lumidoc.Summaries, error) {
	if a.summariesErr != nil {
		return nil, a.summariesErr
	}
	return &lumidoc.Summaries{
		SectionSummaries: []lumidoc.Summary{},
		ContentSummaries: []lumidoc.Summary{},
		SpanSummaries:    []lumidoc.Summary{},
	}, nil
}

// failingStorage rejects JSON uploads.
type failingStorage struct {
	*storage.Memory
	calls atomic.Int32
}

func (s *failingStorage) UploadJSON(context.Context, string, any) error {
	s.calls.Add(1)
	return errors.New("bucket unavailable")
}

type harness struct {
	store     *jobs.MemoryStore
	storage   storage.Storage
	fetcher   *fakeFetcher
	formatter *fakeFormatter
	analyzer  *fakeAnalyzer
	worker    *Worker
}

func newHarness(t *testing.T, st storage.Storage, timeout time.Duration) *harness {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
	}
	h := &harness{
		store:   jobs.NewMemoryStore(),
		storage: st,
		fetcher: &fakeFetcher{metadata: []lumidoc.Metadata{{
			PaperID: "2401.00001",
			Version: "2",
			Title:   "Transformers Everywhere",
			Summary: "We study transformers.",
			Authors: []string{"A. Author"},
		}}},
		formatter: &fakeFormatter{out: formatterOutput},
		analyzer:  &fakeAnalyzer{},
	}
	log := discardLogger()
	h.worker = NewWorker(WorkerConfig{
		Store: h.store,
		Importer: NewImporter(ImporterConfig{
			Fetcher:   h.fetcher,
			Formatter: h.formatter,
			Storage:   st,
			Log:       log,
		}),
		Analyzer: h.analyzer,
		Metadata: h.fetcher,
		Storage:  st,
		Log:      log,
		Timeout:  timeout,
		Backoff:  func(int) time.Duration { return 0 },
	})
	return h
}

func (h *harness) claim(t *testing.T, paperID, version string) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.store.CreateJob(ctx, jobs.NewJob{PaperID: paperID, Version: version})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := h.store.ClaimJob(ctx, job.ID)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimJob: %v, %v", claimed, err)
	}
	return claimed
}

func TestWorker_ProcessSuccess(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	job := h.claim(t, "2401.00001", "2")

	if err := h.worker.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusSuccess || got.Stage != jobs.StageSuccess {
		t.Errorf("expected SUCCESS/SUCCESS, got %s/%s", got.Status, got.Stage)
	}
	if got.ProgressPercent != 1 {
		t.Errorf("expected progress 1.0, got %v", got.ProgressPercent)
	}
	if got.Title != "transformers everywhere" {
		t.Errorf("expected normalized title, got %q", got.Title)
	}

	md, err := h.store.GetMetadata(ctx, "2401.00001")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if md.Source != SourceArxiv {
		t.Errorf("expected source %q, got %q", SourceArxiv, md.Source)
	}

	doc, sums, err := h.store.GetDocument(ctx, "2401.00001", "2")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if sums == nil {
		t.Error("expected summaries to be stored")
	}
	if len(doc.Sections) != 2 {
		t.Errorf("expected 2 sections, got %d", len(doc.Sections))
	}
	if doc.Metadata == nil || doc.Metadata.Title != "Transformers Everywhere" {
		t.Errorf("expected metadata on document, got %+v", doc.Metadata)
	}
	if doc.LoadingStatus != string(jobs.StatusSuccess) {
		t.Errorf("expected loading status SUCCESS, got %q", doc.LoadingStatus)
	}

	mem := h.storage.(*storage.Memory)
	prefix := PaperPrefix("2401.00001", "2")
	for _, name := range []string{"lumi_doc.json", "summaries.json", "lumi_doc_index.json"} {
		if _, err := mem.GetBytes(ctx, prefix+name); err != nil {
			t.Errorf("expected %s uploaded, got %v", name, err)
		}
	}
	if n := len(mem.Keys(prefix + "sections/")); n != 2 {
		t.Errorf("expected 2 section files, got %d", n)
	}
}

func TestWorker_ProcessUpload(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	md := lumidoc.Metadata{PaperID: "up-1", Version: "1", Title: "My Upload", Authors: []string{}, Source: SourceUpload}
	if err := h.store.SaveMetadata(ctx, md); err != nil {
		t.Fatal(err)
	}
	if err := h.storage.UploadFile(ctx, UploadKey("up-1"), []byte("%PDF-1.4"), "application/pdf"); err != nil {
		t.Fatal(err)
	}
	job := h.claim(t, "up-1", "1")

	if err := h.worker.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if h.fetcher.pdfCalls != 0 {
		t.Errorf("expected no arXiv download for an upload, got %d", h.fetcher.pdfCalls)
	}
	if string(h.formatter.last.PDF) != "%PDF-1.4" {
		t.Errorf("expected uploaded pdf passed to formatter, got %q", h.formatter.last.PDF)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", got.Status)
	}
}

func TestWorker_ProcessFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		wantStatus jobs.Status
		wantStage  jobs.Stage
	}{
		{
			name:       "metadata missing",
			setup:      func(h *harness) { h.fetcher.metadata = nil },
			wantStatus: jobs.StatusErrorDocumentLoad,
			wantStage:  jobs.StageFetchMetadata,
		},
		{
			name:       "concepts quota",
			setup:      func(h *harness) { h.analyzer.conceptsErr = llm.ErrQuotaExceeded },
			wantStatus: jobs.StatusErrorDocumentLoadQuotaExceeded,
			wantStage:  jobs.StageExtractConcepts,
		},
		{
			name:       "formatter invalid",
			setup:      func(h *harness) { h.formatter.err = fmt.Errorf("format: %w", llm.ErrInvalidResponse) },
			wantStatus: jobs.StatusErrorDocumentLoadInvalidResponse,
			wantStage:  jobs.StageImportPipeline,
		},
		{
			name:       "formatter rate limited",
			setup:      func(h *harness) { h.formatter.err = &llm.RetryableError{StatusCode: 429, Message: "slow down"} },
			wantStatus: jobs.StatusErrorDocumentLoadQuotaExceeded,
			wantStage:  jobs.StageImportPipeline,
		},
		{
			name:       "summaries quota",
			setup:      func(h *harness) { h.analyzer.summariesErr = llm.ErrQuotaExceeded },
			wantStatus: jobs.StatusErrorSummarizingQuotaExceeded,
			wantStage:  jobs.StageSummarizing,
		},
		{
			name:       "summaries invalid",
			setup:      func(h *harness) { h.analyzer.summariesErr = llm.ErrInvalidResponse },
			wantStatus: jobs.StatusErrorSummarizingInvalidResponse,
			wantStage:  jobs.StageSummarizing,
		},
		{
			name:       "summaries other",
			setup:      func(h *harness) { h.analyzer.summariesErr = errors.New("boom") },
			wantStatus: jobs.StatusErrorSummarizing,
			wantStage:  jobs.StageSummarizing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, 0)
			tt.setup(h)
			ctx := context.Background()
			job := h.claim(t, "2401.00001", "2")

			if err := h.worker.Process(ctx, job); err == nil {
				t.Fatal("expected an error")
			}
			got, _ := h.store.GetJob(ctx, job.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, got.Status)
			}
			if got.Stage != tt.wantStage {
				t.Errorf("expected stage %s, got %s", tt.wantStage, got.Stage)
			}
			if got.Error == "" {
				t.Error("expected error message recorded")
			}
		})
	}
}

func TestWorker_Timeout(t *testing.T) {
	h := newHarness(t, nil, 50*time.Millisecond)
	h.formatter.block = true
	ctx := context.Background()
	job := h.claim(t, "2401.00001", "2")

	if err := h.worker.Process(ctx, job); err == nil {
		t.Fatal("expected an error")
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusTimeout {
		t.Errorf("expected TIMEOUT, got %s", got.Status)
	}
	if got.ProgressPercent != progressImport {
		t.Errorf("expected progress kept at %v, got %v", progressImport, got.ProgressPercent)
	}
}

func TestWorker_ShutdownReleasesJob(t *testing.T) {
	h := newHarness(t, nil, time.Minute)
	h.formatter.block = true
	job := h.claim(t, "2401.00001", "2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Process(ctx, job) }()

	bg := context.Background()
	waitFor(t, "import stage", func() bool {
		j, _ := h.store.GetJob(bg, job.ID)
		return j.Stage == jobs.StageImportPipeline
	})
	cancel()
	if err := <-done; err == nil {
		t.Fatal("expected an error")
	}

	got, _ := h.store.GetJob(bg, job.ID)
	if got.Status != jobs.StatusWaiting || got.Stage != jobs.StageWaiting || got.LockedAt != nil {
		t.Errorf("expected job released to WAITING, got %s/%s", got.Status, got.Stage)
	}
	if got.Error != "" {
		t.Errorf("expected no error recorded, got %q", got.Error)
	}
	again, err := h.store.ClaimNextWaiting(bg)
	if err != nil || again == nil || again.ID != job.ID {
		t.Errorf("expected released job to be claimable, got %v, %v", again, err)
	}
}

func TestWorker_LostLockStopsWithoutWriting(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	job := h.claim(t, "2401.00001", "2")

	// Requeued and picked up by another worker before this one starts.
	if err := h.store.ReleaseJob(ctx, job.ID, job.LockedAt); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}
	time.Sleep(time.Millisecond)
	other, _ := h.store.ClaimJob(ctx, job.ID)
	if other == nil {
		t.Fatal("expected a second claim")
	}

	err := h.worker.Process(ctx, job)
	if !errors.Is(err, jobs.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusInProgress || got.Stage != jobs.StageClaimed || got.Error != "" {
		t.Errorf("expected the new claim untouched, got %s/%s %q", got.Status, got.Stage, got.Error)
	}
	if !got.LockedAt.Equal(*other.LockedAt) {
		t.Errorf("expected lock %v, got %v", other.LockedAt, got.LockedAt)
	}
	if h.fetcher.pdfCalls != 0 {
		t.Errorf("expected no fetches, got %d", h.fetcher.pdfCalls)
	}
}

func TestWorker_UploadError(t *testing.T) {
	st := &failingStorage{Memory: storage.NewMemory()}
	h := newHarness(t, st, 0)
	ctx := context.Background()
	job := h.claim(t, "2401.00001", "2")

	if err := h.worker.Process(ctx, job); err == nil {
		t.Fatal("expected an error")
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusErrorDocumentLoad || got.Stage != jobs.StageUploadError {
		t.Errorf("expected ERROR_DOCUMENT_LOAD/UPLOAD_ERROR, got %s/%s", got.Status, got.Stage)
	}
	if got.ProgressPercent != progressUploadError {
		t.Errorf("expected progress %v, got %v", progressUploadError, got.ProgressPercent)
	}
	if n := st.calls.Load(); n != MaxUploadAttempts {
		t.Errorf("expected %d upload attempts, got %d", MaxUploadAttempts, n)
	}
}

func TestFailureStatus(t *testing.T) {
	tests := []struct {
		stage    jobs.Stage
		err      error
		timedOut bool
		want     jobs.Status
	}{
		{jobs.StageImportPipeline, context.DeadlineExceeded, true, jobs.StatusTimeout},
		{jobs.StageSummarizing, llm.ErrQuotaExceeded, true, jobs.StatusTimeout},
		{jobs.StageImportPipeline, llm.ErrQuotaExceeded, false, jobs.StatusErrorDocumentLoadQuotaExceeded},
		{jobs.StageSummarizing, llm.ErrInvalidResponse, false, jobs.StatusErrorSummarizingInvalidResponse},
		{jobs.StageSummarizing, errors.New("x"), false, jobs.StatusErrorSummarizing},
		{jobs.StageFetchMetadata, errors.New("x"), false, jobs.StatusErrorDocumentLoad},
		{jobs.StageImportPipeline, latex.ErrDocumentTooLong, false, jobs.StatusErrorDocumentLoad},
	}
	for _, tt := range tests {
		if got := failureStatus(tt.stage, tt.err, tt.timedOut); got != tt.want {
			t.Errorf("failureStatus(%s, %v, %v): expected %s, got %s", tt.stage, tt.err, tt.timedOut, tt.want, got)
		}
	}
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImporter_PassesLatexToFormatter(t *testing.T) {
	fetcher := &fakeFetcher{source: gzipBytes(t, "\\documentclass{article}\n\\begin{document}\nHello % hidden\n\\end{document}\n")}
	formatter := &fakeFormatter{out: formatterOutput}
	im := NewImporter(ImporterConfig{Fetcher: fetcher, Formatter: formatter, Storage: storage.NewMemory(), Log: discardLogger()})

	doc, featured, err := im.ImportArxiv(context.Background(), "2401.00001", "1", nil)
	if err != nil {
		t.Fatalf("ImportArxiv: %v", err)
	}
	if !strings.Contains(formatter.last.Latex, "Hello") {
		t.Errorf("expected latex passed to formatter, got %q", formatter.last.Latex)
	}
	if strings.Contains(formatter.last.Latex, "hidden") {
		t.Errorf("expected comments stripped, got %q", formatter.last.Latex)
	}
	if featured != "" {
		t.Errorf("expected no featured image, got %q", featured)
	}
	if doc.Abstract == nil || len(doc.Abstract.Contents) == 0 {
		t.Error("expected an abstract")
	}
}

func TestImporter_LatexTooLong(t *testing.T) {
	body := "\\documentclass{article}\n" + strings.Repeat("word ", 100)
	fetcher := &fakeFetcher{source: gzipBytes(t, body)}
	im := NewImporter(ImporterConfig{
		Fetcher:       fetcher,
		Formatter:     &fakeFormatter{out: formatterOutput},
		Storage:       storage.NewMemory(),
		Log:           discardLogger(),
		MaxLatexChars: 50,
	})
	_, _, err := im.ImportArxiv(context.Background(), "2401.00001", "1", nil)
	if !errors.Is(err, latex.ErrDocumentTooLong) {
		t.Errorf("expected ErrDocumentTooLong, got %v", err)
	}
}

func TestImporter_NoMainFile(t *testing.T) {
	fetcher := &fakeFetcher{source: gzipBytes(t, "just some text without a class")}
	im := NewImporter(ImporterConfig{
		Fetcher:   fetcher,
		Formatter: &fakeFormatter{out: formatterOutput},
		Storage:   storage.NewMemory(),
		Log:       discardLogger(),
	})
	_, _, err := im.ImportArxiv(context.Background(), "2401.00001", "1", nil)
	var mfe *latex.MainFileError
	if !errors.As(err, &mfe) {
		t.Errorf("expected MainFileError, got %v", err)
	}
}

func TestImporter_SourceErrorFallsBackToPDF(t *testing.T) {
	fetcher := &fakeFetcher{sourceErr: errors.New("e-print unavailable")}
	formatter := &fakeFormatter{out: formatterOutput}
	im := NewImporter(ImporterConfig{Fetcher: fetcher, Formatter: formatter, Storage: storage.NewMemory(), Log: discardLogger()})

	if _, _, err := im.ImportArxiv(context.Background(), "2401.00001", "1", nil); err != nil {
		t.Fatalf("ImportArxiv: %v", err)
	}
	if formatter.last.Latex != "" {
		t.Errorf("expected no latex, got %q", formatter.last.Latex)
	}
}

func TestImporter_ConvertLocal(t *testing.T) {
	im := NewImporter(ImporterConfig{Log: discardLogger(), IDs: lumidoc.SequentialIDs("id")})
	doc, err := im.ConvertLocal(formatterOutput, "local")
	if err != nil {
		t.Fatalf("ConvertLocal: %v", err)
	}
	if len(doc.Sections) != 2 {
		t.Errorf("expected 2 sections, got %d", len(doc.Sections))
	}
}

func TestFeaturedImage(t *testing.T) {
	imgs := []*lumidoc.ImageContent{
		{StoragePath: "a.png"},
		{StoragePath: "b.png", Width: 10, Height: 20},
		{StoragePath: "c.png", Width: 5, Height: 5},
	}
	if got := featuredImage(imgs); got != "b.png" {
		t.Errorf("expected b.png, got %q", got)
	}
	if got := featuredImage(imgs[:1]); got != "" {
		t.Errorf("expected no featured image, got %q", got)
	}
}

func TestWithRetry(t *testing.T) {
	log := discardLogger()
	noWait := func(int) time.Duration { return 0 }

	calls := 0
	err := withRetry(context.Background(), log, "op", 3, noWait, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success after 3 calls, got %d calls, %v", calls, err)
	}

	calls = 0
	err = withRetry(context.Background(), log, "op", 3, noWait, func() error {
		calls++
		return fmt.Errorf("wrapped: %w", context.DeadlineExceeded)
	})
	if err == nil || calls != 1 {
		t.Errorf("expected context error not retried, got %d calls, %v", calls, err)
	}
}

func TestBackoff_Bounded(t *testing.T) {
	for attempt := range 10 {
		d := Backoff(attempt)
		if d <= 0 || d > 15*time.Second {
			t.Errorf("attempt %d: expected 0 < backoff <= 15s, got %v", attempt, d)
		}
	}
}

// markProcessor marks each job a success and counts calls.
type markProcessor struct {
	store jobs.Store
	mu    sync.Mutex
	seen  map[string]int
	panic bool
}

func (p *markProcessor) Process(ctx context.Context, job *jobs.Job) error {
	p.mu.Lock()
	p.seen[job.ID]++
	p.mu.Unlock()
	if p.panic {
		panic("worker exploded")
	}
	return p.store.UpdateProgress(ctx, job.ID, jobs.Update{Status: jobs.StatusSuccess, Stage: jobs.StageSuccess, ProgressPercent: 1})
}

func testConfig() config.Config {
	return config.Config{
		WorkerCount:     3,
		PollInterval:    10 * time.Millisecond,
		LockTimeout:     time.Minute,
		RequeueInterval: time.Minute,
		JobTTL:          time.Hour,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestrator_ProcessesEachJobOnce(t *testing.T) {
	store := jobs.NewMemoryStore()
	queue := jobs.NewMemoryQueue(100)
	defer queue.Close()
	proc := &markProcessor{store: store, seen: map[string]int{}}
	o := NewOrchestrator(testConfig(), store, queue, proc, discardLogger())
	ctx := context.Background()
	o.Start(ctx)
	defer o.Stop()

	var ids []string
	for i := range 10 {
		job, err := o.Submit(ctx, jobs.NewJob{PaperID: fmt.Sprintf("p%d", i), Version: "1"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, job.ID)
	}

	waitFor(t, "all jobs to finish", func() bool {
		for _, id := range ids {
			j, _ := store.GetJob(ctx, id)
			if j.Status != jobs.StatusSuccess {
				return false
			}
		}
		return true
	})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	for _, id := range ids {
		if proc.seen[id] != 1 {
			t.Errorf("expected job %s processed once, got %d", id, proc.seen[id])
		}
	}
}

func TestOrchestrator_PollsStoreWhenQueueMissesJob(t *testing.T) {
	store := jobs.NewMemoryStore()
	queue := jobs.NewMemoryQueue(1)
	defer queue.Close()
	proc := &markProcessor{store: store, seen: map[string]int{}}
	o := NewOrchestrator(testConfig(), store, queue, proc, discardLogger())
	ctx := context.Background()

	// Created straight in the store, never enqueued.
	job, _ := store.CreateJob(ctx, jobs.NewJob{PaperID: "orphan", Version: "1"})

	o.Start(ctx)
	defer o.Stop()
	waitFor(t, "orphan job", func() bool {
		j, _ := store.GetJob(ctx, job.ID)
		return j.Status == jobs.StatusSuccess
	})
}

func TestOrchestrator_PanicFailsJob(t *testing.T) {
	store := jobs.NewMemoryStore()
	queue := jobs.NewMemoryQueue(10)
	defer queue.Close()
	proc := &markProcessor{store: store, seen: map[string]int{}, panic: true}
	o := NewOrchestrator(testConfig(), store, queue, proc, discardLogger())
	ctx := context.Background()
	o.Start(ctx)
	defer o.Stop()

	job, _ := o.Submit(ctx, jobs.NewJob{PaperID: "p", Version: "1"})
	waitFor(t, "panicking job to fail", func() bool {
		j, _ := store.GetJob(ctx, job.ID)
		return j.Status == jobs.StatusErrorDocumentLoad
	})
	j, _ := store.GetJob(ctx, job.ID)
	if !strings.Contains(j.Error, "worker exploded") {
		t.Errorf("expected panic message recorded, got %q", j.Error)
	}
}

func TestOrchestrator_RequestImport(t *testing.T) {
	store := jobs.NewMemoryStore()
	queue := jobs.NewMemoryQueue(10)
	o := NewOrchestrator(testConfig(), store, queue, nil, discardLogger())
	ctx := context.Background()

	first, err := o.RequestImport(ctx, "p", "1")
	if err != nil {
		t.Fatalf("RequestImport: %v", err)
	}
	again, _ := o.RequestImport(ctx, "p", "1")
	if again.ID != first.ID {
		t.Errorf("expected pending job reused, got %s and %s", first.ID, again.ID)
	}

	store.UpdateProgress(ctx, first.ID, jobs.Update{Status: jobs.StatusErrorDocumentLoad})
	reload, _ := o.RequestImport(ctx, "p", "1")
	if reload.ID == first.ID {
		t.Error("expected a fresh job after a failure")
	}
	if n := o.QueueDepth(ctx); n != 2 {
		t.Errorf("expected 2 queued ids, got %d", n)
	}
}

func TestOrchestrator_SubmitSurvivesFullQueue(t *testing.T) {
	store := jobs.NewMemoryStore()
	queue := jobs.NewMemoryQueue(1)
	o := NewOrchestrator(testConfig(), store, queue, nil, discardLogger())
	ctx := context.Background()

	o.Submit(ctx, jobs.NewJob{PaperID: "a"})
	job, err := o.Submit(ctx, jobs.NewJob{PaperID: "b"})
	if err != nil {
		t.Fatalf("expected submit to succeed with a full queue, got %v", err)
	}
	if _, err := store.GetJob(ctx, job.ID); err != nil {
		t.Errorf("expected job stored, got %v", err)
	}
}

func TestOrchestrator_RecordDuplicate(t *testing.T) {
	store := jobs.NewMemoryStore()
	queue := jobs.NewMemoryQueue(10)
	o := NewOrchestrator(testConfig(), store, queue, nil, discardLogger())
	ctx := context.Background()

	existing := &jobs.Job{PaperID: "up-1", Version: "1", Title: "a title"}
	dup, err := o.RecordDuplicate(ctx, existing)
	if err != nil {
		t.Fatalf("RecordDuplicate: %v", err)
	}
	if dup.Status != jobs.StatusSuccess || dup.Stage != jobs.StageDuplicate || dup.ProgressPercent != 1 {
		t.Errorf("expected SUCCESS/DUPLICATE at 1.0, got %s/%s at %v", dup.Status, dup.Stage, dup.ProgressPercent)
	}
	if dup.PaperID != "up-1" {
		t.Errorf("expected paper up-1, got %s", dup.PaperID)
	}
	if n := o.QueueDepth(ctx); n != 0 {
		t.Errorf("expected nothing queued, got %d", n)
	}
}
