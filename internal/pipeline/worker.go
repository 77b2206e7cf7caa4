package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lihe8811/lumi/internal/jobs"
	"github.com/lihe8811/lumi/internal/llm"
	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/lihe8811/lumi/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Metadata sources.
const (
	SourceArxiv  = "arxiv"
	SourceUpload = "upload"
)

// Stage progress checkpoints.
const (
	progressFetchMetadata   = 0.05
	progressExtractConcepts = 0.15
	progressImport          = 0.25
	progressImported        = 0.5
	progressSummarizing     = 0.7
	progressUploadError     = 0.9
	progressDone            = 1.0
)

// Analyzer is the LLM work done around the import itself.
type Analyzer interface {
	ExtractConcepts(ctx context.Context, abstract string) ([]lumidoc.Concept, error)
	Summaries(ctx context.Context, doc *lumidoc.Document) (*lumidoc.Summaries, error)
}

// MetadataFetcher looks up arXiv metadata.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, ids []string) ([]lumidoc.Metadata, error)
}

// UploadKey is where the PDF of an uploaded paper is kept.
func UploadKey(paperID string) string {
	return "uploads/" + paperID + "/source.pdf"
}

// PaperPrefix is the storage prefix for one paper version's artifacts.
func PaperPrefix(paperID, version string) string {
	return "papers/" + FileID(paperID, version) + "/"
}

type WorkerConfig struct {
	Store    jobs.Store
	Importer *Importer
	Analyzer Analyzer
	Metadata MetadataFetcher
	Storage  storage.Storage
	Log      *slog.Logger
	// Timeout bounds one job end to end. Defaults to 30 minutes.
	Timeout time.Duration
	Backoff func(attempt int) time.Duration
}

// Worker processes a single import job.
type Worker struct {
	store    jobs.Store
	importer *Importer
	analyzer Analyzer
	metadata MetadataFetcher
	storage  storage.Storage
	log      *slog.Logger
	timeout  time.Duration
	backoff  func(int) time.Duration
}

func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		store:    cfg.Store,
		importer: cfg.Importer,
		analyzer: cfg.Analyzer,
		metadata: cfg.Metadata,
		storage:  cfg.Storage,
		log:      cfg.Log,
		timeout:  cfg.Timeout,
		backoff:  cfg.Backoff,
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.timeout <= 0 {
		w.timeout = 30 * time.Minute
	}
	return w
}

// Process runs a claimed job through every stage and records the outcome
// on the job. Every write is guarded by the claim's lock, so a worker whose
// job was requeued stops without touching it. On shutdown the job is
// released back to WAITING instead of failed. The returned error is the one
// that stopped the job.
func (w *Worker) Process(ctx context.Context, job *jobs.Job) error {
	log := w.log.With("job_id", job.ID, "paper_id", job.PaperID, "version", job.Version)
	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	stage, err := w.run(jobCtx, log, job)
	if err == nil {
		log.Info("job complete", "duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	if errors.Is(err, jobs.ErrLockLost) {
		log.Warn("job lock lost, abandoning", "stage", stage)
		return err
	}

	// The job context may be dead; the outcome still has to be recorded.
	recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer recCancel()

	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if ctx.Err() != nil && !timedOut {
		log.Warn("job interrupted by shutdown, releasing", "stage", stage)
		if rerr := w.store.ReleaseJob(recCtx, job.ID, job.LockedAt); rerr != nil {
			log.Error("releasing job", "error", rerr)
		}
		return err
	}

	u := jobs.Update{Status: failureStatus(stage, err, timedOut), Error: err.Error(), LockedAt: job.LockedAt}
	if stage == jobs.StageUploadError {
		u.Stage = jobs.StageUploadError
		u.ProgressPercent = progressUploadError
	}
	log.Error("job failed", "stage", stage, "status", u.Status, "error", err)
	if uerr := w.store.UpdateProgress(recCtx, job.ID, u); uerr != nil {
		log.Error("recording job failure", "error", uerr)
	}
	return err
}

// failureStatus maps an error raised during stage to a job status.
func failureStatus(stage jobs.Stage, err error, timedOut bool) jobs.Status {
	summarizing := stage == jobs.StageSummarizing
	switch {
	case timedOut:
		return jobs.StatusTimeout
	case errors.Is(err, llm.ErrQuotaExceeded):
		if summarizing {
			return jobs.StatusErrorSummarizingQuotaExceeded
		}
		return jobs.StatusErrorDocumentLoadQuotaExceeded
	case errors.Is(err, llm.ErrInvalidResponse):
		if summarizing {
			return jobs.StatusErrorSummarizingInvalidResponse
		}
		return jobs.StatusErrorDocumentLoadInvalidResponse
	case summarizing:
		return jobs.StatusErrorSummarizing
	}
	return jobs.StatusErrorDocumentLoad
}

// run returns the stage it was in when it failed.
func (w *Worker) run(ctx context.Context, log *slog.Logger, job *jobs.Job) (jobs.Stage, error) {
	stage := jobs.StageFetchMetadata
	if err := w.advance(ctx, job, stage, progressFetchMetadata); err != nil {
		return stage, err
	}
	md, err := w.loadMetadata(ctx, job)
	if err != nil {
		return stage, err
	}

	stage = jobs.StageExtractConcepts
	if err := w.advance(ctx, job, stage, progressExtractConcepts); err != nil {
		return stage, err
	}
	concepts, err := w.analyzer.ExtractConcepts(ctx, md.Summary)
	if err != nil {
		return stage, fmt.Errorf("extract concepts: %w", err)
	}
	log.Info("concepts extracted", "count", len(concepts))

	stage = jobs.StageImportPipeline
	if err := w.advance(ctx, job, stage, progressImport); err != nil {
		return stage, err
	}
	doc, featured, err := w.importDocument(ctx, job, md, concepts)
	if err != nil {
		return stage, err
	}
	md.FeaturedImage = featured
	if err := w.store.SaveMetadata(ctx, *md); err != nil {
		return stage, fmt.Errorf("save metadata: %w", err)
	}
	doc.Metadata = md
	if err := w.advance(ctx, job, stage, progressImported); err != nil {
		return stage, err
	}
	log.Info("document imported", "contents", lumidoc.CountContents(doc), "featured_image", featured)

	stage = jobs.StageSummarizing
	if err := w.advance(ctx, job, stage, progressSummarizing); err != nil {
		return stage, err
	}
	sums, err := w.analyzer.Summaries(ctx, doc)
	if err != nil {
		return stage, fmt.Errorf("summaries: %w", err)
	}

	doc.LoadingStatus = string(jobs.StatusSuccess)
	if err := w.persist(ctx, log, job, doc, sums); err != nil {
		if ctx.Err() != nil {
			return stage, err
		}
		return jobs.StageUploadError, err
	}

	err = w.store.UpdateProgress(ctx, job.ID, jobs.Update{
		Status:          jobs.StatusSuccess,
		Stage:           jobs.StageSuccess,
		ProgressPercent: progressDone,
		Title:           jobs.NormalizeTitle(md.Title),
		LockedAt:        job.LockedAt,
	})
	if err != nil {
		return stage, fmt.Errorf("mark success: %w", err)
	}
	return jobs.StageSuccess, nil
}

func (w *Worker) advance(ctx context.Context, job *jobs.Job, stage jobs.Stage, progress float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := jobs.Update{Stage: stage, ProgressPercent: progress, LockedAt: job.LockedAt}
	if err := w.store.UpdateProgress(ctx, job.ID, u); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// loadMetadata returns the stored metadata for uploads and fresh arXiv
// metadata for everything else. Either way the result is saved.
func (w *Worker) loadMetadata(ctx context.Context, job *jobs.Job) (*lumidoc.Metadata, error) {
	existing, err := w.store.GetMetadata(ctx, job.PaperID)
	switch {
	case err == nil && existing.Source == SourceUpload:
		return existing, nil
	case err != nil && !errors.Is(err, jobs.ErrNotFound):
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	id := job.PaperID
	if job.Version != "" {
		id += "v" + job.Version
	}
	found, err := w.metadata.FetchMetadata(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no arXiv metadata for %s", id)
	}
	md := found[0]
	md.Source = SourceArxiv
	if md.Version == "" {
		md.Version = job.Version
	}
	if err := w.store.SaveMetadata(ctx, md); err != nil {
		return nil, fmt.Errorf("save metadata: %w", err)
	}
	return &md, nil
}

func (w *Worker) importDocument(ctx context.Context, job *jobs.Job, md *lumidoc.Metadata, concepts []lumidoc.Concept) (*lumidoc.Document, string, error) {
	if md.Source != SourceUpload {
		return w.importer.ImportArxiv(ctx, job.PaperID, job.Version, concepts)
	}
	pdf, err := w.storage.GetBytes(ctx, UploadKey(job.PaperID))
	if err != nil {
		return nil, "", fmt.Errorf("load uploaded pdf: %w", err)
	}
	return w.importer.ImportPDF(ctx, job.PaperID, job.Version, pdf, concepts)
}

// persist saves the document in the store and uploads the artifacts the
// reader loads: the full document, its summaries, the section index and
// one file per top-level section.
func (w *Worker) persist(ctx context.Context, log *slog.Logger, job *jobs.Job, doc *lumidoc.Document, sums *lumidoc.Summaries) error {
	if err := w.store.SaveDocument(ctx, job.PaperID, job.Version, doc, sums); err != nil {
		return fmt.Errorf("save document: %w", err)
	}

	prefix := PaperPrefix(job.PaperID, job.Version)
	upload := func(key string, v any) error {
		return withRetry(ctx, log, "upload "+key, MaxUploadAttempts, w.backoff, func() error {
			return w.storage.UploadJSON(ctx, key, v)
		})
	}

	if err := upload(prefix+"lumi_doc.json", doc); err != nil {
		return fmt.Errorf("upload document: %w", err)
	}
	if err := upload(prefix+"summaries.json", sums); err != nil {
		return fmt.Errorf("upload summaries: %w", err)
	}
	if err := upload(prefix+"lumi_doc_index.json", lumidoc.BuildIndex(doc)); err != nil {
		return fmt.Errorf("upload index: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sec := range doc.Sections {
		g.Go(func() error {
			key := prefix + "sections/" + sec.ID + ".json"
			err := withRetry(gctx, log, "upload "+key, MaxUploadAttempts, w.backoff, func() error {
				return w.storage.UploadJSON(gctx, key, sec)
			})
			if err != nil {
				return fmt.Errorf("upload section %s: %w", sec.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
