package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lihe8811/lumi/internal/config"
	"github.com/lihe8811/lumi/internal/jobs"
)

// Processor runs one claimed job.
type Processor interface {
	Process(ctx context.Context, job *jobs.Job) error
}

// Orchestrator manages the worker pool. Job ids arrive on the queue, but
// the store is the source of truth: a worker that finds the queue empty
// polls the store for waiting jobs, so a lost enqueue only delays a job.
type Orchestrator struct {
	store  jobs.Store
	queue  jobs.Queue
	worker Processor
	log    *slog.Logger
	cfg    config.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg config.Config, store jobs.Store, queue jobs.Queue, worker Processor, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		queue:  queue,
		worker: worker,
		log:    log,
		cfg:    cfg,
	}
}

// Start launches the workers and the maintenance loop.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := range o.cfg.WorkerCount {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			log := o.log.With("worker", i)
			for workerCtx.Err() == nil {
				o.processNext(workerCtx, log)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.maintain(workerCtx)
	}()
}

// Stop cancels in-flight work and waits for every goroutine to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// maintain requeues stale claims, once at startup to recover from a crash
// and then every RequeueInterval, and evicts old jobs when the store
// supports it.
func (o *Orchestrator) maintain(ctx context.Context) {
	o.requeueStale(ctx)

	requeue := time.NewTicker(o.cfg.RequeueInterval)
	defer requeue.Stop()

	var cleanup <-chan time.Time
	cleaner, canClean := o.store.(jobs.Cleaner)
	if canClean {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		cleanup = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-requeue.C:
			o.requeueStale(ctx)
		case <-cleanup:
			if n := cleaner.Cleanup(o.cfg.JobTTL); n > 0 {
				o.log.Info("evicted old jobs", "count", n)
			}
		}
	}
}

func (o *Orchestrator) requeueStale(ctx context.Context) {
	n, err := o.store.RequeueStale(ctx, o.cfg.LockTimeout)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Error("requeue stale jobs", "error", err)
		}
		return
	}
	if n > 0 {
		o.log.Warn("requeued stale jobs", "count", n)
	}
}

// processNext claims and runs at most one job. It reports whether a job
// was run.
func (o *Orchestrator) processNext(ctx context.Context, log *slog.Logger) bool {
	id, err := o.queue.Dequeue(ctx, o.cfg.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Warn("dequeue failed, polling store", "error", err)
		o.sleep(ctx)
	}

	var job *jobs.Job
	if id != "" {
		job, err = o.store.ClaimJob(ctx, id)
		if err != nil {
			log.Error("claim job", "job_id", id, "error", err)
			return false
		}
		if job == nil {
			log.Debug("job already claimed", "job_id", id)
			return false
		}
	} else {
		job, err = o.store.ClaimNextWaiting(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claim next job", "error", err)
				o.sleep(ctx)
			}
			return false
		}
		if job == nil {
			return false
		}
	}

	o.run(ctx, log, job)
	return true
}

// run processes a job, turning a panic into a failed job.
func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, job *jobs.Job) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		err := o.store.UpdateProgress(context.WithoutCancel(ctx), job.ID, jobs.Update{
			Status:   jobs.StatusErrorDocumentLoad,
			Error:    fmt.Sprintf("panic: %v", r),
			LockedAt: job.LockedAt,
		})
		if err != nil {
			log.Error("recording panic", "job_id", job.ID, "error", err)
		}
	}()
	log.Info("job claimed", "job_id", job.ID, "paper_id", job.PaperID, "version", job.Version)
	_ = o.worker.Process(ctx, job)
}

func (o *Orchestrator) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(o.cfg.PollInterval):
	}
}

// Submit creates a job and queues it. A failed enqueue is logged, not
// returned: the job is already stored and workers will find it by polling.
func (o *Orchestrator) Submit(ctx context.Context, nj jobs.NewJob) (*jobs.Job, error) {
	job, err := o.store.CreateJob(ctx, nj)
	if err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, job.ID); err != nil {
		o.log.Warn("enqueue failed, job will be picked up by polling", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// RequestImport returns the latest job for a paper version unless it
// failed, in which case (or when there is none) a new job is submitted.
func (o *Orchestrator) RequestImport(ctx context.Context, paperID, version string) (*jobs.Job, error) {
	latest, err := o.store.LatestJob(ctx, paperID, version)
	switch {
	case err == nil && !latest.Status.Reloadable():
		return latest, nil
	case err != nil && !errors.Is(err, jobs.ErrNotFound):
		return nil, err
	}
	if latest != nil {
		o.log.Info("reloading failed paper", "paper_id", paperID, "version", version, "previous_status", latest.Status)
	}
	return o.Submit(ctx, jobs.NewJob{PaperID: paperID, Version: version})
}

// RecordDuplicate stores a finished job pointing at an already imported
// paper. Nothing is queued.
func (o *Orchestrator) RecordDuplicate(ctx context.Context, existing *jobs.Job) (*jobs.Job, error) {
	job, err := o.store.CreateJob(ctx, jobs.NewJob{PaperID: existing.PaperID, Version: existing.Version, Title: existing.Title})
	if err != nil {
		return nil, err
	}
	err = o.store.UpdateProgress(ctx, job.ID, jobs.Update{
		Status:          jobs.StatusSuccess,
		Stage:           jobs.StageDuplicate,
		ProgressPercent: progressDone,
	})
	if err != nil {
		return nil, err
	}
	return o.store.GetJob(ctx, job.ID)
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	return o.store.GetJob(ctx, id)
}

// QueueDepth returns current queue depth, or -1 if the queue cannot say.
func (o *Orchestrator) QueueDepth(ctx context.Context) int {
	n, err := o.queue.Len(ctx)
	if err != nil {
		return -1
	}
	return n
}
