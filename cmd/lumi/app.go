package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lihe8811/lumi/internal/config"
	"github.com/lihe8811/lumi/internal/fetch"
	"github.com/lihe8811/lumi/internal/jobs"
	"github.com/lihe8811/lumi/internal/llm"
	"github.com/lihe8811/lumi/internal/parser"
	"github.com/lihe8811/lumi/internal/pipeline"
	"github.com/lihe8811/lumi/internal/storage"
)

// app holds the backends shared by serve and worker.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	store   jobs.Store
	queue   jobs.Queue
	storage storage.Storage
	fetcher *fetch.Fetcher
	llm     *llm.Service
	orch    *pipeline.Orchestrator
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var err error
	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if a.queue, err = openQueue(ctx, cfg); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if a.storage, err = openStorage(ctx, cfg); err != nil {
		a.queue.Close()
		a.store.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.fetcher = fetch.New(fetch.Options{
		BaseURL: cfg.ArxivBaseURL,
		APIURL:  cfg.ArxivAPIURL,
		Log:     log,
	})
	a.llm = llm.NewService(llm.ServiceConfig{
		Client:      newLLMClient(cfg),
		Stats:       llm.NewStats(0),
		Spans:       parser.NewConverter(log, nil),
		Log:         log,
		Concurrency: cfg.LLMConcurrency,
	})

	importer := pipeline.NewImporter(pipeline.ImporterConfig{
		Fetcher:       a.fetcher,
		Formatter:     a.llm,
		Storage:       a.storage,
		Log:           log,
		LatexTimeout:  cfg.LatexTimeout,
		LatexMaxDepth: cfg.LatexMaxDepth,
		MaxLatexChars: cfg.MaxLatexChars,
		RenderScale:   cfg.PDFRenderScale,
	})
	worker := pipeline.NewWorker(pipeline.WorkerConfig{
		Store:    a.store,
		Importer: importer,
		Analyzer: a.llm,
		Metadata: a.fetcher,
		Storage:  a.storage,
		Log:      log,
		Timeout:  cfg.JobTimeout,
	})
	a.orch = pipeline.NewOrchestrator(cfg, a.store, a.queue, worker, log)
	return a, nil
}

// Close releases the backends. The orchestrator must be stopped first.
func (a *app) Close() error {
	a.llm.Close()
	return errors.Join(a.queue.Close(), a.store.Close())
}

// model names the configured LLM for the stats endpoint.
func (a *app) model() string {
	if a.cfg.LLMProvider == "openai" {
		return a.cfg.OpenAIModel
	}
	return a.cfg.AnthropicModel
}

func openStore(ctx context.Context, cfg config.Config) (jobs.Store, error) {
	switch cfg.DatabaseDriver {
	case jobs.DriverSQLite, jobs.DriverPostgres:
		return jobs.OpenSQLStore(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	default:
		return jobs.NewMemoryStore(), nil
	}
}

func openQueue(ctx context.Context, cfg config.Config) (jobs.Queue, error) {
	if cfg.QueueBackend == "redis" {
		return jobs.NewRedisQueue(ctx, cfg.RedisURL, cfg.RedisQueueKey)
	}
	return jobs.NewMemoryQueue(cfg.MaxQueueSize), nil
}

func openStorage(ctx context.Context, cfg config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case "local":
		return storage.NewLocal(cfg.LocalStorageDir)
	case "s3":
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:        cfg.COSEndpoint,
			Region:          cfg.COSRegion,
			Bucket:          cfg.COSBucket,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			PathStyle:       cfg.COSEndpoint != "",
		})
	default:
		return storage.NewMemory(), nil
	}
}

func newLLMClient(cfg config.Config) llm.Client {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
	}
	return llm.NewClaudeClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
}
