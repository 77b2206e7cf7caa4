package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lihe8811/lumi/internal/config"
	"github.com/lihe8811/lumi/internal/jobs"
	"github.com/lihe8811/lumi/internal/llm"
	"github.com/lihe8811/lumi/internal/pipeline"
	"github.com/lihe8811/lumi/internal/storage"
)

// Options wires the server to the rest of the system.
type Options struct {
	Orchestrator *pipeline.Orchestrator
	Store        jobs.Store
	Storage      storage.Storage
	Metadata     pipeline.MetadataFetcher
	Stats        *llm.Stats
	Model        string
	Log          *slog.Logger
	Config       config.Config
}

// Server is the HTTP API server for lumi.
type Server struct {
	router       chi.Router
	orchestrator *pipeline.Orchestrator
	store        jobs.Store
	storage      storage.Storage
	metadata     pipeline.MetadataFetcher
	stats        *llm.Stats
	model        string
	log          *slog.Logger
	cfg          config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(opts Options) *Server {
	s := &Server{
		orchestrator: opts.Orchestrator,
		store:        opts.Store,
		storage:      opts.Storage,
		metadata:     opts.Metadata,
		stats:        opts.Stats,
		model:        opts.Model,
		log:          opts.Log,
		cfg:          opts.Config,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(AuthMiddleware(s.cfg.APIKey, s.log))
		} else {
			s.log.Warn("API_KEY not set, api endpoints are unauthenticated")
		}

		r.Post("/api/request_arxiv_doc_import", s.handleRequestImport)
		r.Post("/api/upload_pdf", s.handleUploadPDF)
		r.Get("/api/job-status/{jobID}", s.handleJobStatus)

		r.Post("/api/get_arxiv_metadata", s.handleGetMetadata)
		r.Get("/api/lumi-doc/{paperID}/{version}", s.handleGetDocument)
		r.Get("/api/list-papers", s.handleListPapers)
		r.Get("/api/sign-url", s.handleSignURL)
		r.Post("/api/save_user_feedback", s.handleSaveFeedback)

		r.Get("/api/stats/llm", s.handleLLMStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.orchestrator.QueueDepth(r.Context()),
	})
}
