package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lihe8811/lumi/internal/fetch"
	"github.com/lihe8811/lumi/internal/jobs"
	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/lihe8811/lumi/internal/parser"
	"github.com/lihe8811/lumi/internal/pipeline"
)

const maxPaperIDLen = 64

var paperIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

type importRequest struct {
	ArxivID    string          `json:"arxiv_id"`
	Version    string          `json:"version"`
	TestConfig json.RawMessage `json:"test_config,omitempty"`
}

type importResponse struct {
	JobID     string      `json:"job_id"`
	ArxivID   string      `json:"arxiv_id"`
	Version   string      `json:"version"`
	Status    jobs.Status `json:"status"`
	Duplicate bool        `json:"duplicate,omitempty"`
}

func newImportResponse(job *jobs.Job) importResponse {
	return importResponse{JobID: job.ID, ArxivID: job.PaperID, Version: job.Version, Status: job.Status}
}

func (s *Server) handleRequestImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, version := fetch.SplitVersion(req.ArxivID)
	if v := strings.TrimPrefix(strings.TrimSpace(req.Version), "v"); v != "" {
		version = v
	}
	if id == "" {
		jsonError(w, "arxiv_id is required", http.StatusBadRequest)
		return
	}
	if len(id) > maxPaperIDLen || !paperIDPattern.MatchString(id) || strings.Contains(id, "..") {
		jsonError(w, "invalid arxiv_id", http.StatusBadRequest)
		return
	}

	if version == "" {
		found, err := s.metadata.FetchMetadata(r.Context(), []string{id})
		if err != nil {
			s.log.Error("resolve latest version", "arxiv_id", id, "error", err)
			jsonError(w, "could not resolve paper version", http.StatusBadGateway)
			return
		}
		if len(found) == 0 || found[0].Version == "" {
			jsonError(w, "paper not found on arXiv", http.StatusNotFound)
			return
		}
		version = found[0].Version
	}

	job, err := s.orchestrator.RequestImport(r.Context(), id, version)
	if err != nil {
		s.log.Error("request import", "arxiv_id", id, "version", version, "error", err)
		jsonError(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, newImportResponse(job))
}

// handleUploadPDF stores an uploaded PDF and queues its import. A PDF
// whose title matches an already imported paper is answered with a
// finished duplicate job pointing at that paper.
func (s *Server) handleUploadPDF(w http.ResponseWriter, r *http.Request) {
	// Limit total request size.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
		return
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		jsonError(w, "file is not a PDF", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	filename := sanitizeFilename(header.Filename)
	title := r.FormValue("title")
	if title == "" {
		text, err := parser.ExtractPDFText(ctx, data)
		if err != nil {
			s.log.Warn("upload text extraction failed", "filename", filename, "error", err)
		}
		title = parser.GuessTitle(text, strings.TrimSuffix(filename, filepath.Ext(filename)))
	}
	normalized := jobs.NormalizeTitle(title)

	if normalized != "" {
		existing, err := s.store.FindSuccessfulByTitle(ctx, normalized)
		switch {
		case err == nil:
			job, err := s.orchestrator.RecordDuplicate(ctx, existing)
			if err != nil {
				s.log.Error("record duplicate upload", "error", err)
				jsonError(w, "failed to create job", http.StatusInternalServerError)
				return
			}
			s.log.Info("duplicate upload", "title", title, "paper_id", existing.PaperID, "version", existing.Version)
			resp := newImportResponse(job)
			resp.Duplicate = true
			writeJSON(w, http.StatusOK, resp)
			return
		case !errors.Is(err, jobs.ErrNotFound):
			s.log.Error("duplicate lookup", "error", err)
			jsonError(w, "duplicate lookup failed", http.StatusInternalServerError)
			return
		}
	}

	paperID := "upload-" + uuid.NewString()
	const version = "1"
	if err := s.storage.UploadFile(ctx, pipeline.UploadKey(paperID), data, "application/pdf"); err != nil {
		s.log.Error("store upload", "paper_id", paperID, "error", err)
		jsonError(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	md := lumidoc.Metadata{
		PaperID: paperID,
		Version: version,
		Title:   title,
		Authors: []string{},
		Source:  pipeline.SourceUpload,
	}
	if err := s.store.SaveMetadata(ctx, md); err != nil {
		s.log.Error("save upload metadata", "paper_id", paperID, "error", err)
		jsonError(w, "failed to save metadata", http.StatusInternalServerError)
		return
	}

	job, err := s.orchestrator.Submit(ctx, jobs.NewJob{PaperID: paperID, Version: version, Title: normalized})
	if err != nil {
		s.log.Error("submit upload", "paper_id", paperID, "error", err)
		jsonError(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, newImportResponse(job))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.orchestrator.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"arxiv_id":         job.PaperID,
		"version":          job.Version,
		"stage":            job.Stage,
		"progress_percent": job.ProgressPercent,
		"error":            job.Error,
	})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(name)
	// Remove any path separators that might have survived.
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
