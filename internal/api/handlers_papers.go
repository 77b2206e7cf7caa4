package api

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/lihe8811/lumi/internal/fetch"
	"github.com/lihe8811/lumi/internal/jobs"
)

const (
	maxFeedbackLen    = 1024
	listPapersLimit   = 100
	defaultSignExpiry = 3600
	minSignExpiry     = 60
	maxSignExpiry     = 86400
)

// handleGetMetadata returns stored metadata, falling back to arXiv for
// papers that were never imported.
func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArxivID string `json:"arxiv_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id, _ := fetch.SplitVersion(req.ArxivID)
	if id == "" || len(id) > maxPaperIDLen {
		jsonError(w, "invalid arxiv_id", http.StatusBadRequest)
		return
	}

	md, err := s.store.GetMetadata(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"arxiv_id": id, "metadata": md})
		return
	}
	if !errors.Is(err, jobs.ErrNotFound) {
		s.log.Error("get metadata", "arxiv_id", id, "error", err)
		jsonError(w, "failed to load metadata", http.StatusInternalServerError)
		return
	}

	found, err := s.metadata.FetchMetadata(r.Context(), []string{id})
	if err != nil {
		s.log.Warn("arxiv metadata lookup failed", "arxiv_id", id, "error", err)
	}
	if len(found) == 0 {
		jsonError(w, "metadata not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"arxiv_id": id, "metadata": found[0]})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	paperID := chi.URLParam(r, "paperID")
	version := strings.TrimPrefix(chi.URLParam(r, "version"), "v")

	doc, sums, err := s.store.GetDocument(r.Context(), paperID, version)
	if errors.Is(err, jobs.ErrNotFound) {
		jsonError(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("get document", "paper_id", paperID, "version", version, "error", err)
		jsonError(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"arxiv_id":  paperID,
		"version":   version,
		"doc":       doc,
		"summaries": sums,
	})
}

func (s *Server) handleListPapers(w http.ResponseWriter, r *http.Request) {
	papers, err := s.store.ListDocuments(r.Context(), listPapersLimit)
	if err != nil {
		s.log.Error("list papers", "error", err)
		jsonError(w, "failed to list papers", http.StatusInternalServerError)
		return
	}
	if papers == nil {
		papers = []jobs.PaperSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"papers": papers})
}

// handleSignURL presigns a storage key for a direct GET or PUT.
func (s *Server) handleSignURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("path")
	if key == "" {
		jsonError(w, "path is required", http.StatusBadRequest)
		return
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.Contains(key, "..") {
		jsonError(w, "invalid path", http.StatusBadRequest)
		return
	}

	expires := defaultSignExpiry
	if v := q.Get("expires_in"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minSignExpiry || n > maxSignExpiry {
			jsonError(w, "expires_in must be between 60 and 86400 seconds", http.StatusBadRequest)
			return
		}
		expires = n
	}
	ttl := time.Duration(expires) * time.Second

	var (
		url string
		err error
	)
	switch op := q.Get("op"); op {
	case "", "get":
		url, err = s.storage.PresignGet(r.Context(), key, ttl)
	case "put":
		url, err = s.storage.PresignPut(r.Context(), key, q.Get("content_type"), ttl)
	default:
		jsonError(w, "op must be get or put", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("sign url", "path", key, "error", err)
		jsonError(w, "failed to sign url", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleSaveFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArxivID string `json:"arxiv_id"`
		Version string `json:"version"`
		Text    string `json:"user_feedback_text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		jsonError(w, "user_feedback_text is required", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(text) > maxFeedbackLen {
		jsonError(w, "user_feedback_text is too long", http.StatusBadRequest)
		return
	}
	if len(req.ArxivID) > maxPaperIDLen {
		jsonError(w, "invalid arxiv_id", http.StatusBadRequest)
		return
	}

	err := s.store.SaveFeedback(r.Context(), jobs.Feedback{PaperID: req.ArxivID, Version: req.Version, Text: text})
	if err != nil {
		s.log.Error("save feedback", "error", err)
		jsonError(w, "failed to save feedback", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
