package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lihe8811/lumi/internal/config"
	"github.com/lihe8811/lumi/internal/jobs"
	"github.com/lihe8811/lumi/internal/llm"
	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/lihe8811/lumi/internal/pipeline"
	"github.com/lihe8811/lumi/internal/storage"
)

type stubMetadata struct {
	found []lumidoc.Metadata
	calls int
}

func (m *stubMetadata) FetchMetadata(context.Context, []string) ([]lumidoc.Metadata, error) {
	m.calls++
	return m.found, nil
}

type testEnv struct {
	srv      *Server
	store    *jobs.MemoryStore
	queue    *jobs.MemoryQueue
	storage  *storage.Memory
	metadata *stubMetadata
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{APIKey: apiKey, MaxUploadBytes: 1 << 20, PollInterval: time.Millisecond}
	env := &testEnv{
		store:    jobs.NewMemoryStore(),
		queue:    jobs.NewMemoryQueue(100),
		storage:  storage.NewMemory(),
		metadata: &stubMetadata{},
	}
	stats := llm.NewStats(time.Hour)
	stats.Record("format", 100*time.Millisecond, false)
	env.srv = NewServer(Options{
		Orchestrator: pipeline.NewOrchestrator(cfg, env.store, env.queue, nil, log),
		Store:        env.store,
		Storage:      env.storage,
		Metadata:     env.metadata,
		Stats:        stats,
		Model:        "test-model",
		Log:          log,
		Config:       cfg,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "secret")
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret")
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic secret", http.StatusUnauthorized},
		{"ok", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/list-papers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRequestImport(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/request_arxiv_doc_import", map[string]string{"arxiv_id": "2401.00001", "version": "2"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var first importResponse
	decode(t, rec, &first)
	if first.ArxivID != "2401.00001" || first.Version != "2" || first.Status != jobs.StatusWaiting {
		t.Errorf("unexpected response %+v", first)
	}

	// A versioned id is split; the pending job is reused.
	rec = env.do(t, http.MethodPost, "/api/request_arxiv_doc_import", map[string]string{"arxiv_id": "2401.00001v2"})
	var second importResponse
	decode(t, rec, &second)
	if second.JobID != first.JobID {
		t.Errorf("expected job %s reused, got %s", first.JobID, second.JobID)
	}
	if env.metadata.calls != 0 {
		t.Errorf("expected no metadata lookup, got %d", env.metadata.calls)
	}
}

func TestRequestImport_ResolvesLatestVersion(t *testing.T) {
	env := newTestEnv(t, "")
	env.metadata.found = []lumidoc.Metadata{{PaperID: "2401.00001", Version: "3"}}

	rec := env.do(t, http.MethodPost, "/api/request_arxiv_doc_import", map[string]string{"arxiv_id": "2401.00001"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp importResponse
	decode(t, rec, &resp)
	if resp.Version != "3" {
		t.Errorf("expected version 3, got %q", resp.Version)
	}

	env.metadata.found = nil
	rec = env.do(t, http.MethodPost, "/api/request_arxiv_doc_import", map[string]string{"arxiv_id": "9999.99999"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown paper, got %d", rec.Code)
	}
}

func TestRequestImport_Validation(t *testing.T) {
	env := newTestEnv(t, "")
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("1", 65)},
		{"traversal", "../etc"},
		{"spaces", "24 01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/request_arxiv_doc_import", map[string]string{"arxiv_id": tt.id, "version": "1"})
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/request_arxiv_doc_import", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestJobStatus(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	job, _ := env.store.CreateJob(ctx, jobs.NewJob{PaperID: "2401.00001", Version: "1"})
	env.store.UpdateProgress(ctx, job.ID, jobs.Update{Status: jobs.StatusInProgress, Stage: jobs.StageSummarizing, ProgressPercent: 0.7})

	rec := env.do(t, http.MethodGet, "/api/job-status/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]any
	decode(t, rec, &got)
	if got["stage"] != string(jobs.StageSummarizing) || got["progress_percent"] != 0.7 {
		t.Errorf("unexpected status body %v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/job-status/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload_pdf", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadPDF(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, uploadRequest(t, "Deep Nets.pdf", []byte("%PDF-1.4 fake")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var first importResponse
	decode(t, rec, &first)
	if !strings.HasPrefix(first.ArxivID, "upload-") {
		t.Errorf("expected upload id, got %q", first.ArxivID)
	}
	if _, err := env.storage.GetBytes(ctx, pipeline.UploadKey(first.ArxivID)); err != nil {
		t.Errorf("expected pdf stored, got %v", err)
	}
	md, err := env.store.GetMetadata(ctx, first.ArxivID)
	if err != nil || md.Source != pipeline.SourceUpload || md.Title != "Deep Nets" {
		t.Errorf("expected upload metadata titled Deep Nets, got %+v (%v)", md, err)
	}

	// Once the first import succeeds, the same title is a duplicate.
	env.store.UpdateProgress(ctx, first.JobID, jobs.Update{Status: jobs.StatusSuccess, Stage: jobs.StageSuccess, ProgressPercent: 1})
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, uploadRequest(t, "deep-nets.pdf", []byte("%PDF-1.4 other")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d: %s", rec.Code, rec.Body.String())
	}
	var dup importResponse
	decode(t, rec, &dup)
	if !dup.Duplicate || dup.ArxivID != first.ArxivID || dup.Status != jobs.StatusSuccess {
		t.Errorf("expected duplicate of %s, got %+v", first.ArxivID, dup)
	}
	job, _ := env.store.GetJob(ctx, dup.JobID)
	if job.Stage != jobs.StageDuplicate {
		t.Errorf("expected stage DUPLICATE, got %s", job.Stage)
	}
}

func TestUploadPDF_RejectsNonPDF(t *testing.T) {
	env := newTestEnv(t, "")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, uploadRequest(t, "notes.pdf", []byte("hello")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetMetadata(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.store.SaveMetadata(ctx, lumidoc.Metadata{PaperID: "2401.00001", Title: "Stored", Authors: []string{}})

	rec := env.do(t, http.MethodPost, "/api/get_arxiv_metadata", map[string]string{"arxiv_id": "2401.00001v1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		ArxivID  string           `json:"arxiv_id"`
		Metadata lumidoc.Metadata `json:"metadata"`
	}
	decode(t, rec, &got)
	if got.Metadata.Title != "Stored" {
		t.Errorf("expected stored title, got %q", got.Metadata.Title)
	}

	rec = env.do(t, http.MethodPost, "/api/get_arxiv_metadata", map[string]string{"arxiv_id": "2402.00002"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	env.metadata.found = []lumidoc.Metadata{{PaperID: "2402.00002", Title: "Fetched"}}
	rec = env.do(t, http.MethodPost, "/api/get_arxiv_metadata", map[string]string{"arxiv_id": "2402.00002"})
	decode(t, rec, &got)
	if got.Metadata.Title != "Fetched" {
		t.Errorf("expected fetched title, got %q", got.Metadata.Title)
	}
}

func TestGetDocumentAndList(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec := env.do(t, http.MethodGet, "/api/list-papers", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"papers":[]`) {
		t.Errorf("expected empty list, got %d %s", rec.Code, rec.Body.String())
	}

	doc := &lumidoc.Document{Markdown: "m", Metadata: &lumidoc.Metadata{Title: "T"}}
	env.store.SaveDocument(ctx, "2401.00001", "1", doc, &lumidoc.Summaries{AbstractExcerptSpanID: "s9"})

	rec = env.do(t, http.MethodGet, "/api/lumi-doc/2401.00001/v1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Doc       lumidoc.Document  `json:"doc"`
		Summaries lumidoc.Summaries `json:"summaries"`
	}
	decode(t, rec, &got)
	if got.Doc.Markdown != "m" || got.Summaries.AbstractExcerptSpanID != "s9" {
		t.Errorf("unexpected document body %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/lumi-doc/2401.00001/2", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/list-papers", nil)
	var list struct {
		Papers []jobs.PaperSummary `json:"papers"`
	}
	decode(t, rec, &list)
	if len(list.Papers) != 1 || list.Papers[0].Metadata.PaperID != "2401.00001" {
		t.Errorf("unexpected list %s", rec.Body.String())
	}
}

func TestSignURL(t *testing.T) {
	env := newTestEnv(t, "")
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"default get", "path=papers/a/v1/lumi_doc.json", http.StatusOK},
		{"put", "path=uploads/x/source.pdf&op=put&expires_in=600", http.StatusOK},
		{"missing path", "op=get", http.StatusBadRequest},
		{"absolute", "path=/etc/passwd", http.StatusBadRequest},
		{"traversal", "path=papers/../secret", http.StatusBadRequest},
		{"bad op", "path=a&op=delete", http.StatusBadRequest},
		{"expiry too short", "path=a&expires_in=10", http.StatusBadRequest},
		{"expiry too long", "path=a&expires_in=100000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/sign-url?"+tt.query, nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := env.do(t, http.MethodGet, "/api/sign-url?path=papers/a.json", nil)
	var got map[string]string
	decode(t, rec, &got)
	if got["url"] != "memory://papers/a.json" {
		t.Errorf("expected memory url, got %q", got["url"])
	}
}

func TestSaveFeedback(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/save_user_feedback", map[string]string{"user_feedback_text": "Nice", "arxiv_id": "2401.00001"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	fb := env.store.Feedback()
	if len(fb) != 1 || fb[0].Text != "Nice" || fb[0].PaperID != "2401.00001" {
		t.Errorf("unexpected feedback %+v", fb)
	}

	rec = env.do(t, http.MethodPost, "/api/save_user_feedback", map[string]string{"user_feedback_text": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/save_user_feedback", map[string]string{"user_feedback_text": strings.Repeat("x", 1025)})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for long text, got %d", rec.Code)
	}
}

func TestLLMStats(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/stats/llm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Model string            `json:"model"`
		Stats llm.StatsSnapshot `json:"stats"`
	}
	decode(t, rec, &got)
	if got.Model != "test-model" || got.Stats.Count != 1 {
		t.Errorf("unexpected stats body %s", rec.Body.String())
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"paper.pdf", "paper.pdf"},
		{"../../etc/passwd", "passwd"},
		{"a..b.pdf", "a_b.pdf"},
		{"", "unnamed"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
