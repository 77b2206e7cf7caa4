// Package fetch downloads papers, LaTeX sources and metadata from arXiv.
package fetch

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lihe8811/lumi/internal/lumidoc"
)

const (
	DefaultBaseURL = "https://arxiv.org"
	DefaultAPIURL  = "http://export.arxiv.org/api/query"

	maxDownloadBytes = 256 << 20
)

// Options configures a Fetcher. Zero values take the defaults.
type Options struct {
	BaseURL  string
	APIURL   string
	Timeout  time.Duration
	Attempts uint
	Delay    time.Duration
	Log      *slog.Logger
}

// Fetcher talks to arXiv over HTTP with retries on network errors, 429
// and 5xx responses.
type Fetcher struct {
	baseURL    string
	apiURL     string
	httpClient *http.Client
	attempts   uint
	delay      time.Duration
	log        *slog.Logger
}

func New(opts Options) *Fetcher {
	f := &Fetcher{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiURL:   opts.APIURL,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		log:      opts.Log,
	}
	if f.baseURL == "" {
		f.baseURL = DefaultBaseURL
	}
	if f.apiURL == "" {
		f.apiURL = DefaultAPIURL
	}
	if f.attempts == 0 {
		f.attempts = 3
	}
	if f.delay == 0 {
		f.delay = time.Second
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	f.httpClient = &http.Client{Timeout: timeout}
	return f
}

// PDFURL is the arXiv PDF location for a versioned paper.
func (f *Fetcher) PDFURL(id, version string) string {
	return fmt.Sprintf("%s/pdf/%sv%s", f.baseURL, id, version)
}

// FetchPDF downloads a PDF.
func (f *Fetcher) FetchPDF(ctx context.Context, pdfURL string) ([]byte, error) {
	body, _, err := f.get(ctx, pdfURL)
	if err != nil {
		return nil, fmt.Errorf("fetch pdf: %w", err)
	}
	return body, nil
}

// FetchLatexSource downloads the e-print archive. ok is false when arXiv
// has no gzip source for the paper (PDF-only submissions).
func (f *Fetcher) FetchLatexSource(ctx context.Context, id, version string) ([]byte, bool, error) {
	body, contentType, err := f.get(ctx, fmt.Sprintf("%s/src/%sv%s", f.baseURL, id, version))
	if err != nil {
		return nil, false, fmt.Errorf("fetch latex source: %w", err)
	}
	switch {
	case strings.Contains(contentType, "application/x-gzip"),
		strings.Contains(contentType, "application/gzip"),
		strings.Contains(contentType, "application/x-eprint-tar"):
		return body, true, nil
	}
	f.log.Info("no latex source available", "arxiv_id", id, "version", version, "content_type", contentType)
	return nil, false, nil
}

type atomFeed struct {
	Entries []atomEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type atomEntry struct {
	ID        string       `xml:"http://www.w3.org/2005/Atom id"`
	Title     string       `xml:"http://www.w3.org/2005/Atom title"`
	Summary   string       `xml:"http://www.w3.org/2005/Atom summary"`
	Updated   string       `xml:"http://www.w3.org/2005/Atom updated"`
	Published string       `xml:"http://www.w3.org/2005/Atom published"`
	Authors   []atomAuthor `xml:"http://www.w3.org/2005/Atom author"`
}

type atomAuthor struct {
	Name string `xml:"http://www.w3.org/2005/Atom name"`
}

// FetchMetadata queries the arXiv API for the given ids, which may carry a
// version suffix.
func (f *Fetcher) FetchMetadata(ctx context.Context, ids []string) ([]lumidoc.Metadata, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{"id_list": {strings.Join(ids, ",")}}
	body, _, err := f.get(ctx, f.apiURL+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	out := make([]lumidoc.Metadata, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		id, version := SplitVersion(versionedID(e.ID))
		if id == "" {
			continue
		}
		md := lumidoc.Metadata{
			PaperID:            id,
			Version:            version,
			Authors:            []string{},
			Title:              strings.Join(strings.Fields(e.Title), " "),
			Summary:            strings.TrimSpace(e.Summary),
			UpdatedTimestamp:   strings.TrimSpace(e.Updated),
			PublishedTimestamp: strings.TrimSpace(e.Published),
		}
		for _, a := range e.Authors {
			if name := strings.TrimSpace(a.Name); name != "" {
				md.Authors = append(md.Authors, name)
			}
		}
		out = append(out, md)
	}
	return out, nil
}

var versionPattern = regexp.MustCompile(`^(.+?)v(\d+)$`)

// SplitVersion splits "2401.00001v2" into "2401.00001" and "2". A bare id
// returns an empty version.
func SplitVersion(s string) (id, version string) {
	s = strings.TrimSpace(s)
	if m := versionPattern.FindStringSubmatch(s); m != nil {
		return m[1], m[2]
	}
	return s, ""
}

// versionedID pulls "2401.00001v2" (or "hep-th/9901001v1") out of an entry
// id such as "http://arxiv.org/abs/2401.00001v2".
func versionedID(entryID string) string {
	entryID = strings.TrimSpace(entryID)
	if i := strings.Index(entryID, "/abs/"); i >= 0 {
		return entryID[i+len("/abs/"):]
	}
	return entryID
}

// statusError is an HTTP failure. Only 429 and 5xx are retried.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

func (f *Fetcher) get(ctx context.Context, target string) ([]byte, string, error) {
	var body []byte
	var contentType string
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := f.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				serr := &statusError{StatusCode: resp.StatusCode, Body: string(snippet)}
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return serr
				}
				return retry.Unrecoverable(serr)
			}
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
			if err != nil {
				return err
			}
			if len(data) > maxDownloadBytes {
				return retry.Unrecoverable(errors.New("response too large"))
			}
			body, contentType = data, resp.Header.Get("Content-Type")
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			f.log.Warn("retrying arxiv request", "url", target, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}
