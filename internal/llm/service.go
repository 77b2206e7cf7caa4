package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lihe8811/lumi/internal/lumidoc"
)

const (
	referencesStartTag = "[[l-references-start]]"
	referencesEndTag   = "[[l-references-end]]"

	formatMaxTokens = 32000
)

// SpanConverter turns a short model-written label into a span. It is
// satisfied by *parser.Converter.
type SpanConverter interface {
	ConvertSingleSpan(src string) lumidoc.Span
}

// ServiceConfig wires a Service. Client is required.
type ServiceConfig struct {
	Client      Client
	Stats       *Stats
	Spans       SpanConverter
	Log         *slog.Logger
	IDs         lumidoc.IDFunc
	Attempts    uint
	Concurrency int
	Backoff     func(attempt int) time.Duration
}

// Service runs the import's LLM work on top of a provider Client.
type Service struct {
	client      Client
	stats       *Stats
	spans       SpanConverter
	log         *slog.Logger
	ids         lumidoc.IDFunc
	attempts    uint
	concurrency int
	backoff     func(attempt int) time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		client:      cfg.Client,
		stats:       cfg.Stats,
		spans:       cfg.Spans,
		log:         cfg.Log,
		ids:         cfg.IDs,
		attempts:    cfg.Attempts,
		concurrency: cfg.Concurrency,
		backoff:     cfg.Backoff,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.ids == nil {
		s.ids = lumidoc.NewID
	}
	if s.attempts == 0 {
		s.attempts = 3
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.backoff == nil {
		s.backoff = Backoff
	}
	return s
}

// Stats returns the latency tracker, which may be nil.
func (s *Service) Stats() *Stats { return s.stats }

// Close releases the provider client.
func (s *Service) Close() { s.client.Close() }

// FormatRequest is the input to the document formatter.
type FormatRequest struct {
	PDF      []byte
	PDFText  string
	Latex    string
	Concepts []lumidoc.Concept
}

// Format asks the model to rewrite the paper into tagged markdown. The
// reference block's end tag doubles as a stop sequence, so it is restored
// when the model stopped on it.
func (s *Service) Format(ctx context.Context, req FormatRequest) (string, error) {
	var extra []string
	if req.Latex != "" {
		extra = append(extra, "LaTeX source:\n"+req.Latex)
	}
	out, err := s.complete(ctx, "format", Request{
		System:    formatSystemPrompt,
		Prompt:    importPrompt(req.Concepts),
		PDF:       req.PDF,
		PDFText:   req.PDFText,
		Context:   extra,
		MaxTokens: formatMaxTokens,
		Stop:      []string{referencesEndTag},
	})
	if err != nil {
		return "", err
	}
	if strings.Contains(out, referencesStartTag) && !strings.Contains(out, referencesEndTag) {
		out += referencesEndTag
	}
	return out, nil
}

// complete runs one call with retries on transient errors and records its
// latency.
func (s *Service) complete(ctx context.Context, op string, req Request) (string, error) {
	var out string
	start := time.Now()
	err := retry.Do(
		func() error {
			var err error
			out, err = s.client.Complete(ctx, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.RetryIf(IsRetryable),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return s.backoff(int(n))
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warn("llm call failed, retrying", "op", op, "attempt", n+1, "error", err)
		}),
	)
	s.stats.Record(op, time.Since(start), err != nil)
	if err != nil {
		return "", err
	}
	return out, nil
}
