package llm

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/lihe8811/lumi/internal/lumidoc"
	"golang.org/x/sync/errgroup"
)

const (
	// Sections and contents shorter than this are not worth a summary.
	minCharacterLength = 100

	spanBatchSize    = 250
	sectionBatchSize = 25
	contentBatchSize = 40
)

type labelItem struct {
	ID   string
	Text string
}

type labelReply struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type summaryKind struct {
	op     string
	prompt func([]labelItem) string
	items  []labelItem
	batch  int
	dst    *[]lumidoc.Summary
}

// Summaries labels every section, content block and sentence of the
// document and picks the abstract's key sentence. Batches run
// concurrently. A batch whose reply is unusable is split in half and
// retried until single items are dropped. Quota errors and cancellation
// abort the whole run.
func (s *Service) Summaries(ctx context.Context, doc *lumidoc.Document) (*lumidoc.Summaries, error) {
	out := &lumidoc.Summaries{
		SectionSummaries: []lumidoc.Summary{},
		ContentSummaries: []lumidoc.Summary{},
		SpanSummaries:    []lumidoc.Summary{},
	}
	kinds := []summaryKind{
		{"section_summaries", sectionSummariesPrompt, sectionItems(doc.Sections), sectionBatchSize, &out.SectionSummaries},
		{"content_summaries", contentSummariesPrompt, contentItems(doc.Sections), contentBatchSize, &out.ContentSummaries},
		{"span_summaries", spanSummariesPrompt, spanItems(lumidoc.AllSpans(doc.Sections)), spanBatchSize, &out.SpanSummaries},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	results := make([][][]lumidoc.Summary, len(kinds))
	for k, kind := range kinds {
		batches := chunk(kind.items, kind.batch)
		results[k] = make([][]lumidoc.Summary, len(batches))
		for b, batch := range batches {
			g.Go(func() error {
				sums, err := s.summarizeBatch(gctx, kind.op, kind.prompt, batch)
				if err != nil {
					return err
				}
				results[k][b] = sums
				return nil
			})
		}
	}
	if doc.Abstract != nil {
		g.Go(func() error {
			id, err := s.abstractExcerpt(gctx, doc.Abstract)
			if err != nil {
				return err
			}
			out.AbstractExcerptSpanID = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for k, kind := range kinds {
		for _, sums := range results[k] {
			*kind.dst = append(*kind.dst, sums...)
		}
	}
	return out, nil
}

func (s *Service) summarizeBatch(ctx context.Context, op string, prompt func([]labelItem) string, items []labelItem) ([]lumidoc.Summary, error) {
	if len(items) == 0 {
		return nil, nil
	}
	reply, err := s.complete(ctx, op, Request{Prompt: prompt(items)})
	var labels []labelReply
	if err == nil {
		err = decodeStructured(reply, labelsSchema, &labels)
	}
	if err == nil && len(labels) == 0 {
		err = invalidResponse("no labels returned")
	}
	if err == nil {
		return s.toSummaries(items, labels), nil
	}
	if isFatal(err) {
		return nil, err
	}
	if len(items) == 1 {
		s.log.Warn("dropping summary after failed attempts", "op", op, "id", items[0].ID, "error", err)
		return nil, nil
	}

	mid := len(items) / 2
	left, err := s.summarizeBatch(ctx, op, prompt, items[:mid])
	if err != nil {
		return nil, err
	}
	right, err := s.summarizeBatch(ctx, op, prompt, items[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// toSummaries keeps the labels whose ids were in the batch.
func (s *Service) toSummaries(items []labelItem, labels []labelReply) []lumidoc.Summary {
	want := make(map[string]bool, len(items))
	for _, it := range items {
		want[it.ID] = true
	}
	out := make([]lumidoc.Summary, 0, len(labels))
	for _, l := range labels {
		if !want[l.ID] {
			continue
		}
		delete(want, l.ID)
		out = append(out, lumidoc.Summary{ID: l.ID, Summary: s.labelSpan(l.Label)})
	}
	return out
}

func (s *Service) labelSpan(label string) lumidoc.Span {
	if s.spans != nil {
		if span := s.spans.ConvertSingleSpan(label); span.Text != "" {
			return span
		}
	}
	return lumidoc.Span{ID: s.ids(), Text: label, InnerTags: []lumidoc.InnerTag{}}
}

type excerptReply struct {
	ID string `json:"id"`
}

// abstractExcerpt returns the id of the abstract's most important sentence,
// or "" when the model cannot pick one.
func (s *Service) abstractExcerpt(ctx context.Context, abstract *lumidoc.Abstract) (string, error) {
	var spans []lumidoc.Span
	for _, c := range abstract.Contents {
		spans = append(spans, lumidoc.Spans(c)...)
	}
	items := spanItems(spans)
	if len(items) == 0 {
		return "", nil
	}

	reply, err := s.complete(ctx, "abstract_excerpt", Request{Prompt: abstractExcerptPrompt(items)})
	var parsed excerptReply
	if err == nil {
		err = decodeStructured(reply, excerptSchema, &parsed)
	}
	if err != nil {
		if isFatal(err) {
			return "", err
		}
		s.log.Warn("abstract excerpt failed", "error", err)
		return "", nil
	}
	for _, it := range items {
		if it.ID == parsed.ID {
			return parsed.ID, nil
		}
	}
	s.log.Warn("abstract excerpt names an unknown span", "id", parsed.ID)
	return "", nil
}

func isFatal(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func chunk(items []labelItem, size int) [][]labelItem {
	var out [][]labelItem
	for i := 0; i < len(items); i += size {
		out = append(out, items[i:min(i+size, len(items))])
	}
	return out
}

func spanItems(spans []lumidoc.Span) []labelItem {
	out := make([]labelItem, 0, len(spans))
	for _, sp := range spans {
		out = append(out, labelItem{ID: sp.ID, Text: sp.Text})
	}
	return out
}

func contentItems(sections []*lumidoc.Section) []labelItem {
	var out []labelItem
	lumidoc.WalkSections(sections, func(c *lumidoc.Content) {
		if c.TextContent == nil && c.ListContent == nil {
			return
		}
		text := joinSpans(lumidoc.Spans(c))
		if utf8.RuneCountInString(text) > minCharacterLength {
			out = append(out, labelItem{ID: c.ID, Text: text})
		}
	})
	return out
}

func sectionItems(sections []*lumidoc.Section) []labelItem {
	var out []labelItem
	var visit func(ss []*lumidoc.Section, depth int)
	visit = func(ss []*lumidoc.Section, depth int) {
		if depth >= lumidoc.MaxDepth {
			return
		}
		for _, sec := range ss {
			text := joinSpans(lumidoc.AllSpans([]*lumidoc.Section{sec}))
			if utf8.RuneCountInString(text) > minCharacterLength {
				out = append(out, labelItem{ID: sec.ID, Text: text})
			}
			visit(sec.SubSections, depth+1)
		}
	}
	visit(sections, 0)
	return out
}

func joinSpans(spans []lumidoc.Span) string {
	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.Text
	}
	return strings.Join(texts, " ")
}
