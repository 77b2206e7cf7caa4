// Package parser converts formatter output (markdown with import tags) into
// a lumidoc.Document.
package parser

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// Converter holds the renderer, sanitizer and id source for one or more
// conversions. It is safe for sequential use; ids are shared across calls.
type Converter struct {
	ids    lumidoc.IDFunc
	log    *slog.Logger
	policy *bluemonday.Policy
	md     goldmark.Markdown
}

// NewConverter returns a Converter. A nil ids uses random ids.
func NewConverter(log *slog.Logger, ids lumidoc.IDFunc) *Converter {
	if ids == nil {
		ids = lumidoc.NewID
	}
	if log == nil {
		log = slog.Default()
	}
	return &Converter{
		ids:    ids,
		log:    log,
		policy: bluemonday.UGCPolicy(),
		md:     newMarkdown(),
	}
}

// Convert builds a document from formatter output. Concepts are attached
// to the document and annotated in the abstract. When nothing parses into
// contents the whole raw output becomes a single fallback text block.
func (c *Converter) Convert(modelOutput string, concepts []lumidoc.Concept, fileID string) (*lumidoc.Document, error) {
	if concepts == nil {
		concepts = []lumidoc.Concept{}
	}
	doc := &lumidoc.Document{
		Markdown:   modelOutput,
		Sections:   []*lumidoc.Section{},
		Concepts:   concepts,
		References: []lumidoc.Reference{},
		Footnotes:  []lumidoc.Footnote{},
	}

	placeholders := PlaceholderMap{}
	processed := c.ExtractFigures(modelOutput, fileID, placeholders)
	parts := ParseImportTags(processed)

	if parts.Abstract != "" {
		sections, err := c.convertBody(parts.Abstract, placeholders)
		if err != nil {
			return nil, fmt.Errorf("convert abstract: %w", err)
		}
		abstract := &lumidoc.Abstract{Contents: []*lumidoc.Content{}}
		lumidoc.WalkSections(sections, func(ct *lumidoc.Content) {
			if ct.TextContent != nil {
				ct.TextContent.Spans = lumidoc.AnnotateConcepts(ct.TextContent.Spans, concepts)
			}
			abstract.Contents = append(abstract.Contents, ct)
		})
		doc.Abstract = abstract
	}

	if parts.Content != "" {
		sections, err := c.convertBody(parts.Content, placeholders)
		if err != nil {
			return nil, fmt.Errorf("convert content: %w", err)
		}
		doc.Sections = sections
	}

	for _, item := range parts.References {
		doc.References = append(doc.References, lumidoc.Reference{ID: item.ID, Span: c.ConvertSingleSpan(item.Content)})
	}
	for _, item := range parts.Footnotes {
		doc.Footnotes = append(doc.Footnotes, lumidoc.Footnote{ID: item.ID, Span: c.ConvertSingleSpan(item.Content)})
	}

	if lumidoc.CountContents(doc) == 0 {
		c.log.Warn("no contents parsed, using fallback block", "file_id", fileID)
		doc.Abstract = nil
		doc.Sections = []*lumidoc.Section{c.fallbackSection(modelOutput)}
	}
	return doc, nil
}

func (c *Converter) convertBody(src string, placeholders PlaceholderMap) ([]*lumidoc.Section, error) {
	m := placeholders.clone()
	src = c.ExtractEquations(src, m)
	out, err := c.MarkdownToHTML(src)
	if err != nil {
		return nil, err
	}
	return c.BuildSections(out, m)
}

func (c *Converter) fallbackSection(raw string) *lumidoc.Section {
	return &lumidoc.Section{
		ID: c.ids(),
		Contents: []*lumidoc.Content{{
			ID: c.ids(),
			TextContent: &lumidoc.TextContent{
				TagName: "p",
				Spans:   []lumidoc.Span{{ID: c.ids(), Text: raw, InnerTags: []lumidoc.InnerTag{}}},
			},
		}},
	}
}

// ConvertSingleSpan converts a short markdown fragment (a caption, a
// reference entry or a model-written label) into one span. Paragraphs are
// joined and equations become math tags.
func (c *Converter) ConvertSingleSpan(src string) lumidoc.Span {
	m := PlaceholderMap{}
	marked := c.ExtractEquations(strings.TrimSpace(src), m)
	out, err := c.MarkdownToHTML(marked)
	if err != nil {
		c.log.Warn("render span", "error", err)
		return lumidoc.Span{ID: c.ids(), Text: src, InnerTags: []lumidoc.InnerTag{}}
	}
	doc, err := html.Parse(strings.NewReader(out))
	if err != nil {
		return lumidoc.Span{ID: c.ids(), Text: src, InnerTags: []lumidoc.InnerTag{}}
	}
	var nodes []*html.Node
	if body := findBody(doc); body != nil {
		nodes = childNodes(body)
	}
	spans, _ := c.convertInline(nodes, m, false)
	if len(spans) == 0 {
		return lumidoc.Span{ID: c.ids(), Text: "", InnerTags: []lumidoc.InnerTag{}}
	}
	return spans[0]
}
