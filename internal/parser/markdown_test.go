package parser

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/lihe8811/lumi/internal/lumidoc"
)

func newTestConverter() *Converter {
	return NewConverter(slog.New(slog.NewTextHandler(io.Discard, nil)), lumidoc.SequentialIDs("id"))
}

func spanTexts(c *lumidoc.Content) []string {
	var out []string
	for _, s := range lumidoc.Spans(c) {
		out = append(out, s.Text)
	}
	return out
}

func TestBuildSections_HeadingHierarchy(t *testing.T) {
	input := `# Title

Intro text.

## Section A

Section A content.

### Subsection A1

Subsection A1 content.

## Section B

Section B content.
`
	c := newTestConverter()
	out, err := c.MarkdownToHTML(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sections, err := c.BuildSections(out, PlaceholderMap{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sections) != 1 {
		t.Fatalf("expected 1 top-level section (h1), got %d", len(sections))
	}
	h1 := sections[0]
	if h1.Heading.Text != "Title" || h1.Heading.HeadingLevel != 1 {
		t.Errorf("expected level 1 %q, got %+v", "Title", h1.Heading)
	}
	if len(h1.Contents) != 1 || spanTexts(h1.Contents[0])[0] != "Intro text." {
		t.Errorf("expected intro paragraph under h1, got %d contents", len(h1.Contents))
	}

	if len(h1.SubSections) != 2 {
		t.Fatalf("expected 2 h2 sub-sections, got %d", len(h1.SubSections))
	}
	secA, secB := h1.SubSections[0], h1.SubSections[1]
	if secA.Heading.Text != "Section A" {
		t.Errorf("expected %q, got %q", "Section A", secA.Heading.Text)
	}
	if secB.Heading.Text != "Section B" {
		t.Errorf("expected %q, got %q", "Section B", secB.Heading.Text)
	}
	if len(secA.SubSections) != 1 || secA.SubSections[0].Heading.HeadingLevel != 3 {
		t.Fatalf("expected one h3 under Section A, got %d", len(secA.SubSections))
	}
	if len(secB.SubSections) != 0 {
		t.Errorf("expected Section B to have no sub-sections, got %d", len(secB.SubSections))
	}
}

func TestBuildSections_LeadingContentIsHeadless(t *testing.T) {
	c := newTestConverter()
	out, _ := c.MarkdownToHTML("Before any heading.\n\n# Heading\n\nAfter.\n")
	sections, err := c.BuildSections(out, PlaceholderMap{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected headless section plus heading section, got %d", len(sections))
	}
	if sections[0].Heading.HeadingLevel != 0 || sections[0].Heading.Text != "" {
		t.Errorf("expected empty heading, got %+v", sections[0].Heading)
	}
	if got := spanTexts(sections[0].Contents[0]); got[0] != "Before any heading." {
		t.Errorf("expected leading text, got %v", got)
	}
	if sections[1].Heading.Text != "Heading" {
		t.Errorf("expected %q, got %q", "Heading", sections[1].Heading.Text)
	}
}

func TestBuildSections_Lists(t *testing.T) {
	c := newTestConverter()
	out, _ := c.MarkdownToHTML("- one\n- two\n  - nested\n\n1. first\n")
	sections, err := c.BuildSections(out, PlaceholderMap{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	contents := sections[0].Contents
	if len(contents) != 2 {
		t.Fatalf("expected 2 lists, got %d", len(contents))
	}
	ul, ol := contents[0].ListContent, contents[1].ListContent
	if ul == nil || ol == nil {
		t.Fatalf("expected list contents, got %v and %v", contents[0].Kind(), contents[1].Kind())
	}
	if ul.IsOrdered || !ol.IsOrdered {
		t.Errorf("expected unordered then ordered, got %v and %v", ul.IsOrdered, ol.IsOrdered)
	}
	if len(ul.ListItems) != 2 {
		t.Fatalf("expected 2 items, got %d", len(ul.ListItems))
	}
	if ul.ListItems[1].Spans[0].Text != "two" {
		t.Errorf("expected %q, got %q", "two", ul.ListItems[1].Spans[0].Text)
	}
	sub := ul.ListItems[1].SubListContent
	if sub == nil || len(sub.ListItems) != 1 || sub.ListItems[0].Spans[0].Text != "nested" {
		t.Errorf("expected nested item under %q, got %+v", "two", sub)
	}
}

func TestMarkdownToHTML_Table(t *testing.T) {
	c := newTestConverter()
	out, err := c.MarkdownToHTML("| a | b |\n|---|---|\n| 1 | 2 |\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "<table>") {
		t.Errorf("expected a table, got %q", out)
	}
	sections, _ := c.BuildSections(out, PlaceholderMap{})
	if sections[0].Contents[0].HTMLFigureContent == nil {
		t.Errorf("expected table to become an HTML figure, got %v", sections[0].Contents[0].Kind())
	}
}
