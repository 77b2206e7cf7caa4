package lumidoc

import (
	"fmt"
	"unicode/utf8"
)

// Walk visits every content block in document order: abstract first, then
// sections depth first. Sections nested deeper than MaxDepth are skipped.
func Walk(doc *Document, fn func(*Content)) {
	if doc == nil {
		return
	}
	if doc.Abstract != nil {
		for _, c := range doc.Abstract.Contents {
			fn(c)
		}
	}
	WalkSections(doc.Sections, fn)
}

// WalkSections visits the contents of sections depth first.
func WalkSections(sections []*Section, fn func(*Content)) {
	walkSections(sections, fn, 0)
}

func walkSections(sections []*Section, fn func(*Content), depth int) {
	if depth >= MaxDepth {
		return
	}
	for _, s := range sections {
		for _, c := range s.Contents {
			fn(c)
		}
		walkSections(s.SubSections, fn, depth+1)
	}
}

// Images returns every image in document order. Figure images are expanded
// in the order they appear in the figure.
func Images(doc *Document) []*ImageContent {
	var out []*ImageContent
	Walk(doc, func(c *Content) {
		switch {
		case c.ImageContent != nil:
			out = append(out, c.ImageContent)
		case c.FigureContent != nil:
			out = append(out, c.FigureContent.Images...)
		}
	})
	return out
}

// CountContents returns the number of content blocks in the document.
func CountContents(doc *Document) int {
	n := 0
	Walk(doc, func(*Content) { n++ })
	return n
}

// Spans returns the text-bearing spans of a content block. Captions are not
// included.
func Spans(c *Content) []Span {
	switch {
	case c.TextContent != nil:
		return c.TextContent.Spans
	case c.ListContent != nil:
		return listSpans(c.ListContent, 0)
	}
	return nil
}

func listSpans(l *ListContent, depth int) []Span {
	if l == nil || depth >= MaxDepth {
		return nil
	}
	var out []Span
	for _, item := range l.ListItems {
		out = append(out, item.Spans...)
		out = append(out, listSpans(item.SubListContent, depth+1)...)
	}
	return out
}

// AllSpans returns every text span of the given sections in document order.
func AllSpans(sections []*Section) []Span {
	var out []Span
	WalkSections(sections, func(c *Content) {
		out = append(out, Spans(c)...)
	})
	return out
}

// ValidateTags checks that every tag range lies within the span text and
// that children lie within their parent.
func ValidateTags(s Span) error {
	n := utf8.RuneCountInString(s.Text)
	return validateTags(s.InnerTags, Position{0, n}, 0)
}

func validateTags(tags []InnerTag, bounds Position, depth int) error {
	if depth >= MaxDepth {
		return fmt.Errorf("inner tags nested deeper than %d", MaxDepth)
	}
	for _, t := range tags {
		if t.Position.StartIndex > t.Position.EndIndex {
			return fmt.Errorf("tag %s: inverted range [%d,%d)", t.TagName, t.Position.StartIndex, t.Position.EndIndex)
		}
		if !bounds.contains(t.Position) {
			return fmt.Errorf("tag %s: range [%d,%d) outside [%d,%d)", t.TagName,
				t.Position.StartIndex, t.Position.EndIndex, bounds.StartIndex, bounds.EndIndex)
		}
		if err := validateTags(t.Children, t.Position, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// DanglingRef is an inline tag whose id resolves to nothing.
type DanglingRef struct {
	TagName string
	ID      string
}

// DanglingRefs lists reference, footnote, concept and span-reference tags
// that point at ids missing from the document.
func DanglingRefs(doc *Document) []DanglingRef {
	refs := make(map[string]bool, len(doc.References))
	for _, r := range doc.References {
		refs[r.ID] = true
	}
	notes := make(map[string]bool, len(doc.Footnotes))
	for _, f := range doc.Footnotes {
		notes[f.ID] = true
	}
	concepts := make(map[string]bool, len(doc.Concepts))
	for _, c := range doc.Concepts {
		concepts[c.ID] = true
	}
	spans := make(map[string]bool)
	var all []Span
	Walk(doc, func(c *Content) { all = append(all, Spans(c)...) })
	for _, s := range all {
		spans[s.ID] = true
	}

	var out []DanglingRef
	var check func(tags []InnerTag, depth int)
	check = func(tags []InnerTag, depth int) {
		if depth >= MaxDepth {
			return
		}
		for _, t := range tags {
			switch t.TagName {
			case TagReference:
				if !refs[t.Metadata["id"]] {
					out = append(out, DanglingRef{t.TagName, t.Metadata["id"]})
				}
			case TagFootnote:
				if !notes[t.Metadata["id"]] {
					out = append(out, DanglingRef{t.TagName, t.Metadata["id"]})
				}
			case TagConcept:
				if !concepts[t.Metadata["conceptId"]] {
					out = append(out, DanglingRef{t.TagName, t.Metadata["conceptId"]})
				}
			case TagSpanReference:
				if !spans[t.Metadata["id"]] {
					out = append(out, DanglingRef{t.TagName, t.Metadata["id"]})
				}
			}
			check(t.Children, depth+1)
		}
	}
	for _, s := range all {
		check(s.InnerTags, 0)
	}
	return out
}
