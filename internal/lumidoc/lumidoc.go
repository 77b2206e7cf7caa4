// Package lumidoc defines the structured paper document produced by the
// import pipeline and the tree utilities that operate on it.
package lumidoc

import (
	"errors"
	"fmt"
)

// MaxDepth bounds every recursive walk over sections, list items and inner tags.
const MaxDepth = 32

// Inner tag names.
const (
	TagBold          = "b"
	TagItalic        = "i"
	TagStrong        = "strong"
	TagEm            = "em"
	TagUnderline     = "u"
	TagMath          = "math"
	TagMathDisplay   = "math_display"
	TagReference     = "ref"
	TagSpanReference = "spanref"
	TagConcept       = "concept"
	TagLink          = "a"
	TagCode          = "code"
	TagFootnote      = "footnote"
)

// Document is the converted paper.
type Document struct {
	Markdown       string      `json:"markdown"`
	Sections       []*Section  `json:"sections"`
	Concepts       []Concept   `json:"concepts"`
	SectionOutline []*Section  `json:"sectionOutline,omitempty"`
	Abstract       *Abstract   `json:"abstract,omitempty"`
	References     []Reference `json:"references"`
	Footnotes      []Footnote  `json:"footnotes"`
	Summaries      *Summaries  `json:"summaries,omitempty"`
	Metadata       *Metadata   `json:"metadata,omitempty"`
	LoadingStatus  string      `json:"loadingStatus,omitempty"`
	LoadingError   string      `json:"loadingError,omitempty"`
}

type Abstract struct {
	Contents []*Content `json:"contents"`
}

type Heading struct {
	HeadingLevel int    `json:"headingLevel"`
	Text         string `json:"text"`
}

// Section is a heading with its contents and nested sub-sections.
type Section struct {
	ID          string     `json:"id"`
	Heading     Heading    `json:"heading"`
	Contents    []*Content `json:"contents"`
	SubSections []*Section `json:"subSections,omitempty"`
}

// ContentKind names the populated variant of a Content.
type ContentKind string

const (
	KindNone       ContentKind = ""
	KindText       ContentKind = "text"
	KindImage      ContentKind = "image"
	KindFigure     ContentKind = "figure"
	KindHTMLFigure ContentKind = "html_figure"
	KindList       ContentKind = "list"
)

// Content is a block within a section. Exactly one variant is set.
type Content struct {
	ID                string             `json:"id"`
	TextContent       *TextContent       `json:"textContent,omitempty"`
	ImageContent      *ImageContent      `json:"imageContent,omitempty"`
	FigureContent     *FigureContent     `json:"figureContent,omitempty"`
	HTMLFigureContent *HTMLFigureContent `json:"htmlFigureContent,omitempty"`
	ListContent       *ListContent       `json:"listContent,omitempty"`
}

type TextContent struct {
	TagName string `json:"tagName"`
	Spans   []Span `json:"spans"`
}

type ImageContent struct {
	StoragePath string `json:"storagePath"`
	LatexPath   string `json:"latexPath"`
	AltText     string `json:"altText"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Caption     *Span  `json:"caption,omitempty"`
}

// Resolved reports whether the image has been located and measured.
func (img *ImageContent) Resolved() bool {
	return img.Width > 0 && img.Height > 0
}

type FigureContent struct {
	Images  []*ImageContent `json:"images"`
	Caption *Span           `json:"caption,omitempty"`
}

type HTMLFigureContent struct {
	HTML    string `json:"html"`
	Caption *Span  `json:"caption,omitempty"`
}

type ListContent struct {
	ListItems []ListItem `json:"listItems"`
	IsOrdered bool       `json:"isOrdered"`
}

type ListItem struct {
	ID             string       `json:"id"`
	Spans          []Span       `json:"spans"`
	SubListContent *ListContent `json:"subListContent,omitempty"`
}

// Span is a run of text with positional inline annotations.
type Span struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	InnerTags []InnerTag `json:"innerTags"`
}

// Position is a half-open rune range within a span's text.
type Position struct {
	StartIndex int `json:"startIndex"`
	EndIndex   int `json:"endIndex"`
}

func (p Position) contains(o Position) bool {
	return p.StartIndex <= o.StartIndex && o.EndIndex <= p.EndIndex
}

func (p Position) overlaps(o Position) bool {
	return p.StartIndex < o.EndIndex && o.StartIndex < p.EndIndex
}

type InnerTag struct {
	ID       string            `json:"id,omitempty"`
	TagName  string            `json:"tagName"`
	Metadata map[string]string `json:"metadata"`
	Position Position          `json:"position"`
	Children []InnerTag        `json:"children,omitempty"`
}

type ConceptContent struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type Citation struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Concept struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Contents        []ConceptContent `json:"contents"`
	InTextCitations []Citation       `json:"inTextCitations"`
}

type Reference struct {
	ID   string `json:"id"`
	Span Span   `json:"span"`
}

type Footnote struct {
	ID   string `json:"id"`
	Span Span   `json:"span"`
}

type Summary struct {
	ID      string `json:"id"`
	Summary Span   `json:"summary"`
}

type Summaries struct {
	SectionSummaries      []Summary `json:"sectionSummaries"`
	ContentSummaries      []Summary `json:"contentSummaries"`
	SpanSummaries         []Summary `json:"spanSummaries"`
	AbstractExcerptSpanID string    `json:"abstractExcerptSpanId,omitempty"`
}

// Metadata describes the source paper.
type Metadata struct {
	PaperID            string   `json:"paperId"`
	Version            string   `json:"version"`
	Authors            []string `json:"authors"`
	Title              string   `json:"title"`
	Summary            string   `json:"summary"`
	UpdatedTimestamp   string   `json:"updatedTimestamp,omitempty"`
	PublishedTimestamp string   `json:"publishedTimestamp,omitempty"`
	FeaturedImage      string   `json:"featuredImage,omitempty"`
	Source             string   `json:"source,omitempty"`
}

// Kind returns the populated variant, or KindNone if zero or several are set.
func (c *Content) Kind() ContentKind {
	kind := KindNone
	n := 0
	if c.TextContent != nil {
		kind, n = KindText, n+1
	}
	if c.ImageContent != nil {
		kind, n = KindImage, n+1
	}
	if c.FigureContent != nil {
		kind, n = KindFigure, n+1
	}
	if c.HTMLFigureContent != nil {
		kind, n = KindHTMLFigure, n+1
	}
	if c.ListContent != nil {
		kind, n = KindList, n+1
	}
	if n != 1 {
		return KindNone
	}
	return kind
}

var ErrInvalidContent = errors.New("content must have exactly one variant")

// Validate checks the tagged-union invariant.
func (c *Content) Validate() error {
	if c.Kind() == KindNone {
		return fmt.Errorf("content %s: %w", c.ID, ErrInvalidContent)
	}
	return nil
}
