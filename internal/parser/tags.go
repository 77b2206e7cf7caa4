package parser

import (
	"regexp"
	"strings"
)

// Import-tag mini-syntax emitted by the formatter.
//
//	[[l-abstract-start]] ... [[l-abstract-end]]
//	[[l-content-start]] ... [[l-content-end]]
//	[[l-references-start]] [[l-ref-item:ID]]text[[l-ref-item-end]] ... [[l-references-end]]
//	[[l-footnotes-start]] [[l-fn-item:ID]]text[[l-fn-item-end]] ... [[l-footnotes-end]]
//	[[l-fig-start]] images... [[l-fig-caption]]caption[[l-fig-caption-end]] [[l-fig-end]]
//	[[l-html-fig-start]] html [[l-html-fig-caption]]caption[[l-html-fig-caption-end]] [[l-html-fig-end]]
//	[[l-image:PATH]] [[l-image-caption]]caption[[l-image-caption-end]]
//	[[l-ref:ID]]text[[/l-ref]]  [[l-concept:ID]]..[[/l-concept]]  [[l-spanref:ID]]..[[/l-spanref]]  [[l-fn:ID]]..[[/l-fn]]
var (
	abstractPattern   = regexp.MustCompile(`(?s)\[\[l-abstract-start\]\](.*?)(?:\[\[l-abstract-end\]\]|\z)`)
	contentPattern    = regexp.MustCompile(`(?s)\[\[l-content-start\]\](.*?)(?:\[\[l-content-end\]\]|\z)`)
	referencesPattern = regexp.MustCompile(`(?s)\[\[l-references-start\]\](.*?)(?:\[\[l-references-end\]\]|\z)`)
	footnotesPattern  = regexp.MustCompile(`(?s)\[\[l-footnotes-start\]\](.*?)(?:\[\[l-footnotes-end\]\]|\z)`)
	refItemPattern    = regexp.MustCompile(`(?s)\[\[l-ref-item:([^\]]+)\]\](.*?)\[\[l-ref-item-end\]\]`)
	fnItemPattern     = regexp.MustCompile(`(?s)\[\[l-fn-item:([^\]]+)\]\](.*?)\[\[l-fn-item-end\]\]`)
)

// Item is one reference or footnote entry.
type Item struct {
	ID      string
	Content string
}

// Parts holds the top-level blocks of a formatter response.
type Parts struct {
	Abstract   string
	Content    string
	References []Item
	Footnotes  []Item
}

// ParseImportTags splits formatter output into its parts. Reference and
// footnote blocks are cut first so an unterminated content block cannot
// swallow them. Without abstract or content markers the remaining text is
// treated as content.
func ParseImportTags(s string) Parts {
	var p Parts

	if m := referencesPattern.FindStringSubmatch(s); m != nil {
		p.References = parseItems(refItemPattern, m[1])
		s = strings.Replace(s, m[0], "", 1)
	}
	if m := footnotesPattern.FindStringSubmatch(s); m != nil {
		p.Footnotes = parseItems(fnItemPattern, m[1])
		s = strings.Replace(s, m[0], "", 1)
	}

	abstract := abstractPattern.FindStringSubmatch(s)
	if abstract != nil {
		p.Abstract = strings.TrimSpace(abstract[1])
		s = strings.Replace(s, abstract[0], "", 1)
	}
	if m := contentPattern.FindStringSubmatch(s); m != nil {
		p.Content = strings.TrimSpace(m[1])
	} else {
		p.Content = strings.TrimSpace(s)
	}
	return p
}

func parseItems(re *regexp.Regexp, block string) []Item {
	var items []Item
	for _, m := range re.FindAllStringSubmatch(block, -1) {
		items = append(items, Item{ID: strings.TrimSpace(m[1]), Content: strings.TrimSpace(m[2])})
	}
	return items
}
