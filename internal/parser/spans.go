package parser

import (
	"maps"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lihe8811/lumi/internal/lumidoc"
	"golang.org/x/net/html"
)

var markerPattern = regexp.MustCompile(`\[\[(/?)l-(ref|concept|spanref|fn)(?::([^\]]*))?\]\]`)

// marker kind -> inner tag name and metadata key.
var markerKinds = map[string][2]string{
	"ref":     {lumidoc.TagReference, "id"},
	"concept": {lumidoc.TagConcept, "conceptId"},
	"spanref": {lumidoc.TagSpanReference, "id"},
	"fn":      {lumidoc.TagFootnote, "id"},
}

var inlineElements = map[string]string{
	"b":      lumidoc.TagBold,
	"strong": lumidoc.TagStrong,
	"i":      lumidoc.TagItalic,
	"em":     lumidoc.TagEm,
	"u":      lumidoc.TagUnderline,
	"code":   lumidoc.TagCode,
	"a":      lumidoc.TagLink,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "blockquote": true, "pre": true, "table": true,
	"tr": true, "li": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true,
}

// spanBuilder flattens inline HTML into text plus a flat list of tags.
type spanBuilder struct {
	c     *Converter
	m     PlaceholderMap
	text  []rune
	tags  []lumidoc.InnerTag
	stray []*lumidoc.Content
}

// convertInline turns inline HTML into spans, split into sentences when
// split is set. Block tokens found inside inline markup are returned as
// stray contents to be placed after the text.
func (c *Converter) convertInline(nodes []*html.Node, m PlaceholderMap, split bool) ([]lumidoc.Span, []*lumidoc.Content) {
	b := &spanBuilder{c: c, m: m}
	for _, n := range nodes {
		b.walk(n, 0)
	}
	text, tags := b.resolveMarkers()
	return c.spansFrom(text, tags, split), b.stray
}

func (b *spanBuilder) walk(n *html.Node, depth int) {
	switch n.Type {
	case html.TextNode:
		b.appendText(n.Data)
		return
	case html.ElementNode:
	default:
		return
	}
	if depth >= lumidoc.MaxDepth {
		return
	}
	if n.Data == "br" {
		b.text = append(b.text, ' ')
		return
	}
	if blockElements[n.Data] && len(b.text) > 0 && !unicode.IsSpace(b.text[len(b.text)-1]) {
		b.text = append(b.text, ' ')
	}

	idx := -1
	if name, ok := inlineElements[n.Data]; ok {
		meta := map[string]string{}
		if name == lumidoc.TagLink {
			for _, a := range n.Attr {
				if a.Key == "href" {
					meta["href"] = a.Val
				}
			}
		}
		idx = len(b.tags)
		b.tags = append(b.tags, lumidoc.InnerTag{
			TagName:  name,
			Metadata: meta,
			Position: lumidoc.Position{StartIndex: len(b.text)},
		})
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		b.walk(ch, depth+1)
	}
	if idx >= 0 {
		b.tags[idx].Position.EndIndex = len(b.text)
	}
}

func (b *spanBuilder) appendText(s string) {
	last := 0
	for _, loc := range tokenPattern.FindAllStringIndex(s, -1) {
		b.appendPlain(s[last:loc[0]])
		last = loc[1]

		token := s[loc[0]:loc[1]]
		ph, ok := b.m[token]
		switch {
		case !ok:
			b.c.log.Warn("dropping unresolved placeholder", "token", token)
		case ph.Content != nil:
			b.stray = append(b.stray, ph.Content)
		default:
			start := len(b.text)
			b.text = append(b.text, []rune(ph.TeX)...)
			name := lumidoc.TagMath
			if ph.Display {
				name = lumidoc.TagMathDisplay
			}
			b.tags = append(b.tags, lumidoc.InnerTag{
				TagName:  name,
				Metadata: map[string]string{},
				Position: lumidoc.Position{StartIndex: start, EndIndex: len(b.text)},
			})
		}
	}
	b.appendPlain(s[last:])
}

func (b *spanBuilder) appendPlain(s string) {
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			r = ' '
		}
		b.text = append(b.text, r)
	}
}

type openMarker struct {
	kind  string
	id    string
	start int
}

// resolveMarkers removes [[l-x:ID]]...[[/l-x]] markers from the text and
// returns the final text with a nested tag forest. HTML tag positions are
// remapped onto the marker-free text.
func (b *spanBuilder) resolveMarkers() ([]rune, []lumidoc.InnerTag) {
	s := string(b.text)
	matches := markerPattern.FindAllStringSubmatchIndex(s, -1)

	var removed [][2]int
	var markerTags []lumidoc.InnerTag
	var open []openMarker
	runePos, bytePos, removedRunes := 0, 0, 0
	for _, mt := range matches {
		runePos += utf8.RuneCountInString(s[bytePos:mt[0]])
		length := utf8.RuneCountInString(s[mt[0]:mt[1]])
		bytePos = mt[1]
		pos := runePos - removedRunes
		removed = append(removed, [2]int{runePos, runePos + length})
		runePos += length
		removedRunes += length

		closing := mt[3] > mt[2]
		kind := s[mt[4]:mt[5]]
		if !closing {
			id := ""
			if mt[6] >= 0 {
				id = strings.TrimSpace(s[mt[6]:mt[7]])
			}
			open = append(open, openMarker{kind: kind, id: id, start: pos})
			continue
		}
		for i := len(open) - 1; i >= 0; i-- {
			if open[i].kind != kind {
				continue
			}
			o := open[i]
			open = append(open[:i], open[i+1:]...)
			if pos > o.start {
				spec := markerKinds[kind]
				markerTags = append(markerTags, lumidoc.InnerTag{
					TagName:  spec[0],
					Metadata: map[string]string{spec[1]: o.id},
					Position: lumidoc.Position{StartIndex: o.start, EndIndex: pos},
				})
			}
			break
		}
	}
	for _, o := range open {
		b.c.log.Debug("unclosed inline marker", "kind", o.kind, "id", o.id)
	}

	text := b.text
	if len(removed) > 0 {
		text = make([]rune, 0, len(b.text)-removedRunes)
		last := 0
		for _, r := range removed {
			text = append(text, b.text[last:r[0]]...)
			last = r[1]
		}
		text = append(text, b.text[last:]...)
	}

	var forest []lumidoc.InnerTag
	for _, t := range b.tags {
		t.Position.StartIndex = remap(removed, t.Position.StartIndex)
		t.Position.EndIndex = remap(removed, t.Position.EndIndex)
		if t.Position.EndIndex <= t.Position.StartIndex {
			continue
		}
		if next, ok := lumidoc.InsertTag(forest, t); ok {
			forest = next
		}
	}
	lumidoc.SortTags(markerTags)
	for _, t := range markerTags {
		var split bool
		forest, split = lumidoc.InsertTagSplit(forest, t)
		if split {
			b.c.log.Debug("inline marker split at formatting boundary", "tag", t.TagName)
		}
	}
	return text, forest
}

// remap moves a rune index from the marked-up text onto the text with the
// removed intervals cut out. An index inside a removed interval lands on
// its start.
func remap(removed [][2]int, i int) int {
	shift := 0
	for _, r := range removed {
		if i <= r[0] {
			break
		}
		if i < r[1] {
			return r[0] - shift
		}
		shift += r[1] - r[0]
	}
	return i - shift
}

// spansFrom trims the text and optionally splits it into sentence spans.
// Sentence breaks never fall inside a tag.
func (c *Converter) spansFrom(text []rune, tags []lumidoc.InnerTag, split bool) []lumidoc.Span {
	bounds := [][2]int{{0, len(text)}}
	if split {
		bounds = bounds[:0]
		start := 0
		for _, br := range sentenceBreaks(text, tags) {
			bounds = append(bounds, [2]int{start, br})
			start = br
		}
		bounds = append(bounds, [2]int{start, len(text)})
	}

	var spans []lumidoc.Span
	for _, bd := range bounds {
		from, to := bd[0], bd[1]
		for from < to && unicode.IsSpace(text[from]) {
			from++
		}
		for to > from && unicode.IsSpace(text[to-1]) {
			to--
		}
		if from == to {
			continue
		}
		inner := sliceTags(tags, from, to)
		if inner == nil {
			inner = []lumidoc.InnerTag{}
		}
		spans = append(spans, lumidoc.Span{ID: c.ids(), Text: string(text[from:to]), InnerTags: inner})
	}
	return spans
}

// sliceTags clips a tag forest to [from, to) and shifts it to start at 0.
func sliceTags(tags []lumidoc.InnerTag, from, to int) []lumidoc.InnerTag {
	var out []lumidoc.InnerTag
	for _, t := range tags {
		if t.Position.EndIndex <= from || t.Position.StartIndex >= to {
			continue
		}
		t.Position.StartIndex = max(t.Position.StartIndex, from) - from
		t.Position.EndIndex = min(t.Position.EndIndex, to) - from
		if t.Position.EndIndex <= t.Position.StartIndex {
			continue
		}
		t.Metadata = maps.Clone(t.Metadata)
		t.Children = sliceTags(t.Children, from, to)
		out = append(out, t)
	}
	return out
}

var abbreviations = map[string]bool{
	"al": true, "fig": true, "figs": true, "eq": true, "eqs": true, "sec": true,
	"cf": true, "vs": true, "dr": true, "mr": true, "ms": true, "no": true,
	"ref": true, "refs": true, "resp": true, "approx": true, "tab": true,
}

// sentenceBreaks returns offsets where a new sentence starts: after . ! or ?
// (and any closing quotes or brackets) followed by whitespace and a
// non-lowercase rune.
func sentenceBreaks(text []rune, tags []lumidoc.InnerTag) []int {
	var breaks []int
	for i := 0; i < len(text); i++ {
		r := text[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(text) && strings.ContainsRune(`)]"'”’`, text[j]) {
			j++
		}
		if j >= len(text) || !unicode.IsSpace(text[j]) {
			continue
		}
		k := j
		for k < len(text) && unicode.IsSpace(text[k]) {
			k++
		}
		if k >= len(text) || unicode.IsLower(text[k]) {
			continue
		}
		if r == '.' && isAbbreviation(text[:i]) {
			continue
		}
		if insideTag(tags, j) {
			continue
		}
		breaks = append(breaks, j)
		i = j
	}
	return breaks
}

func isAbbreviation(before []rune) bool {
	start := len(before)
	for start > 0 && unicode.IsLetter(before[start-1]) {
		start--
	}
	word := before[start:]
	if len(word) == 1 {
		return true
	}
	return abbreviations[strings.ToLower(string(word))]
}

func insideTag(tags []lumidoc.InnerTag, pos int) bool {
	for _, t := range tags {
		if t.Position.StartIndex < pos && pos < t.Position.EndIndex {
			return true
		}
	}
	return false
}
