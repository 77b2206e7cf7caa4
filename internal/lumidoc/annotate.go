package lumidoc

import (
	"sort"
	"unicode"
)

// AnnotateConcepts returns copies of spans with a concept tag on every
// case-insensitive, whole-word occurrence of each concept name. Longer
// names are placed first, so "network" nests inside "neural network". An
// occurrence that would partially overlap an existing tag is skipped, as is
// a concept whose name repeats an earlier one.
// The input spans are never modified.
func AnnotateConcepts(spans []Span, concepts []Concept) []Span {
	ordered := make([]Concept, 0, len(concepts))
	seen := make(map[string]bool, len(concepts))
	for _, c := range concepts {
		key := string(foldRunes(c.Name))
		if c.Name == "" || seen[key] {
			continue
		}
		seen[key] = true
		ordered = append(ordered, c)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return len([]rune(ordered[i].Name)) > len([]rune(ordered[j].Name))
	})

	out := make([]Span, len(spans))
	for i, s := range spans {
		s = CloneSpan(s)
		text := foldRunes(s.Text)
		for _, c := range ordered {
			name := foldRunes(c.Name)
			for _, start := range wordOccurrences(text, name) {
				tag := InnerTag{
					TagName:  TagConcept,
					Metadata: map[string]string{"conceptId": c.ID},
					Position: Position{StartIndex: start, EndIndex: start + len(name)},
				}
				if next, ok := InsertTag(s.InnerTags, tag); ok {
					s.InnerTags = next
				}
			}
		}
		out[i] = s
	}
	return out
}

func foldRunes(s string) []rune {
	r := []rune(s)
	for i, c := range r {
		r[i] = unicode.ToLower(c)
	}
	return r
}

func wordOccurrences(text, word []rune) []int {
	var out []int
	if len(word) == 0 || len(word) > len(text) {
		return nil
	}
	for i := 0; i+len(word) <= len(text); i++ {
		if !equalRunes(text[i:i+len(word)], word) {
			continue
		}
		if i > 0 && isWordRune(text[i-1]) {
			continue
		}
		if end := i + len(word); end < len(text) && isWordRune(text[end]) {
			continue
		}
		out = append(out, i)
		i += len(word) - 1
	}
	return out
}

func equalRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
