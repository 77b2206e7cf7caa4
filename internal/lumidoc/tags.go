package lumidoc

import (
	"maps"
	"slices"
	"sort"
)

// InsertTag places tag into the tag forest, keeping the nesting invariant.
// A tag inside an existing tag becomes its descendant. Existing tags inside
// the new tag become its children. A partial overlap cannot be represented
// and is reported with ok=false. The input slice is not modified.
func InsertTag(tags []InnerTag, tag InnerTag) ([]InnerTag, bool) {
	return insertTag(tags, tag, 0)
}

func insertTag(tags []InnerTag, tag InnerTag, depth int) ([]InnerTag, bool) {
	if depth >= MaxDepth {
		return tags, false
	}
	for i, t := range tags {
		if t.Position.contains(tag.Position) {
			children, ok := insertTag(t.Children, tag, depth+1)
			if !ok {
				return tags, false
			}
			out := slices.Clone(tags)
			out[i].Children = children
			return out, true
		}
	}

	tag.Children = slices.Clone(tag.Children)
	kept := make([]InnerTag, 0, len(tags)+1)
	for _, t := range tags {
		switch {
		case tag.Position.contains(t.Position):
			tag.Children = append(tag.Children, t)
		case tag.Position.overlaps(t.Position):
			return tags, false
		default:
			kept = append(kept, t)
		}
	}
	SortTags(tag.Children)
	kept = append(kept, tag)
	SortTags(kept)
	return kept, true
}

// InsertTagSplit inserts tag like InsertTag. When tag partially overlaps
// existing tags, it is cut at every existing tag boundary inside its range
// and each piece is inserted, so the annotation survives as several
// adjacent tags. It reports whether tag had to be split.
func InsertTagSplit(tags []InnerTag, tag InnerTag) ([]InnerTag, bool) {
	if out, ok := InsertTag(tags, tag); ok {
		return out, false
	}
	cuts := boundaries(tags, tag.Position, nil, 0)
	slices.Sort(cuts)
	cuts = append(slices.Compact(cuts), tag.Position.EndIndex)

	start := tag.Position.StartIndex
	for _, end := range cuts {
		piece := tag
		piece.Position = Position{StartIndex: start, EndIndex: end}
		piece.Metadata = maps.Clone(tag.Metadata)
		piece.Children = nil
		for _, ch := range tag.Children {
			if piece.Position.contains(ch.Position) {
				piece.Children = append(piece.Children, ch)
			}
		}
		if out, ok := InsertTag(tags, piece); ok {
			tags = out
		}
		start = end
	}
	return tags, true
}

// boundaries collects the tag start and end offsets strictly inside p.
func boundaries(tags []InnerTag, p Position, out []int, depth int) []int {
	if depth >= MaxDepth {
		return out
	}
	for _, t := range tags {
		for _, i := range []int{t.Position.StartIndex, t.Position.EndIndex} {
			if i > p.StartIndex && i < p.EndIndex {
				out = append(out, i)
			}
		}
		out = boundaries(t.Children, p, out, depth+1)
	}
	return out
}

// SortTags orders tags by start, outermost first on ties.
func SortTags(tags []InnerTag) {
	sort.SliceStable(tags, func(i, j int) bool {
		a, b := tags[i].Position, tags[j].Position
		if a.StartIndex != b.StartIndex {
			return a.StartIndex < b.StartIndex
		}
		return a.EndIndex > b.EndIndex
	})
}

// CloneSpan deep-copies a span, including nested tags and metadata.
func CloneSpan(s Span) Span {
	s.InnerTags = CloneTags(s.InnerTags)
	return s
}

// CloneTags deep-copies a tag forest.
func CloneTags(tags []InnerTag) []InnerTag {
	if tags == nil {
		return nil
	}
	out := make([]InnerTag, len(tags))
	for i, t := range tags {
		t.Metadata = maps.Clone(t.Metadata)
		t.Children = CloneTags(t.Children)
		out[i] = t
	}
	return out
}

// ShiftTags returns a copy of tags with every position moved by delta.
func ShiftTags(tags []InnerTag, delta int) []InnerTag {
	out := CloneTags(tags)
	shift(out, delta, 0)
	return out
}

func shift(tags []InnerTag, delta, depth int) {
	if depth >= MaxDepth {
		return
	}
	for i := range tags {
		tags[i].Position.StartIndex += delta
		tags[i].Position.EndIndex += delta
		shift(tags[i].Children, delta, depth+1)
	}
}
