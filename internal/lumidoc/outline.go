package lumidoc

// BuildSectionOutline copies the section tree with all contents removed.
func BuildSectionOutline(sections []*Section) []*Section {
	return outline(sections, 0)
}

func outline(sections []*Section, depth int) []*Section {
	if depth >= MaxDepth || len(sections) == 0 {
		return nil
	}
	out := make([]*Section, 0, len(sections))
	for _, s := range sections {
		out = append(out, &Section{
			ID:          s.ID,
			Heading:     s.Heading,
			Contents:    []*Content{},
			SubSections: outline(s.SubSections, depth+1),
		})
	}
	return out
}

// BuildIndex returns a shallow copy of doc whose section bodies are replaced
// by the outline. The index is what clients load first; section bodies are
// fetched one file at a time.
func BuildIndex(doc *Document) *Document {
	idx := *doc
	idx.SectionOutline = BuildSectionOutline(doc.Sections)
	idx.Sections = []*Section{}
	return &idx
}

// FindSection returns the section with the given id, searching depth first.
func FindSection(sections []*Section, id string) *Section {
	return findSection(sections, id, 0)
}

func findSection(sections []*Section, id string, depth int) *Section {
	if depth >= MaxDepth {
		return nil
	}
	for _, s := range sections {
		if s.ID == id {
			return s
		}
		if found := findSection(s.SubSections, id, depth+1); found != nil {
			return found
		}
	}
	return nil
}
