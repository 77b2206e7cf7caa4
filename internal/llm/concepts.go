package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/lihe8811/lumi/internal/lumidoc"
)

const maxConcepts = 10

type conceptReply struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExtractConcepts identifies the key concepts of a paper from its abstract.
// An empty abstract yields no concepts and makes no call.
func (s *Service) ExtractConcepts(ctx context.Context, abstract string) ([]lumidoc.Concept, error) {
	abstract = strings.TrimSpace(abstract)
	if abstract == "" {
		return nil, nil
	}
	reply, err := s.complete(ctx, "concepts", Request{
		Prompt: fmt.Sprintf(conceptsPrompt, maxConcepts, abstract),
	})
	if err != nil {
		return nil, err
	}

	var parsed []conceptReply
	if err := decodeStructured(reply, conceptsSchema, &parsed); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]lumidoc.Concept, 0, len(parsed))
	for _, c := range parsed {
		name := strings.TrimSpace(c.Name)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		concept := lumidoc.Concept{
			ID:              s.ids(),
			Name:            name,
			Contents:        []lumidoc.ConceptContent{},
			InTextCitations: []lumidoc.Citation{},
		}
		if d := strings.TrimSpace(c.Description); d != "" {
			concept.Contents = append(concept.Contents, lumidoc.ConceptContent{Label: "description", Value: d})
		}
		out = append(out, concept)
		if len(out) == maxConcepts {
			break
		}
	}
	return out, nil
}
