package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	labelsSchema = jsonschema.MustCompileString("labels.json", `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["id", "label"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"label": {"type": "string"}
			}
		}
	}`)

	excerptSchema = jsonschema.MustCompileString("excerpt.json", `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1}
		}
	}`)

	conceptsSchema = jsonschema.MustCompileString("concepts.json", `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["name", "description"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"description": {"type": "string"}
			}
		}
	}`)
)

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}

// extractJSON returns the outermost object or array in s, for replies that
// wrap the JSON in prose.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return ""
	}
	return s[start : end+1]
}

// decodeStructured parses a model reply, validates it against schema and
// decodes it into out. Every failure wraps ErrInvalidResponse.
func decodeStructured(reply string, schema *jsonschema.Schema, out any) error {
	text := stripCodeBlock(reply)
	if text == "" {
		return invalidResponse("empty structured output")
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		candidate := extractJSON(text)
		if candidate == "" || json.Unmarshal([]byte(candidate), &doc) != nil {
			return invalidResponse("parse json: %v (raw: %s)", err, truncate(text, 200))
		}
		text = candidate
	}
	if err := schema.Validate(doc); err != nil {
		return invalidResponse("schema: %v", err)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return invalidResponse("decode: %v", err)
	}
	return nil
}
