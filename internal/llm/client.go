// Package llm wraps the language model providers used during import: the
// document formatter, concept extraction and summaries.
package llm

import "context"

// Request is a single completion call. PDF is sent as a native document
// where the provider supports it; otherwise PDFText stands in for it.
type Request struct {
	System    string
	Prompt    string
	PDF       []byte
	PDFText   string
	Context   []string // extra text parts placed before the prompt
	MaxTokens int
	Stop      []string
}

// Client is a provider backend.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Close()
}
