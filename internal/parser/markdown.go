package parser

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough),
		// Formatter output may carry raw HTML blocks; the tree builder decides what survives.
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)
}

// MarkdownToHTML renders formatter markdown to HTML.
func (c *Converter) MarkdownToHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
