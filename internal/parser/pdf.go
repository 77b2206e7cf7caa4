package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	pdflib "github.com/ledongthuc/pdf"
)

// PageBreak separates pages in extracted PDF text.
const PageBreak = "\f"

// ExtractPDFText returns the plain text of a PDF with PageBreak between
// pages. Pages are read in memory; pdftotext takes over when that yields
// no text at all.
func ExtractPDFText(ctx context.Context, data []byte) (string, error) {
	pages, err := pageTexts(data)
	text := strings.Join(pages, PageBreak)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	fallback, ferr := pdftotext(ctx, data)
	switch {
	case ferr == nil:
		return fallback, nil
	case err != nil:
		return "", fmt.Errorf("extract pdf text: %w", errors.Join(err, ferr))
	}
	return text, nil
}

// pageTexts returns the text of every page. A page the reader cannot
// decode comes back empty so page numbering stays intact.
func pageTexts(data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open pdf: %v", r)
		}
	}()
	doc, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	pages = make([]string, doc.NumPage())
	for i := range pages {
		pages[i] = pageText(doc, i+1)
	}
	return pages, nil
}

func pageText(doc *pdflib.Reader, n int) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	page := doc.Page(n)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}

// pdftotext runs poppler on a temporary copy of data.
func pdftotext(ctx context.Context, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "lumi-pdf-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}

	out, err := exec.CommandContext(ctx, "pdftotext", "-layout", tmp.Name(), "-").Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	return string(out), nil
}

// GuessTitle picks a title for an uploaded PDF: the first non-empty line of
// its text, capped at 300 runes, or fallback.
func GuessTitle(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > 300 {
			line = string([]rune(line)[:300])
		}
		return line
	}
	return fallback
}
