// Package latex prepares arXiv LaTeX sources for the formatter: it unpacks
// the e-print, picks the main file and inlines includes, bibliographies and
// user-defined commands into a single string.
package latex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultMaxDepth bounds \input/\include recursion.
const DefaultMaxDepth = 10

// ErrDocumentTooLong is returned when the inlined source exceeds the
// configured character budget.
var ErrDocumentTooLong = errors.New("document is too long")

var (
	inputPattern = regexp.MustCompile(`\\(?:input|include)\{(.*?)\}`)
	bibPattern   = regexp.MustCompile(`\\bibliography\{(.*?)\}`)
)

// Inliner expands a LaTeX tree rooted at a main file into one string.
type Inliner struct {
	RemoveComments bool
	InlineCommands bool
	MaxDepth       int
	Log            *slog.Logger
}

// Inline reads mainPath and recursively replaces includes. Includes resolve
// against the main file's directory; bibliographies resolve against the
// directory of the file being read. Missing files and depth exhaustion are
// logged and yield empty text.
func (in *Inliner) Inline(ctx context.Context, mainPath string) (string, error) {
	depth := in.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	out, err := in.inline(ctx, mainPath, mainPath, depth)
	if err != nil {
		return "", err
	}
	if in.InlineCommands {
		out = InlineCommands(out, DefaultCommandPasses)
	}
	return out, nil
}

func (in *Inliner) inline(ctx context.Context, mainPath, path string, depth int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if depth <= 0 {
		in.logger().Warn("reached max include depth", "main", mainPath, "file", path)
		return "", nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		in.logger().Warn("included file not found", "file", path, "error", err)
		return "", nil
	}
	content := string(raw)
	if in.RemoveComments {
		content = StripComments(content)
	}

	baseDir := filepath.Dir(mainPath)
	var inlineErr error
	content = inputPattern.ReplaceAllStringFunc(content, func(m string) string {
		if inlineErr != nil {
			return ""
		}
		rel := inputPattern.FindStringSubmatch(m)[1]
		if !strings.HasSuffix(rel, ".tex") {
			rel += ".tex"
		}
		text, err := in.inline(ctx, mainPath, filepath.Clean(filepath.Join(baseDir, rel)), depth-1)
		if err != nil {
			inlineErr = err
		}
		return text
	})
	if inlineErr != nil {
		return "", inlineErr
	}

	readDir := filepath.Dir(path)
	content = bibPattern.ReplaceAllStringFunc(content, func(m string) string {
		name := bibPattern.FindStringSubmatch(m)[1]
		text := in.bibliography(readDir, name)
		if in.RemoveComments {
			text = StripComments(text)
		}
		return text
	})
	return content, nil
}

// bibliography prefers name.bbl, then name.bib, then any .bbl, then any .bib
// in dir.
func (in *Inliner) bibliography(dir, name string) string {
	candidates := []string{
		filepath.Join(dir, name+".bbl"),
		filepath.Join(dir, name+".bib"),
	}
	entries, err := os.ReadDir(dir)
	if err == nil {
		var bbl, bib []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch filepath.Ext(e.Name()) {
			case ".bbl":
				bbl = append(bbl, filepath.Join(dir, e.Name()))
			case ".bib":
				bib = append(bib, filepath.Join(dir, e.Name()))
			}
		}
		sort.Strings(bbl)
		sort.Strings(bib)
		candidates = append(candidates, bbl...)
		candidates = append(candidates, bib...)
	}

	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			return string(data)
		}
	}
	in.logger().Warn("no .bbl or .bib file found, skipping bibliography", "dir", dir, "name", name)
	return ""
}

func (in *Inliner) logger() *slog.Logger {
	if in.Log == nil {
		return slog.Default()
	}
	return in.Log
}

// InlineWithTimeout runs the inliner in its own goroutine bounded by d. On
// timeout or error it logs and returns an empty string so the import can
// proceed without LaTeX context.
func InlineWithTimeout(ctx context.Context, in *Inliner, mainPath string, d time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := in.Inline(ctx, mainPath)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			in.logger().Warn("latex inlining failed, continuing without latex", "error", r.err)
			return ""
		}
		return r.text
	case <-ctx.Done():
		in.logger().Warn("latex inlining timed out, continuing without latex", "timeout", d.String())
		return ""
	}
}

// CheckLength returns ErrDocumentTooLong when s has more than max runes.
// A non-positive max disables the check.
func CheckLength(s string, max int) error {
	if max <= 0 {
		return nil
	}
	if n := len([]rune(s)); n > max {
		return fmt.Errorf("%w: %d characters, limit %d", ErrDocumentTooLong, n, max)
	}
	return nil
}
