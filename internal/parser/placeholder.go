package parser

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/lihe8811/lumi/internal/lumidoc"
)

// Placeholder tokens stand in for figures and equations while the
// surrounding markdown is rendered. They are plain alphanumerics so the
// markdown renderer passes them through untouched.
const (
	PlaceholderPrefix = "LUMIPHSTART"
	PlaceholderSuffix = "LUMIPHEND"
)

var tokenPattern = regexp.MustCompile(PlaceholderPrefix + `[0-9a-f]+` + PlaceholderSuffix)

var (
	figurePattern     = regexp.MustCompile(`(?s)\[\[l-fig-start\]\](.*?)\[\[l-fig-end\]\]`)
	htmlFigurePattern = regexp.MustCompile(`(?s)\[\[l-html-fig-start\]\](.*?)(?:\[\[l-html-fig-caption\]\](.*?)\[\[l-html-fig-caption-end\]\])?\s*\[\[l-html-fig-end\]\]`)
	imagePattern      = regexp.MustCompile(`(?s)\[\[l-image:([^\]]+)\]\](?:\s*\[\[l-image-caption\]\](.*?)\[\[l-image-caption-end\]\])?`)
	figCaptionPattern = regexp.MustCompile(`(?s)\[\[l-fig-caption\]\](.*?)\[\[l-fig-caption-end\]\]`)

	// listLinePattern matches the start of a markdown list item.
	listLinePattern = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s`)
)

// Placeholder is what a token resolves to: a block content, or an equation
// when Content is nil.
type Placeholder struct {
	Content *lumidoc.Content
	TeX     string
	Display bool
	// Raw is the original equation source including delimiters.
	Raw string
}

// PlaceholderMap maps tokens to the values they replaced.
type PlaceholderMap map[string]Placeholder

func (m PlaceholderMap) add(id string, p Placeholder) string {
	token := PlaceholderPrefix + hex.EncodeToString([]byte(id)) + PlaceholderSuffix
	m[token] = p
	return token
}

func (m PlaceholderMap) clone() PlaceholderMap {
	out := make(PlaceholderMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StoragePath is where an image referenced by latexPath is stored for fileID.
func StoragePath(fileID, latexPath string) string {
	name := strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(latexPath), "./"), "/", "__")
	return fmt.Sprintf("papers/%s/images/%s", fileID, name)
}

// ExtractFigures replaces figure, HTML figure and standalone image markup
// with block placeholder tokens. Figures are handled before HTML figures,
// and both before standalone images, so an image inside a figure never
// becomes its own block.
func (c *Converter) ExtractFigures(s, fileID string, m PlaceholderMap) string {
	s = replaceAllSubmatch(figurePattern, s, func(g []string, at int) string {
		inner := g[1]
		fig := &lumidoc.FigureContent{Images: []*lumidoc.ImageContent{}}
		for _, img := range imagePattern.FindAllStringSubmatch(inner, -1) {
			fig.Images = append(fig.Images, c.imageContent(fileID, img[1], img[2]))
		}
		if cm := figCaptionPattern.FindStringSubmatch(inner); cm != nil && strings.TrimSpace(cm[1]) != "" {
			caption := c.ConvertSingleSpan(cm[1])
			fig.Caption = &caption
		}
		return c.block(m, &lumidoc.Content{FigureContent: fig}, inStructuredLine(s, at))
	})

	s = replaceAllSubmatch(htmlFigurePattern, s, func(g []string, at int) string {
		fig := &lumidoc.HTMLFigureContent{HTML: c.policy.Sanitize(strings.TrimSpace(g[1]))}
		if strings.TrimSpace(g[2]) != "" {
			caption := c.ConvertSingleSpan(g[2])
			fig.Caption = &caption
		}
		return c.block(m, &lumidoc.Content{HTMLFigureContent: fig}, inStructuredLine(s, at))
	})

	return replaceAllSubmatch(imagePattern, s, func(g []string, at int) string {
		return c.block(m, &lumidoc.Content{ImageContent: c.imageContent(fileID, g[1], g[2])}, inStructuredLine(s, at))
	})
}

// block stores content under a new token. The token is set off by blank
// lines so it renders as its own paragraph, except inside a table row or
// list item, where a line break would tear the row or item apart. There
// the token stays inline and the table or list places the content after
// itself.
func (c *Converter) block(m PlaceholderMap, content *lumidoc.Content, inline bool) string {
	content.ID = c.ids()
	token := m.add(content.ID, Placeholder{Content: content})
	if inline {
		return token
	}
	return "\n\n" + token + "\n\n"
}

// inStructuredLine reports whether offset at in s sits on a markdown table
// row or list item line.
func inStructuredLine(s string, at int) bool {
	prefix := s[strings.LastIndexByte(s[:at], '\n')+1 : at]
	return strings.HasPrefix(strings.TrimSpace(prefix), "|") || listLinePattern.MatchString(prefix)
}

func (c *Converter) imageContent(fileID, latexPath, caption string) *lumidoc.ImageContent {
	latexPath = strings.TrimSpace(latexPath)
	img := &lumidoc.ImageContent{
		LatexPath:   latexPath,
		StoragePath: StoragePath(fileID, latexPath),
	}
	if strings.TrimSpace(caption) != "" {
		span := c.ConvertSingleSpan(caption)
		img.Caption = &span
	}
	return img
}

// ExtractEquations replaces $...$ and $$...$$ with equation tokens. Escaped
// dollars and code spans are left alone, and inline math never crosses a
// blank line.
func (c *Converter) ExtractEquations(s string, m PlaceholderMap) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		switch {
		case s[i] == '\\' && i+1 < len(s) && (s[i+1] == '$' || s[i+1] == '\\'):
			b.WriteString(s[i : i+2])
			i += 2
		case s[i] == '`':
			n := runLength(s, i, '`')
			fence := s[i : i+n]
			end := strings.Index(s[i+n:], fence)
			if end < 0 {
				b.WriteString(fence)
				i += n
				continue
			}
			stop := i + n + end + n
			b.WriteString(s[i:stop])
			i = stop
		case strings.HasPrefix(s[i:], "$$"):
			end := strings.Index(s[i+2:], "$$")
			if end < 0 {
				b.WriteString("$$")
				i += 2
				continue
			}
			stop := i + 2 + end + 2
			b.WriteString(m.add(c.ids(), Placeholder{
				TeX:     strings.TrimSpace(s[i+2 : i+2+end]),
				Display: true,
				Raw:     s[i:stop],
			}))
			i = stop
		case s[i] == '$':
			end := inlineMathEnd(s, i+1)
			if end < 0 || strings.TrimSpace(s[i+1:end]) == "" {
				b.WriteByte('$')
				i++
				continue
			}
			// Padding inside the delimiters is text, not math.
			inner := s[i+1 : end]
			tex := strings.TrimSpace(inner)
			lead := inner[:len(inner)-len(strings.TrimLeftFunc(inner, unicode.IsSpace))]
			trail := inner[len(strings.TrimRightFunc(inner, unicode.IsSpace)):]
			b.WriteString(lead)
			b.WriteString(m.add(c.ids(), Placeholder{TeX: tex, Raw: "$" + tex + "$"}))
			b.WriteString(trail)
			i = end + 1
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

func inlineMathEnd(s string, from int) int {
	for j := from; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case '$':
			return j
		case '\n':
			if strings.TrimSpace(lineAt(s, j+1)) == "" {
				return -1
			}
		}
	}
	return -1
}

func lineAt(s string, from int) string {
	if from >= len(s) {
		return ""
	}
	if end := strings.IndexByte(s[from:], '\n'); end >= 0 {
		return s[from : from+end]
	}
	return s[from:]
}

func runLength(s string, i int, ch byte) int {
	n := 0
	for i+n < len(s) && s[i+n] == ch {
		n++
	}
	return n
}

// restoreTokens puts equation sources back and drops block tokens. Used for
// verbatim regions such as code blocks and tables.
func restoreTokens(s string, m PlaceholderMap) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		if ph, ok := m[token]; ok && ph.Content == nil {
			return ph.Raw
		}
		return ""
	})
}

// replaceAllSubmatch replaces every match of re with fn(groups, start).
func replaceAllSubmatch(re *regexp.Regexp, s string, fn func(groups []string, start int) string) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}
	var b strings.Builder
	last := 0
	for _, idx := range matches {
		b.WriteString(s[last:idx[0]])
		groups := make([]string, len(idx)/2)
		for i := range groups {
			if idx[2*i] >= 0 {
				groups[i] = s[idx[2*i]:idx[2*i+1]]
			}
		}
		b.WriteString(fn(groups, idx[0]))
		last = idx[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
