package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/lihe8811/lumi/internal/lumidoc"
	"golang.org/x/net/html"
)

// BuildSections walks rendered HTML and builds the section tree from
// heading tags. Contents before the first heading go into a headless
// section. Block placeholder tokens become their stored contents in place.
func (c *Converter) BuildSections(src string, m PlaceholderMap) ([]*lumidoc.Section, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	type stackEntry struct {
		section *lumidoc.Section
		level   int
	}
	root := &lumidoc.Section{}
	stack := []stackEntry{{section: root, level: 0}}
	var lead *lumidoc.Section

	emit := func(contents ...*lumidoc.Content) {
		if len(contents) == 0 {
			return
		}
		top := stack[len(stack)-1].section
		if top == root {
			if lead == nil {
				lead = &lumidoc.Section{ID: c.ids(), Contents: []*lumidoc.Content{}}
				root.SubSections = append(root.SubSections, lead)
			}
			top = lead
		}
		top.Contents = append(top.Contents, contents...)
	}

	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if depth >= lumidoc.MaxDepth {
			return
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type == html.TextNode {
				if strings.TrimSpace(ch.Data) != "" {
					emit(c.paragraph([]*html.Node{ch}, m)...)
				}
				continue
			}
			if ch.Type != html.ElementNode {
				continue
			}

			if level := headingLevel(ch.Data); level > 0 {
				spans, stray := c.convertInline(childNodes(ch), m, false)
				sec := &lumidoc.Section{
					ID:       c.ids(),
					Heading:  lumidoc.Heading{HeadingLevel: level},
					Contents: []*lumidoc.Content{},
				}
				if len(spans) > 0 {
					sec.Heading.Text = spans[0].Text
				}
				for len(stack) > 1 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				parent := stack[len(stack)-1].section
				parent.SubSections = append(parent.SubSections, sec)
				stack = append(stack, stackEntry{section: sec, level: level})
				emit(stray...)
				continue
			}

			switch ch.Data {
			case "script", "style", "hr":
			case "p":
				emit(c.paragraph(childNodes(ch), m)...)
			case "pre":
				emit(c.preformatted(ch, m))
			case "ul", "ol":
				list, stray := c.list(ch, m, 0)
				emit(&lumidoc.Content{ID: c.ids(), ListContent: list})
				emit(stray...)
			case "table":
				table, stray := c.table(ch, m)
				emit(table)
				emit(stray...)
			case "blockquote", "div", "section", "article", "main", "figure":
				walk(ch, depth+1)
			default:
				emit(c.paragraph([]*html.Node{ch}, m)...)
			}
		}
	}

	if body := findBody(doc); body != nil {
		walk(body, 0)
	} else {
		walk(doc, 0)
	}
	return root.SubSections, nil
}

type segment struct {
	nodes []*html.Node
	token string
}

// paragraph converts inline nodes to text contents, splitting at block
// tokens so a figure between two runs of text stays in document order.
func (c *Converter) paragraph(nodes []*html.Node, m PlaceholderMap) []*lumidoc.Content {
	var out []*lumidoc.Content
	for _, seg := range splitBlockTokens(nodes, m) {
		if seg.token != "" {
			out = append(out, m[seg.token].Content)
			continue
		}
		spans, stray := c.convertInline(seg.nodes, m, true)
		if len(spans) > 0 {
			out = append(out, &lumidoc.Content{
				ID:          c.ids(),
				TextContent: &lumidoc.TextContent{TagName: "p", Spans: spans},
			})
		}
		out = append(out, stray...)
	}
	return out
}

func splitBlockTokens(nodes []*html.Node, m PlaceholderMap) []segment {
	var segs []segment
	var cur []*html.Node
	flush := func() {
		if len(cur) > 0 {
			segs = append(segs, segment{nodes: cur})
			cur = nil
		}
	}
	for _, n := range nodes {
		if n.Type != html.TextNode {
			cur = append(cur, n)
			continue
		}
		last := 0
		for _, loc := range tokenPattern.FindAllStringIndex(n.Data, -1) {
			token := n.Data[loc[0]:loc[1]]
			if ph, ok := m[token]; !ok || ph.Content == nil {
				continue
			}
			if loc[0] > last {
				cur = append(cur, textNode(n.Data[last:loc[0]]))
			}
			flush()
			segs = append(segs, segment{token: token})
			last = loc[1]
		}
		switch {
		case last == 0:
			cur = append(cur, n)
		case last < len(n.Data):
			cur = append(cur, textNode(n.Data[last:]))
		}
	}
	flush()
	return segs
}

func (c *Converter) preformatted(n *html.Node, m PlaceholderMap) *lumidoc.Content {
	text := strings.TrimRight(restoreTokens(rawText(n), m), "\n")
	return &lumidoc.Content{
		ID: c.ids(),
		TextContent: &lumidoc.TextContent{
			TagName: "pre",
			Spans:   []lumidoc.Span{{ID: c.ids(), Text: text, InnerTags: []lumidoc.InnerTag{}}},
		},
	}
}

// table keeps a table as sanitized HTML. Block contents found in its cells
// are returned separately, in order, to be placed after the table.
func (c *Converter) table(n *html.Node, m PlaceholderMap) (*lumidoc.Content, []*lumidoc.Content) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		c.log.Warn("render table", "error", err)
	}
	var stray []*lumidoc.Content
	for _, token := range tokenPattern.FindAllString(buf.String(), -1) {
		if ph, ok := m[token]; ok && ph.Content != nil {
			stray = append(stray, ph.Content)
		}
	}
	return &lumidoc.Content{
		ID:                c.ids(),
		HTMLFigureContent: &lumidoc.HTMLFigureContent{HTML: c.policy.Sanitize(restoreTokens(buf.String(), m))},
	}, stray
}

func (c *Converter) list(n *html.Node, m PlaceholderMap, depth int) (*lumidoc.ListContent, []*lumidoc.Content) {
	lc := &lumidoc.ListContent{IsOrdered: n.Data == "ol", ListItems: []lumidoc.ListItem{}}
	var stray []*lumidoc.Content
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.Data != "li" {
			continue
		}
		item := lumidoc.ListItem{ID: c.ids()}
		var inline []*html.Node
		for ch := li.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type == html.ElementNode && (ch.Data == "ul" || ch.Data == "ol") {
				if depth+1 >= lumidoc.MaxDepth {
					continue
				}
				sub, s := c.list(ch, m, depth+1)
				stray = append(stray, s...)
				if item.SubListContent == nil {
					item.SubListContent = sub
				} else {
					item.SubListContent.ListItems = append(item.SubListContent.ListItems, sub.ListItems...)
				}
				continue
			}
			inline = append(inline, ch)
		}
		spans, s := c.convertInline(inline, m, true)
		item.Spans = spans
		stray = append(stray, s...)
		lc.ListItems = append(lc.ListItems, item)
	}
	return lc, stray
}

func headingLevel(tag string) int {
	switch tag {
	case "h1":
		return 1
	case "h2":
		return 2
	case "h3":
		return 3
	case "h4":
		return 4
	case "h5":
		return 5
	case "h6":
		return 6
	}
	return 0
}

func rawText(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return buf.String()
}

func childNodes(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
