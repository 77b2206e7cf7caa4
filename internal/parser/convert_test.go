package parser

import (
	"strings"
	"testing"

	"github.com/lihe8811/lumi/internal/lumidoc"
)

func TestParseImportTags(t *testing.T) {
	input := "[[l-abstract-start]]Abs text.[[l-abstract-end]]\n" +
		"[[l-content-start]]# Intro\nBody.[[l-content-end]]\n" +
		"[[l-references-start]][[l-ref-item:r1]]Ref one.[[l-ref-item-end]]\n" +
		"[[l-ref-item:r2]]Ref two.[[l-ref-item-end]][[l-references-end]]\n" +
		"[[l-footnotes-start]][[l-fn-item:f1]]Note.[[l-fn-item-end]][[l-footnotes-end]]"

	p := ParseImportTags(input)
	if p.Abstract != "Abs text." {
		t.Errorf("expected abstract %q, got %q", "Abs text.", p.Abstract)
	}
	if p.Content != "# Intro\nBody." {
		t.Errorf("expected content %q, got %q", "# Intro\nBody.", p.Content)
	}
	if len(p.References) != 2 || p.References[1].ID != "r2" || p.References[1].Content != "Ref two." {
		t.Errorf("expected two references, got %+v", p.References)
	}
	if len(p.Footnotes) != 1 || p.Footnotes[0].ID != "f1" {
		t.Errorf("expected one footnote, got %+v", p.Footnotes)
	}
}

func TestParseImportTags_Untagged(t *testing.T) {
	p := ParseImportTags("  just text  ")
	if p.Content != "just text" || p.Abstract != "" {
		t.Errorf("expected untagged text as content, got %+v", p)
	}
}

func TestParseImportTags_UnterminatedContent(t *testing.T) {
	p := ParseImportTags("[[l-content-start]]body[[l-references-start]][[l-ref-item:a]]x[[l-ref-item-end]]")
	if p.Content != "body" {
		t.Errorf("expected %q, got %q", "body", p.Content)
	}
	if len(p.References) != 1 {
		t.Errorf("expected references to survive, got %+v", p.References)
	}
}

func TestConvert_FigurePrecedence(t *testing.T) {
	output := "[[l-content-start]]Text before.\n\n" +
		"[[l-fig-start]][[l-image:figs/a.png]][[l-image-caption]]Left[[l-image-caption-end]]\n" +
		"[[l-image:figs/b.png]]\n" +
		"[[l-fig-caption]]Both panels.[[l-fig-caption-end]][[l-fig-end]]\n\n" +
		"[[l-image:./figs/c.png]]\n\n" +
		"After.[[l-content-end]]"

	doc, err := newTestConverter().Convert(output, nil, "2401.00001/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	contents := doc.Sections[0].Contents
	wantKinds := []lumidoc.ContentKind{lumidoc.KindText, lumidoc.KindFigure, lumidoc.KindImage, lumidoc.KindText}
	if len(contents) != len(wantKinds) {
		t.Fatalf("expected %d contents, got %d", len(wantKinds), len(contents))
	}
	for i, want := range wantKinds {
		if got := contents[i].Kind(); got != want {
			t.Errorf("content %d: expected %s, got %s", i, want, got)
		}
	}

	fig := contents[1].FigureContent
	if len(fig.Images) != 2 {
		t.Fatalf("expected 2 figure images, got %d", len(fig.Images))
	}
	if fig.Images[0].Caption == nil || fig.Images[0].Caption.Text != "Left" {
		t.Errorf("expected sub-caption %q, got %+v", "Left", fig.Images[0].Caption)
	}
	if fig.Images[1].Caption != nil {
		t.Errorf("expected no sub-caption, got %+v", fig.Images[1].Caption)
	}
	if fig.Caption == nil || fig.Caption.Text != "Both panels." {
		t.Errorf("expected figure caption, got %+v", fig.Caption)
	}
	if fig.Images[0].StoragePath != "papers/2401.00001/v1/images/figs__a.png" {
		t.Errorf("unexpected storage path %q", fig.Images[0].StoragePath)
	}
	if got := contents[2].ImageContent.StoragePath; got != "papers/2401.00001/v1/images/figs__c.png" {
		t.Errorf("unexpected storage path %q", got)
	}
	if !strings.Contains(doc.Markdown, "[[l-fig-start]]") {
		t.Error("expected raw model output to be kept")
	}
}

func TestConvert_HTMLFigureSanitized(t *testing.T) {
	output := "[[l-html-fig-start]]<table><tr><td>1</td></tr></table><script>alert(1)</script>" +
		"[[l-html-fig-caption]]Table 1.[[l-html-fig-caption-end]][[l-html-fig-end]]"

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fig := doc.Sections[0].Contents[0].HTMLFigureContent
	if fig == nil {
		t.Fatalf("expected html figure, got %s", doc.Sections[0].Contents[0].Kind())
	}
	if !strings.Contains(fig.HTML, "<td>1</td>") || strings.Contains(fig.HTML, "script") {
		t.Errorf("expected sanitized table, got %q", fig.HTML)
	}
	if fig.Caption == nil || fig.Caption.Text != "Table 1." {
		t.Errorf("expected caption, got %+v", fig.Caption)
	}
}

func TestConvert_EquationsBecomeMathTags(t *testing.T) {
	output := "[[l-content-start]]Energy $E = mc^2$ holds.\n\n$$\\int f$$[[l-content-end]]"

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	contents := doc.Sections[0].Contents
	if len(contents) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(contents))
	}

	inline := contents[0].TextContent.Spans[0]
	if inline.Text != "Energy E = mc^2 holds." {
		t.Errorf("expected %q, got %q", "Energy E = mc^2 holds.", inline.Text)
	}
	if len(inline.InnerTags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(inline.InnerTags))
	}
	tag := inline.InnerTags[0]
	if tag.TagName != lumidoc.TagMath || tag.Position != (lumidoc.Position{StartIndex: 7, EndIndex: 15}) {
		t.Errorf("expected math at [7,15), got %s at %+v", tag.TagName, tag.Position)
	}

	display := contents[1].TextContent.Spans[0]
	if display.Text != `\int f` || display.InnerTags[0].TagName != lumidoc.TagMathDisplay {
		t.Errorf("expected display math, got %q with %+v", display.Text, display.InnerTags)
	}
}

func TestConvert_SentencesNeverSplitInsideTags(t *testing.T) {
	output := "We set $a. B$ here. Next one! Third e.g. with abbreviation? Yes."

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := spanTexts(doc.Sections[0].Contents[0])
	want := []string{"We set a. B here.", "Next one!", "Third e.g. with abbreviation?", "Yes."}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestConvert_InlineMarkers(t *testing.T) {
	output := "See [[l-ref:r1]]Smith et al.[[/l-ref]] for **details**."

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	span := doc.Sections[0].Contents[0].TextContent.Spans[0]
	if span.Text != "See Smith et al. for details." {
		t.Fatalf("expected markers removed, got %q", span.Text)
	}
	if len(span.InnerTags) != 2 {
		t.Fatalf("expected 2 tags, got %+v", span.InnerTags)
	}
	ref, strong := span.InnerTags[0], span.InnerTags[1]
	if ref.TagName != lumidoc.TagReference || ref.Metadata["id"] != "r1" || ref.Position != (lumidoc.Position{StartIndex: 4, EndIndex: 16}) {
		t.Errorf("unexpected reference tag %+v", ref)
	}
	if strong.TagName != lumidoc.TagStrong || strong.Position != (lumidoc.Position{StartIndex: 21, EndIndex: 28}) {
		t.Errorf("unexpected strong tag %+v", strong)
	}
	if err := lumidoc.ValidateTags(span); err != nil {
		t.Errorf("expected valid tags, got %v", err)
	}
}

func TestConvert_MarkerAcrossFormattingKeepsReference(t *testing.T) {
	output := "Text **bold [[l-ref:a]]x** y[[/l-ref]] z."

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	span := doc.Sections[0].Contents[0].TextContent.Spans[0]
	if span.Text != "Text bold x y z." {
		t.Fatalf("expected markers removed, got %q", span.Text)
	}
	if len(span.InnerTags) != 2 {
		t.Fatalf("expected strong and a reference piece, got %+v", span.InnerTags)
	}
	strong, tail := span.InnerTags[0], span.InnerTags[1]
	if strong.TagName != lumidoc.TagStrong || strong.Position != (lumidoc.Position{StartIndex: 5, EndIndex: 11}) {
		t.Errorf("unexpected strong tag %+v", strong)
	}
	if len(strong.Children) != 1 {
		t.Fatalf("expected reference piece inside strong, got %+v", strong.Children)
	}
	head := strong.Children[0]
	if head.TagName != lumidoc.TagReference || head.Metadata["id"] != "a" || head.Position != (lumidoc.Position{StartIndex: 10, EndIndex: 11}) {
		t.Errorf("unexpected inner reference piece %+v", head)
	}
	if tail.TagName != lumidoc.TagReference || tail.Metadata["id"] != "a" || tail.Position != (lumidoc.Position{StartIndex: 11, EndIndex: 13}) {
		t.Errorf("unexpected trailing reference piece %+v", tail)
	}
	if err := lumidoc.ValidateTags(span); err != nil {
		t.Errorf("expected valid tags, got %v", err)
	}
}

func TestConvert_InlineMathKeepsSurroundingSpace(t *testing.T) {
	doc, err := newTestConverter().Convert("Price $5 and $10 dollars.", nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	span := doc.Sections[0].Contents[0].TextContent.Spans[0]
	if span.Text != "Price 5 and 10 dollars." {
		t.Errorf("expected %q, got %q", "Price 5 and 10 dollars.", span.Text)
	}
	if len(span.InnerTags) != 1 || span.InnerTags[0].Position != (lumidoc.Position{StartIndex: 6, EndIndex: 11}) {
		t.Errorf("expected math over %q, got %+v", "5 and", span.InnerTags)
	}
}

func TestConvert_BlocksInTablesAndLists(t *testing.T) {
	output := "| a | b |\n|---|---|\n| x | [[l-image:fig.png]] |\n\n- item [[l-image:g.png]] here\n- next\n"

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	contents := doc.Sections[0].Contents
	kinds := make([]lumidoc.ContentKind, len(contents))
	for i, c := range contents {
		kinds[i] = c.Kind()
	}
	want := []lumidoc.ContentKind{lumidoc.KindHTMLFigure, lumidoc.KindImage, lumidoc.KindList, lumidoc.KindImage}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected kinds %v, got %v", want, kinds)
		}
	}

	table := contents[0].HTMLFigureContent.HTML
	if !strings.Contains(table, "<td>x</td>") || strings.Contains(table, "LUMIPH") {
		t.Errorf("expected intact table without tokens, got %q", table)
	}
	if contents[1].ImageContent.LatexPath != "fig.png" || contents[3].ImageContent.LatexPath != "g.png" {
		t.Errorf("unexpected images %q, %q", contents[1].ImageContent.LatexPath, contents[3].ImageContent.LatexPath)
	}
	items := contents[2].ListContent.ListItems
	if len(items) != 2 {
		t.Fatalf("expected 2 list items, got %d", len(items))
	}
	if len(items[0].Spans) == 0 || !strings.HasPrefix(items[0].Spans[0].Text, "item") {
		t.Errorf("expected first item text kept, got %+v", items[0].Spans)
	}
}

func TestConvert_AbstractConceptsAnnotated(t *testing.T) {
	output := "[[l-abstract-start]]We study neural networks.[[l-abstract-end]][[l-content-start]]Body.[[l-content-end]]"
	concepts := []lumidoc.Concept{{ID: "c1", Name: "neural networks"}}

	doc, err := newTestConverter().Convert(output, concepts, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Abstract == nil || len(doc.Abstract.Contents) != 1 {
		t.Fatalf("expected one abstract content, got %+v", doc.Abstract)
	}
	span := doc.Abstract.Contents[0].TextContent.Spans[0]
	if len(span.InnerTags) != 1 {
		t.Fatalf("expected concept tag, got %+v", span.InnerTags)
	}
	tag := span.InnerTags[0]
	if tag.TagName != lumidoc.TagConcept || tag.Metadata["conceptId"] != "c1" || tag.Position != (lumidoc.Position{StartIndex: 9, EndIndex: 24}) {
		t.Errorf("unexpected concept tag %+v", tag)
	}
	if len(doc.Concepts) != 1 {
		t.Errorf("expected concepts attached, got %d", len(doc.Concepts))
	}
}

func TestConvert_ReferencesAndFootnotes(t *testing.T) {
	output := "Body.[[l-references-start]][[l-ref-item:r1]]A. Author. *Title*. 2020.[[l-ref-item-end]][[l-references-end]]" +
		"[[l-footnotes-start]][[l-fn-item:f1]]Costs $x$.[[l-fn-item-end]][[l-footnotes-end]]"

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.References) != 1 || doc.References[0].Span.Text != "A. Author. Title. 2020." {
		t.Errorf("unexpected references %+v", doc.References)
	}
	if len(doc.Footnotes) != 1 || doc.Footnotes[0].Span.Text != "Costs x." {
		t.Fatalf("unexpected footnotes %+v", doc.Footnotes)
	}
	if tags := doc.Footnotes[0].Span.InnerTags; len(tags) != 1 || tags[0].TagName != lumidoc.TagMath {
		t.Errorf("expected math tag in footnote, got %+v", tags)
	}
}

func TestConvert_UnknownTokenDropped(t *testing.T) {
	output := "Keep " + PlaceholderPrefix + "6162" + PlaceholderSuffix + " this."

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := doc.Sections[0].Contents[0].TextContent.Spans[0].Text
	if strings.Contains(text, PlaceholderPrefix) || !strings.HasPrefix(text, "Keep") {
		t.Errorf("expected token dropped, got %q", text)
	}
}

func TestConvert_FallbackBlock(t *testing.T) {
	output := "[[l-content-start]]   [[l-content-end]]"

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := lumidoc.CountContents(doc); n != 1 {
		t.Fatalf("expected exactly one fallback block, got %d", n)
	}
	if got := doc.Sections[0].Contents[0].TextContent.Spans[0].Text; got != output {
		t.Errorf("expected raw output %q, got %q", output, got)
	}
}

func TestConvert_IDsAreUnique(t *testing.T) {
	output := "[[l-abstract-start]]One. Two.[[l-abstract-end]][[l-content-start]]# A\n\nThree. Four.\n\n- five\n\n[[l-image:x.png]]\n\n## B\n\nSix.[[l-content-end]]"

	doc, err := newTestConverter().Convert(output, nil, "p/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	check := func(id string) {
		if id == "" {
			t.Error("expected non-empty id")
		}
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
	var walkSections func([]*lumidoc.Section)
	walkSections = func(sections []*lumidoc.Section) {
		for _, s := range sections {
			check(s.ID)
			walkSections(s.SubSections)
		}
	}
	walkSections(doc.Sections)
	lumidoc.Walk(doc, func(c *lumidoc.Content) {
		check(c.ID)
		if err := c.Validate(); err != nil {
			t.Error(err)
		}
		for _, s := range lumidoc.Spans(c) {
			check(s.ID)
		}
	})
}

func TestExtractEquations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"inline and display", `$a$ and $$b$$`, 2},
		{"escaped dollar", `costs \$5 and $x$`, 1},
		{"code span", "`$a$` stays", 0},
		{"unterminated", `just $ sign`, 0},
		{"no blank line crossing", "$a\n\nb$", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := PlaceholderMap{}
			out := newTestConverter().ExtractEquations(tt.in, m)
			if len(m) != tt.want {
				t.Errorf("expected %d equations, got %d (%q)", tt.want, len(m), out)
			}
		})
	}
}

func TestRestoreTokens(t *testing.T) {
	c := newTestConverter()
	m := PlaceholderMap{}
	out := c.ExtractEquations(`x $y$ z`, m)
	if got := restoreTokens(out, m); got != `x $y$ z` {
		t.Errorf("expected round trip, got %q", got)
	}
}

func TestGuessTitle(t *testing.T) {
	if got := GuessTitle("\n\n  Attention   Is All\tYou Need \nAbstract", "x"); got != "Attention Is All You Need" {
		t.Errorf("expected collapsed first line, got %q", got)
	}
	if got := GuessTitle("  \n", "upload.pdf"); got != "upload.pdf" {
		t.Errorf("expected fallback, got %q", got)
	}
}
