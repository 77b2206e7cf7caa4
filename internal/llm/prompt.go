package llm

import (
	"fmt"
	"strings"

	"github.com/lihe8811/lumi/internal/lumidoc"
)

const formatSystemPrompt = `You convert scholarly papers into annotated markdown. Reproduce the paper's text faithfully; do not summarize, paraphrase or invent content.`

const importInstructions = `Convert the attached paper into markdown wrapped in the tags below. Use the LaTeX source, when given, to recover exact equations, figure paths and captions.

Structure:
- Wrap the abstract in [[l-abstract-start]] ... [[l-abstract-end]].
- Wrap the body in [[l-content-start]] ... [[l-content-end]]. Use markdown headings (#, ##, ###) for sections.
- Wrap the bibliography in [[l-references-start]] ... [[l-references-end]]. Put each entry in [[l-ref-item:ID]]text[[l-ref-item-end]] where ID is a short unique id such as ref1.
- Wrap footnotes in [[l-footnotes-start]] ... [[l-footnotes-end]]. Put each footnote in [[l-fn-item:ID]]text[[l-fn-item-end]].

Inline:
- Mark citations as [[l-ref:ID]]citation text[[/l-ref]] using the ids from the references block.
- Mark footnote anchors as [[l-fn:ID]]marker[[/l-fn]].
- Use $...$ for inline math and $$...$$ for display math, including single variables.

Figures:
- A figure is [[l-fig-start]] followed by one [[l-image:PATH]] per image, then [[l-fig-caption]]caption[[l-fig-caption-end]] and [[l-fig-end]]. PATH is the path used by \includegraphics in the LaTeX source, or a short descriptive name when there is no source.
- A single image may be written as [[l-image:PATH]][[l-image-caption]]caption[[l-image-caption-end]].
- Tables are HTML: [[l-html-fig-start]]<table>...</table>[[l-html-fig-caption]]caption[[l-html-fig-caption-end]][[l-html-fig-end]].`

// importPrompt builds the formatter instructions, asking the model to mark
// the given concepts where they are discussed.
func importPrompt(concepts []lumidoc.Concept) string {
	var sb strings.Builder
	sb.WriteString(importInstructions)
	if len(concepts) > 0 {
		sb.WriteString("\n\nConcepts:\n")
		sb.WriteString("Mark the first mention of each concept in every paragraph as [[l-concept:ID]]text[[/l-concept]].\n")
		for _, c := range concepts {
			fmt.Fprintf(&sb, "- id: %s, name: %s\n", c.ID, c.Name)
		}
	}
	return sb.String()
}

const conceptsPrompt = `You will be given the abstract of a scientific paper. Identify the key technical concepts a reader must understand: methods, models, datasets and terms the paper introduces or relies on. Return at most %d concepts.

Abstract:
%s

Return a JSON array of objects with two fields: "name" (the concept as written in the abstract) and "description" (one sentence). Respond with ONLY the JSON array.`

const (
	formattingInstructions = `You can use markdown for formatting, like <b>bold</b>. For any equations or variables, make sure to use $...$ for any inline math (including \sqrt).`
	jsonOutputInstructions = `Please return the list of items and their summaries as a list of JSON objects, each with two fields: id (string) and label (string). Please use double quotes around the key/values and single quotes within the strings.`
)

func spanSummariesPrompt(items []labelItem) string {
	return fmt.Sprintf(`You will be given a list of sentences. Your task is to label each sentence in 1-6 words or less, being as specific as possible. %s
Here are the sentences:
%s

Try to use as specific words as possible. Adjacent sentences that are related can be given the same label if it makes sense.

%s`, formattingInstructions, formatItems(items), jsonOutputInstructions)
}

func sectionSummariesPrompt(items []labelItem) string {
	return fmt.Sprintf(`You will be given sections of a document. Your task is to summarize each section in 4-16 words, being as specific as possible. %s
Here are the contents:
%s

%s`, formattingInstructions, formatItems(items), jsonOutputInstructions)
}

func contentSummariesPrompt(items []labelItem) string {
	return fmt.Sprintf(`You will be given a list of content. Your task is to summarize each piece of content in 4-16 words, being as specific as possible. %s
Here are the contents:
%s

Try to bold the important words/concepts in the summary.

%s`, formattingInstructions, formatItems(items), jsonOutputInstructions)
}

func abstractExcerptPrompt(items []labelItem) string {
	return fmt.Sprintf(`You will be given the sentences from a document's abstract. Your task is to identify the single most important sentence that best summarizes the core contribution or finding of the paper.
Here are the sentences:
%s

Please return only the 'id' of the most important sentence as a JSON object with a single key "id". For example: {"id": "s123"}.`, formatItems(items))
}

func formatItems(items []labelItem) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("{ id: %s, text: %s}", it.ID, it.Text)
	}
	return strings.Join(lines, "\n")
}
