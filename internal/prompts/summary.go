package prompts

import (
	"fmt"
	"strings"
)

// summarySystemTemplate is the static instruction block shared by every
// summary request, realtime and batch. It must not interpolate
// per-story content: the API caches the processed block and any
// variation would defeat the cache.
const summarySystemTemplate = `You are a news wire editor writing concise summaries of developing stories.

Rules:
- Write 2 to 4 sentences of plain prose. No headlines, no bullet points, no markdown.
- Lead with what happened, then where and when.
- State only facts that appear in the source material. Never speculate, extrapolate, or fill gaps.
- Prefer facts corroborated by more than one source. Attribute single-source claims ("according to ...").
- When sources disagree, say so and attribute each side.
- Numbers matter: keep casualty counts, magnitudes, and quantities exactly as reported.
- Neutral register. No sensational language, no editorializing.`

// summaryStoryTemplate opens the per-story user turn. Format verbs:
// 1: story title, 2: category, 3: source count.
const summaryStoryTemplate = `Summarize this developing story.

Story: %s
Category: %s
Reporting from %d sources follows.`

// summarySourceTemplate renders one source's contribution. Format
// verbs: 1: index, 2: outlet, 3: published timestamp, 4: article title,
// 5: excerpt.
const summarySourceTemplate = `

--- Source %d: %s (published %s) ---
%s
%s`

// summaryPreviousSection is appended when regenerating. The format verb
// is the previous summary text.
const summaryPreviousSection = `

A previous summary of this story read:
%s

Update it to reflect the reporting above. Keep facts that still hold; replace what changed.`

// SummarySource is one source's contribution to the summary prompt.
type SummarySource struct {
	Outlet      string
	PublishedAt string
	Title       string
	Excerpt     string
}

// SummarySystemPrompt returns the static instruction block. Exported as
// a function to keep the package convention even though it takes no
// parameters.
func SummarySystemPrompt() string {
	return summarySystemTemplate
}

// SummaryUserPrompt returns the per-story user turn: the story header,
// one block per source, and, when previous is non-empty, the
// regeneration instructions.
func SummaryUserPrompt(title, category string, sources []SummarySource, previous string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(summaryStoryTemplate, title, category, len(sources)))
	for i, src := range sources {
		sb.WriteString(fmt.Sprintf(summarySourceTemplate, i+1, src.Outlet, src.PublishedAt, src.Title, src.Excerpt))
	}
	if previous != "" {
		sb.WriteString(fmt.Sprintf(summaryPreviousSection, previous))
	}
	return sb.String()
}
