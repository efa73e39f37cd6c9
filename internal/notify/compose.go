package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nugget/newsreel/internal/cluster"
)

// previewMaxLen bounds the plain-text summary preview. Push payloads
// land on lock screens; nobody reads two hundred words there.
const previewMaxLen = 280

// Payload is the JSON body of one breaking-news broadcast. Summary is
// a plain-text preview; SummaryHTML carries the full rendering for
// clients that display rich notifications.
type Payload struct {
	StoryID           string    `json:"story_id"`
	Title             string    `json:"title"`
	Category          string    `json:"category"`
	VerificationLevel int       `json:"verification_level"`
	Summary           string    `json:"summary,omitempty"`
	SummaryHTML       string    `json:"summary_html,omitempty"`
	DetectedAt        time.Time `json:"detected_at"`
}

// composePayload renders the broadcast body for a story. The summary is
// stored as markdown; the payload carries it stripped to plain text and
// rendered to HTML.
func composePayload(s *cluster.Story) ([]byte, error) {
	p := Payload{
		StoryID:           s.ID,
		Title:             s.Title,
		Category:          s.Category,
		VerificationLevel: s.VerificationLevel,
		DetectedAt:        s.BreakingDetectedAt,
	}
	if s.Summary != nil && s.Summary.Text != "" {
		p.Summary = preview(s.Summary.Text, previewMaxLen)

		html, err := markdownToHTML(s.Summary.Text)
		if err != nil {
			return nil, fmt.Errorf("render summary for %s: %w", s.ID, err)
		}
		p.SummaryHTML = html
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", s.ID, err)
	}
	return body, nil
}

// markdownToHTML renders markdown to an HTML fragment with no external
// resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// Patterns for stripping markdown formatting.
var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain converts markdown to plain text by stripping
// formatting characters while preserving the words.
func markdownToPlain(md string) string {
	s := md
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// preview flattens markdown to a single line and truncates it at a word
// boundary within max bytes.
func preview(md string, max int) string {
	plain := strings.Join(strings.Fields(markdownToPlain(md)), " ")
	if len(plain) <= max {
		return plain
	}
	cut := plain[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + " ..."
}
