package article

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content never belongs in article
// text: scripts, chrome, navigation, and embedded widgets.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Button:   true,
}

// CleanText strips markup from a feed-entry field and normalizes
// whitespace. Plain-text input passes through untouched apart from
// whitespace cleanup.
func CleanText(raw string) string {
	if !strings.ContainsRune(raw, '<') {
		return cleanWhitespace(raw)
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return stripTags(raw)
	}

	var b strings.Builder
	extractText(doc, &b)
	return cleanWhitespace(b.String())
}

// extractText recursively extracts visible text from the DOM. Anchor
// text survives; the link targets do not.
func extractText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	}

	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

// isBlockElement returns true for elements that typically render as blocks.
func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace normalizes whitespace in extracted text.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var cleaned []string
	prevEmpty := false

	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// stripTags is a fallback that removes HTML tags naively when parsing
// fails.
func stripTags(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if tokenizer.Err() == io.EOF {
				return cleanWhitespace(b.String())
			}
			return cleanWhitespace(b.String())
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}

// stopwords are excluded from keyword tokens, fingerprints, and
// single-word entity candidates.
var stopwords = map[string]bool{
	"a": true, "about": true, "after": true, "again": true, "against": true,
	"all": true, "also": true, "amid": true, "an": true, "and": true,
	"are": true, "as": true, "at": true, "be": true, "because": true,
	"been": true, "before": true, "being": true, "but": true, "by": true,
	"can": true, "could": true, "did": true, "do": true, "does": true,
	"down": true, "during": true, "for": true, "from": true, "had": true,
	"has": true, "have": true, "he": true, "her": true, "his": true,
	"how": true, "if": true, "in": true, "into": true, "is": true,
	"it": true, "its": true, "just": true, "more": true, "most": true,
	"new": true, "no": true, "not": true, "now": true, "of": true,
	"off": true, "on": true, "onto": true, "or": true, "out": true,
	"over": true, "said": true, "says": true, "she": true, "so": true,
	"some": true, "than": true, "that": true, "the": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "to": true, "under": true, "up": true, "was": true,
	"we": true, "were": true, "what": true, "when": true, "where": true,
	"which": true, "while": true, "who": true, "why": true, "will": true,
	"with": true, "would": true, "you": true, "your": true,
}

// Tokens lowercases s, strips punctuation, and drops stopwords and
// short fragments. This is the keyword view of a text used by
// fingerprints and title similarity.
func Tokens(s string) []string {
	var out []string
	for _, raw := range strings.Fields(strings.ToLower(s)) {
		tok := strings.Trim(raw, "\"'“”‘’.,:;!?()[]{}<>-–—/\\|")
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// words splits s into lowercase word tokens with punctuation trimmed
// but stopwords retained. SimHash shingles use this view so that
// function words still contribute to near-duplicate detection.
func words(s string) []string {
	var out []string
	for _, raw := range strings.Fields(strings.ToLower(s)) {
		tok := strings.Trim(raw, "\"'“”‘’.,:;!?()[]{}<>-–—/\\|")
		if tok == "" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// languageMarkers are high-frequency function words used for the cheap
// language guess. English is the default when nothing else dominates.
var languageMarkers = map[string][]string{
	"es": {"el", "la", "los", "las", "una", "por", "para", "con", "según"},
	"fr": {"le", "la", "les", "des", "une", "dans", "pour", "avec", "après"},
	"de": {"der", "die", "das", "und", "eine", "nach", "für", "mit", "über"},
	"pt": {"os", "uma", "não", "com", "para", "mais", "após", "sobre"},
}

// DetectLanguage guesses the article language from marker-word counts.
// It is intentionally crude; the pipeline only needs a coarse tag.
func DetectLanguage(title, description string) string {
	tokens := words(title + " " + description)
	counts := make(map[string]int)
	for _, tok := range tokens {
		for lang, markers := range languageMarkers {
			for _, m := range markers {
				if tok == m {
					counts[lang]++
				}
			}
		}
	}

	best, bestCount := "en", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	// Require a real signal before overriding the default.
	if bestCount < 3 {
		return "en"
	}
	return best
}

// SpamCheck applies the policy heuristics that keep junk entries out of
// the store. It returns false plus a reason when the entry should be
// dropped: markup with almost no text, or a single token repeated past
// any plausible prose.
func SpamCheck(raw, cleaned string) (ok bool, reason string) {
	if strings.ContainsRune(raw, '<') && len(raw) > 200 {
		ratio := float64(len(cleaned)) / float64(len(raw))
		if ratio < 0.05 {
			return false, "low text-to-markup ratio"
		}
	}

	tokens := words(cleaned)
	if len(tokens) >= 20 {
		counts := make(map[string]int)
		max := 0
		for _, tok := range tokens {
			counts[tok]++
			if counts[tok] > max {
				max = counts[tok]
			}
		}
		if float64(max)/float64(len(tokens)) > 0.3 {
			return false, "excessive repetition"
		}
	}

	return true, ""
}
