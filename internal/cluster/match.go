package cluster

import (
	"strings"

	"github.com/nugget/newsreel/internal/article"
	"github.com/nugget/newsreel/internal/config"
)

// titleReplaceEntityMin is how many entities an article must share with
// a story before its longer title may replace the story title.
const titleReplaceEntityMin = 3

// maxCentroidKeywords bounds the centroid list so a long-running story
// cannot grow without limit.
const maxCentroidKeywords = 24

// matchPath names the cascade rule that linked an article.
type matchPath string

const (
	matchFingerprint matchPath = "fingerprint"
	matchTitle       matchPath = "title"
	matchEntity      matchPath = "entity"
)

// candidateMatch is one story that accepted the article, tagged with
// the path that accepted it.
type candidateMatch struct {
	cand candidate
	path matchPath
}

// matchCandidates runs the matching cascade over the candidates and
// returns every accepting story, strongest path first. Position 0 is
// the primary choice; later entries are the fallbacks duplicate-source
// arbitration falls through to.
//
// The cascade: exact fingerprint equality, then title similarity, then
// entity corroboration with a weaker title floor. The two fuzzy paths
// refuse any candidate whose title sits in a disjoint topic group.
func matchCandidates(cfg config.ClusterConfig, a *article.Article, cands []candidate) []candidateMatch {
	titleTokens := article.Tokens(a.Title)
	taken := make(map[string]bool, len(cands))
	var out []candidateMatch

	add := func(c candidate, p matchPath) {
		taken[c.story.ID] = true
		out = append(out, candidateMatch{cand: c, path: p})
	}

	for _, c := range cands {
		if c.story.Fingerprint != "" && c.story.Fingerprint == a.StoryFingerprint {
			add(c, matchFingerprint)
		}
	}

	for _, c := range cands {
		if taken[c.story.ID] || article.TopicsConflict(a.Title, c.story.Title) {
			continue
		}
		if Jaccard(titleTokens, article.Tokens(c.story.Title)) >= cfg.SimilarityThreshold {
			add(c, matchTitle)
		}
	}

	for _, c := range cands {
		if taken[c.story.ID] || article.TopicsConflict(a.Title, c.story.Title) {
			continue
		}
		if entityOverlap(c.story, a.Entities) >= cfg.EntityOverlapMin &&
			Jaccard(titleTokens, article.Tokens(c.story.Title)) >= cfg.WeakSimilarityThreshold {
			add(c, matchEntity)
		}
	}

	return out
}

// Jaccard computes set intersection over union for two token lists.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}

	inter := 0
	for t := range setB {
		if setA[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// entityOverlap counts how many of the article's entities already
// appear in the story's histogram.
func entityOverlap(s *Story, ents []article.Entity) int {
	n := 0
	for _, e := range ents {
		if s.EntityHistogram[normalizeEntity(e.Text)] > 0 {
			n++
		}
	}
	return n
}

func normalizeEntity(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// mergeKeywords unions new tokens into the centroid list.
func mergeKeywords(current, incoming []string) []string {
	seen := make(map[string]bool, len(current))
	for _, t := range current {
		seen[t] = true
	}
	for _, t := range incoming {
		if seen[t] || len(current) >= maxCentroidKeywords {
			continue
		}
		seen[t] = true
		current = append(current, t)
	}
	return current
}
