package article

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the 8-character story fingerprint from the top
// six normalized keywords plus the top two or three entities. Articles
// about the same event from different outlets frequently collide here,
// which is the point: fingerprint equality is the clustering fast path.
func Fingerprint(text string, entities []Entity) string {
	keywords := topKeywords(Tokens(text), 6)

	names := topEntityNames(entities, 3)

	sum := sha256.Sum256([]byte(strings.Join(keywords, " ") + "|" + strings.Join(names, " ")))
	return hex.EncodeToString(sum[:])[:8]
}

// topKeywords ranks tokens by frequency (ties alphabetical) and returns
// the first n, sorted, so the digest is order-insensitive.
func topKeywords(tokens []string, n int) []string {
	counts := make(map[string]int)
	for _, tok := range tokens {
		counts[tok]++
	}

	uniq := make([]string, 0, len(counts))
	for tok := range counts {
		uniq = append(uniq, tok)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if counts[uniq[i]] != counts[uniq[j]] {
			return counts[uniq[i]] > counts[uniq[j]]
		}
		return uniq[i] < uniq[j]
	})

	if len(uniq) > n {
		uniq = uniq[:n]
	}
	sort.Strings(uniq)
	return uniq
}

// topEntityNames selects up to n entity names for the fingerprint,
// preferring people and organizations over locations so that two
// stories in the same city do not collide on geography alone.
func topEntityNames(entities []Entity, n int) []string {
	rank := func(t EntityType) int {
		switch t {
		case EntityPerson, EntityOrg:
			return 0
		case EntityEvent:
			return 1
		case EntityLocation:
			return 2
		default:
			return 3
		}
	}

	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		if rank(sorted[i].Type) != rank(sorted[j].Type) {
			return rank(sorted[i].Type) < rank(sorted[j].Type)
		}
		return sorted[i].Salience > sorted[j].Salience
	})

	var names []string
	seen := make(map[string]bool)
	for _, e := range sorted {
		name := strings.ToLower(e.Text)
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
		if len(names) == n {
			break
		}
	}
	sort.Strings(names)
	return names
}
