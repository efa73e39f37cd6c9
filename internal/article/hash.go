package article

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math/bits"
	"strings"
)

// ExactHash digests the normalized title plus source domain. Two
// entries with the same hash are the same article from the same outlet,
// whatever whitespace or casing the feed used.
func ExactHash(title, sourceDomain string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	sum := sha256.Sum256([]byte(norm + "\n" + strings.ToLower(sourceDomain)))
	return hex.EncodeToString(sum[:])
}

// SimHash computes the 64-bit near-duplicate fingerprint over 3-shingles
// of the given text (title plus description). Texts within Hamming
// distance NearDuplicateDistance are treated as the same wire copy.
func SimHash(text string) uint64 {
	toks := words(text)
	if len(toks) == 0 {
		return 0
	}

	var vector [64]int
	shingle := func(s string) {
		h := fnv.New64a()
		h.Write([]byte(s))
		v := h.Sum64()
		for i := 0; i < 64; i++ {
			if v&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	if len(toks) < 3 {
		// Too short for 3-shingles; hash what we have.
		shingle(strings.Join(toks, " "))
	} else {
		for i := 0; i+3 <= len(toks); i++ {
			shingle(strings.Join(toks[i:i+3], " "))
		}
	}

	var out uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// NearDuplicateDistance is the SimHash Hamming radius inside which two
// entries count as syndicated copies of each other.
const NearDuplicateDistance = 3

// HammingDistance counts differing bits between two SimHash values.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
