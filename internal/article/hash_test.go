package article

import "testing"

func TestExactHash_Deterministic(t *testing.T) {
	a := ExactHash("Quake Strikes Off Hokkaido Coast", "example.com")
	b := ExactHash("quake strikes off  hokkaido   coast", "EXAMPLE.COM")
	if a != b {
		t.Errorf("hash should ignore case and spacing: %q vs %q", a, b)
	}
}

func TestExactHash_DomainScoped(t *testing.T) {
	a := ExactHash("Quake strikes off Hokkaido coast", "example.com")
	b := ExactHash("Quake strikes off Hokkaido coast", "other.org")
	if a == b {
		t.Error("same title from different domains should hash differently")
	}
}

func TestSimHash_IdenticalInputs(t *testing.T) {
	text := "Magnitude 6.1 earthquake strikes off the coast of Hokkaido"
	if a, b := SimHash(text), SimHash(text); a != b {
		t.Errorf("identical text produced different simhashes: %x vs %x", a, b)
	}
}

func TestSimHash_DistinctStories(t *testing.T) {
	a := SimHash("Magnitude 6.1 earthquake strikes off the coast of Hokkaido")
	b := SimHash("Parliament passes budget after marathon overnight session")
	if d := HammingDistance(a, b); d <= NearDuplicateDistance {
		t.Errorf("unrelated titles within near-duplicate distance: %d", d)
	}
}

func TestSimHash_ShortInput(t *testing.T) {
	// Fewer than three tokens still hashes without panicking.
	if SimHash("breaking") == 0 {
		t.Error("single-token input should still produce a hash")
	}
}

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b uint64
		want int
	}{
		{"equal", 0xdeadbeef, 0xdeadbeef, 0},
		{"one bit", 0b1000, 0b0000, 1},
		{"three bits", 0b0111, 0b0000, 3},
		{"all bits", 0, ^uint64(0), 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HammingDistance(tt.a, tt.b); got != tt.want {
				t.Errorf("HammingDistance(%x, %x) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestHammingDistance_NearDuplicateThreshold(t *testing.T) {
	h := SimHash("Severe flooding closes highways across the region")
	flipped := h ^ 0b111
	if d := HammingDistance(h, flipped); d != 3 {
		t.Fatalf("expected distance 3, got %d", d)
	}
	if d := HammingDistance(h, flipped); d > NearDuplicateDistance {
		t.Error("three flipped bits should still count as a near duplicate")
	}
}
