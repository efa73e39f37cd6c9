package status

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	w := DefaultWindows()

	tests := []struct {
		name        string
		prev        Status
		vl          int
		firstAgo    time.Duration
		updatedAgo  time.Duration
		gaining     bool
		want        Status
	}{
		{
			name: "single source stays monitoring",
			prev: Monitoring, vl: 1,
			firstAgo: 5 * time.Minute, updatedAgo: 5 * time.Minute,
			want: Monitoring,
		},
		{
			name: "second source develops",
			prev: Monitoring, vl: 2, gaining: true,
			firstAgo: 10 * time.Minute, updatedAgo: 10 * time.Minute,
			want: Developing,
		},
		{
			name: "third source inside window breaks",
			prev: Developing, vl: 3, gaining: true,
			firstAgo: 20 * time.Minute, updatedAgo: 8 * time.Minute,
			want: Breaking,
		},
		{
			name: "third source on old story verifies",
			prev: Developing, vl: 3, gaining: true,
			firstAgo: 2 * time.Hour, updatedAgo: 40 * time.Minute,
			want: Verified,
		},
		{
			name: "verified story surging re-promotes",
			prev: Verified, vl: 5, gaining: true,
			firstAgo: 48 * time.Hour, updatedAgo: 10 * time.Minute,
			want: Breaking,
		},
		{
			name: "verified story gaining slowly stays verified",
			prev: Verified, vl: 5, gaining: true,
			firstAgo: 48 * time.Hour, updatedAgo: 2 * time.Hour,
			want: Verified,
		},
		{
			name: "verified without new source stays verified",
			prev: Verified, vl: 5, gaining: false,
			firstAgo: 48 * time.Hour, updatedAgo: 5 * time.Minute,
			want: Verified,
		},
		{
			name: "breaking with fresh update maintains",
			prev: Breaking, vl: 4, gaining: true,
			firstAgo: 3 * time.Hour, updatedAgo: 12 * time.Minute,
			want: Breaking,
		},
		{
			name: "breaking cooled past maintain window verifies",
			prev: Breaking, vl: 4, gaining: true,
			firstAgo: 3 * time.Hour, updatedAgo: 45 * time.Minute,
			want: Verified,
		},
		{
			name: "breaking idle past timeout verifies",
			prev: Breaking, vl: 4,
			firstAgo: 6 * time.Hour, updatedAgo: 2 * time.Hour,
			want: Verified,
		},
		{
			name: "developing without third source holds",
			prev: Developing, vl: 2,
			firstAgo: 1 * time.Hour, updatedAgo: 30 * time.Minute,
			want: Developing,
		},
		{
			name: "sources never regress status below monitoring rule",
			prev: Breaking, vl: 1,
			firstAgo: 1 * time.Hour, updatedAgo: 5 * time.Minute,
			want: Monitoring,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(Input{
				Prev:              tt.prev,
				VerificationLevel: tt.vl,
				FirstSeen:         now.Add(-tt.firstAgo),
				LastUpdated:       now.Add(-tt.updatedAgo),
				Now:               now,
				GainingSources:    tt.gaining,
			}, w)
			if got != tt.want {
				t.Errorf("Evaluate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluate_RePromotionAfterLull(t *testing.T) {
	// A two-day-old story: quiet for hours as VERIFIED, then three
	// fresh outlets land minutes apart. The second and third arrivals
	// must restore BREAKING even though first_seen is ancient.
	w := DefaultWindows()
	firstSeen := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)

	quiet := firstSeen.Add(36 * time.Hour)
	arrival := quiet.Add(4 * time.Hour)

	got := Evaluate(Input{
		Prev:              Verified,
		VerificationLevel: 6,
		FirstSeen:         firstSeen,
		LastUpdated:       quiet,
		Now:               arrival,
		GainingSources:    true,
	}, w)
	if got != Verified {
		t.Fatalf("first arrival after long lull should stay VERIFIED, got %s", got)
	}

	// The next arrival lands 5 minutes later; the update gap is now
	// small, so the story re-promotes.
	got = Evaluate(Input{
		Prev:              Verified,
		VerificationLevel: 7,
		FirstSeen:         firstSeen,
		LastUpdated:       arrival,
		Now:               arrival.Add(5 * time.Minute),
		GainingSources:    true,
	}, w)
	if got != Breaking {
		t.Fatalf("rapid arrivals after lull should re-promote, got %s", got)
	}
}

func TestEnteredBreaking(t *testing.T) {
	if !EnteredBreaking(Developing, Breaking) {
		t.Error("DEVELOPING to BREAKING is the notification edge")
	}
	if !EnteredBreaking(Verified, Breaking) {
		t.Error("re-promotion is also a notification edge")
	}
	if EnteredBreaking(Breaking, Breaking) {
		t.Error("maintaining BREAKING must not renotify")
	}
	if EnteredBreaking(Breaking, Verified) {
		t.Error("demotion is not a notification edge")
	}
}

func TestValid(t *testing.T) {
	for _, s := range []Status{Monitoring, Developing, Breaking, Verified} {
		if !Valid(s) {
			t.Errorf("%s should be valid", s)
		}
	}
	if Valid(Status("ARCHIVED")) {
		t.Error("unknown status accepted")
	}
}
