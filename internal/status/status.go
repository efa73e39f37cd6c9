// Package status implements the story lifecycle state machine. A
// cluster moves MONITORING → DEVELOPING → BREAKING → VERIFIED as
// independent outlets pick a story up, and can return to BREAKING when
// fresh sources arrive after a quiet spell.
//
// Evaluate is a pure function of the cluster's timestamps and source
// count. The clustering engine calls it inline after every mutation
// (with the pre-mutation last_updated, so the recency windows measure
// the real gap between updates); the breaking-news monitor handles the
// idle demotion on its own timer.
package status

import "time"

// Status is a story cluster's lifecycle state.
type Status string

const (
	Monitoring Status = "MONITORING"
	Developing Status = "DEVELOPING"
	Breaking   Status = "BREAKING"
	Verified   Status = "VERIFIED"
)

// Windows holds the tunable durations of the state machine.
type Windows struct {
	// Breaking is the maximum story age for the first promotion:
	// DEVELOPING goes BREAKING only while now-first_seen is under it.
	Breaking time.Duration

	// RePromote bounds the update gap for VERIFIED → BREAKING: a
	// verified story regains BREAKING only when a new source lands
	// within this window of the previous update.
	RePromote time.Duration

	// Maintain is how recent the previous update must be for a
	// BREAKING story to stay BREAKING when the next one arrives.
	Maintain time.Duration

	// Idle demotes BREAKING to VERIFIED once no update has arrived
	// for this long.
	Idle time.Duration
}

// DefaultWindows returns the production tuning.
func DefaultWindows() Windows {
	return Windows{
		Breaking:  30 * time.Minute,
		RePromote: 15 * time.Minute,
		Maintain:  30 * time.Minute,
		Idle:      90 * time.Minute,
	}
}

// Input is the cluster state the machine evaluates.
type Input struct {
	Prev              Status
	VerificationLevel int
	FirstSeen         time.Time
	LastUpdated       time.Time
	Now               time.Time

	// GainingSources is true when the triggering event linked a new
	// unique outlet to the cluster.
	GainingSources bool
}

// Evaluate returns the cluster's next status. Rules are ordered;
// the first match wins.
//
// Recency gates use the update gap, not story age: a multi-day story
// must be able to go BREAKING again when sources surge after a lull,
// and first_seen can never express that.
func Evaluate(in Input, w Windows) Status {
	sinceFirst := in.Now.Sub(in.FirstSeen)
	sinceUpdate := in.Now.Sub(in.LastUpdated)

	switch {
	case in.VerificationLevel <= 1:
		return Monitoring

	case in.Prev == Monitoring && in.VerificationLevel == 2:
		return Developing

	case in.Prev == Developing && in.VerificationLevel >= 3 && sinceFirst < w.Breaking:
		return Breaking

	case in.Prev == Verified && in.VerificationLevel >= 3 && in.GainingSources && sinceUpdate < w.RePromote:
		return Breaking

	case in.Prev == Breaking && in.VerificationLevel >= 3 && sinceUpdate < w.Maintain:
		return Breaking

	case in.Prev == Breaking && sinceUpdate >= w.Idle:
		return Verified

	case in.VerificationLevel >= 3:
		return Verified

	default:
		return in.Prev
	}
}

// EnteredBreaking reports whether this evaluation crossed into
// BREAKING. The caller owes exactly one push notification per cluster
// on this edge.
func EnteredBreaking(prev, next Status) bool {
	return next == Breaking && prev != Breaking
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	switch s {
	case Monitoring, Developing, Breaking, Verified:
		return true
	}
	return false
}
