package domain

import "time"

// TimeThreshold is a point-in-time cursor: either "latest" or a fixed time.
// The zero value is "latest".
type TimeThreshold struct {
	at    time.Time
	fixed bool
}

// LatestTime returns a threshold that resolves to the current time on use.
func LatestTime() TimeThreshold { return TimeThreshold{} }

// AtTime returns a threshold fixed to t.
func AtTime(t time.Time) TimeThreshold { return TimeThreshold{at: t.UTC(), fixed: true} }

// IsLatest reports whether the threshold follows the current time.
func (t TimeThreshold) IsLatest() bool { return !t.fixed }

// Time returns the fixed time; zero for latest thresholds.
func (t TimeThreshold) Time() time.Time { return t.at }

// Resolve returns the effective cut-off given the current time.
func (t TimeThreshold) Resolve(now time.Time) time.Time {
	if t.fixed {
		return t.at
	}
	return now.UTC()
}

// Pin converts a latest threshold into a fixed one at now. Fixed thresholds are returned unchanged.
func (t TimeThreshold) Pin(now time.Time) TimeThreshold {
	if t.fixed {
		return t
	}
	return AtTime(now)
}

func (t TimeThreshold) String() string {
	if !t.fixed {
		return "latest"
	}
	return t.at.Format(time.RFC3339Nano)
}
