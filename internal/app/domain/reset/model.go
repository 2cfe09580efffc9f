package reset

import "time"

// Tracker records when the daily transaction counters were last zeroed. At
// most one exists.
type Tracker struct {
	LastReset time.Time `json:"last_reset" db:"last_reset"`
}

// Due reports whether window has elapsed since the last reset.
func (t Tracker) Due(now time.Time, window time.Duration) bool {
	return now.Sub(t.LastReset) >= window
}
