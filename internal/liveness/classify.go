// Package liveness classifies entities as healthy or stale from their last
// activity and applies that classification to active runs (the stuck
// detector) and to long-lived agent processes (the watchdog).
package liveness

import "time"

// Status is the outcome of a liveness classification.
type Status string

const (
	Healthy Status = "healthy"
	Stale   Status = "stale"
)

// Classify reports healthy iff now - last <= timeout.
func Classify(last time.Time, timeout time.Duration, now time.Time) Status {
	if now.Sub(last) <= timeout {
		return Healthy
	}
	return Stale
}
