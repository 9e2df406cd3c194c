package models

// SpanStatus is the status carried by one span record.
type SpanStatus string

const (
	StatusQueued   SpanStatus = "queued"
	StatusRunning  SpanStatus = "running"
	StatusBlocked  SpanStatus = "blocked"
	StatusRetrying SpanStatus = "retrying"
	StatusSuccess  SpanStatus = "success"
	StatusFailed   SpanStatus = "failed"
	StatusCanceled SpanStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s SpanStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusBlocked, StatusRetrying,
		StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further records may follow s in a lineage.
func (s SpanStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// CarriesReason reports whether a record with this status is classified.
func (s SpanStatus) CarriesReason() bool {
	return s == StatusFailed || s == StatusBlocked || s == StatusRetrying
}

var transitions = map[SpanStatus][]SpanStatus{
	StatusQueued:   {StatusRunning, StatusCanceled},
	StatusRunning:  {StatusSuccess, StatusFailed, StatusCanceled, StatusBlocked, StatusRetrying},
	StatusBlocked:  {StatusRunning, StatusCanceled},
	StatusRetrying: {StatusRunning, StatusCanceled},
}

// CanTransition reports whether a lineage currently at from may record to next.
func CanTransition(from, to SpanStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanStart reports whether s may open a new lineage. Every lineage enters
// the state machine at queued or running.
func CanStart(s SpanStatus) bool {
	return s == StatusQueued || s == StatusRunning
}

// NextAttempt returns the attempt number for a record following prev.
// Leaving retrying for running starts a new attempt.
func NextAttempt(prev *Span, next SpanStatus) int {
	if prev.Status == StatusRetrying && next == StatusRunning {
		return prev.Attempt + 1
	}
	return prev.Attempt
}
