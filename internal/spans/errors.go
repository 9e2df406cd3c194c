package spans

import "errors"

var (
	// ErrRunNotFound is returned for operations against an unknown run_id.
	ErrRunNotFound = errors.New("run not found")
	// ErrSpanNotFound is returned when a heartbeat names an unknown span_id.
	ErrSpanNotFound = errors.New("span not found")
	// ErrInvalidSpan is returned when a span is missing required fields.
	ErrInvalidSpan = errors.New("invalid span")
	// ErrInvalidTransition is returned when a record does not follow its
	// lineage's state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
