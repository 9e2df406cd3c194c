// Package orchestrator hands admitted tasks to whatever executes them. A
// handoff only has to be accepted; the executor then reports progress by
// emitting spans.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/spans"
)

var (
	// ErrNotConfigured is returned by Unconfigured for every handoff.
	ErrNotConfigured = errors.New("no orchestrator configured")
	// ErrRejected wraps a handoff the orchestrator refused.
	ErrRejected = errors.New("handoff rejected")
	// ErrClosed is returned for handoffs after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// SpanSink is where executors report spans. *spans.Store implements it.
type SpanSink interface {
	Append(ctx context.Context, span models.Span) (spans.AppendResult, error)
	Heartbeat(runID, spanID string, ts time.Time) bool
}

// Request is the handoff payload.
type Request struct {
	RunID      string         `json:"run_id"`
	Task       models.TaskRef `json:"task"`
	AdmittedAt time.Time      `json:"admitted_at"`
}

// Unconfigured refuses every handoff so tasks stay queued until an
// orchestrator is set up.
type Unconfigured struct{}

// Handoff implements dispatch.Orchestrator.
func (Unconfigured) Handoff(context.Context, string, models.TaskRef) error {
	return ErrNotConfigured
}
