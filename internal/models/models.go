// Package models defines the core domain types shared by the span store,
// scheduler, dispatcher and liveness monitors.
package models

import (
	"encoding/json"
	"time"
)

// Layer is the execution tier a span belongs to, outermost first.
type Layer string

const (
	LayerOrchestrator Layer = "L0_orchestrator"
	LayerBrain        Layer = "L1_brain"
	LayerExecutor     Layer = "L2_executor"
	LayerBrowser      Layer = "L3_browser"
	LayerArtifact     Layer = "L4_artifact"
)

var layerRank = map[Layer]int{
	LayerOrchestrator: 0,
	LayerBrain:        1,
	LayerExecutor:     2,
	LayerBrowser:      3,
	LayerArtifact:     4,
}

// Rank returns the layer depth (0 for L0). Unknown layers return -1.
func (l Layer) Rank() int {
	if r, ok := layerRank[l]; ok {
		return r
	}
	return -1
}

// Valid reports whether l is one of the known layers.
func (l Layer) Valid() bool {
	return l.Rank() >= 0
}

// ReasonKind is the failure category attached to failed, blocked and
// retrying spans.
type ReasonKind string

const (
	ReasonTransient  ReasonKind = "TRANSIENT"
	ReasonPersistent ReasonKind = "PERSISTENT"
	ReasonResource   ReasonKind = "RESOURCE"
	ReasonConfig     ReasonKind = "CONFIG"
	ReasonUnknown    ReasonKind = "UNKNOWN"
)

// Valid reports whether k is a known reason kind.
func (k ReasonKind) Valid() bool {
	switch k {
	case ReasonTransient, ReasonPersistent, ReasonResource, ReasonConfig, ReasonUnknown:
		return true
	}
	return false
}

// Retryable reports whether the orchestrator may retry automatically.
func (k ReasonKind) Retryable() bool {
	return k == ReasonTransient
}

// Span is one timestamped execution event. Spans are immutable once
// appended, except for HeartbeatTs which only moves forward.
type Span struct {
	ID            string            `json:"id"`
	Seq           int64             `json:"seq"`
	RunID         string            `json:"run_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	Layer         Layer             `json:"layer"`
	StepName      string            `json:"step_name"`
	Status        SpanStatus        `json:"status"`
	ReasonCode    *string           `json:"reason_code"`
	ReasonKind    ReasonKind        `json:"reason_kind,omitempty"`
	ExecutorHost  string            `json:"executor_host,omitempty"`
	Agent         string            `json:"agent,omitempty"`
	Region        string            `json:"region,omitempty"`
	Attempt       int               `json:"attempt"`
	TsStart       time.Time         `json:"ts_start"`
	TsEnd         *time.Time        `json:"ts_end"`
	HeartbeatTs   *time.Time        `json:"heartbeat_ts"`
	InputSummary  string            `json:"input_summary,omitempty"`
	OutputSummary string            `json:"output_summary,omitempty"`
	Artifacts     map[string]string `json:"artifacts,omitempty"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
}

// LineageKey identifies the chain of records that describe one step of a
// run across status changes and retry attempts.
type LineageKey struct {
	ParentSpanID string
	Layer        Layer
	StepName     string
}

// Lineage returns the lineage key of the span.
func (s *Span) Lineage() LineageKey {
	return LineageKey{ParentSpanID: s.ParentSpanID, Layer: s.Layer, StepName: s.StepName}
}

// LastActivity returns max(heartbeat_ts, ts_start).
func (s *Span) LastActivity() time.Time {
	if s.HeartbeatTs != nil && s.HeartbeatTs.After(s.TsStart) {
		return *s.HeartbeatTs
	}
	return s.TsStart
}

// Clone returns a deep copy so callers can never mutate indexed spans.
func (s *Span) Clone() *Span {
	c := *s
	if s.ReasonCode != nil {
		code := *s.ReasonCode
		c.ReasonCode = &code
	}
	if s.TsEnd != nil {
		end := *s.TsEnd
		c.TsEnd = &end
	}
	if s.HeartbeatTs != nil {
		hb := *s.HeartbeatTs
		c.HeartbeatTs = &hb
	}
	if s.Artifacts != nil {
		c.Artifacts = make(map[string]string, len(s.Artifacts))
		for k, v := range s.Artifacts {
			c.Artifacts[k] = v
		}
	}
	if s.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), s.Metadata...)
	}
	return &c
}

// ActiveRun is one row of the materialized active-run index.
type ActiveRun struct {
	RunID                string     `json:"run_id"`
	LastSpanID           string     `json:"last_span_id"`
	Layer                Layer      `json:"layer"`
	StepName             string     `json:"step_name"`
	Status               SpanStatus `json:"status"`
	ExecutorHost         string     `json:"executor_host,omitempty"`
	TsStart              time.Time  `json:"ts_start"`
	HeartbeatTs          *time.Time `json:"heartbeat_ts"`
	LastAliveSpanID      string     `json:"last_alive_span_id"`
	LastActivity         time.Time  `json:"last_activity"`
	SecondsSinceActivity float64    `json:"seconds_since_activity"`
}

// StuckRun is an active run whose last activity exceeds the stuck threshold.
type StuckRun struct {
	ActiveRun
	InputSummary string            `json:"input_summary,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	DetectedAt   time.Time         `json:"detected_at"`
}

// LastAlive is the last liveness signal seen for a run.
type LastAlive struct {
	RunID      string    `json:"run_id"`
	SpanID     string    `json:"span_id"`
	Timestamp  time.Time `json:"timestamp"`
	SecondsAgo float64   `json:"seconds_ago"`
}

// FailureStats aggregates failed spans by (reason_code, reason_kind).
// A nil ReasonCode is the "unclassified" bucket.
type FailureStats struct {
	ReasonCode   *string    `json:"reason_code"`
	ReasonKind   ReasonKind `json:"reason_kind"`
	Count        int        `json:"count"`
	LastOccurred time.Time  `json:"last_occurred"`
	ExampleRunID string     `json:"example_run_id"`
}

// RunSummary is the derived overall state of a run.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Status     SpanStatus `json:"status"`
	ReasonCode *string    `json:"reason_code,omitempty"`
	ReasonKind ReasonKind `json:"reason_kind,omitempty"`
	SpanCount  int        `json:"span_count"`
	OpenSpans  int        `json:"open_spans"`
}

// AgentStatus is the watchdog state of a long-lived agent process.
type AgentStatus string

const (
	AgentHealthy   AgentStatus = "healthy"
	AgentStale     AgentStatus = "stale"
	AgentTriggered AgentStatus = "triggered"
)

// AgentLivenessRecord tracks one watched agent process.
type AgentLivenessRecord struct {
	AgentID        string      `json:"agent_id"`
	OutputRef      string      `json:"output_ref,omitempty"`
	RegisteredAt   time.Time   `json:"registered_at"`
	LastActivity   time.Time   `json:"last_activity"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	Status         AgentStatus `json:"status"`
	TriggeredAt    *time.Time  `json:"triggered_at,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Subject    string    `json:"subject,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
