// Package spans records the layered execution of runs. Every status change
// is appended as a new immutable span record; the newest record of each
// lineage is that lineage's current state. An in-memory index of active
// runs is maintained alongside every append so hot-path queries never scan
// the log.
package spans

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/failures"
	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

const defaultHeartbeatBuffer = 1024

// Log is the durable append-only span log.
type Log interface {
	InsertSpans(ctx context.Context, writes []store.SpanWrite) ([]bool, error)
	UpdateHeartbeat(ctx context.Context, runID, spanID string, ts time.Time) error
	ListRunSpans(ctx context.Context, runID string) ([]models.Span, error)
	ListOpenRunIDs(ctx context.Context) ([]string, error)
	ListFailedSpans(ctx context.Context) ([]models.Span, error)
	MaxSpanSeq(ctx context.Context) (int64, error)
}

// Options configures a Store.
type Options struct {
	// Log persists spans. When nil the store keeps every run in memory.
	Log        Log
	Classifier *failures.Classifier
	Aggregator *failures.Aggregator
	Clock      clock.Clock
	Logger     *zap.Logger
	// HeartbeatBuffer bounds the asynchronous heartbeat queue.
	HeartbeatBuffer int
}

// AppendResult describes the outcome of an append. Appended is false when
// the (run_id, span_id) pair was already recorded; ID then names the
// existing record.
type AppendResult struct {
	ID       string `json:"id"`
	Seq      int64  `json:"seq"`
	Attempt  int    `json:"attempt"`
	Appended bool   `json:"appended"`
}

// Store is the span store. Appends for one run are serialized by that
// run's mutex; different runs never contend.
type Store struct {
	log        Log
	classifier *failures.Classifier
	failures   *failures.Aggregator
	clock      clock.Clock
	logger     *zap.Logger

	seq atomic.Int64

	runsMu sync.Mutex
	runs   map[string]*runState

	activeMu sync.RWMutex
	active   map[string]*ActiveEntry

	heartbeats chan heartbeat

	obsMu      sync.RWMutex
	onRunning  []func(models.Span)
	onTerminal []func(models.Span)
	onDrained  []func(models.RunSummary)
}

// New creates a span store.
func New(opts Options) *Store {
	if opts.Classifier == nil {
		opts.Classifier = failures.NewClassifier(nil)
	}
	if opts.Aggregator == nil {
		opts.Aggregator = failures.NewAggregator()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HeartbeatBuffer <= 0 {
		opts.HeartbeatBuffer = defaultHeartbeatBuffer
	}
	return &Store{
		log:        opts.Log,
		classifier: opts.Classifier,
		failures:   opts.Aggregator,
		clock:      clock.Or(opts.Clock),
		logger:     opts.Logger,
		runs:       make(map[string]*runState),
		active:     make(map[string]*ActiveEntry),
		heartbeats: make(chan heartbeat, opts.HeartbeatBuffer),
	}
}

// OnRunning registers fn to receive every appended running record.
func (s *Store) OnRunning(fn func(models.Span)) {
	s.obsMu.Lock()
	s.onRunning = append(s.onRunning, fn)
	s.obsMu.Unlock()
}

// OnTerminal registers fn to receive every appended terminal record.
// Observers run after the run's lock is released.
func (s *Store) OnTerminal(fn func(models.Span)) {
	s.obsMu.Lock()
	s.onTerminal = append(s.onTerminal, fn)
	s.obsMu.Unlock()
}

// OnDrained registers fn to be called when an append leaves a run with no
// open lineage.
func (s *Store) OnDrained(fn func(models.RunSummary)) {
	s.obsMu.Lock()
	s.onDrained = append(s.onDrained, fn)
	s.obsMu.Unlock()
}

// Append records one span. Attempt, ID and Seq are assigned by the store;
// whatever the caller put there is ignored. Appending a span_id the run
// already holds is a no-op.
func (s *Store) Append(ctx context.Context, in models.Span) (AppendResult, error) {
	if err := validate(&in); err != nil {
		return AppendResult{}, err
	}
	span := s.normalize(&in)

	st, err := s.lockRun(ctx, span.RunID, true)
	if err != nil {
		return AppendResult{}, err
	}

	if existing, ok := st.byID[span.SpanID]; ok {
		res := AppendResult{ID: existing.ID, Seq: existing.Seq, Attempt: existing.Attempt}
		s.unlockRun(st)
		metrics.SpansDuplicate.Inc()
		return res, nil
	}

	prev := st.lineages[span.Lineage()]
	if err := checkTransition(prev, span.Status); err != nil {
		s.unlockRun(st)
		return AppendResult{}, err
	}

	write := store.SpanWrite{Span: span}
	span.Attempt = 1
	if prev != nil {
		span.Attempt = models.NextAttempt(prev, span.Status)
		write.Supersedes = prev.SpanID
		if span.TsStart.Before(prev.TsStart) {
			span.TsStart = prev.TsStart
		}
		if span.TsEnd != nil && span.TsEnd.Before(span.TsStart) {
			end := span.TsStart
			span.TsEnd = &end
		}
	}
	span.ID = uuid.NewString()
	span.Seq = s.seq.Add(1)

	if s.log != nil {
		inserted, err := s.log.InsertSpans(ctx, []store.SpanWrite{write})
		if err != nil {
			s.unlockRun(st)
			return AppendResult{}, fmt.Errorf("append span: %w", err)
		}
		if !inserted[0] {
			// Another writer recorded this span_id first.
			s.unlockRun(st)
			metrics.SpansDuplicate.Inc()
			return AppendResult{Seq: span.Seq, Attempt: span.Attempt}, nil
		}
	}

	st.apply(span, true)
	ev := s.afterAppend(st, []*models.Span{span})
	s.unlockRun(st)
	s.emit(ev)

	metrics.SpansAppended.WithLabelValues(string(span.Layer), string(span.Status)).Inc()
	return AppendResult{ID: span.ID, Seq: span.Seq, Attempt: span.Attempt, Appended: true}, nil
}

func validate(span *models.Span) error {
	switch {
	case span.RunID == "":
		return fmt.Errorf("%w: run_id is required", ErrInvalidSpan)
	case span.SpanID == "":
		return fmt.Errorf("%w: span_id is required", ErrInvalidSpan)
	case span.StepName == "":
		return fmt.Errorf("%w: step_name is required", ErrInvalidSpan)
	case !span.Layer.Valid():
		return fmt.Errorf("%w: unknown layer %q", ErrInvalidSpan, span.Layer)
	case !span.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSpan, span.Status)
	case span.ParentSpanID == span.SpanID:
		return fmt.Errorf("%w: span cannot be its own parent", ErrInvalidSpan)
	}
	return nil
}

// normalize copies the caller's span and fixes up timestamps and reasons.
func (s *Store) normalize(in *models.Span) *models.Span {
	span := in.Clone()
	now := s.clock.Now().UTC()

	if span.TsStart.IsZero() {
		span.TsStart = now
	}
	span.TsStart = span.TsStart.UTC()
	if span.HeartbeatTs != nil {
		hb := span.HeartbeatTs.UTC()
		span.HeartbeatTs = &hb
	}

	if span.Status.IsTerminal() {
		end := now
		if span.TsEnd != nil {
			end = span.TsEnd.UTC()
		}
		if end.Before(span.TsStart) {
			end = span.TsStart
		}
		span.TsEnd = &end
	} else {
		span.TsEnd = nil
	}

	switch {
	case span.Status.CarriesReason():
		span.ReasonKind = s.classifier.Classify(span.ReasonCode, span.ReasonKind)
	case span.Status == models.StatusCanceled:
		span.ReasonKind = ""
	default:
		span.ReasonCode = nil
		span.ReasonKind = ""
	}
	return span
}

func checkTransition(prev *models.Span, next models.SpanStatus) error {
	if prev == nil {
		if !models.CanStart(next) {
			return fmt.Errorf("%w: a lineage cannot start %s", ErrInvalidTransition, next)
		}
		return nil
	}
	if prev.Status.IsTerminal() {
		return fmt.Errorf("%w: lineage already ended %s", ErrInvalidTransition, prev.Status)
	}
	if !models.CanTransition(prev.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next)
	}
	return nil
}

type events struct {
	running  []models.Span
	terminal []models.Span
	drained  *models.RunSummary
}

// afterAppend refreshes the active index and collects observer events.
// The caller holds st.mu.
func (s *Store) afterAppend(st *runState, appended []*models.Span) events {
	s.refreshActive(st)

	var ev events
	for _, span := range appended {
		switch {
		case span.Status == models.StatusRunning:
			ev.running = append(ev.running, *span.Clone())
		case span.Status.IsTerminal():
			ev.terminal = append(ev.terminal, *span.Clone())
		}
	}
	if len(ev.terminal) > 0 && !st.hasOpen() {
		sum := summarize(st.id, st.lineages, len(st.records))
		ev.drained = &sum
	}
	return ev
}

func (s *Store) emit(ev events) {
	for i := range ev.terminal {
		s.failures.OnTerminalSpan(&ev.terminal[i])
	}

	s.obsMu.RLock()
	onRunning := s.onRunning
	onTerminal := s.onTerminal
	onDrained := s.onDrained
	s.obsMu.RUnlock()

	for _, span := range ev.running {
		for _, fn := range onRunning {
			fn(span)
		}
	}
	for _, span := range ev.terminal {
		for _, fn := range onTerminal {
			fn(span)
		}
	}
	if ev.drained != nil {
		s.logger.Debug("run drained",
			zap.String("run_id", ev.drained.RunID),
			zap.String("status", string(ev.drained.Status)),
		)
		for _, fn := range onDrained {
			fn(*ev.drained)
		}
	}
}

// lockRun returns the run's state with its mutex held, hydrating it from
// the log when needed. With create=false an unknown run is ErrRunNotFound.
func (s *Store) lockRun(ctx context.Context, runID string, create bool) (*runState, error) {
	for {
		s.runsMu.Lock()
		st, ok := s.runs[runID]
		if !ok {
			if s.log == nil && !create {
				s.runsMu.Unlock()
				return nil, ErrRunNotFound
			}
			st = newRunState(runID)
			st.loaded = s.log == nil
			s.runs[runID] = st
		}
		s.runsMu.Unlock()

		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		if !st.loaded {
			records, err := s.log.ListRunSpans(ctx, runID)
			if err != nil {
				s.unlockRun(st)
				return nil, fmt.Errorf("load run %s: %w", runID, err)
			}
			for i := range records {
				st.apply(&records[i], false)
			}
			st.loaded = true
		}
		if !create && len(st.records) == 0 {
			s.unlockRun(st)
			return nil, ErrRunNotFound
		}
		return st, nil
	}
}

// unlockRun releases st.mu. Empty runs are always dropped from memory;
// with a durable log, runs without open lineages are dropped too and
// reloaded on demand.
func (s *Store) unlockRun(st *runState) {
	if len(st.records) == 0 || (s.log != nil && !st.hasOpen()) {
		st.evicted = true
		s.runsMu.Lock()
		if s.runs[st.id] == st {
			delete(s.runs, st.id)
		}
		s.runsMu.Unlock()
	}
	st.mu.Unlock()
}

type runState struct {
	mu      sync.Mutex
	id      string
	loaded  bool
	evicted bool

	records   []*models.Span
	byID      map[string]*models.Span
	lineages  map[models.LineageKey]*models.Span
	input     string
	artifacts map[string]string
}

func newRunState(runID string) *runState {
	return &runState{
		id:        runID,
		byID:      make(map[string]*models.Span),
		lineages:  make(map[models.LineageKey]*models.Span),
		artifacts: make(map[string]string),
	}
}

// apply adds a record to the run. With closePrev the lineage's previous
// open record is closed at the new record's start, so a superseded
// running, blocked or retrying record carries a ts_end even though its
// status is not terminal. At most one record per lineage is open; the
// lineage's state is always its newest record.
func (r *runState) apply(span *models.Span, closePrev bool) {
	key := span.Lineage()
	if prev := r.lineages[key]; closePrev && prev != nil && prev.TsEnd == nil {
		end := span.TsStart
		prev.TsEnd = &end
	}
	r.records = append(r.records, span)
	r.byID[span.SpanID] = span
	r.lineages[key] = span
	if span.InputSummary != "" {
		r.input = span.InputSummary
	}
	for k, v := range span.Artifacts {
		r.artifacts[k] = v
	}
}

func (r *runState) hasOpen() bool {
	for _, span := range r.lineages {
		if span.TsEnd == nil {
			return true
		}
	}
	return false
}

// openLineages returns the current record of every unfinished lineage in
// append order.
func (r *runState) openLineages() []*models.Span {
	var open []*models.Span
	for _, span := range r.lineages {
		if !span.Status.IsTerminal() {
			open = append(open, span)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Seq < open[j].Seq })
	return open
}

// later reports whether (a, aSeq) orders after (b, bSeq).
func later(a time.Time, aSeq int64, b time.Time, bSeq int64) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aSeq > bSeq
}
