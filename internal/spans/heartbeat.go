package spans

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/metrics"
)

type heartbeat struct {
	runID  string
	spanID string
	ts     time.Time
}

// Heartbeat queues a liveness signal without blocking. It returns false
// when the queue is full and the heartbeat was dropped; the next sweep
// then measures from the previous signal.
func (s *Store) Heartbeat(runID, spanID string, ts time.Time) bool {
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	select {
	case s.heartbeats <- heartbeat{runID: runID, spanID: spanID, ts: ts}:
		return true
	default:
		metrics.HeartbeatsDropped.Inc()
		return false
	}
}

// Run applies queued heartbeats until ctx is done.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hb := <-s.heartbeats:
			if err := s.RecordHeartbeat(ctx, hb.runID, hb.spanID, hb.ts); err != nil {
				s.logger.Debug("heartbeat not applied",
					zap.String("run_id", hb.runID),
					zap.String("span_id", hb.spanID),
					zap.Error(err),
				)
			}
		}
	}
}

// RecordHeartbeat moves an open span's heartbeat_ts forward and refreshes
// the run's index row. Stale timestamps and heartbeats for closed spans are
// ignored. No span record is created.
func (s *Store) RecordHeartbeat(ctx context.Context, runID, spanID string, ts time.Time) error {
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	ts = ts.UTC()

	st, err := s.lockRun(ctx, runID, false)
	if err != nil {
		return err
	}
	defer s.unlockRun(st)

	span, ok := st.byID[spanID]
	if !ok {
		return ErrSpanNotFound
	}
	if span.TsEnd != nil || (span.HeartbeatTs != nil && !ts.After(*span.HeartbeatTs)) {
		return nil
	}
	if s.log != nil {
		if err := s.log.UpdateHeartbeat(ctx, runID, spanID, ts); err != nil {
			return err
		}
	}
	span.HeartbeatTs = &ts
	s.refreshActive(st)
	return nil
}
