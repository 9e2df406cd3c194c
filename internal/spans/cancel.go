package spans

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

// CancelRun appends a canceled record for every open lineage of the run in
// one atomic write, so a run is never left part canceled and part running.
// It returns how many lineages were canceled; a run with nothing open is a
// no-op.
func (s *Store) CancelRun(ctx context.Context, runID string, reasonCode *string) (int, error) {
	st, err := s.lockRun(ctx, runID, false)
	if err != nil {
		return 0, err
	}

	open := st.openLineages()
	if len(open) == 0 {
		s.unlockRun(st)
		return 0, nil
	}

	now := s.clock.Now().UTC()
	writes := make([]store.SpanWrite, 0, len(open))
	records := make([]*models.Span, 0, len(open))
	for _, cur := range open {
		ts := now
		if ts.Before(cur.TsStart) {
			ts = cur.TsStart
		}
		end := ts
		rec := &models.Span{
			ID:           uuid.NewString(),
			Seq:          s.seq.Add(1),
			RunID:        runID,
			SpanID:       uuid.NewString(),
			ParentSpanID: cur.ParentSpanID,
			Layer:        cur.Layer,
			StepName:     cur.StepName,
			Status:       models.StatusCanceled,
			ExecutorHost: cur.ExecutorHost,
			Agent:        cur.Agent,
			Region:       cur.Region,
			Attempt:      cur.Attempt,
			TsStart:      ts,
			TsEnd:        &end,
		}
		if reasonCode != nil {
			rec.ReasonCode = models.StringPtr(*reasonCode)
		}
		writes = append(writes, store.SpanWrite{Span: rec, Supersedes: cur.SpanID})
		records = append(records, rec)
	}

	if s.log != nil {
		if _, err := s.log.InsertSpans(ctx, writes); err != nil {
			s.unlockRun(st)
			return 0, fmt.Errorf("cancel run %s: %w", runID, err)
		}
	}
	for _, rec := range records {
		st.apply(rec, true)
		metrics.SpansAppended.WithLabelValues(string(rec.Layer), string(rec.Status)).Inc()
	}
	ev := s.afterAppend(st, records)
	s.unlockRun(st)
	s.emit(ev)

	s.logger.Info("run canceled", zap.String("run_id", runID), zap.Int("lineages", len(records)))
	return len(records), nil
}
