package spans

import (
	"context"
	"time"

	"github.com/fentz26/conductor/internal/models"
)

// GetRun returns every record of a run in append order. Superseded
// records carry the ts_end of the record that replaced them.
func (s *Store) GetRun(ctx context.Context, runID string) ([]models.Span, error) {
	st, err := s.lockRun(ctx, runID, false)
	if err != nil {
		return nil, err
	}
	out := make([]models.Span, len(st.records))
	for i, span := range st.records {
		out[i] = *span.Clone()
	}
	s.unlockRun(st)
	return out, nil
}

// LastAlive returns the most recent liveness signal of a run: the latest
// heartbeat, start or end time across its records.
func (s *Store) LastAlive(ctx context.Context, runID string) (models.LastAlive, error) {
	st, err := s.lockRun(ctx, runID, false)
	if err != nil {
		return models.LastAlive{}, err
	}
	var (
		best   *models.Span
		bestTs time.Time
	)
	for _, span := range st.records {
		ts := span.LastActivity()
		if span.TsEnd != nil && span.TsEnd.After(ts) {
			ts = *span.TsEnd
		}
		if best == nil || later(ts, span.Seq, bestTs, best.Seq) {
			best, bestTs = span, ts
		}
	}
	res := models.LastAlive{RunID: runID, SpanID: best.SpanID, Timestamp: bestTs}
	s.unlockRun(st)

	res.SecondsAgo = secondsSince(s.clock.Now(), res.Timestamp)
	return res, nil
}

// RunStatus derives the overall state of a run.
func (s *Store) RunStatus(ctx context.Context, runID string) (models.RunSummary, error) {
	st, err := s.lockRun(ctx, runID, false)
	if err != nil {
		return models.RunSummary{}, err
	}
	sum := summarize(runID, st.lineages, len(st.records))
	s.unlockRun(st)
	return sum, nil
}

// QueryFailures returns up to limit failure aggregates, most frequent first.
func (s *Store) QueryFailures(limit int) []models.FailureStats {
	return s.failures.TopFailures(limit)
}

// DeriveStatus computes a run's overall state from its records, which must
// be in append order.
//
// While any lineage is open the run takes the status of the most recently
// started open record. Otherwise a single failed lineage fails the run,
// any success makes it a success, and a run that only ever canceled is
// canceled. When several lineages failed, the run-level reason is the
// failure that ended last.
func DeriveStatus(records []models.Span) models.RunSummary {
	if len(records) == 0 {
		return models.RunSummary{}
	}
	lineages := make(map[models.LineageKey]*models.Span)
	for i := range records {
		lineages[records[i].Lineage()] = &records[i]
	}
	return summarize(records[0].RunID, lineages, len(records))
}

func summarize(runID string, lineages map[models.LineageKey]*models.Span, count int) models.RunSummary {
	sum := models.RunSummary{RunID: runID, SpanCount: count}

	var open, failed *models.Span
	anySuccess := false
	for _, span := range lineages {
		switch {
		case !span.Status.IsTerminal():
			sum.OpenSpans++
			if open == nil || later(span.TsStart, span.Seq, open.TsStart, open.Seq) {
				open = span
			}
		case span.Status == models.StatusFailed:
			if failed == nil || later(endOf(span), span.Seq, endOf(failed), failed.Seq) {
				failed = span
			}
		case span.Status == models.StatusSuccess:
			anySuccess = true
		}
	}

	switch {
	case open != nil:
		sum.Status = open.Status
		if open.Status.CarriesReason() {
			sum.ReasonCode = open.ReasonCode
			sum.ReasonKind = open.ReasonKind
		}
	case failed != nil:
		sum.Status = models.StatusFailed
		sum.ReasonCode = failed.ReasonCode
		sum.ReasonKind = failed.ReasonKind
	case anySuccess:
		sum.Status = models.StatusSuccess
	default:
		sum.Status = models.StatusCanceled
	}
	if sum.ReasonCode != nil {
		sum.ReasonCode = models.StringPtr(*sum.ReasonCode)
	}
	return sum
}

func endOf(span *models.Span) time.Time {
	if span.TsEnd != nil {
		return *span.TsEnd
	}
	return span.TsStart
}
