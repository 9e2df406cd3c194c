package spans

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Recover rebuilds the active index and failure aggregates from the log.
// It is called once at startup before ingress is opened.
func (s *Store) Recover(ctx context.Context) error {
	if s.log == nil {
		return nil
	}

	seq, err := s.log.MaxSpanSeq(ctx)
	if err != nil {
		return fmt.Errorf("recover seq: %w", err)
	}
	if seq > s.seq.Load() {
		s.seq.Store(seq)
	}

	ids, err := s.log.ListOpenRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("recover active runs: %w", err)
	}
	for _, id := range ids {
		st, err := s.lockRun(ctx, id, false)
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("recover run %s: %w", id, err)
		}
		s.refreshActive(st)
		s.unlockRun(st)
	}

	failed, err := s.log.ListFailedSpans(ctx)
	if err != nil {
		return fmt.Errorf("recover failures: %w", err)
	}
	s.failures.Rebuild(failed)

	s.logger.Info("span store recovered",
		zap.Int("active_runs", s.ActiveCount()),
		zap.Int("failed_spans", len(failed)),
		zap.Int64("seq", seq),
	)
	return nil
}
