package liveness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/spans"
)

// ActiveSource exposes the active-run index. *spans.Store implements it.
type ActiveSource interface {
	ActiveEntries() []spans.ActiveEntry
}

// StuckDetector sweeps the active-run index and keeps the projection of
// runs whose last activity exceeds the stuck threshold.
type StuckDetector struct {
	source ActiveSource
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	threshold time.Duration
	stuck     []models.StuckRun
	sweptAt   time.Time
}

// NewStuckDetector creates a detector.
func NewStuckDetector(source ActiveSource, threshold time.Duration, clk clock.Clock, logger *zap.Logger) *StuckDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StuckDetector{
		source:    source,
		clock:     clock.Or(clk),
		logger:    logger,
		threshold: threshold,
	}
}

// SetThreshold changes the stuck threshold for subsequent sweeps.
func (d *StuckDetector) SetThreshold(threshold time.Duration) {
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

// Threshold returns the current stuck threshold.
func (d *StuckDetector) Threshold() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// Sweep reclassifies every active run and replaces the projection. A run
// that stays stuck across sweeps keeps its original DetectedAt.
func (d *StuckDetector) Sweep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := d.clock.Now()
	threshold := d.Threshold()
	entries := d.source.ActiveEntries()

	d.mu.RLock()
	previous := make(map[string]time.Time, len(d.stuck))
	for _, r := range d.stuck {
		previous[r.RunID+"/"+r.LastAliveSpanID] = r.DetectedAt
	}
	d.mu.RUnlock()

	stuck := make([]models.StuckRun, 0)
	for _, e := range entries {
		if Classify(e.LastActivity, threshold, now) != Stale {
			continue
		}
		detectedAt, seen := previous[e.RunID+"/"+e.LastAliveSpanID]
		if !seen {
			detectedAt = now
			d.logger.Warn("run stuck",
				zap.String("run_id", e.RunID),
				zap.String("last_alive_span_id", e.LastAliveSpanID),
				zap.String("step_name", e.StepName),
				zap.Float64("seconds_since_activity", e.SecondsSinceActivity),
			)
		}
		stuck = append(stuck, models.StuckRun{
			ActiveRun:    e.ActiveRun,
			InputSummary: e.InputSummary,
			Artifacts:    e.Artifacts,
			DetectedAt:   detectedAt,
		})
	}

	d.mu.Lock()
	d.stuck = stuck
	d.sweptAt = now
	d.mu.Unlock()

	metrics.StuckRuns.Set(float64(len(stuck)))
	return nil
}

// Stuck returns the projection from the last sweep.
func (d *StuckDetector) Stuck() []models.StuckRun {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.StuckRun, len(d.stuck))
	copy(out, d.stuck)
	return out
}

// SweptAt returns when the last sweep ran. Zero means never.
func (d *StuckDetector) SweptAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sweptAt
}
