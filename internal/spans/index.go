package spans

import (
	"sort"
	"time"

	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
)

// ActiveEntry is one row of the active-run index together with the
// diagnostic context the stuck detector copies into its projection.
type ActiveEntry struct {
	models.ActiveRun
	InputSummary string
	Artifacts    map[string]string
}

// refreshActive recomputes the run's index row. The caller holds st.mu;
// activeMu is always taken after a run lock, never before.
func (s *Store) refreshActive(st *runState) {
	entry := st.activeEntry()

	s.activeMu.Lock()
	if entry == nil {
		delete(s.active, st.id)
	} else {
		s.active[st.id] = entry
	}
	n := len(s.active)
	s.activeMu.Unlock()

	metrics.ActiveRuns.Set(float64(n))
}

func (r *runState) activeEntry() *ActiveEntry {
	var last, alive *models.Span
	for _, span := range r.lineages {
		if span.TsEnd != nil {
			continue
		}
		if last == nil || later(span.TsStart, span.Seq, last.TsStart, last.Seq) {
			last = span
		}
		if alive == nil || later(span.LastActivity(), span.Seq, alive.LastActivity(), alive.Seq) {
			alive = span
		}
	}
	if last == nil {
		return nil
	}

	entry := &ActiveEntry{
		ActiveRun: models.ActiveRun{
			RunID:           r.id,
			LastSpanID:      last.SpanID,
			Layer:           last.Layer,
			StepName:        last.StepName,
			Status:          last.Status,
			ExecutorHost:    last.ExecutorHost,
			TsStart:         last.TsStart,
			LastAliveSpanID: alive.SpanID,
			LastActivity:    alive.LastActivity(),
		},
		InputSummary: alive.InputSummary,
	}
	if last.HeartbeatTs != nil {
		hb := *last.HeartbeatTs
		entry.HeartbeatTs = &hb
	}
	if entry.InputSummary == "" {
		entry.InputSummary = r.input
	}
	if len(r.artifacts) > 0 {
		entry.Artifacts = make(map[string]string, len(r.artifacts))
		for k, v := range r.artifacts {
			entry.Artifacts[k] = v
		}
	}
	return entry
}

// ListActiveRuns returns every run with at least one open lineage, oldest
// first. It reads only the index.
func (s *Store) ListActiveRuns() []models.ActiveRun {
	entries := s.ActiveEntries()
	out := make([]models.ActiveRun, len(entries))
	for i, e := range entries {
		out[i] = e.ActiveRun
	}
	return out
}

// ActiveEntries returns copies of the index rows with
// SecondsSinceActivity computed against the store clock.
func (s *Store) ActiveEntries() []ActiveEntry {
	now := s.clock.Now()

	s.activeMu.RLock()
	out := make([]ActiveEntry, 0, len(s.active))
	for _, e := range s.active {
		c := *e
		c.SecondsSinceActivity = secondsSince(now, e.LastActivity)
		out = append(out, c)
	}
	s.activeMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TsStart.Equal(out[j].TsStart) {
			return out[i].TsStart.Before(out[j].TsStart)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// ActiveCount returns the number of active runs.
func (s *Store) ActiveCount() int {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return len(s.active)
}

// IsActive reports whether runID has an open lineage.
func (s *Store) IsActive(runID string) bool {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	_, ok := s.active[runID]
	return ok
}

func secondsSince(now, t time.Time) float64 {
	return now.Sub(t).Seconds()
}
