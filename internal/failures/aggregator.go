package failures

import (
	"sort"
	"sync"

	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
)

type statKey struct {
	code    string
	hasCode bool
	kind    models.ReasonKind
}

// Aggregator counts failed spans by (reason_code, reason_kind).
//
// Every failed span counts once, so a run that failed three attempts
// contributes three. last_occurred and example_run_id follow the most
// recent occurrence.
type Aggregator struct {
	mu    sync.RWMutex
	stats map[statKey]*models.FailureStats
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{stats: make(map[statKey]*models.FailureStats)}
}

// OnTerminalSpan feeds a terminal span. Only failed spans are counted.
func (a *Aggregator) OnTerminalSpan(span *models.Span) {
	if span.Status != models.StatusFailed {
		return
	}
	a.add(span)
	metrics.FailuresTotal.WithLabelValues(string(span.ReasonKind)).Inc()
}

func (a *Aggregator) add(span *models.Span) {
	key := statKey{kind: span.ReasonKind}
	if span.ReasonCode != nil {
		key.code = *span.ReasonCode
		key.hasCode = true
	}
	occurred := span.TsStart
	if span.TsEnd != nil {
		occurred = *span.TsEnd
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.stats[key]
	if !ok {
		st = &models.FailureStats{ReasonKind: span.ReasonKind}
		if key.hasCode {
			st.ReasonCode = models.StringPtr(key.code)
		}
		a.stats[key] = st
	}
	st.Count++
	if !occurred.Before(st.LastOccurred) {
		st.LastOccurred = occurred
		st.ExampleRunID = span.RunID
	}
}

// Rebuild replaces all counts with the given failed spans.
func (a *Aggregator) Rebuild(spans []models.Span) {
	a.mu.Lock()
	a.stats = make(map[statKey]*models.FailureStats)
	a.mu.Unlock()
	for i := range spans {
		if spans[i].Status == models.StatusFailed {
			a.add(&spans[i])
		}
	}
}

// TopFailures returns up to limit entries sorted by count descending, then
// last_occurred descending. limit <= 0 returns every entry.
func (a *Aggregator) TopFailures(limit int) []models.FailureStats {
	a.mu.RLock()
	out := make([]models.FailureStats, 0, len(a.stats))
	for _, st := range a.stats {
		c := *st
		if st.ReasonCode != nil {
			c.ReasonCode = models.StringPtr(*st.ReasonCode)
		}
		out = append(out, c)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastOccurred.Equal(out[j].LastOccurred) {
			return out[i].LastOccurred.After(out[j].LastOccurred)
		}
		return codeOf(out[i]) < codeOf(out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func codeOf(st models.FailureStats) string {
	if st.ReasonCode == nil {
		return ""
	}
	return *st.ReasonCode
}
