package liveness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/spans"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	assert.Equal(t, Healthy, Classify(t0, 2*time.Minute, t0.Add(2*time.Minute)), "boundary is healthy")
	assert.Equal(t, Stale, Classify(t0, 2*time.Minute, t0.Add(2*time.Minute+time.Millisecond)))
	assert.Equal(t, Healthy, Classify(t0, 0, t0))
}

func TestStuckDetection(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	store := spans.New(spans.Options{Clock: clk})

	start := t0.Add(-10 * time.Minute)
	_, err := store.Append(ctx, models.Span{
		RunID: "run-1", SpanID: "s1", Layer: models.LayerBrowser, StepName: "checkout",
		Status: models.StatusRunning, TsStart: start, InputSummary: "buy item 42",
		Artifacts: map[string]string{"screenshot": "s3://shots/1.png"},
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordHeartbeat(ctx, "run-1", "s1", t0.Add(-200*time.Second)))

	_, err = store.Append(ctx, models.Span{
		RunID: "run-2", SpanID: "s1", Layer: models.LayerExecutor, StepName: "build",
		Status: models.StatusRunning, TsStart: t0.Add(-5 * time.Second),
	})
	require.NoError(t, err)

	d := NewStuckDetector(store, 120*time.Second, clk, nil)
	require.NoError(t, d.Sweep(ctx))

	stuck := d.Stuck()
	require.Len(t, stuck, 1)
	got := stuck[0]
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "s1", got.LastAliveSpanID)
	assert.InDelta(t, 200, got.SecondsSinceActivity, 0.5)
	assert.Equal(t, "buy item 42", got.InputSummary)
	assert.Equal(t, "s3://shots/1.png", got.Artifacts["screenshot"])
	assert.Equal(t, t0, got.DetectedAt)

	// Still stuck on the next sweep: DetectedAt is kept.
	clk.Advance(10 * time.Second)
	require.NoError(t, d.Sweep(ctx))
	require.Len(t, d.Stuck(), 1)
	assert.Equal(t, t0, d.Stuck()[0].DetectedAt)

	// A heartbeat clears it.
	require.NoError(t, store.RecordHeartbeat(ctx, "run-1", "s1", clk.Now()))
	require.NoError(t, d.Sweep(ctx))
	assert.Empty(t, d.Stuck())
}

func TestStuckThresholdChange(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	store := spans.New(spans.Options{Clock: clk})
	_, err := store.Append(ctx, models.Span{
		RunID: "run-1", SpanID: "s1", Layer: models.LayerBrain, StepName: "plan",
		Status: models.StatusRunning, TsStart: t0.Add(-time.Minute),
	})
	require.NoError(t, err)

	d := NewStuckDetector(store, 2*time.Minute, clk, nil)
	require.NoError(t, d.Sweep(ctx))
	assert.Empty(t, d.Stuck())

	d.SetThreshold(30 * time.Second)
	require.NoError(t, d.Sweep(ctx))
	assert.Len(t, d.Stuck(), 1)
}

type fakePatroller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *fakePatroller) Patrol(_ context.Context, agent models.AgentLivenessRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, agent.AgentID)
	return p.err
}

func (p *fakePatroller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newWatchdog(t *testing.T, p Patroller) (*Watchdog, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	w := NewWatchdog(WatchdogOptions{DefaultTimeout: 5 * time.Minute, Patroller: p, Clock: clk})
	t.Cleanup(func() { w.Close() })
	return w, clk
}

func TestWatchdogPatrolsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	p := &fakePatroller{}
	w, clk := newWatchdog(t, p)

	rec, err := w.Register(ctx, "agent-1", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 60, rec.TimeoutSeconds)
	assert.Equal(t, models.AgentHealthy, rec.Status)

	clk.Advance(30 * time.Second)
	require.NoError(t, w.Sweep(ctx))
	assert.Zero(t, p.count())

	clk.Advance(31 * time.Second)
	require.NoError(t, w.Sweep(ctx))
	require.NoError(t, w.Sweep(ctx))
	assert.Equal(t, 1, p.count())

	got, err := w.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentTriggered, got.Status)
	require.NotNil(t, got.TriggeredAt)

	// Activity resets the agent; a second stale period patrols again.
	require.NoError(t, w.Touch(ctx, "agent-1", time.Time{}))
	got, _ = w.Get("agent-1")
	assert.Equal(t, models.AgentHealthy, got.Status)
	assert.Nil(t, got.TriggeredAt)

	clk.Advance(2 * time.Minute)
	require.NoError(t, w.Sweep(ctx))
	assert.Equal(t, 2, p.count())
}

func TestWatchdogWithoutPatrollerGoesStale(t *testing.T) {
	ctx := context.Background()
	w, clk := newWatchdog(t, nil)

	rec, err := w.Register(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 300, rec.TimeoutSeconds, "default timeout applies")

	clk.Advance(6 * time.Minute)
	require.NoError(t, w.Sweep(ctx))
	got, _ := w.Get("agent-1")
	assert.Equal(t, models.AgentStale, got.Status)
}

func TestWatchdogRoundsSubSecondTimeouts(t *testing.T) {
	ctx := context.Background()
	w, clk := newWatchdog(t, nil)

	rec, err := w.Register(ctx, "agent-1", "", 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TimeoutSeconds)
	rec, err = w.Register(ctx, "agent-2", "", 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.TimeoutSeconds)

	clk.Advance(900 * time.Millisecond)
	require.NoError(t, w.Sweep(ctx))
	got, _ := w.Get("agent-1")
	assert.Equal(t, models.AgentHealthy, got.Status, "a sub-second timeout is not zero")

	clk.Advance(200 * time.Millisecond)
	require.NoError(t, w.Sweep(ctx))
	got, _ = w.Get("agent-1")
	assert.Equal(t, models.AgentStale, got.Status)
	got, _ = w.Get("agent-2")
	assert.Equal(t, models.AgentHealthy, got.Status)
}

func TestWatchdogReRegisterOverwrites(t *testing.T) {
	ctx := context.Background()
	w, _ := newWatchdog(t, nil)

	_, err := w.Register(ctx, "agent-1", "", time.Minute)
	require.NoError(t, err)
	_, err = w.Register(ctx, "agent-1", "", 10*time.Minute)
	require.NoError(t, err)

	agents := w.List()
	require.Len(t, agents, 1)
	assert.Equal(t, 600, agents[0].TimeoutSeconds)
}

func TestWatchdogOutputFileMtime(t *testing.T) {
	ctx := context.Background()
	p := &fakePatroller{}
	w, clk := newWatchdog(t, p)

	path := filepath.Join(t.TempDir(), "agent.out")
	require.NoError(t, os.WriteFile(path, []byte("boot\n"), 0o644))
	require.NoError(t, os.Chtimes(path, t0, t0))

	_, err := w.Register(ctx, "agent-1", path, time.Minute)
	require.NoError(t, err)

	// The file was written after registration; the sweep sees the newer mtime.
	written := t0.Add(90 * time.Second)
	require.NoError(t, os.Chtimes(path, written, written))
	clk.Set(t0.Add(2 * time.Minute))
	require.NoError(t, w.Sweep(ctx))

	got, _ := w.Get("agent-1")
	assert.Equal(t, models.AgentHealthy, got.Status)
	assert.True(t, got.LastActivity.Equal(written))
	assert.Zero(t, p.count())
}

func TestWatchdogFsnotifyWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem events")
	}
	w, clk := newWatchdog(t, nil)
	if w.watcher == nil {
		t.Skip("fsnotify unavailable")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "agent.out")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := w.Register(ctx, "agent-1", path, time.Minute)
	require.NoError(t, err)
	go w.Watch(ctx)

	clk.Advance(45 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("progress\n"), 0o644))

	require.Eventually(t, func() bool {
		got, _ := w.Get("agent-1")
		return got.LastActivity.Equal(t0.Add(45 * time.Second))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerPatrol(t *testing.T) {
	ctx := context.Background()
	p := &fakePatroller{}
	w, _ := newWatchdog(t, p)

	_, err := w.TriggerPatrol(ctx, "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = w.Register(ctx, "agent-1", "", time.Minute)
	require.NoError(t, err)
	rec, err := w.TriggerPatrol(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentTriggered, rec.Status)
	assert.Equal(t, 1, p.count())

	p.err = errors.New("restart failed")
	rec, err = w.TriggerPatrol(ctx, "agent-1")
	assert.Error(t, err)
	assert.Equal(t, models.AgentTriggered, rec.Status)
}

type memRegistry struct {
	mu     sync.Mutex
	agents map[string]models.AgentLivenessRecord
}

func (r *memRegistry) SaveAgent(_ context.Context, a *models.AgentLivenessRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.AgentID] = *a
	return nil
}

func (r *memRegistry) ListAgents(context.Context) ([]models.AgentLivenessRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AgentLivenessRecord, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out, nil
}

func TestWatchdogLoadRestoresRegistrations(t *testing.T) {
	ctx := context.Background()
	reg := &memRegistry{agents: make(map[string]models.AgentLivenessRecord)}

	w := NewWatchdog(WatchdogOptions{DefaultTimeout: time.Minute, Registry: reg, Clock: clock.NewManual(t0)})
	_, err := w.Register(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	w.Close()

	restored := NewWatchdog(WatchdogOptions{Registry: reg, Clock: clock.NewManual(t0)})
	defer restored.Close()
	require.NoError(t, restored.Load(ctx))
	got, err := restored.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 60, got.TimeoutSeconds)
}
