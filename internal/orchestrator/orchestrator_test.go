package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/spans"
)

var task = models.TaskRef{TaskID: "task-1", Title: "Build", AreaID: "area-a", InitiativeID: "init-1"}

// countingSink counts heartbeats on top of a span store.
type countingSink struct {
	*spans.Store
	beats atomic.Int32
}

func (c *countingSink) Heartbeat(runID, spanID string, ts time.Time) bool {
	c.beats.Add(1)
	return c.Store.Heartbeat(runID, spanID, ts)
}

func sh(script string) ExecOptions {
	return ExecOptions{Command: "sh", Args: []string{"-c", script}, Host: "worker-1"}
}

func runExec(t *testing.T, opts ExecOptions) (*spans.Store, *Exec) {
	t.Helper()
	store := spans.New(spans.Options{})
	opts.Sink = store
	e := NewExec(opts)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Handoff(context.Background(), "run-1", task))
	return store, e
}

func lastOf(records []models.Span, layer models.Layer) models.Span {
	var out models.Span
	for _, r := range records {
		if r.Layer == layer {
			out = r
		}
	}
	return out
}

func TestExecSuccess(t *testing.T) {
	store, e := runExec(t, sh(`echo "$CONDUCTOR_TASK_ID $CONDUCTOR_TASK_TITLE done"`))
	e.Wait()

	ctx := context.Background()
	sum, err := store.RunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, sum.Status)
	assert.Zero(t, sum.OpenSpans)
	assert.False(t, store.IsActive("run-1"))

	records, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	proc := lastOf(records, models.LayerExecutor)
	assert.Equal(t, "task-1 Build done", proc.OutputSummary)
	assert.Equal(t, "worker-1", proc.ExecutorHost)
	assert.Equal(t, "sh", proc.StepName)
	assert.Equal(t, records[0].SpanID, proc.ParentSpanID)
	assert.Zero(t, e.Running())
}

func TestExecFailureIsClassified(t *testing.T) {
	store, e := runExec(t, sh(`echo "killed" >&2; exit 137`))
	e.Wait()

	sum, err := store.RunStatus(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sum.Status)
	require.NotNil(t, sum.ReasonCode)
	assert.Equal(t, "OOM", *sum.ReasonCode)
	assert.Equal(t, models.ReasonResource, sum.ReasonKind)

	records, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "killed", lastOf(records, models.LayerExecutor).OutputSummary)
}

func TestExecMissingCommand(t *testing.T) {
	store, e := runExec(t, ExecOptions{Command: "/nonexistent/conductor-task"})
	e.Wait()

	sum, err := store.RunStatus(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sum.Status)
	assert.Equal(t, models.ReasonConfig, sum.ReasonKind)
}

func TestExecKillAfterCancel(t *testing.T) {
	store, e := runExec(t, sh(`sleep 10`))
	ctx := context.Background()

	_, err := store.CancelRun(ctx, "run-1", models.StringPtr("OPERATOR"))
	require.NoError(t, err)
	assert.True(t, e.Kill("run-1"))
	e.Wait()

	sum, err := store.RunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, sum.Status)
	assert.Zero(t, sum.OpenSpans)
	assert.False(t, e.Kill("run-1"))
}

func TestExecCloseRecordsShutdown(t *testing.T) {
	store, e := runExec(t, sh(`sleep 10`))
	require.NoError(t, e.Close())

	records, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	root := lastOf(records, models.LayerOrchestrator)
	assert.Equal(t, models.StatusCanceled, root.Status)
	require.NotNil(t, root.ReasonCode)
	assert.Equal(t, "SHUTDOWN", *root.ReasonCode)

	err = e.Handoff(context.Background(), "run-2", task)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecHeartbeats(t *testing.T) {
	sink := &countingSink{Store: spans.New(spans.Options{})}
	opts := sh(`sleep 0.3`)
	opts.Sink = sink
	opts.HeartbeatInterval = 20 * time.Millisecond
	e := NewExec(opts)
	defer e.Close()

	require.NoError(t, e.Handoff(context.Background(), "run-1", task))
	e.Wait()
	assert.Greater(t, sink.beats.Load(), int32(0))
}

func TestReasonForExit(t *testing.T) {
	tests := map[int]string{
		1:   "EXIT_1",
		124: "TIMEOUT",
		127: "MISSING_COMMAND",
		137: "OOM",
	}
	for code, want := range tests {
		assert.Equal(t, want, reasonForExit(code))
	}
}

func TestTailKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n", 8))
	assert.Equal(t, "cd", tail("abcd", 2))

	// "é" is two bytes; a cut through its middle moves forward.
	out := tail("xxé", 3)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "xé", out)
	out = tail("éé", 3)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "é", out)
}

func TestWebhookHandoff(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "run-1", r.Header.Get("X-Conductor-Run-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{URL: srv.URL})
	require.NoError(t, w.Handoff(context.Background(), "run-1", task))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, task, got.Task)
}

func TestWebhookRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{URL: srv.URL})
	err := w.Handoff(context.Background(), "run-1", task)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "queue full")
}

func TestWebhookRateLimitHonorsContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{URL: srv.URL, RateLimit: 0.01})
	require.NoError(t, w.Handoff(context.Background(), "run-1", task))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Handoff(ctx, "run-2", task))
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnconfigured(t *testing.T) {
	err := Unconfigured{}.Handoff(context.Background(), "run-1", task)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCommandPatroller(t *testing.T) {
	p := &CommandPatroller{Command: "sh", Args: []string{"-c", `test "$CONDUCTOR_AGENT_ID" = agent-1`}}

	assert.NoError(t, p.Patrol(context.Background(), models.AgentLivenessRecord{AgentID: "agent-1"}))
	err := p.Patrol(context.Background(), models.AgentLivenessRecord{AgentID: "agent-2"})
	assert.ErrorContains(t, err, "exited 1")
}
