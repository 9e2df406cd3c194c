package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/spans"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	summaryBytes             = 512
)

// ExecOptions configures an Exec orchestrator.
type ExecOptions struct {
	Command string
	Args    []string
	Dir     string
	// Host is reported as executor_host. Defaults to the hostname.
	Host              string
	HeartbeatInterval time.Duration
	Sink              SpanSink
	Clock             clock.Clock
	Logger            *zap.Logger
}

// Exec runs one local process per admitted task. Each run reports an
// L0_orchestrator "task" lineage and an L2_executor lineage for the
// process, heartbeating while the process is alive. The task's id, run id
// and title are passed as CONDUCTOR_TASK_ID, CONDUCTOR_RUN_ID and
// CONDUCTOR_TASK_TITLE.
type Exec struct {
	opts   ExecOptions
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]context.CancelFunc
}

// NewExec creates a local exec orchestrator.
func NewExec(opts ExecOptions) *Exec {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Exec{
		opts:    opts,
		clock:   clock.Or(opts.Clock),
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}
}

// run tracks the span ids of one execution.
type run struct {
	id     string
	task   models.TaskRef
	rootID string
}

// Handoff implements dispatch.Orchestrator. The run is accepted once its
// root span is recorded; the process runs in the background.
func (e *Exec) Handoff(ctx context.Context, runID string, task models.TaskRef) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(e.ctx)
	e.running[runID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	r := &run{id: runID, task: task, rootID: uuid.NewString()}
	_, err := e.opts.Sink.Append(ctx, models.Span{
		RunID:        runID,
		SpanID:       r.rootID,
		Layer:        models.LayerOrchestrator,
		StepName:     "task",
		Status:       models.StatusRunning,
		ExecutorHost: e.opts.Host,
		Agent:        "localexec",
		InputSummary: task.Title,
		TsStart:      e.clock.Now(),
	})
	if err != nil {
		e.forget(runID)
		cancel()
		e.wg.Done()
		return err
	}

	go func() {
		defer e.wg.Done()
		defer e.forget(runID)
		defer cancel()
		e.execute(runCtx, r)
	}()
	return nil
}

func (e *Exec) execute(ctx context.Context, r *run) {
	log := e.logger.With(zap.String("run_id", r.id), zap.String("task_id", r.task.TaskID))
	step := filepath.Base(e.opts.Command)

	procID := uuid.NewString()
	e.record(log, models.Span{
		RunID:        r.id,
		SpanID:       procID,
		ParentSpanID: r.rootID,
		Layer:        models.LayerExecutor,
		StepName:     step,
		Status:       models.StatusRunning,
		ExecutorHost: e.opts.Host,
		Agent:        "localexec",
		InputSummary: e.opts.Command,
		TsStart:      e.clock.Now(),
	})

	stopBeats := e.heartbeat(r.id, procID)
	res, err := runCommand(ctx, e.opts.Dir, []string{
		"CONDUCTOR_TASK_ID=" + r.task.TaskID,
		"CONDUCTOR_RUN_ID=" + r.id,
		"CONDUCTOR_TASK_TITLE=" + r.task.Title,
	}, e.opts.Command, e.opts.Args)
	stopBeats()

	status := models.StatusSuccess
	var reason *string
	var output string
	switch {
	case ctx.Err() != nil:
		status = models.StatusCanceled
		reason = models.StringPtr("KILLED")
		if e.ctx.Err() != nil {
			reason = models.StringPtr("SHUTDOWN")
		}
	case err != nil:
		status = models.StatusFailed
		reason = models.StringPtr("MISSING_COMMAND")
		output = err.Error()
	case res.ExitCode != 0:
		status = models.StatusFailed
		reason = models.StringPtr(reasonForExit(res.ExitCode))
		output = tail(res.Stderr, summaryBytes)
	default:
		output = tail(res.Stdout, summaryBytes)
	}

	// A canceled run already has its lineages closed; these appends are
	// then rejected and only logged.
	now := e.clock.Now()
	e.record(log, models.Span{
		RunID:         r.id,
		SpanID:        uuid.NewString(),
		ParentSpanID:  r.rootID,
		Layer:         models.LayerExecutor,
		StepName:      step,
		Status:        status,
		ReasonCode:    reason,
		ExecutorHost:  e.opts.Host,
		Agent:         "localexec",
		OutputSummary: output,
		TsStart:       now,
	})
	e.record(log, models.Span{
		RunID:        r.id,
		SpanID:       uuid.NewString(),
		Layer:        models.LayerOrchestrator,
		StepName:     "task",
		Status:       status,
		ReasonCode:   reason,
		ExecutorHost: e.opts.Host,
		Agent:        "localexec",
		TsStart:      now,
	})
	log.Info("process finished", zap.String("status", string(status)))
}

func (e *Exec) record(log *zap.Logger, span models.Span) {
	// Background context: the final spans must land even during shutdown.
	if _, err := e.opts.Sink.Append(context.Background(), span); err != nil {
		if errors.Is(err, spans.ErrInvalidTransition) {
			log.Debug("span superseded", zap.String("status", string(span.Status)), zap.Error(err))
			return
		}
		log.Error("append span", zap.String("status", string(span.Status)), zap.Error(err))
	}
}

// heartbeat signals liveness for spanID until the returned func is called.
func (e *Exec) heartbeat(runID, spanID string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.opts.Sink.Heartbeat(runID, spanID, e.clock.Now())
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// Kill stops the process of a run. It reports whether the run was known.
func (e *Exec) Kill(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the number of live processes.
func (e *Exec) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Wait blocks until every started process has been reported.
func (e *Exec) Wait() {
	e.wg.Wait()
}

// Close stops accepting handoffs, kills running processes and waits for
// their final spans.
func (e *Exec) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Exec) forget(runID string) {
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()
}
