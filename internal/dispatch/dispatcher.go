package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/loop"
	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/spans"
)

// Runs is the view of the span store the dispatcher needs.
type Runs interface {
	ActiveCount() int
	IsActive(runID string) bool
	RunStatus(ctx context.Context, runID string) (models.RunSummary, error)
}

// Queue is the area lock scheduler as seen by the dispatcher.
type Queue interface {
	NextEligibleTask(ctx context.Context) (*models.TaskRef, error)
	AttachRun(ctx context.Context, taskID, runID string) error
	MarkRunning(ctx context.Context, taskID string) error
	Requeue(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string, outcome models.SpanStatus) error
	InProgress() []models.Task
}

// Orchestrator accepts admitted work. Handoff returning nil means the run
// was accepted; its execution is reported through spans.
type Orchestrator interface {
	Handoff(ctx context.Context, runID string, task models.TaskRef) error
}

// Options configures a Dispatcher.
type Options struct {
	Config       Config
	Runs         Runs
	Queue        Queue
	Orchestrator Orchestrator
	PDR          *audit.PDRWriter
	Clock        clock.Clock
	Logger       *zap.Logger

	// PendingTimeout frees the seat of an accepted run that has not
	// reported a span within this long. Zero disables the expiry.
	PendingTimeout time.Duration
}

// Status is the dispatcher snapshot served to dashboards.
type Status struct {
	Config          Config               `json:"config"`
	Enabled         bool                 `json:"enabled"`
	LoopRunning     bool                 `json:"loop_running"`
	OccupiedSeats   int                  `json:"occupied_seats"`
	ReservedSeats   int                  `json:"reserved_seats"`
	PhysicalSeats   int                  `json:"physical_seats"`
	LastAdmissionAt *time.Time           `json:"last_admission_at,omitempty"`
	BackoffUntil    *time.Time           `json:"backoff_until,omitempty"`
	LastDispatch    *models.LastDispatch `json:"last_dispatch"`
}

type seat struct {
	taskID     string
	admittedAt time.Time
	running    bool
}

// Dispatcher owns the seat budget. A seat is held by every run it admitted
// from handoff until the span store reports the run drained.
//
// tickMu serializes Tick; mu guards state and is never held across a
// call into the queue or the orchestrator.
type Dispatcher struct {
	runs   Runs
	queue  Queue
	orch   Orchestrator
	pdr    *audit.PDRWriter
	clock  clock.Clock
	logger *zap.Logger
	loop   *loop.Loop

	tickMu sync.Mutex

	mu             sync.Mutex
	cfg            Config
	pendingTimeout time.Duration
	seats          map[string]*seat
	lastAdmission  time.Time
	backoffUntil   time.Time
	last           *models.LastDispatch
}

// New creates a dispatcher. The loop is not started.
func New(opts Options) (*Dispatcher, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		runs:   opts.Runs,
		queue:  opts.Queue,
		orch:   opts.Orchestrator,
		pdr:    opts.PDR,
		clock:  clock.Or(opts.Clock),
		logger: opts.Logger,
		cfg:    opts.Config,
		seats:  make(map[string]*seat),

		pendingTimeout: opts.PendingTimeout,
	}
	d.loop = loop.New("dispatch", opts.Config.Interval(), func(ctx context.Context) error {
		_, err := d.Tick(ctx)
		return err
	}, opts.Logger)
	return d, nil
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.loop.Start(ctx)
}

// Stop stops the dispatch loop. Admitted runs are left alone.
func (d *Dispatcher) Stop() {
	d.loop.Stop()
}

// Tick admits as many tasks as the seat budget, the cooldown and the queue
// allow, and returns how many were admitted. Running out of seats or work
// is not an error.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	d.expirePending(ctx)

	admitted := 0
	for {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}
		now, ok := d.eligible()
		if !ok {
			return admitted, nil
		}
		task, err := d.queue.NextEligibleTask(ctx)
		if err != nil {
			return admitted, fmt.Errorf("next eligible task: %w", err)
		}
		if task == nil {
			return admitted, nil
		}
		if !d.admit(ctx, *task, now) {
			return admitted, nil
		}
		admitted++
	}
}

// eligible reports whether one more admission is allowed right now.
func (d *Dispatcher) eligible() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	cfg := d.cfg
	if !cfg.Enabled {
		return now, false
	}
	if len(d.seats) >= cfg.AutoDispatchMax {
		return now, false
	}
	if now.Before(d.backoffUntil) {
		return now, false
	}
	if !d.lastAdmission.IsZero() && now.Sub(d.lastAdmission) < cfg.Cooldown() {
		return now, false
	}
	if d.physicalLocked() >= cfg.MaxConcurrent {
		return now, false
	}
	return now, true
}

// physicalLocked counts every active run plus admitted runs that have not
// reported a span yet.
func (d *Dispatcher) physicalLocked() int {
	n := d.runs.ActiveCount()
	for runID := range d.seats {
		if !d.runs.IsActive(runID) {
			n++
		}
	}
	return n
}

// admit hands a claimed task to the orchestrator. A rejected handoff puts
// the task back in the queue and frees the seat.
func (d *Dispatcher) admit(ctx context.Context, task models.TaskRef, now time.Time) bool {
	runID := uuid.New().String()
	log := d.logger.With(
		zap.String("task_id", task.TaskID),
		zap.String("run_id", runID),
		zap.String("area_id", task.AreaID),
	)

	if err := d.queue.AttachRun(ctx, task.TaskID, runID); err != nil {
		log.Error("attach run", zap.Error(err))
		d.requeue(ctx, task.TaskID, log)
		return false
	}

	d.mu.Lock()
	d.seats[runID] = &seat{taskID: task.TaskID, admittedAt: now}
	d.mu.Unlock()

	err := d.orch.Handoff(ctx, runID, task)

	rec := models.LastDispatch{
		TaskID:       task.TaskID,
		TaskTitle:    task.Title,
		RunID:        runID,
		DispatchedAt: now,
		Success:      err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	d.mu.Lock()
	if err == nil {
		d.lastAdmission = now
	} else {
		delete(d.seats, runID)
	}
	d.last = &rec
	occupied := len(d.seats)
	d.mu.Unlock()

	metrics.SeatsOccupied.Set(float64(occupied))
	metrics.RecordAdmission(err == nil)

	if err != nil {
		log.Warn("handoff rejected", zap.Error(err))
		d.requeue(ctx, task.TaskID, log)
		d.pdr.Record(ctx, "dispatch.admit", rec, "error", task.TaskID, err.Error())
		return false
	}
	log.Info("task admitted",
		zap.String("title", task.Title),
		zap.Int("occupied_seats", occupied),
	)
	d.pdr.Record(ctx, "dispatch.admit", rec, "success", task.TaskID, "run="+runID)
	return true
}

// expirePending frees seats of accepted runs that never reported a span
// within the pending timeout and puts their tasks back in the queue.
func (d *Dispatcher) expirePending(ctx context.Context) {
	type expired struct {
		runID      string
		taskID     string
		admittedAt time.Time
	}
	var gone []expired

	d.mu.Lock()
	timeout := d.pendingTimeout
	if timeout > 0 {
		now := d.clock.Now()
		for runID, st := range d.seats {
			if st.running || d.runs.IsActive(runID) || now.Sub(st.admittedAt) < timeout {
				continue
			}
			delete(d.seats, runID)
			gone = append(gone, expired{runID: runID, taskID: st.taskID, admittedAt: st.admittedAt})
		}
	}
	occupied := len(d.seats)
	d.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	metrics.SeatsOccupied.Set(float64(occupied))
	for _, e := range gone {
		log := d.logger.With(zap.String("task_id", e.taskID), zap.String("run_id", e.runID))
		log.Warn("run never reported a span, seat freed",
			zap.Time("admitted_at", e.admittedAt),
			zap.Duration("timeout", timeout),
		)
		d.requeue(ctx, e.taskID, log)
		inputs := map[string]interface{}{"run_id": e.runID, "task_id": e.taskID, "admitted_at": e.admittedAt}
		d.pdr.Record(ctx, "dispatch.expire", inputs, "requeued", e.taskID, "run="+e.runID)
	}
}

// SetPendingTimeout changes how long an accepted run may stay silent
// before its seat is freed.
func (d *Dispatcher) SetPendingTimeout(timeout time.Duration) {
	d.mu.Lock()
	d.pendingTimeout = timeout
	d.mu.Unlock()
}

func (d *Dispatcher) requeue(ctx context.Context, taskID string, log *zap.Logger) {
	if err := d.queue.Requeue(ctx, taskID); err != nil {
		log.Error("requeue task", zap.Error(err))
	}
}

// OnRunning upgrades the task of an admitted run to running the first time
// the run reports a running span.
func (d *Dispatcher) OnRunning(span models.Span) {
	d.mu.Lock()
	st, ok := d.seats[span.RunID]
	if !ok || st.running {
		d.mu.Unlock()
		return
	}
	st.running = true
	taskID := st.taskID
	d.mu.Unlock()

	if err := d.queue.MarkRunning(context.Background(), taskID); err != nil {
		d.logger.Error("mark task running",
			zap.String("task_id", taskID),
			zap.String("run_id", span.RunID),
			zap.Error(err),
		)
	}
}

// OnTerminal backs admissions off for one cooldown window after a
// capacity failure.
func (d *Dispatcher) OnTerminal(span models.Span) {
	if span.Status != models.StatusFailed || span.ReasonKind != models.ReasonResource {
		return
	}
	d.mu.Lock()
	until := d.clock.Now().Add(d.cfg.Cooldown())
	if until.After(d.backoffUntil) {
		d.backoffUntil = until
	}
	d.mu.Unlock()

	d.logger.Warn("resource failure, backing off",
		zap.String("run_id", span.RunID),
		zap.String("span_id", span.SpanID),
		zap.Time("until", until),
	)
}

// OnRunDrained frees the run's seat and completes its task, which releases
// the area lock once the initiative has drained.
func (d *Dispatcher) OnRunDrained(sum models.RunSummary) {
	d.mu.Lock()
	st, ok := d.seats[sum.RunID]
	if ok {
		delete(d.seats, sum.RunID)
	}
	occupied := len(d.seats)
	d.mu.Unlock()
	if !ok {
		return
	}
	metrics.SeatsOccupied.Set(float64(occupied))

	if err := d.queue.Complete(context.Background(), st.taskID, sum.Status); err != nil {
		d.logger.Error("complete task",
			zap.String("task_id", st.taskID),
			zap.String("run_id", sum.RunID),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("seat released",
		zap.String("task_id", st.taskID),
		zap.String("run_id", sum.RunID),
		zap.String("status", string(sum.Status)),
	)
}

// Restore rebuilds seats from the queue's in-progress tasks after a
// restart. Tasks whose run is still open get their seat back, tasks whose
// run finished are completed, and tasks whose run never reported a span
// are requeued.
func (d *Dispatcher) Restore(ctx context.Context) error {
	var seated, completed, requeued int
	for _, t := range d.queue.InProgress() {
		log := d.logger.With(zap.String("task_id", t.TaskID), zap.String("run_id", t.RunID))
		if t.RunID == "" {
			d.requeue(ctx, t.TaskID, log)
			requeued++
			continue
		}
		sum, err := d.runs.RunStatus(ctx, t.RunID)
		switch {
		case errors.Is(err, spans.ErrRunNotFound):
			d.requeue(ctx, t.TaskID, log)
			requeued++
		case err != nil:
			return fmt.Errorf("run status %s: %w", t.RunID, err)
		case sum.OpenSpans > 0:
			d.mu.Lock()
			d.seats[t.RunID] = &seat{
				taskID:     t.TaskID,
				admittedAt: derefTime(t.DispatchedAt),
				running:    t.Status == models.TaskStatusRunning,
			}
			d.mu.Unlock()
			seated++
		default:
			if err := d.queue.Complete(ctx, t.TaskID, sum.Status); err != nil {
				return fmt.Errorf("complete %s: %w", t.TaskID, err)
			}
			completed++
		}
	}

	d.mu.Lock()
	occupied := len(d.seats)
	d.mu.Unlock()
	metrics.SeatsOccupied.Set(float64(occupied))

	d.logger.Info("dispatcher restored",
		zap.Int("seated", seated),
		zap.Int("completed", completed),
		zap.Int("requeued", requeued),
	)
	return nil
}

// SetConfig replaces the configuration. A changed cooldown restarts the
// dispatch loop; seats and the last dispatch are kept.
func (d *Dispatcher) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	if d.loop.Reset(cfg.Interval()) {
		d.logger.Info("dispatch loop restarted", zap.Duration("interval", cfg.Interval()))
	}
	return nil
}

// SetEnabled switches automatic admission on or off. Disabling never
// cancels admitted runs.
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.cfg.Enabled = enabled
	d.mu.Unlock()
	d.logger.Info("dispatcher toggled", zap.Bool("enabled", enabled))
}

// Config returns the current configuration.
func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Status returns a snapshot of the seat budget and the last dispatch.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	st := Status{
		Config:        d.cfg,
		Enabled:       d.cfg.Enabled,
		OccupiedSeats: len(d.seats),
		ReservedSeats: d.cfg.ReservedSlots,
		PhysicalSeats: d.physicalLocked(),
	}
	if !d.lastAdmission.IsZero() {
		t := d.lastAdmission
		st.LastAdmissionAt = &t
	}
	if d.backoffUntil.After(d.clock.Now()) {
		t := d.backoffUntil
		st.BackoffUntil = &t
	}
	if d.last != nil {
		last := *d.last
		st.LastDispatch = &last
	}
	d.mu.Unlock()

	st.LoopRunning = d.loop.Running()
	return st
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
