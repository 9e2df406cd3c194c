// Package controlplane wires the span store, liveness sweeps, area lock
// scheduler and seat dispatcher into one service and serves it over HTTP.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/conductor/internal/arealock"
	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/config"
	"github.com/fentz26/conductor/internal/dispatch"
	"github.com/fentz26/conductor/internal/failures"
	"github.com/fentz26/conductor/internal/liveness"
	"github.com/fentz26/conductor/internal/loop"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/spans"
	"github.com/fentz26/conductor/internal/store"
)

// Options configures a Service.
type Options struct {
	Config config.Config
	// Store persists spans, the work queue, area locks, agents and decision
	// records. When nil everything lives in memory.
	Store *store.Store
	// Orchestrator overrides the one selected from Config.Orchestrator.
	Orchestrator dispatch.Orchestrator
	// Patroller overrides the recording patroller, which runs
	// Config.Liveness.PatrolCommand when one is set.
	Patroller liveness.Patroller
	Version   string
	Clock     clock.Clock
	Logger    *zap.Logger
}

// RunDetail is a run's derived status together with its records.
type RunDetail struct {
	models.RunSummary
	Spans []models.Span `json:"spans"`
}

// Service provides the control plane business logic.
type Service struct {
	db       *store.Store
	pdr      *audit.PDRWriter
	spans    *spans.Store
	areas    *arealock.Scheduler
	dispatch *dispatch.Dispatcher
	stuck    *liveness.StuckDetector
	watchdog *liveness.Watchdog
	orch     dispatch.Orchestrator
	version  string
	clock    clock.Clock
	logger   *zap.Logger

	stuckLoop *loop.Loop
	agentLoop *loop.Loop

	mu       sync.Mutex
	liveness config.LivenessConfig
}

// NewService builds every component from cfg and wires the span store's
// observers to the dispatcher. Nothing runs until Recover and Run.
func NewService(opts Options) (*Service, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	clk := clock.Or(opts.Clock)
	logger := opts.Logger

	s := &Service{
		db:       opts.Store,
		version:  opts.Version,
		clock:    clk,
		logger:   logger,
		liveness: cfg.Liveness,
	}

	spanOpts := spans.Options{
		Classifier: failures.NewClassifier(cfg.Failures.Rules),
		Aggregator: failures.NewAggregator(),
		Clock:      clk,
		Logger:     logger.Named("spans"),
	}
	areaOpts := arealock.Options{Clock: clk, Logger: logger.Named("arealock")}
	dogOpts := liveness.WatchdogOptions{
		DefaultTimeout: cfg.Liveness.DefaultAgentTimeout(),
		Patroller:      opts.Patroller,
		Clock:          clk,
		Logger:         logger.Named("watchdog"),
	}
	if s.db != nil {
		s.pdr = audit.NewPDRWriter(s.db)
		spanOpts.Log = s.db
		areaOpts.Locks = s.db
		areaOpts.Work = s.db
		areaOpts.PDR = s.pdr
		dogOpts.Registry = s.db
	}
	if dogOpts.Patroller == nil {
		rp := &liveness.RecordingPatroller{PDR: s.pdr, Logger: logger.Named("patrol")}
		if cfg.Liveness.PatrolCommand != "" {
			rp.Next = &orchestrator.CommandPatroller{
				Command: cfg.Liveness.PatrolCommand,
				Args:    cfg.Liveness.PatrolArgs,
				Logger:  logger.Named("patrol"),
			}
		}
		dogOpts.Patroller = rp
	}

	s.spans = spans.New(spanOpts)
	s.areas = arealock.New(areaOpts)
	s.stuck = liveness.NewStuckDetector(s.spans, cfg.Liveness.StuckThreshold(), clk, logger.Named("stuck"))
	s.watchdog = liveness.NewWatchdog(dogOpts)

	s.orch = opts.Orchestrator
	if s.orch == nil {
		s.orch = selectOrchestrator(cfg.Orchestrator, s.spans, clk, logger.Named("orchestrator"))
	}

	d, err := dispatch.New(dispatch.Options{
		Config:       cfg.Dispatch,
		Runs:         s.spans,
		Queue:        s.areas,
		Orchestrator: s.orch,
		PDR:          s.pdr,
		Clock:        clk,
		Logger:       logger.Named("dispatch"),

		PendingTimeout: cfg.Liveness.StuckThreshold(),
	})
	if err != nil {
		return nil, err
	}
	s.dispatch = d
	s.spans.OnRunning(d.OnRunning)
	s.spans.OnTerminal(d.OnTerminal)
	s.spans.OnDrained(d.OnRunDrained)

	interval := cfg.Liveness.SweepInterval()
	s.stuckLoop = loop.New("stuck", interval, s.stuck.Sweep, logger)
	s.agentLoop = loop.New("watchdog", interval, s.watchdog.Sweep, logger)
	return s, nil
}

// selectOrchestrator prefers a webhook, then a local command. Without
// either, handoffs fail and admitted tasks go back to the queue.
func selectOrchestrator(cfg config.OrchestratorConfig, sink orchestrator.SpanSink, clk clock.Clock, logger *zap.Logger) dispatch.Orchestrator {
	switch {
	case cfg.WebhookURL != "":
		logger.Info("handing off to webhook", zap.String("url", cfg.WebhookURL))
		return orchestrator.NewWebhook(orchestrator.WebhookOptions{
			URL:       cfg.WebhookURL,
			RateLimit: cfg.RateLimit,
			Clock:     clk,
			Logger:    logger,
		})
	case cfg.Command != "":
		logger.Info("handing off to local command", zap.String("command", cfg.Command))
		return orchestrator.NewExec(orchestrator.ExecOptions{
			Command:           cfg.Command,
			Args:              cfg.Args,
			Dir:               cfg.Dir,
			HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
			Sink:              sink,
			Clock:             clk,
			Logger:            logger,
		})
	default:
		logger.Warn("no orchestrator configured, admissions will be requeued")
		return orchestrator.Unconfigured{}
	}
}

// Recover rebuilds in-memory state from the store: the active-run index
// and failure aggregates, the work queue, agent registrations and the
// dispatcher's seats. Call it once before serving ingress.
func (s *Service) Recover(ctx context.Context) error {
	if err := s.spans.Recover(ctx); err != nil {
		return err
	}
	if err := s.areas.Load(ctx); err != nil {
		return err
	}
	if err := s.watchdog.Load(ctx); err != nil {
		return err
	}
	if err := s.dispatch.Restore(ctx); err != nil {
		return fmt.Errorf("restore dispatcher: %w", err)
	}
	return nil
}

// Run starts the dispatch loop, both liveness sweeps, the heartbeat
// applier and the output-file watcher, and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.dispatch.Start(ctx)
	s.stuckLoop.Start(ctx)
	s.agentLoop.Start(ctx)
	defer func() {
		s.dispatch.Stop()
		s.stuckLoop.Stop()
		s.agentLoop.Stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.spans.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.watchdog.Watch(gctx)
	})
	s.logger.Info("control plane running",
		zap.Duration("sweep_interval", s.LivenessConfig().SweepInterval()),
		zap.Bool("dispatch_enabled", s.dispatch.Config().Enabled),
	)
	return g.Wait()
}

// Close stops the orchestrator, the watcher and the store.
func (s *Service) Close() error {
	var errs []error
	if c, ok := s.orch.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.watchdog.Close())
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// --- Span ingress ---

// AppendSpan records a span.
func (s *Service) AppendSpan(ctx context.Context, span models.Span) (spans.AppendResult, error) {
	return s.spans.Append(ctx, span)
}

// Heartbeat queues a liveness signal. It reports false when the signal
// was dropped under load.
func (s *Service) Heartbeat(runID, spanID string, ts time.Time) bool {
	return s.spans.Heartbeat(runID, spanID, ts)
}

// killer is implemented by orchestrators that own the run's process.
type killer interface {
	Kill(runID string) bool
}

// CancelRun closes every open lineage of a run as canceled and stops its
// process when the orchestrator owns one.
func (s *Service) CancelRun(ctx context.Context, runID string, reasonCode *string) (int, error) {
	n, err := s.spans.CancelRun(ctx, runID, reasonCode)
	if err != nil {
		return 0, err
	}
	if k, ok := s.orch.(killer); ok {
		k.Kill(runID)
	}
	s.pdr.Record(ctx, "run.cancel", map[string]interface{}{"run_id": runID, "reason_code": reasonCode}, "canceled", runID, fmt.Sprintf("closed=%d", n))
	return n, nil
}

// --- Run queries ---

func (s *Service) ActiveRuns() []models.ActiveRun {
	return s.spans.ListActiveRuns()
}

// GetRun returns a run's records and derived status.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	records, err := s.spans.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{RunSummary: spans.DeriveStatus(records), Spans: records}, nil
}

func (s *Service) LastAlive(ctx context.Context, runID string) (models.LastAlive, error) {
	return s.spans.LastAlive(ctx, runID)
}

func (s *Service) Failures(limit int) []models.FailureStats {
	return s.spans.QueryFailures(limit)
}

// StuckRuns returns the projection from the last stuck sweep.
func (s *Service) StuckRuns() []models.StuckRun {
	return s.stuck.Stuck()
}

// --- Work queue ---

func (s *Service) Areas() []models.WorkStream {
	return s.areas.Snapshot()
}

func (s *Service) AddArea(ctx context.Context, areaID string, priority int) (models.WorkArea, error) {
	return s.areas.AddArea(ctx, areaID, priority)
}

func (s *Service) AddInitiative(ctx context.Context, areaID, initiativeID, title string) (models.Initiative, error) {
	return s.areas.AddInitiative(ctx, areaID, initiativeID, title)
}

func (s *Service) EnqueueTask(ctx context.Context, initiativeID, taskID, title string) (models.Task, error) {
	return s.areas.EnqueueTask(ctx, initiativeID, taskID, title)
}

// --- Dispatcher ---

func (s *Service) DispatcherStatus() dispatch.Status {
	return s.dispatch.Status()
}

// SetDispatchConfig applies a new seat budget. Admitted runs keep their
// seats; the loop restarts only when the cooldown changed.
func (s *Service) SetDispatchConfig(ctx context.Context, cfg dispatch.Config) error {
	if err := s.dispatch.SetConfig(cfg); err != nil {
		return err
	}
	s.pdr.Record(ctx, "dispatch.config", cfg, "applied", "dispatcher", "")
	return nil
}

func (s *Service) SetDispatchEnabled(ctx context.Context, enabled bool) {
	s.dispatch.SetEnabled(enabled)
	outcome := "disabled"
	if enabled {
		outcome = "enabled"
	}
	s.pdr.Record(ctx, "dispatch.toggle", map[string]bool{"enabled": enabled}, outcome, "dispatcher", "")
}

// --- Liveness ---

func (s *Service) LivenessConfig() config.LivenessConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveness
}

// SetLivenessConfig applies new thresholds. Patrol settings are kept; the
// sweep loops restart only when the interval changed.
func (s *Service) SetLivenessConfig(ctx context.Context, cfg config.LivenessConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg.PatrolCommand = s.liveness.PatrolCommand
	cfg.PatrolArgs = s.liveness.PatrolArgs
	s.liveness = cfg
	s.mu.Unlock()

	s.stuck.SetThreshold(cfg.StuckThreshold())
	s.dispatch.SetPendingTimeout(cfg.StuckThreshold())
	s.watchdog.SetDefaultTimeout(cfg.DefaultAgentTimeout())
	s.stuckLoop.Reset(cfg.SweepInterval())
	s.agentLoop.Reset(cfg.SweepInterval())

	s.logger.Info("liveness config updated",
		zap.Int("stuck_threshold_seconds", cfg.StuckThresholdSeconds),
		zap.Int("default_agent_timeout_seconds", cfg.DefaultAgentTimeoutSeconds),
		zap.Int("sweep_interval_ms", cfg.SweepIntervalMs),
	)
	s.pdr.Record(ctx, "liveness.config", cfg, "applied", "liveness", "")
	return nil
}

// RegisterAgent starts watching an agent. timeoutSeconds <= 0 uses the
// default agent timeout.
func (s *Service) RegisterAgent(ctx context.Context, agentID, outputRef string, timeoutSeconds int) (models.AgentLivenessRecord, error) {
	rec, err := s.watchdog.Register(ctx, agentID, outputRef, time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return rec, nil
}

func (s *Service) Agents() []models.AgentLivenessRecord {
	return s.watchdog.List()
}

// TouchAgent records activity for an agent now.
func (s *Service) TouchAgent(ctx context.Context, agentID string) error {
	return s.watchdog.Touch(ctx, agentID, time.Time{})
}

// TriggerPatrol hands an agent to the patroller now.
func (s *Service) TriggerPatrol(ctx context.Context, agentID string) (models.AgentLivenessRecord, error) {
	return s.watchdog.TriggerPatrol(ctx, agentID)
}

// --- Health ---

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	OK         bool   `json:"ok"`
	DB         string `json:"db"`
	Version    string `json:"version"`
	Time       string `json:"time"`
	ActiveRuns int    `json:"active_runs"`
}

// Health reports whether the store answers.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		OK:         true,
		DB:         "memory",
		Version:    s.version,
		Time:       s.clock.Now().UTC().Format(time.RFC3339),
		ActiveRuns: s.spans.ActiveCount(),
	}
	if s.db != nil {
		h.DB = "ok"
		if err := s.db.Ping(ctx); err != nil {
			h.OK = false
			h.DB = "error: " + err.Error()
		}
	}
	return h
}
