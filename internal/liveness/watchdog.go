package liveness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
)

// ErrAgentNotFound is returned for operations against an unregistered agent.
var ErrAgentNotFound = errors.New("agent not found")

// Patroller hands a stale agent off to whatever restarts or pokes it.
type Patroller interface {
	Patrol(ctx context.Context, agent models.AgentLivenessRecord) error
}

// Registry persists agent registrations. *store.Store implements it.
type Registry interface {
	SaveAgent(ctx context.Context, a *models.AgentLivenessRecord) error
	ListAgents(ctx context.Context) ([]models.AgentLivenessRecord, error)
}

// WatchdogOptions configures a Watchdog.
type WatchdogOptions struct {
	DefaultTimeout time.Duration
	// Patroller is invoked once when an agent goes stale. Without one,
	// stale agents stay stale until they show activity again.
	Patroller Patroller
	Registry  Registry
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Watchdog tracks long-lived agent processes with the same staleness rule
// as runs. Activity comes from the modification time of each agent's
// output file (polled on every sweep and pushed by fsnotify), or from
// explicit Touch calls.
type Watchdog struct {
	patroller Patroller
	registry  Registry
	clock     clock.Clock
	logger    *zap.Logger

	mu             sync.Mutex
	defaultTimeout time.Duration
	agents         map[string]*models.AgentLivenessRecord

	watcher *fsnotify.Watcher
	dirs    map[string]int
}

// NewWatchdog creates a watchdog. A failure to start fsnotify is logged
// and the watchdog falls back to polling on sweep.
func NewWatchdog(opts WatchdogOptions) *Watchdog {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	w := &Watchdog{
		patroller:      opts.Patroller,
		registry:       opts.Registry,
		clock:          clock.Or(opts.Clock),
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		agents:         make(map[string]*models.AgentLivenessRecord),
		dirs:           make(map[string]int),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling output files on sweep", zap.Error(err))
	} else {
		w.watcher = watcher
	}
	return w
}

// Load restores registrations from the registry.
func (w *Watchdog) Load(ctx context.Context) error {
	if w.registry == nil {
		return nil
	}
	agents, err := w.registry.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	w.mu.Lock()
	for i := range agents {
		a := agents[i]
		w.agents[a.AgentID] = &a
		w.watchLocked(a.OutputRef)
	}
	w.mu.Unlock()
	w.updateGauges()
	return nil
}

// SetDefaultTimeout changes the timeout applied to agents registered
// without one. Existing registrations keep theirs.
func (w *Watchdog) SetDefaultTimeout(d time.Duration) {
	w.mu.Lock()
	w.defaultTimeout = d
	w.mu.Unlock()
}

// wholeSeconds rounds a timeout up to the whole seconds agents are
// tracked in, never below one.
func wholeSeconds(d time.Duration) int {
	if n := int((d + time.Second - 1) / time.Second); n > 1 {
		return n
	}
	return 1
}

// Register starts watching an agent. Registering the same agent_id again
// replaces its configuration. A timeout <= 0 uses the default; a
// fractional timeout is rounded up to whole seconds.
func (w *Watchdog) Register(ctx context.Context, agentID, outputRef string, timeout time.Duration) (models.AgentLivenessRecord, error) {
	if agentID == "" {
		return models.AgentLivenessRecord{}, errors.New("agent_id is required")
	}
	now := w.clock.Now()

	w.mu.Lock()
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	rec := &models.AgentLivenessRecord{
		AgentID:        agentID,
		OutputRef:      outputRef,
		RegisteredAt:   now,
		LastActivity:   now,
		TimeoutSeconds: wholeSeconds(timeout),
		Status:         models.AgentHealthy,
	}
	if old, ok := w.agents[agentID]; ok && old.OutputRef != outputRef {
		w.unwatchLocked(old.OutputRef)
	}
	if old, ok := w.agents[agentID]; !ok || old.OutputRef != outputRef {
		w.watchLocked(outputRef)
	}
	w.agents[agentID] = rec
	snapshot := *rec
	w.mu.Unlock()

	w.persist(ctx, &snapshot)
	w.updateGauges()
	w.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("output_ref", outputRef),
		zap.Duration("timeout", timeout),
	)
	return snapshot, nil
}

// Touch records activity for an agent at ts (zero means now).
func (w *Watchdog) Touch(ctx context.Context, agentID string, ts time.Time) error {
	if ts.IsZero() {
		ts = w.clock.Now()
	}
	w.mu.Lock()
	rec, ok := w.agents[agentID]
	if !ok {
		w.mu.Unlock()
		return ErrAgentNotFound
	}
	changed := observe(rec, ts)
	snapshot := *rec
	w.mu.Unlock()

	if changed {
		w.persist(ctx, &snapshot)
		w.updateGauges()
	}
	return nil
}

// observe moves last activity forward and resets a stale or triggered agent
// to healthy. It reports whether anything changed.
func observe(rec *models.AgentLivenessRecord, ts time.Time) bool {
	if !ts.After(rec.LastActivity) {
		return false
	}
	rec.LastActivity = ts
	if rec.Status != models.AgentHealthy {
		rec.Status = models.AgentHealthy
		rec.TriggeredAt = nil
	}
	return true
}

// Get returns one agent.
func (w *Watchdog) Get(agentID string) (models.AgentLivenessRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.agents[agentID]
	if !ok {
		return models.AgentLivenessRecord{}, ErrAgentNotFound
	}
	return *rec, nil
}

// List returns every agent ordered by agent_id.
func (w *Watchdog) List() []models.AgentLivenessRecord {
	w.mu.Lock()
	out := make([]models.AgentLivenessRecord, 0, len(w.agents))
	for _, rec := range w.agents {
		out = append(out, *rec)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Sweep polls output files and reclassifies every agent. An agent that
// turns stale is patrolled exactly once; it is not patrolled again until
// it has shown activity and gone stale anew.
func (w *Watchdog) Sweep(ctx context.Context) error {
	refs := w.outputRefs()
	mtimes := make(map[string]time.Time, len(refs))
	for _, ref := range refs {
		if info, err := os.Stat(ref); err == nil {
			mtimes[ref] = info.ModTime().UTC()
		}
	}

	now := w.clock.Now()
	var changed, patrol []models.AgentLivenessRecord

	w.mu.Lock()
	for _, rec := range w.agents {
		dirty := false
		if mt, ok := mtimes[rec.OutputRef]; ok && observe(rec, mt) {
			dirty = true
		}
		timeout := time.Duration(rec.TimeoutSeconds) * time.Second
		if rec.Status == models.AgentHealthy && Classify(rec.LastActivity, timeout, now) == Stale {
			dirty = true
			if w.patroller != nil {
				rec.Status = models.AgentTriggered
				t := now
				rec.TriggeredAt = &t
				patrol = append(patrol, *rec)
			} else {
				rec.Status = models.AgentStale
			}
		}
		if dirty {
			changed = append(changed, *rec)
		}
	}
	w.mu.Unlock()

	for i := range changed {
		w.persist(ctx, &changed[i])
	}
	w.updateGauges()

	var errs []error
	for _, rec := range patrol {
		w.logger.Warn("agent stale, triggering patrol",
			zap.String("agent_id", rec.AgentID),
			zap.Time("last_activity", rec.LastActivity),
			zap.Int("timeout_seconds", rec.TimeoutSeconds),
		)
		if err := w.handoff(ctx, "sweep", rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TriggerPatrol marks an agent triggered and hands it to the patroller
// regardless of its current status.
func (w *Watchdog) TriggerPatrol(ctx context.Context, agentID string) (models.AgentLivenessRecord, error) {
	now := w.clock.Now()

	w.mu.Lock()
	rec, ok := w.agents[agentID]
	if !ok {
		w.mu.Unlock()
		return models.AgentLivenessRecord{}, ErrAgentNotFound
	}
	rec.Status = models.AgentTriggered
	rec.TriggeredAt = &now
	snapshot := *rec
	w.mu.Unlock()

	w.persist(ctx, &snapshot)
	w.updateGauges()
	return snapshot, w.handoff(ctx, "manual", snapshot)
}

func (w *Watchdog) handoff(ctx context.Context, source string, rec models.AgentLivenessRecord) error {
	if w.patroller == nil {
		metrics.RecordPatrol(source, true)
		return nil
	}
	err := w.patroller.Patrol(ctx, rec)
	metrics.RecordPatrol(source, err == nil)
	if err != nil {
		w.logger.Error("patrol handoff failed", zap.String("agent_id", rec.AgentID), zap.Error(err))
		return fmt.Errorf("patrol %s: %w", rec.AgentID, err)
	}
	return nil
}

// Watch consumes fsnotify events until ctx is done. Writes to an agent's
// output file count as activity.
func (w *Watchdog) Watch(ctx context.Context) error {
	if w.watcher == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.onFileEvent(ctx, filepath.Clean(ev.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watchdog) onFileEvent(ctx context.Context, path string) {
	now := w.clock.Now()
	var changed []models.AgentLivenessRecord

	w.mu.Lock()
	for _, rec := range w.agents {
		if rec.OutputRef != "" && filepath.Clean(rec.OutputRef) == path && observe(rec, now) {
			changed = append(changed, *rec)
		}
	}
	w.mu.Unlock()

	for i := range changed {
		w.persist(ctx, &changed[i])
	}
	if len(changed) > 0 {
		w.updateGauges()
	}
}

// Close stops the fsnotify watcher.
func (w *Watchdog) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Watchdog) outputRefs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	refs := make([]string, 0, len(w.agents))
	for _, rec := range w.agents {
		if rec.OutputRef != "" {
			refs = append(refs, rec.OutputRef)
		}
	}
	return refs
}

// watchLocked watches the directory holding ref. Directories are
// reference counted since several agents may share one.
func (w *Watchdog) watchLocked(ref string) {
	if w.watcher == nil || ref == "" {
		return
	}
	dir := filepath.Dir(filepath.Clean(ref))
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Debug("cannot watch output dir", zap.String("dir", dir), zap.Error(err))
			return
		}
	}
	w.dirs[dir]++
}

func (w *Watchdog) unwatchLocked(ref string) {
	if w.watcher == nil || ref == "" {
		return
	}
	dir := filepath.Dir(filepath.Clean(ref))
	if w.dirs[dir] == 0 {
		return
	}
	w.dirs[dir]--
	if w.dirs[dir] == 0 {
		delete(w.dirs, dir)
		_ = w.watcher.Remove(dir)
	}
}

func (w *Watchdog) persist(ctx context.Context, rec *models.AgentLivenessRecord) {
	if w.registry == nil {
		return
	}
	if err := w.registry.SaveAgent(ctx, rec); err != nil {
		w.logger.Error("persist agent", zap.String("agent_id", rec.AgentID), zap.Error(err))
	}
}

func (w *Watchdog) updateGauges() {
	counts := map[models.AgentStatus]int{
		models.AgentHealthy:   0,
		models.AgentStale:     0,
		models.AgentTriggered: 0,
	}
	w.mu.Lock()
	for _, rec := range w.agents {
		counts[rec.Status]++
	}
	w.mu.Unlock()
	for status, n := range counts {
		metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
