// Package arealock schedules queued tasks so that within each work area
// only one initiative progresses at a time. The oldest initiative with
// queued work takes the area's lock; only its tasks are eligible until it
// drains and the lock is released.
package arealock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/metrics"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

var (
	ErrAreaNotFound       = errors.New("area not found")
	ErrInitiativeNotFound = errors.New("initiative not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskExists         = errors.New("task already exists")
	ErrInitiativeConflict = errors.New("initiative belongs to another area")
)

// WorkStore persists areas, initiatives and tasks. *store.Store implements it.
type WorkStore interface {
	SaveArea(ctx context.Context, area *models.WorkArea) error
	SaveInitiative(ctx context.Context, in *models.Initiative) error
	SaveTask(ctx context.Context, t *models.Task) error
	LoadWork(ctx context.Context) (*store.WorkSnapshot, error)
}

// Options configures a Scheduler.
type Options struct {
	Locks LockTable
	// Work persists the queue. When nil the queue lives in memory only.
	Work   WorkStore
	PDR    *audit.PDRWriter
	Clock  clock.Clock
	Logger *zap.Logger
}

// Scheduler is the area lock scheduler. Each area has its own mutex, so
// areas are scheduled independently; the LockTable arbitrates between
// scheduler instances. Lock order is s.mu then area.mu.
type Scheduler struct {
	locks  LockTable
	work   WorkStore
	pdr    *audit.PDRWriter
	clock  clock.Clock
	logger *zap.Logger

	seq atomic.Int64

	mu          sync.RWMutex
	areas       map[string]*area
	initiatives map[string]*area
	tasks       map[string]*area
}

type area struct {
	mu          sync.Mutex
	def         models.WorkArea
	lock        *models.AreaLock
	initiatives map[string]*initiative
}

type initiative struct {
	def   models.Initiative
	tasks []*models.Task
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Locks == nil {
		opts.Locks = NewMemoryLocks()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		locks:       opts.Locks,
		work:        opts.Work,
		pdr:         opts.PDR,
		clock:       clock.Or(opts.Clock),
		logger:      opts.Logger,
		areas:       make(map[string]*area),
		initiatives: make(map[string]*area),
		tasks:       make(map[string]*area),
	}
}

// Load replaces the in-memory queue with the persisted one.
func (s *Scheduler) Load(ctx context.Context) error {
	if s.work == nil {
		return nil
	}
	snap, err := s.work.LoadWork(ctx)
	if err != nil {
		return fmt.Errorf("load work: %w", err)
	}

	areas := make(map[string]*area, len(snap.Areas))
	initiatives := make(map[string]*area)
	tasks := make(map[string]*area)
	for _, def := range snap.Areas {
		areas[def.AreaID] = &area{def: def, initiatives: make(map[string]*initiative)}
	}
	for _, def := range snap.Initiatives {
		a, ok := areas[def.AreaID]
		if !ok {
			continue
		}
		a.initiatives[def.InitiativeID] = &initiative{def: def}
		initiatives[def.InitiativeID] = a
	}
	var maxSeq int64
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		a, ok := initiatives[t.InitiativeID]
		if !ok {
			continue
		}
		in := a.initiatives[t.InitiativeID]
		in.tasks = append(in.tasks, &t)
		tasks[t.TaskID] = a
		if t.Seq > maxSeq {
			maxSeq = t.Seq
		}
	}
	for _, a := range areas {
		lock, err := s.locks.GetAreaLock(ctx, a.def.AreaID)
		if err != nil {
			return fmt.Errorf("load lock %s: %w", a.def.AreaID, err)
		}
		a.lock = lock
	}

	s.mu.Lock()
	s.areas, s.initiatives, s.tasks = areas, initiatives, tasks
	s.mu.Unlock()
	if maxSeq > s.seq.Load() {
		s.seq.Store(maxSeq)
	}
	s.updateGauge()
	return nil
}

// AddArea creates an area or updates its priority.
func (s *Scheduler) AddArea(ctx context.Context, areaID string, priority int) (models.WorkArea, error) {
	if areaID == "" {
		return models.WorkArea{}, errors.New("area_id is required")
	}
	s.mu.Lock()
	a, ok := s.areas[areaID]
	if !ok {
		a = &area{
			def:         models.WorkArea{AreaID: areaID, CreatedAt: s.clock.Now()},
			initiatives: make(map[string]*initiative),
		}
		s.areas[areaID] = a
	}
	s.mu.Unlock()

	a.mu.Lock()
	a.def.Priority = priority
	def := a.def
	a.mu.Unlock()

	if s.work != nil {
		if err := s.work.SaveArea(ctx, &def); err != nil {
			return def, err
		}
	}
	return def, nil
}

// AddInitiative creates an initiative in an area. Adding an existing
// initiative to the same area again is a no-op.
func (s *Scheduler) AddInitiative(ctx context.Context, areaID, initiativeID, title string) (models.Initiative, error) {
	if initiativeID == "" {
		initiativeID = uuid.NewString()
	}

	s.mu.Lock()
	a, ok := s.areas[areaID]
	if !ok {
		s.mu.Unlock()
		return models.Initiative{}, ErrAreaNotFound
	}
	if owner, exists := s.initiatives[initiativeID]; exists {
		s.mu.Unlock()
		if owner != a {
			return models.Initiative{}, ErrInitiativeConflict
		}
		owner.mu.Lock()
		defer owner.mu.Unlock()
		return owner.initiatives[initiativeID].def, nil
	}
	def := models.Initiative{InitiativeID: initiativeID, AreaID: areaID, Title: title, CreatedAt: s.clock.Now()}
	a.mu.Lock()
	a.initiatives[initiativeID] = &initiative{def: def}
	a.mu.Unlock()
	s.initiatives[initiativeID] = a
	s.mu.Unlock()

	if s.work != nil {
		if err := s.work.SaveInitiative(ctx, &def); err != nil {
			return def, err
		}
	}
	return def, nil
}

// EnqueueTask appends a queued task to an initiative.
func (s *Scheduler) EnqueueTask(ctx context.Context, initiativeID, taskID, title string) (models.Task, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}

	s.mu.Lock()
	a, ok := s.initiatives[initiativeID]
	if !ok {
		s.mu.Unlock()
		return models.Task{}, ErrInitiativeNotFound
	}
	if _, exists := s.tasks[taskID]; exists {
		s.mu.Unlock()
		return models.Task{}, ErrTaskExists
	}
	a.mu.Lock()
	task := &models.Task{
		TaskID:       taskID,
		InitiativeID: initiativeID,
		AreaID:       a.def.AreaID,
		Title:        title,
		Status:       models.TaskStatusQueued,
		CreatedAt:    s.clock.Now(),
		Seq:          s.seq.Add(1),
	}
	in := a.initiatives[initiativeID]
	in.tasks = append(in.tasks, task)
	snapshot := *task
	a.mu.Unlock()
	s.tasks[taskID] = a
	s.mu.Unlock()

	return snapshot, s.save(ctx, &snapshot)
}

// Task returns a copy of one task.
func (s *Scheduler) Task(taskID string) (models.Task, error) {
	a, task, err := s.lockTask(taskID)
	if err != nil {
		return models.Task{}, err
	}
	defer a.mu.Unlock()
	return *task, nil
}

// InProgress returns every dispatched or running task.
func (s *Scheduler) InProgress() []models.Task {
	var out []models.Task
	for _, a := range s.areaList() {
		a.mu.Lock()
		for _, in := range a.initiatives {
			for _, t := range in.tasks {
				if t.Status.InProgress() {
					out = append(out, *t)
				}
			}
		}
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Scheduler) areaList() []*area {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*area, 0, len(s.areas))
	for _, a := range s.areas {
		out = append(out, a)
	}
	return out
}

// lockTask returns the task with its area's mutex held.
func (s *Scheduler) lockTask(taskID string) (*area, *models.Task, error) {
	s.mu.RLock()
	a, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrTaskNotFound
	}
	a.mu.Lock()
	for _, in := range a.initiatives {
		for _, t := range in.tasks {
			if t.TaskID == taskID {
				return a, t, nil
			}
		}
	}
	a.mu.Unlock()
	return nil, nil, ErrTaskNotFound
}

func (s *Scheduler) save(ctx context.Context, t *models.Task) error {
	if s.work == nil {
		return nil
	}
	if err := s.work.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", t.TaskID, err)
	}
	return nil
}

func (s *Scheduler) updateGauge() {
	counts := map[models.LockReason]int{models.LockFIFO: 0, models.LockInProgress: 0}
	for _, a := range s.areaList() {
		a.mu.Lock()
		if a.lock != nil {
			counts[a.lock.Reason]++
		}
		a.mu.Unlock()
	}
	for reason, n := range counts {
		metrics.AreaLocks.WithLabelValues(string(reason)).Set(float64(n))
	}
}

// oldestQueued returns the initiative's oldest queued task.
func (in *initiative) oldestQueued() *models.Task {
	var best *models.Task
	for _, t := range in.tasks {
		if t.Status == models.TaskStatusQueued && (best == nil || t.Seq < best.Seq) {
			best = t
		}
	}
	return best
}

func (in *initiative) counts() (queued, inProgress, completed int) {
	for _, t := range in.tasks {
		switch {
		case t.Status == models.TaskStatusQueued:
			queued++
		case t.Status.InProgress():
			inProgress++
		case t.Status == models.TaskStatusCompleted:
			completed++
		}
	}
	return
}

func (in *initiative) hasRunning() bool {
	for _, t := range in.tasks {
		if t.Status == models.TaskStatusRunning {
			return true
		}
	}
	return false
}

// sortedInitiatives orders initiatives oldest first.
func (a *area) sortedInitiatives() []*initiative {
	out := make([]*initiative, 0, len(a.initiatives))
	for _, in := range a.initiatives {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].def.CreatedAt.Equal(out[j].def.CreatedAt) {
			return out[i].def.CreatedAt.Before(out[j].def.CreatedAt)
		}
		return out[i].def.InitiativeID < out[j].def.InitiativeID
	})
	return out
}

// candidate returns the task this area would hand out next given its
// cached lock, without changing anything. The caller holds a.mu.
func (a *area) candidate() (*initiative, *models.Task) {
	if a.lock != nil {
		in := a.initiatives[a.lock.InitiativeID]
		if in == nil {
			return nil, nil
		}
		return in, in.oldestQueued()
	}
	for _, in := range a.sortedInitiatives() {
		if t := in.oldestQueued(); t != nil {
			return in, t
		}
	}
	return nil, nil
}
