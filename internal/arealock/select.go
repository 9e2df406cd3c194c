package arealock

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/models"
)

// acquireAttempts bounds retries after losing a lock race to another
// scheduler instance.
const acquireAttempts = 3

// NextEligibleTask claims the next task that may start and marks it
// dispatched. Areas are tried by priority (highest first), then by the age
// of their candidate task. It returns nil when nothing is eligible.
func (s *Scheduler) NextEligibleTask(ctx context.Context) (*models.TaskRef, error) {
	type cand struct {
		a        *area
		priority int
		seq      int64
	}
	var cands []cand
	for _, a := range s.areaList() {
		a.mu.Lock()
		if _, t := a.candidate(); t != nil {
			cands = append(cands, cand{a: a, priority: a.def.Priority, seq: t.Seq})
		}
		a.mu.Unlock()
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority > cands[j].priority
		}
		return cands[i].seq < cands[j].seq
	})

	for _, c := range cands {
		ref, err := s.claim(ctx, c.a)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}
	return nil, nil
}

// claim picks and dispatches the area's next task under the area mutex,
// acquiring the area lock first when the area is free.
func (s *Scheduler) claim(ctx context.Context, a *area) (*models.TaskRef, error) {
	a.mu.Lock()
	var (
		ref      *models.TaskRef
		acquired bool
		snapshot models.Task
	)
	for attempt := 0; attempt < acquireAttempts && ref == nil; attempt++ {
		lock, err := s.locks.GetAreaLock(ctx, a.def.AreaID)
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("read lock %s: %w", a.def.AreaID, err)
		}
		a.lock = lock

		in, task := a.candidate()
		if task == nil {
			break
		}
		if a.lock == nil {
			lock := models.AreaLock{
				AreaID:       a.def.AreaID,
				InitiativeID: in.def.InitiativeID,
				Reason:       models.LockFIFO,
				AcquiredAt:   s.clock.Now(),
			}
			ok, err := s.locks.AcquireAreaLock(ctx, lock)
			if err != nil {
				a.mu.Unlock()
				return nil, fmt.Errorf("acquire lock %s: %w", a.def.AreaID, err)
			}
			if !ok {
				// Lost to another instance; re-read and re-evaluate.
				continue
			}
			a.lock = &lock
			acquired = true
		}

		now := s.clock.Now()
		task.Status = models.TaskStatusDispatched
		task.DispatchedAt = &now
		snapshot = *task
		ref = &models.TaskRef{
			TaskID:       task.TaskID,
			Title:        task.Title,
			AreaID:       a.def.AreaID,
			InitiativeID: in.def.InitiativeID,
			LockReason:   a.lock.Reason,
		}
	}
	a.mu.Unlock()

	if ref == nil {
		return nil, nil
	}
	if acquired {
		s.logger.Info("area locked",
			zap.String("area_id", ref.AreaID),
			zap.String("initiative_id", ref.InitiativeID),
			zap.String("lock_reason", string(models.LockFIFO)),
		)
		s.pdr.Record(ctx, "area.lock", ref, "acquired", ref.AreaID, "initiative="+ref.InitiativeID)
		s.updateGauge()
	}
	if err := s.save(ctx, &snapshot); err != nil {
		s.logger.Error("persist dispatched task", zap.String("task_id", ref.TaskID), zap.Error(err))
	}
	return ref, nil
}

// AttachRun records the run minted for a dispatched task.
func (s *Scheduler) AttachRun(ctx context.Context, taskID, runID string) error {
	a, task, err := s.lockTask(taskID)
	if err != nil {
		return err
	}
	task.RunID = runID
	snapshot := *task
	a.mu.Unlock()
	return s.save(ctx, &snapshot)
}

// MarkRunning moves a task to running and upgrades its area's lock reason
// to in_progress.
func (s *Scheduler) MarkRunning(ctx context.Context, taskID string) error {
	a, task, err := s.lockTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusRunning || task.Status == models.TaskStatusCompleted {
		a.mu.Unlock()
		return nil
	}
	task.Status = models.TaskStatusRunning
	snapshot := *task

	upgraded := false
	if a.lock != nil && a.lock.InitiativeID == task.InitiativeID && a.lock.Reason != models.LockInProgress {
		ok, err := s.locks.UpdateAreaLockReason(ctx, a.def.AreaID, task.InitiativeID, models.LockInProgress)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("upgrade lock %s: %w", a.def.AreaID, err)
		}
		if ok {
			lock := *a.lock
			lock.Reason = models.LockInProgress
			a.lock = &lock
			upgraded = true
		}
	}
	a.mu.Unlock()

	if upgraded {
		s.updateGauge()
	}
	return s.save(ctx, &snapshot)
}

// Complete finishes a task with the run's outcome and releases the area
// lock if that drained the initiative.
func (s *Scheduler) Complete(ctx context.Context, taskID string, outcome models.SpanStatus) error {
	a, task, err := s.lockTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusCompleted {
		a.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	task.Status = models.TaskStatusCompleted
	task.Outcome = outcome
	task.CompletedAt = &now
	snapshot := *task
	areaID := a.def.AreaID
	a.mu.Unlock()

	if err := s.save(ctx, &snapshot); err != nil {
		return err
	}
	_, err = s.ReleaseIfDrained(ctx, areaID)
	return err
}

// Requeue puts a dispatched or running task back at its original place in
// the queue, e.g. after a failed handoff. The area keeps its lock.
func (s *Scheduler) Requeue(ctx context.Context, taskID string) error {
	a, task, err := s.lockTask(taskID)
	if err != nil {
		return err
	}
	if !task.Status.InProgress() {
		a.mu.Unlock()
		return nil
	}
	task.Status = models.TaskStatusQueued
	task.RunID = ""
	task.DispatchedAt = nil
	snapshot := *task

	in := a.initiatives[task.InitiativeID]
	if a.lock != nil && a.lock.InitiativeID == task.InitiativeID && a.lock.Reason == models.LockInProgress && !in.hasRunning() {
		if ok, err := s.locks.UpdateAreaLockReason(ctx, a.def.AreaID, task.InitiativeID, models.LockFIFO); err == nil && ok {
			lock := *a.lock
			lock.Reason = models.LockFIFO
			a.lock = &lock
		}
	}
	a.mu.Unlock()

	s.updateGauge()
	return s.save(ctx, &snapshot)
}

// ReleaseIfDrained releases the area's lock when the locked initiative has
// no queued and no in-progress task left. It runs under the area mutex, so
// no claim on the same area can interleave with it.
func (s *Scheduler) ReleaseIfDrained(ctx context.Context, areaID string) (bool, error) {
	s.mu.RLock()
	a, ok := s.areas[areaID]
	s.mu.RUnlock()
	if !ok {
		return false, ErrAreaNotFound
	}

	a.mu.Lock()
	lock, err := s.locks.GetAreaLock(ctx, areaID)
	if err != nil {
		a.mu.Unlock()
		return false, fmt.Errorf("read lock %s: %w", areaID, err)
	}
	a.lock = lock
	if lock == nil {
		a.mu.Unlock()
		return false, nil
	}
	in := a.initiatives[lock.InitiativeID]
	if in == nil {
		// Held for an initiative this instance does not track.
		a.mu.Unlock()
		return false, nil
	}
	if queued, inProgress, _ := in.counts(); queued > 0 || inProgress > 0 {
		a.mu.Unlock()
		return false, nil
	}
	released, err := s.locks.ReleaseAreaLock(ctx, areaID, lock.InitiativeID)
	if err != nil {
		a.mu.Unlock()
		return false, fmt.Errorf("release lock %s: %w", areaID, err)
	}
	if released {
		a.lock = nil
	}
	a.mu.Unlock()

	if released {
		s.logger.Info("area released", zap.String("area_id", areaID), zap.String("initiative_id", lock.InitiativeID))
		s.pdr.Record(ctx, "area.release", lock, "released", areaID, "initiative="+lock.InitiativeID)
		s.updateGauge()
	}
	return released, nil
}

// Snapshot returns the work-stream view of every area, highest priority
// first.
func (s *Scheduler) Snapshot() []models.WorkStream {
	areas := s.areaList()
	out := make([]models.WorkStream, 0, len(areas))
	for _, a := range areas {
		a.mu.Lock()
		ws := models.WorkStream{Area: a.def, Initiatives: []models.InitiativeProgress{}}
		if a.lock != nil {
			lock := *a.lock
			ws.Lock = &lock
		}
		for _, in := range a.sortedInitiatives() {
			p := models.InitiativeProgress{Initiative: in.def}
			p.Queued, p.InProgress, p.Completed = in.counts()
			ws.Initiatives = append(ws.Initiatives, p)
		}
		a.mu.Unlock()
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Area.Priority != out[j].Area.Priority {
			return out[i].Area.Priority > out[j].Area.Priority
		}
		return out[i].Area.AreaID < out[j].Area.AreaID
	})
	return out
}
