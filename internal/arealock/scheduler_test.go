package arealock

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	return New(Options{Clock: clk}), clk
}

// seed creates area "a" with initiatives i1 (older) and i2, each holding
// the given number of queued tasks.
func seed(t *testing.T, s *Scheduler, clk *clock.Manual, n1, n2 int) {
	t.Helper()
	ctx := context.Background()
	_, err := s.AddArea(ctx, "a", 0)
	require.NoError(t, err)
	_, err = s.AddInitiative(ctx, "a", "i1", "first")
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.AddInitiative(ctx, "a", "i2", "second")
	require.NoError(t, err)
	for i := 0; i < n1; i++ {
		_, err := s.EnqueueTask(ctx, "i1", "", "i1 task")
		require.NoError(t, err)
	}
	for i := 0; i < n2; i++ {
		_, err := s.EnqueueTask(ctx, "i2", "", "i2 task")
		require.NoError(t, err)
	}
}

func TestFIFOLockThenInProgress(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScheduler(t)
	seed(t, s, clk, 2, 2)

	ref, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "i1", ref.InitiativeID)
	assert.Equal(t, models.LockFIFO, ref.LockReason)

	require.NoError(t, s.MarkRunning(ctx, ref.TaskID))
	ws := s.Snapshot()
	require.Len(t, ws, 1)
	require.NotNil(t, ws[0].Lock)
	assert.Equal(t, "i1", ws[0].Lock.InitiativeID)
	assert.Equal(t, models.LockInProgress, ws[0].Lock.Reason)
}

func TestLockedInitiativeExcludesOthers(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScheduler(t)

	_, err := s.AddArea(ctx, "a", 0)
	require.NoError(t, err)
	_, err = s.AddInitiative(ctx, "a", "i1", "")
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.AddInitiative(ctx, "a", "i2", "")
	require.NoError(t, err)

	// i2's task arrives first, but i1 is the older initiative.
	early, err := s.EnqueueTask(ctx, "i2", "early", "")
	require.NoError(t, err)
	_, err = s.EnqueueTask(ctx, "i1", "late", "")
	require.NoError(t, err)

	ref, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "late", ref.TaskID)

	// i1 has nothing queued but still holds the lock while its task runs.
	ref, err = s.NextEligibleTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, ref)

	require.NoError(t, s.Complete(ctx, "late", models.StatusSuccess))
	assert.Nil(t, s.Snapshot()[0].Lock, "drained initiative releases the lock")

	ref, err = s.NextEligibleTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, early.TaskID, ref.TaskID)
	assert.Equal(t, "i2", ref.InitiativeID)
}

func TestReleaseOnlyWhenDrained(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScheduler(t)
	seed(t, s, clk, 2, 0)

	first, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	second, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "i1", second.InitiativeID)

	require.NoError(t, s.Complete(ctx, first.TaskID, models.StatusFailed))
	released, err := s.ReleaseIfDrained(ctx, "a")
	require.NoError(t, err)
	assert.False(t, released, "one task still in progress")

	require.NoError(t, s.Complete(ctx, second.TaskID, models.StatusCanceled))
	assert.Nil(t, s.Snapshot()[0].Lock)

	released, err = s.ReleaseIfDrained(ctx, "a")
	require.NoError(t, err)
	assert.False(t, released)

	_, err = s.ReleaseIfDrained(ctx, "nope")
	assert.ErrorIs(t, err, ErrAreaNotFound)
}

func TestRequeueKeepsOrderAndLock(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScheduler(t)
	seed(t, s, clk, 2, 1)

	first, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, first.TaskID))
	require.NoError(t, s.Requeue(ctx, first.TaskID))

	ws := s.Snapshot()[0]
	require.NotNil(t, ws.Lock)
	assert.Equal(t, "i1", ws.Lock.InitiativeID)
	assert.Equal(t, models.LockFIFO, ws.Lock.Reason, "nothing runs any more")

	again, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, again.TaskID)

	task, err := s.Task(first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDispatched, task.Status)
}

func TestAreasByPriority(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	for _, area := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high", 5}} {
		_, err := s.AddArea(ctx, area.id, area.priority)
		require.NoError(t, err)
		_, err = s.AddInitiative(ctx, area.id, area.id+"-i", "")
		require.NoError(t, err)
	}
	_, err := s.EnqueueTask(ctx, "low-i", "old", "")
	require.NoError(t, err)
	_, err = s.EnqueueTask(ctx, "high-i", "new", "")
	require.NoError(t, err)

	ref, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", ref.TaskID)
	ref, err = s.NextEligibleTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", ref.TaskID)

	ws := s.Snapshot()
	assert.Equal(t, "high", ws[0].Area.AreaID)
}

func TestConcurrentClaimsNeverDoubleDispatch(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestScheduler(t)
	seed(t, s, clk, 10, 10)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
		inis = map[string]bool{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := s.NextEligibleTask(ctx)
			assert.NoError(t, err)
			if ref == nil {
				return
			}
			mu.Lock()
			seen[ref.TaskID]++
			inis[ref.InitiativeID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10, "only i1's ten tasks are eligible")
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s handed out twice", id)
	}
	assert.Equal(t, map[string]bool{"i1": true}, inis)
}

func TestSharedLockTableAcrossInstances(t *testing.T) {
	ctx := context.Background()
	db, err := store.New(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	defer db.Close()

	// Two instances see different initiatives for the same area.
	clk := clock.NewManual(t0)
	a := New(Options{Locks: db, Clock: clk})
	b := New(Options{Locks: db, Clock: clk})
	for _, sc := range []struct {
		s   *Scheduler
		ini string
	}{{a, "i1"}, {b, "i2"}} {
		_, err := sc.s.AddArea(ctx, "shared", 0)
		require.NoError(t, err)
		_, err = sc.s.AddInitiative(ctx, "shared", sc.ini, "")
		require.NoError(t, err)
		_, err = sc.s.EnqueueTask(ctx, sc.ini, "", "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	refs := make([]*models.TaskRef, 2)
	for i, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(i int, s *Scheduler) {
			defer wg.Done()
			ref, err := s.NextEligibleTask(ctx)
			assert.NoError(t, err)
			refs[i] = ref
		}(i, s)
	}
	wg.Wait()

	winners := 0
	for _, ref := range refs {
		if ref != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	lock, err := db.GetAreaLock(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, lock)
}

func TestLoadRestoresQueue(t *testing.T) {
	ctx := context.Background()
	db, err := store.New(filepath.Join(t.TempDir(), "work.db"))
	require.NoError(t, err)
	defer db.Close()

	clk := clock.NewManual(t0)
	s := New(Options{Locks: db, Work: db, Clock: clk})
	seed(t, s, clk, 2, 1)
	ref, err := s.NextEligibleTask(ctx)
	require.NoError(t, err)
	require.NoError(t, s.AttachRun(ctx, ref.TaskID, "run-1"))

	restored := New(Options{Locks: db, Work: db, Clock: clk})
	require.NoError(t, restored.Load(ctx))

	inflight := restored.InProgress()
	require.Len(t, inflight, 1)
	assert.Equal(t, "run-1", inflight[0].RunID)

	next, err := restored.NextEligibleTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "i1", next.InitiativeID, "lock survives the restart")

	added, err := restored.EnqueueTask(ctx, "i2", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), added.Seq)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	_, err := s.AddInitiative(ctx, "missing", "i1", "")
	assert.ErrorIs(t, err, ErrAreaNotFound)
	_, err = s.EnqueueTask(ctx, "missing", "", "")
	assert.ErrorIs(t, err, ErrInitiativeNotFound)
	assert.ErrorIs(t, s.MarkRunning(ctx, "missing"), ErrTaskNotFound)
	assert.ErrorIs(t, s.Complete(ctx, "missing", models.StatusSuccess), ErrTaskNotFound)

	_, err = s.AddArea(ctx, "a", 0)
	require.NoError(t, err)
	_, err = s.AddArea(ctx, "b", 0)
	require.NoError(t, err)
	_, err = s.AddInitiative(ctx, "a", "i1", "")
	require.NoError(t, err)
	_, err = s.AddInitiative(ctx, "b", "i1", "")
	assert.ErrorIs(t, err, ErrInitiativeConflict)
	_, err = s.EnqueueTask(ctx, "i1", "t1", "")
	require.NoError(t, err)
	_, err = s.EnqueueTask(ctx, "i1", "t1", "")
	assert.ErrorIs(t, err, ErrTaskExists)
}
