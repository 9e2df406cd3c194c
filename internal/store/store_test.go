package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func testSpan(runID, spanID string, status models.SpanStatus, seq int64, ts time.Time) *models.Span {
	span := &models.Span{
		ID:       "row-" + spanID,
		Seq:      seq,
		RunID:    runID,
		SpanID:   spanID,
		Layer:    models.LayerOrchestrator,
		StepName: "dispatch",
		Status:   status,
		Attempt:  1,
		TsStart:  ts,
	}
	if status.IsTerminal() {
		end := ts
		span.TsEnd = &end
	}
	return span
}

func TestInsertSpanIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	span := testSpan("run-1", "s1", models.StatusRunning, 1, now)
	span.Artifacts = map[string]string{"log": "s3://bucket/log.txt"}
	span.Metadata = []byte(`{"k":"v"}`)

	inserted, err := s.InsertSpan(ctx, span)
	if err != nil {
		t.Fatalf("InsertSpan failed: %v", err)
	}
	if !inserted {
		t.Fatal("Expected first insert to be applied")
	}

	dup := testSpan("run-1", "s1", models.StatusFailed, 2, now)
	dup.ID = "row-other"
	inserted, err = s.InsertSpan(ctx, dup)
	if err != nil {
		t.Fatalf("Duplicate InsertSpan failed: %v", err)
	}
	if inserted {
		t.Error("Expected duplicate (run_id, span_id) to be ignored")
	}

	spans, err := s.ListRunSpans(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRunSpans failed: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status != models.StatusRunning {
		t.Errorf("Expected original status running, got %s", spans[0].Status)
	}
	if spans[0].Artifacts["log"] != "s3://bucket/log.txt" {
		t.Errorf("Artifacts not round-tripped: %v", spans[0].Artifacts)
	}
	if spans[0].ReasonCode != nil {
		t.Errorf("Expected nil reason code, got %v", *spans[0].ReasonCode)
	}
}

func TestUpdateHeartbeatMonotonic(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.InsertSpan(ctx, testSpan("run-1", "s1", models.StatusRunning, 1, now)); err != nil {
		t.Fatalf("InsertSpan failed: %v", err)
	}

	later := now.Add(30 * time.Second)
	if err := s.UpdateHeartbeat(ctx, "run-1", "s1", later); err != nil {
		t.Fatalf("UpdateHeartbeat failed: %v", err)
	}
	if err := s.UpdateHeartbeat(ctx, "run-1", "s1", now.Add(10*time.Second)); err != nil {
		t.Fatalf("UpdateHeartbeat failed: %v", err)
	}

	spans, _ := s.ListRunSpans(ctx, "run-1")
	if spans[0].HeartbeatTs == nil || !spans[0].HeartbeatTs.Equal(later) {
		t.Errorf("Expected heartbeat %v, got %v", later, spans[0].HeartbeatTs)
	}
}

func TestInsertSpansClosesSuperseded(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.InsertSpan(ctx, testSpan("run-1", "s1", models.StatusQueued, 1, now)); err != nil {
		t.Fatalf("InsertSpan failed: %v", err)
	}
	next := testSpan("run-1", "s2", models.StatusRunning, 2, now.Add(time.Second))
	inserted, err := s.InsertSpans(ctx, []SpanWrite{{Span: next, Supersedes: "s1"}})
	if err != nil {
		t.Fatalf("InsertSpans failed: %v", err)
	}
	if !inserted[0] {
		t.Fatal("Expected successor to be inserted")
	}

	spans, _ := s.ListRunSpans(ctx, "run-1")
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].TsEnd == nil || !spans[0].TsEnd.Equal(next.TsStart) {
		t.Errorf("Expected superseded span closed at %v, got %v", next.TsStart, spans[0].TsEnd)
	}
	if spans[1].TsEnd != nil {
		t.Errorf("Expected successor to stay open, got ts_end %v", spans[1].TsEnd)
	}

	// A closed span no longer accepts heartbeats.
	if err := s.UpdateHeartbeat(ctx, "run-1", "s1", now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateHeartbeat failed: %v", err)
	}
	spans, _ = s.ListRunSpans(ctx, "run-1")
	if spans[0].HeartbeatTs != nil {
		t.Errorf("Expected no heartbeat on closed span, got %v", spans[0].HeartbeatTs)
	}
}

func TestListOpenRunIDsAndFailures(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	failed := testSpan("run-2", "b1", models.StatusFailed, 2, now)
	failed.ReasonCode = models.StringPtr("TIMEOUT")
	failed.ReasonKind = models.ReasonTransient

	for _, span := range []*models.Span{
		testSpan("run-1", "a1", models.StatusRunning, 1, now),
		failed,
		testSpan("run-3", "c1", models.StatusSuccess, 3, now),
	} {
		if _, err := s.InsertSpan(ctx, span); err != nil {
			t.Fatalf("InsertSpan failed: %v", err)
		}
	}

	ids, err := s.ListOpenRunIDs(ctx)
	if err != nil {
		t.Fatalf("ListOpenRunIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "run-1" {
		t.Errorf("Expected [run-1], got %v", ids)
	}

	failures, err := s.ListFailedSpans(ctx)
	if err != nil {
		t.Fatalf("ListFailedSpans failed: %v", err)
	}
	if len(failures) != 1 || *failures[0].ReasonCode != "TIMEOUT" || failures[0].ReasonKind != models.ReasonTransient {
		t.Errorf("Unexpected failures: %+v", failures)
	}

	seq, err := s.MaxSpanSeq(ctx)
	if err != nil {
		t.Fatalf("MaxSpanSeq failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("Expected max seq 3, got %d", seq)
	}
}

func TestWorkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.SaveArea(ctx, &models.WorkArea{AreaID: "billing", Priority: 2, CreatedAt: now}); err != nil {
		t.Fatalf("SaveArea failed: %v", err)
	}
	if err := s.SaveInitiative(ctx, &models.Initiative{InitiativeID: "i1", AreaID: "billing", CreatedAt: now}); err != nil {
		t.Fatalf("SaveInitiative failed: %v", err)
	}
	task := &models.Task{TaskID: "t1", InitiativeID: "i1", AreaID: "billing", Title: "Refactor", Status: models.TaskStatusQueued, Seq: 1, CreatedAt: now}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	task.Status = models.TaskStatusDispatched
	task.RunID = "run-9"
	task.DispatchedAt = &now
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update failed: %v", err)
	}

	snap, err := s.LoadWork(ctx)
	if err != nil {
		t.Fatalf("LoadWork failed: %v", err)
	}
	if len(snap.Areas) != 1 || len(snap.Initiatives) != 1 || len(snap.Tasks) != 1 {
		t.Fatalf("Unexpected snapshot sizes: %d areas, %d initiatives, %d tasks", len(snap.Areas), len(snap.Initiatives), len(snap.Tasks))
	}
	got := snap.Tasks[0]
	if got.Status != models.TaskStatusDispatched || got.RunID != "run-9" || got.DispatchedAt == nil {
		t.Errorf("Task update not persisted: %+v", got)
	}
}

func TestAreaLockCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := s.AcquireAreaLock(ctx, models.AreaLock{
				AreaID:       "billing",
				InitiativeID: []string{"i1", "i2"}[n%2],
				Reason:       models.LockFIFO,
				AcquiredAt:   now,
			})
			if err != nil {
				t.Errorf("AcquireAreaLock failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("Expected exactly one winner, got %d", winners)
	}

	lock, err := s.GetAreaLock(ctx, "billing")
	if err != nil || lock == nil {
		t.Fatalf("GetAreaLock failed: %v", err)
	}

	other := "i1"
	if lock.InitiativeID == "i1" {
		other = "i2"
	}
	released, err := s.ReleaseAreaLock(ctx, "billing", other)
	if err != nil {
		t.Fatalf("ReleaseAreaLock failed: %v", err)
	}
	if released {
		t.Error("Non-holder must not release the lock")
	}

	updated, err := s.UpdateAreaLockReason(ctx, "billing", lock.InitiativeID, models.LockInProgress)
	if err != nil || !updated {
		t.Fatalf("UpdateAreaLockReason failed: %v (updated=%v)", err, updated)
	}

	released, err = s.ReleaseAreaLock(ctx, "billing", lock.InitiativeID)
	if err != nil || !released {
		t.Fatalf("Holder release failed: %v (released=%v)", err, released)
	}
	lock, _ = s.GetAreaLock(ctx, "billing")
	if lock != nil {
		t.Error("Expected no lock after release")
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.WritePDR(ctx, "task.dispatch", "hash", "success", "t1", "seat 1/5"); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if _, err := s.WritePDR(ctx, "agent.patrol", "hash", "success", "agent-1", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	entries, err := s.ListPDR(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "task.dispatch" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func TestAgentRegistry(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	agent := &models.AgentLivenessRecord{
		AgentID:        "worker-1",
		OutputRef:      "/var/log/worker-1.out",
		RegisteredAt:   now,
		LastActivity:   now,
		TimeoutSeconds: 300,
		Status:         models.AgentHealthy,
	}
	if err := s.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	agent.TimeoutSeconds = 60
	agent.Status = models.AgentTriggered
	agent.TriggeredAt = &now
	if err := s.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent overwrite failed: %v", err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("Expected 1 agent, got %d", len(agents))
	}
	if agents[0].TimeoutSeconds != 60 || agents[0].Status != models.AgentTriggered || agents[0].TriggeredAt == nil {
		t.Errorf("Overwrite not persisted: %+v", agents[0])
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
