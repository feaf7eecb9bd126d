package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/restflow/restflow/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	engine, err := storage.OpenEngine(filepath.Join(t.TempDir(), "restflow.db"), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	store, err := Open(context.Background(), engine)
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	return store
}

func TestNewAssignsNextRunAt(t *testing.T) {
	runAt := time.Now().Add(time.Hour)
	tk := New("agent-1", "do the thing", Once(runAt))
	if !tk.NextRunAt.Equal(runAt) {
		t.Fatalf("expected next_run_at %v, got %v", runAt, tk.NextRunAt)
	}
	if tk.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", tk.Status)
	}

	manual := New("agent-1", "wait for kick", ManualSchedule())
	if !manual.NextRunAt.IsZero() {
		t.Fatalf("manual schedule should not set next_run_at, got %v", manual.NextRunAt)
	}

	interval := New("agent-1", "poll", Interval(5*time.Minute))
	if interval.NextRunAt.IsZero() {
		t.Fatal("interval schedule should set an initial next_run_at")
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tk := New("agent-1", "summarize inbox", Once(time.Now()))
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AgentID != "agent-1" || got.Input != "summarize inbox" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing task")
	}
}

func TestTryAcquireIsSingleWinner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tk := New("agent-1", "run once", ManualSchedule())
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := store.TryAcquire(ctx, tk.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok || got.Status != StatusRunning {
		t.Fatalf("expected first acquire to win, got ok=%v status=%v", ok, got.Status)
	}

	_, ok, err = store.TryAcquire(ctx, tk.ID)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire on a running task to lose")
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tk := New("agent-1", "run once", ManualSchedule())
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	tk.Status = StatusCompleted
	if err := store.Update(ctx, tk); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := store.Cancel(ctx, tk.ID); err == nil {
		t.Fatal("expected cancel on a terminal task to fail")
	}
}

func TestListByStatusAndChildren(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	parent := New("agent-1", "parent job", ManualSchedule())
	if err := store.Create(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	child := New("agent-1", "sub job", ManualSchedule())
	child.ParentTaskID = parent.ID
	if err := store.Create(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}

	pending, err := store.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}

	children, err := store.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 || children[0].ID != child.ID {
		t.Fatalf("expected exactly child task, got %+v", children)
	}
}

func TestRecoverOrphans(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tk := New("agent-1", "long running", ManualSchedule())
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, err := store.TryAcquire(ctx, tk.ID); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	running, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	running.HeartbeatAt = time.Now().Add(-time.Hour)
	if err := store.Update(ctx, running); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}

	n, err := store.RecoverOrphans(ctx, time.Minute)
	if err != nil {
		t.Fatalf("recover orphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan recovered, got %d", n)
	}

	recovered, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
	if recovered.Status != StatusPending {
		t.Fatalf("expected orphan reset to pending, got %s", recovered.Status)
	}
}
