package subagent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
	"github.com/restflow/restflow/pkg/task"
)

func openTestSpawner(t *testing.T, maxDepth int) (*Spawner, *task.Store) {
	t.Helper()
	engine, err := storage.OpenEngine(filepath.Join(t.TempDir(), "restflow.db"), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	tasks, err := task.Open(context.Background(), engine)
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	spawner := NewSpawner(tasks, NewTracker(), nil, nil, maxDepth)
	spawner.pollInterval = 10 * time.Millisecond
	return spawner, tasks
}

func TestSpawnCreatesTrackedChild(t *testing.T) {
	spawner, tasks := openTestSpawner(t, 3)
	ctx := context.Background()

	parent := task.New("agent-1", "parent work", task.Once(time.Now()))
	if err := tasks.Create(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	childID, err := spawner.Spawn(ctx, parent.ID, "agent-2", "child work")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	child, err := tasks.Get(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.ParentTaskID != parent.ID {
		t.Fatalf("expected parent link, got %q", child.ParentTaskID)
	}
	if child.Status != task.StatusPending {
		t.Fatalf("expected pending child, got %s", child.Status)
	}

	state, ok := spawner.Tracker().Get(parent.ID, childID)
	if !ok {
		t.Fatal("expected tracker entry for child")
	}
	if state.AgentID != "agent-2" || state.TaskDescription != "child work" {
		t.Fatalf("unexpected tracker state: %+v", state)
	}
}

func TestSpawnDepthLimit(t *testing.T) {
	spawner, tasks := openTestSpawner(t, 2)
	ctx := context.Background()

	root := task.New("agent-1", "root", task.Once(time.Now()))
	if err := tasks.Create(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}

	level1, err := spawner.Spawn(ctx, root.ID, "agent-1", "level 1")
	if err != nil {
		t.Fatalf("spawn level 1: %v", err)
	}
	level2, err := spawner.Spawn(ctx, level1, "agent-1", "level 2")
	if err != nil {
		t.Fatalf("spawn level 2: %v", err)
	}

	// The third level exceeds max depth 2 and fails at the spawner,
	// before any child task is created.
	_, err = spawner.Spawn(ctx, level2, "agent-1", "level 3")
	if err == nil {
		t.Fatal("expected depth limit to reject the spawn")
	}
	if !rferrors.HasKind(err, rferrors.Resource) {
		t.Fatalf("expected Resource kind, got %v", err)
	}
}

func TestWaitReturnsInInputOrder(t *testing.T) {
	spawner, tasks := openTestSpawner(t, 3)
	ctx := context.Background()

	parent := task.New("agent-1", "parent", task.Once(time.Now()))
	if err := tasks.Create(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	a, err := spawner.Spawn(ctx, parent.ID, "agent-1", "a")
	if err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	b, err := spawner.Spawn(ctx, parent.ID, "agent-1", "b")
	if err != nil {
		t.Fatalf("spawn b: %v", err)
	}

	// Mark both terminal through the tracker, as the runner would.
	spawner.Tracker().Observe(parent.ID, a, task.StatusCompleted, "result-a", "")
	spawner.Tracker().Observe(parent.ID, b, task.StatusFailed, "", "boom")

	results, err := spawner.Wait(ctx, parent.ID, []string{b, a}, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].TaskID != b || results[1].TaskID != a {
		t.Fatalf("results out of input order: %+v", results)
	}
	if results[0].Error != "boom" || results[1].Result != "result-a" {
		t.Fatalf("payloads wrong: %+v", results)
	}
}

func TestWaitTimesOutOnRunningChild(t *testing.T) {
	spawner, tasks := openTestSpawner(t, 3)
	ctx := context.Background()

	parent := task.New("agent-1", "parent", task.Once(time.Now()))
	if err := tasks.Create(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := spawner.Spawn(ctx, parent.ID, "agent-1", "never finishes")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	start := time.Now()
	results, err := spawner.Wait(ctx, parent.ID, []string{child}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("wait returned before the timeout")
	}
	if len(results) != 1 || results[0].Status.IsTerminal() {
		t.Fatalf("expected a non-terminal snapshot, got %+v", results)
	}
}

func TestTrackerTerminalMonotonic(t *testing.T) {
	tracker := NewTracker()
	tracker.Track(State{TaskID: "c1", ParentTaskID: "p1", Status: task.StatusPending})

	tracker.Observe("p1", "c1", task.StatusCompleted, "done", "")
	tracker.Observe("p1", "c1", task.StatusFailed, "", "late failure")

	state, ok := tracker.Get("p1", "c1")
	if !ok {
		t.Fatal("expected tracked child")
	}
	if state.Status != task.StatusCompleted || state.Result != "done" {
		t.Fatalf("terminal state overwritten: %+v", state)
	}
}

func TestReapRemovesOnlyTerminal(t *testing.T) {
	tracker := NewTracker()
	tracker.Track(State{TaskID: "c1", ParentTaskID: "p1", Status: task.StatusRunning})

	tracker.Reap("p1", "c1")
	if _, ok := tracker.Get("p1", "c1"); !ok {
		t.Fatal("non-terminal child must not be reaped")
	}

	tracker.Observe("p1", "c1", task.StatusCompleted, "x", "")
	tracker.Reap("p1", "c1")
	if _, ok := tracker.Get("p1", "c1"); ok {
		t.Fatal("terminal child should be reaped")
	}
}

func TestCancelTreeCancelsDescendants(t *testing.T) {
	spawner, tasks := openTestSpawner(t, 5)
	ctx := context.Background()

	root := task.New("agent-1", "root", task.Once(time.Now()))
	if err := tasks.Create(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	child, err := spawner.Spawn(ctx, root.ID, "agent-1", "child")
	if err != nil {
		t.Fatalf("spawn child: %v", err)
	}
	grandchild, err := spawner.Spawn(ctx, child, "agent-1", "grandchild")
	if err != nil {
		t.Fatalf("spawn grandchild: %v", err)
	}

	spawner.CancelTree(ctx, root.ID)

	for _, id := range []string{root.ID, child, grandchild} {
		got, err := tasks.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != task.StatusCancelled {
			t.Fatalf("expected %s cancelled, got %s", id, got.Status)
		}
	}
}
