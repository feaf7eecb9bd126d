package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/restflow/restflow/pkg/agent"
	"github.com/restflow/restflow/pkg/bus"
	"github.com/restflow/restflow/pkg/engine"
	"github.com/restflow/restflow/pkg/llms"
	"github.com/restflow/restflow/pkg/storage"
	"github.com/restflow/restflow/pkg/task"
	"github.com/restflow/restflow/pkg/tool"
)

// answerClient always produces the same final answer.
type answerClient struct{ answer string }

func (c *answerClient) Complete(ctx context.Context, req llms.CompletionRequest) (llms.CompletionResponse, error) {
	return llms.CompletionResponse{
		Message:      llms.Message{Role: llms.RoleAssistant, Content: "FINAL ANSWER: " + c.answer},
		PromptTokens: 5, OutputTokens: 5,
	}, nil
}

func (c *answerClient) Stream(ctx context.Context, req llms.CompletionRequest) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not scripted")
}

// failingClient fails with a non-retryable error.
type failingClient struct{}

func (c *failingClient) Complete(ctx context.Context, req llms.CompletionRequest) (llms.CompletionResponse, error) {
	return llms.CompletionResponse{}, errors.New("invalid model configuration")
}

func (c *failingClient) Stream(ctx context.Context, req llms.CompletionRequest) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not scripted")
}

type testHarness struct {
	runner *Runner
	tasks  *task.Store
	agents *agent.Store
	bus    *bus.Bus
}

func newHarness(t *testing.T, client llms.CompletionClient, cfg Config) *testHarness {
	t.Helper()
	store, err := storage.OpenEngine(filepath.Join(t.TempDir(), "restflow.db"), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	tasks, err := task.Open(ctx, store)
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	agents, err := agent.Open(ctx, store)
	if err != nil {
		t.Fatalf("open agents: %v", err)
	}

	eng := engine.New(client, tool.New(nil), nil, nil, nil)
	b := bus.New(64)
	t.Cleanup(b.Close)

	r := New(cfg, tasks, agents, eng, b, nil, nil, nil, nil, nil)
	return &testHarness{runner: r, tasks: tasks, agents: agents, bus: b}
}

func (h *testHarness) createAgent(t *testing.T) *agent.Definition {
	t.Helper()
	def := &agent.Definition{Name: "test", Model: agent.ModelSpec{Provider: "stub", Model: "stub-1"}}
	if err := h.agents.Create(context.Background(), def); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return def
}

func waitForStatus(t *testing.T, tasks *task.Store, id string, want task.Status, timeout time.Duration) *task.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		got, err := tasks.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := tasks.Get(context.Background(), id)
	t.Fatalf("task %s never reached %s, stuck at %s (%s)", id, want, got.Status, got.LastError)
	return nil
}

func TestRunnerCompletesTask(t *testing.T) {
	h := newHarness(t, &answerClient{answer: "42"}, Config{
		PollInterval:       50 * time.Millisecond,
		MaxConcurrentTasks: 2,
		TaskTimeout:        5 * time.Second,
	})
	def := h.createAgent(t)

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	tk := task.New(def.ID, "what is the answer?", task.Once(time.Now()))
	if err := h.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	h.runner.Kick()

	got := waitForStatus(t, h.tasks, tk.ID, task.StatusCompleted, 5*time.Second)
	if got.Result != "42" {
		t.Fatalf("expected result 42, got %q", got.Result)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected completed_at set")
	}

	// The stream carried a terminal event for the task.
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.TaskID == tk.ID && e.Kind.IsTerminal() {
				return
			}
		case <-deadline:
			t.Fatal("no terminal stream event observed")
		}
	}
}

func TestRunnerFailsTaskOnFatalError(t *testing.T) {
	h := newHarness(t, &failingClient{}, Config{
		PollInterval:       50 * time.Millisecond,
		MaxConcurrentTasks: 1,
		TaskTimeout:        5 * time.Second,
	})
	def := h.createAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	tk := task.New(def.ID, "doomed", task.Once(time.Now()))
	if err := h.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	h.runner.Kick()

	got := waitForStatus(t, h.tasks, tk.ID, task.StatusFailed, 5*time.Second)
	if got.LastError == "" {
		t.Fatal("expected last_error recorded")
	}
	if got.FailureCount == 0 {
		t.Fatal("expected failure count incremented")
	}
}

func TestRunnerUnknownAgentFailsTask(t *testing.T) {
	h := newHarness(t, &answerClient{answer: "x"}, Config{
		PollInterval:       50 * time.Millisecond,
		MaxConcurrentTasks: 1,
		TaskTimeout:        time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	tk := task.New("no-such-agent", "orphan", task.Once(time.Now()))
	if err := h.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	h.runner.Kick()

	got := waitForStatus(t, h.tasks, tk.ID, task.StatusFailed, 5*time.Second)
	if got.LastError == "" {
		t.Fatal("expected agent-not-found error recorded")
	}
}

// max_concurrent_tasks = 0 acquires nothing but stays responsive to
// shutdown.
func TestRunnerZeroConcurrencyAcquiresNothing(t *testing.T) {
	h := newHarness(t, &answerClient{answer: "x"}, Config{
		PollInterval:       20 * time.Millisecond,
		MaxConcurrentTasks: 0,
	})
	def := h.createAgent(t)

	tk := task.New(def.ID, "never runs", task.Once(time.Now()))
	if err := h.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.runner.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	got, err := h.tasks.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("expected task untouched, got %s", got.Status)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not shut down")
	}
}

func TestRunnerIntervalReschedules(t *testing.T) {
	h := newHarness(t, &answerClient{answer: "tick"}, Config{
		PollInterval:       50 * time.Millisecond,
		MaxConcurrentTasks: 1,
		TaskTimeout:        time.Second,
	})
	def := h.createAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	tk := task.New(def.ID, "recurring", task.Interval(time.Hour))
	if err := h.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	h.runner.Kick()

	// The fire completes but the task re-arms as pending with a future
	// next_run_at instead of going terminal.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.tasks.Get(context.Background(), tk.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == task.StatusPending && got.Result == "tick" {
			if !got.NextRunAt.After(time.Now().Add(30 * time.Minute)) {
				t.Fatalf("expected next_run_at about an hour out, got %v", got.NextRunAt)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("interval task never completed a fire")
}

func TestStopCancelsPendingTask(t *testing.T) {
	h := newHarness(t, &answerClient{answer: "x"}, Config{MaxConcurrentTasks: 1})
	def := h.createAgent(t)

	tk := task.New(def.ID, "to cancel", task.Once(time.Now().Add(time.Hour)))
	if err := h.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.runner.Stop(context.Background(), tk.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, err := h.tasks.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}
