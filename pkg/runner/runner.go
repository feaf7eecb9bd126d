// Package runner implements the Background Runner: a
// single-process scheduler that polls the background_tasks table,
// acquires ready tasks under a concurrency bound, drives each through
// the Agent Execution Engine, computes next runs for recurring
// schedules, retries retryable failures with backoff, and publishes
// TaskStreamEvents onto the process-wide bus.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/restflow/restflow/pkg/agent"
	"github.com/restflow/restflow/pkg/bus"
	"github.com/restflow/restflow/pkg/channel"
	"github.com/restflow/restflow/pkg/engine"
	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/subagent"
	"github.com/restflow/restflow/pkg/task"
	"github.com/restflow/restflow/pkg/trigger"
)

// NotificationSender is invoked on terminal transitions.
// Implementations are external collaborators.
type NotificationSender interface {
	Notify(ctx context.Context, t *task.Task, success bool, message string) error
}

// Config tunes the runner's loop.
type Config struct {
	PollInterval        time.Duration // default 30s
	MaxConcurrentTasks  int           // 0 acquires nothing but stays responsive to shutdown
	TaskTimeout         time.Duration // default 10m
	MaxRetries          int           // default 3
	RetryBase           time.Duration // default 5s, doubled per attempt
	RetryCap            time.Duration // default 5m
	HeartbeatInterval   time.Duration // default 5s
	StaleHeartbeatAfter time.Duration // default 60s; orphan recovery at startup

	// EngineDefaults fills execution bounds an agent definition does
	// not carry itself: iteration budget, memory window, checkpoint
	// policy, resource limits, stuck threshold.
	EngineDefaults engine.Config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleHeartbeatAfter <= 0 {
		c.StaleHeartbeatAfter = 60 * time.Second
	}
	return c
}

// Runner drives background tasks toward terminal states.
type Runner struct {
	cfg      Config
	tasks    *task.Store
	agents   *agent.Store
	engine   *engine.Engine
	bus      *bus.Bus
	router   *channel.Router
	triggers *trigger.Manager
	tracker  *subagent.Tracker
	notifier NotificationSender
	logger   *slog.Logger

	sem    *semaphore.Weighted
	kickCh chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Runner. triggers, tracker, router, and notifier may be
// nil; the corresponding behavior is skipped.
func New(cfg Config, tasks *task.Store, agents *agent.Store, eng *engine.Engine, b *bus.Bus, router *channel.Router, triggers *trigger.Manager, tracker *subagent.Tracker, notifier NotificationSender, logger *slog.Logger) *Runner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	var sem *semaphore.Weighted
	if cfg.MaxConcurrentTasks > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks))
	}
	return &Runner{
		cfg:      cfg,
		tasks:    tasks,
		agents:   agents,
		engine:   eng,
		bus:      b,
		router:   router,
		triggers: triggers,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger,
		sem:      sem,
		kickCh:   make(chan struct{}, 1),
		running:  make(map[string]context.CancelFunc),
	}
}

// Kick wakes the scheduler loop without waiting for the next poll tick.
// Implements subagent.Kicker.
func (r *Runner) Kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// Stop cancels a running task's execution future, or cancels a pending
// task directly. Implements subagent.Stopper.
func (r *Runner) Stop(ctx context.Context, taskID string) error {
	r.mu.Lock()
	cancel, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	return r.tasks.Cancel(ctx, taskID)
}

// RunningCount reports how many execution futures are in flight.
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Run is the scheduler loop: orphan recovery at startup, then a tick on
// every poll interval and on every kick, until ctx is cancelled. It
// blocks; callers run it in a goroutine and cancel ctx to shut down,
// after which in-flight executions are awaited.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.tasks.RecoverOrphans(ctx, r.cfg.StaleHeartbeatAfter); err != nil {
		r.logger.Error("orphan recovery failed", "error", err)
	} else if n > 0 {
		r.logger.Info("recovered orphaned tasks", "count", n)
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.tick(ctx)

		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-r.kickCh:
		}
	}
}

// tick materializes due schedule triggers, then acquires and launches
// ready tasks up to the concurrency bound.
func (r *Runner) tick(ctx context.Context) {
	now := time.Now()

	if r.triggers != nil {
		due, err := r.triggers.DueSchedules(ctx, now)
		if err != nil {
			r.logger.Error("listing due triggers failed", "error", err)
		}
		for _, t := range due {
			if _, err := r.triggers.Fire(ctx, t.ID, ""); err != nil {
				r.logger.Error("trigger fire failed", "trigger_id", t.ID, "error", err)
			}
		}
	}

	if r.cfg.MaxConcurrentTasks <= 0 {
		return
	}

	pending, err := r.tasks.ListByStatus(ctx, task.StatusPending)
	if err != nil {
		r.logger.Error("listing pending tasks failed", "error", err)
		return
	}

	var ready []task.Task
	for _, t := range pending {
		if t.Schedule.Kind == task.ScheduleManual {
			continue
		}
		if t.NextRunAt.IsZero() || !t.NextRunAt.After(now) {
			ready = append(ready, t)
		}
	}

	// Deterministic order: earliest next_run_at first, ties by task id.
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].NextRunAt.Equal(ready[j].NextRunAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].NextRunAt.Before(ready[j].NextRunAt)
	})

	capacity := r.cfg.MaxConcurrentTasks - r.RunningCount()
	for _, t := range ready {
		if capacity <= 0 {
			return
		}
		acquired, ok, err := r.tasks.TryAcquire(ctx, t.ID)
		if err != nil {
			r.logger.Error("task acquire failed", "task_id", t.ID, "error", err)
			continue
		}
		if !ok {
			// Another tick (or process) won the compare-and-set.
			continue
		}
		capacity--
		r.launch(ctx, acquired)
	}
}

// launch spawns the execution future for an acquired task, bounded by
// the semaphore.
func (r *Runner) launch(ctx context.Context, t *task.Task) {
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.running[t.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, t.ID)
			r.mu.Unlock()
			cancel()
		}()

		if err := r.sem.Acquire(runCtx, 1); err != nil {
			r.release(context.Background(), t, &engine.Result{
				Success: false, Error: "cancelled", Cancelled: true,
			})
			return
		}
		defer r.sem.Release(1)

		r.execute(runCtx, t)
	}()
}

// execute drives one acquired task through the engine and persists the
// outcome.
func (r *Runner) execute(ctx context.Context, t *task.Task) {
	def, err := r.agents.Get(ctx, t.AgentID)
	if err != nil {
		r.finishWith(ctx, t, &engine.Result{Success: false, Error: "agent not found: " + t.AgentID})
		return
	}

	defaults := r.cfg.EngineDefaults
	cfg := engine.Config{
		ID:               def.ID,
		Model:            def.Model.Model,
		Temperature:      def.Temperature,
		SystemPrompt:     def.SystemPrompt,
		Skills:           def.Skills,
		SkillVars:        def.SkillVars,
		Tools:            def.Tools,
		Depth:            r.depth(ctx, t),
		MaxIterations:    defaults.MaxIterations,
		MemoryWindow:     defaults.MemoryWindow,
		CheckpointPolicy: defaults.CheckpointPolicy,
		ResourceLimits:   defaults.ResourceLimits,
		StuckThreshold:   defaults.StuckThreshold,
		Stream:           defaults.Stream,
	}

	runCtx, cancelTimeout := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancelTimeout()

	if r.router != nil {
		if sender := r.router.Sender(t.Notification.ChannelType, t.Notification.ConversationID); sender != nil {
			runCtx = channel.WithSender(runCtx, sender)
		}
	}

	stopHeartbeat := r.startHeartbeat(t.ID)

	result, err := r.engine.Run(runCtx, cfg, engine.RunOptions{
		TaskID: t.ID,
		Input:  t.Input,
		Steps:  r.stepSink(t.ID),
	})
	if err != nil {
		result = &engine.Result{Success: false, Error: err.Error()}
	}

	// Stop the heartbeat before the terminal write so a late heartbeat
	// cannot overwrite the final status with a stale running snapshot.
	stopHeartbeat()

	// Persist the outcome on a fresh context: the run's own context may
	// already be cancelled, and the terminal write must still land.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.release(persistCtx, t, result)
}

// release persists the run outcome: terminal state, next run for
// recurring schedules, or a backed-off retry.
func (r *Runner) release(ctx context.Context, t *task.Task, result *engine.Result) {
	// Re-read so we don't clobber a cancel that landed while running.
	current, err := r.tasks.Get(ctx, t.ID)
	if err == nil && current.Status.IsTerminal() {
		return
	}
	r.finishWith(ctx, t, result)
}

func (r *Runner) finishWith(ctx context.Context, t *task.Task, result *engine.Result) {
	now := time.Now()
	t.CompletedAt = now
	t.Result = result.FinalAnswer
	t.CostUSD = result.CostUSD

	switch {
	case result.Success:
		t.LastError = ""
		r.scheduleNext(t, now, task.StatusCompleted)

	case result.Cancelled:
		t.Status = task.StatusCancelled
		t.LastError = "cancelled"

	default:
		t.FailureCount++
		t.LastError = result.Error
		if r.retryable(result) && t.FailureCount <= r.cfg.MaxRetries {
			backoff := r.backoff(t.FailureCount)
			t.Status = task.StatusPending
			t.NextRunAt = now.Add(backoff)
			r.logger.Info("retrying task",
				"task_id", t.ID, "attempt", t.FailureCount, "backoff", backoff)
		} else {
			r.scheduleNext(t, now, task.StatusFailed)
		}
	}

	if err := r.tasks.Update(ctx, t); err != nil {
		r.logger.Error("persisting task outcome failed", "task_id", t.ID, "error", err)
	}

	if t.Status.IsTerminal() || (t.Status == task.StatusPending && result.Success) {
		r.notify(ctx, t, result)
	}

	if r.tracker != nil && t.ParentTaskID != "" {
		status := t.Status
		if status == task.StatusPending {
			// A recurring child re-arming still reports this fire's
			// outcome to the parent.
			if result.Success {
				status = task.StatusCompleted
			} else {
				status = task.StatusFailed
			}
		}
		r.tracker.Observe(t.ParentTaskID, t.ID, status, result.FinalAnswer, result.Error)
	}
}

// scheduleNext computes the next fire for recurring schedules; one-shot
// and manual tasks take the terminal status.
func (r *Runner) scheduleNext(t *task.Task, now time.Time, terminal task.Status) {
	switch t.Schedule.Kind {
	case task.ScheduleInterval:
		t.Status = task.StatusPending
		t.NextRunAt = now.Add(time.Duration(t.Schedule.PeriodSecs) * time.Second)
		t.FailureCount = 0
	case task.ScheduleCron:
		next, ok := trigger.NextRun(t.Schedule.CronExpr, t.Schedule.CronTimezone, now)
		if !ok {
			t.Status = task.StatusFailed
			t.LastError = "invalid cron expression: " + t.Schedule.CronExpr
			return
		}
		t.Status = task.StatusPending
		t.NextRunAt = next
		t.FailureCount = 0
	default:
		t.Status = terminal
	}
}

// retryable reports whether the failure class permits a scheduled
// retry: transport failures do, budget exhaustion and policy blocks do
// not.
func (r *Runner) retryable(result *engine.Result) bool {
	return result.ErrorKind == rferrors.Transport
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.RetryCap {
			return r.cfg.RetryCap
		}
	}
	if d > r.cfg.RetryCap {
		d = r.cfg.RetryCap
	}
	return d
}

func (r *Runner) notify(ctx context.Context, t *task.Task, result *engine.Result) {
	if r.notifier == nil {
		return
	}
	message := result.FinalAnswer
	if !result.Success {
		message = result.Error
	}
	if err := r.notifier.Notify(ctx, t, result.Success, message); err != nil {
		r.logger.Warn("notification failed", "task_id", t.ID, "error", err)
	}
}

// depth walks the parent chain to position this task in the spawn tree.
func (r *Runner) depth(ctx context.Context, t *task.Task) int {
	depth := 0
	parent := t.ParentTaskID
	for parent != "" && depth < 32 {
		depth++
		p, err := r.tasks.Get(ctx, parent)
		if err != nil {
			break
		}
		parent = p.ParentTaskID
	}
	return depth
}

// stepSink adapts engine steps into TaskStreamEvents on the bus,
// preserving the engine's per-execution sequence numbers so a task's
// events stay totally ordered.
func (r *Runner) stepSink(taskID string) engine.StepSink {
	if r.bus == nil {
		return nil
	}
	return func(step engine.Step) {
		payload := step.Payload
		if payload == nil && step.Text != "" {
			payload, _ = json.Marshal(map[string]string{"text": step.Text})
		}
		r.bus.Publish(bus.TaskStreamEvent{
			TaskID:   taskID,
			Kind:     bus.EventKind(step.Kind),
			Sequence: step.Sequence,
			Payload:  payload,
		})
	}
}

// startHeartbeat stamps updated_at on the task row every heartbeat
// interval while the execution future runs.
func (r *Runner) startHeartbeat(taskID string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.tasks.Heartbeat(ctx, taskID); err != nil {
					r.logger.Debug("heartbeat failed", "task_id", taskID, "error", err)
				}
				cancel()
			}
		}
	}()
	// The returned stop waits for any in-flight heartbeat write, so the
	// caller's terminal write cannot be clobbered by a stale snapshot.
	return func() {
		close(done)
		<-stopped
	}
}
