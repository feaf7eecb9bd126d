// Package task implements the background_tasks table:
// the unit of work the Background Runner drives toward a terminal
// state. A Task carries its own schedule (once, interval, cron, or
// manual) and status FSM; sub-agent spawns are ordinary tasks with
// parent_task_id set. Human sign-off lives in pkg/security's
// PendingApproval, not on the task itself.
package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

// Status is a task's position in the FSM
// pending → running → {completed, failed, cancelled}, with
// running → paused → running permitted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted
// except by an operator re-submitting a new task.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ScheduleKind discriminates Task.Schedule.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleManual   ScheduleKind = "manual"
)

// Schedule is a Task's discriminated schedule type.
type Schedule struct {
	Kind         ScheduleKind `json:"kind"`
	RunAt        time.Time    `json:"run_at,omitempty"`       // Once
	PeriodSecs   int64        `json:"period_secs,omitempty"`  // Interval
	CronExpr     string       `json:"cron_expr,omitempty"`    // Cron
	CronTimezone string       `json:"cron_timezone,omitempty"`// Cron
}

// Once returns a one-shot schedule firing at runAt.
func Once(runAt time.Time) Schedule { return Schedule{Kind: ScheduleOnce, RunAt: runAt} }

// Interval returns a recurring schedule firing every period.
func Interval(period time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, PeriodSecs: int64(period.Seconds())}
}

// Cron returns a schedule driven by a 6-field cron expression.
func Cron(expr, timezone string) Schedule {
	return Schedule{Kind: ScheduleCron, CronExpr: expr, CronTimezone: timezone}
}

// ManualSchedule returns a schedule that never fires on its own.
func ManualSchedule() Schedule { return Schedule{Kind: ScheduleManual} }

// NotificationConfig describes where terminal-transition notifications
// go.
type NotificationConfig struct {
	ChannelType    string `json:"channel_type,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// MemoryConfig carries the agent_id/session_id a task's execution
// should read/write memory chunks and chat sessions under.
type MemoryConfig struct {
	AgentID   string `json:"agent_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Task is the background_tasks row.
type Task struct {
	ID          string   `json:"task_id"`
	ExecutionID string   `json:"execution_id"`
	AgentID     string   `json:"agent_id"`
	Input       string   `json:"input"`
	Schedule    Schedule `json:"schedule"`
	Status      Status   `json:"status"`

	NextRunAt   time.Time `json:"next_run_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	HeartbeatAt time.Time `json:"heartbeat_at,omitempty"`

	FailureCount int     `json:"failure_count"`
	LastError    string  `json:"last_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	ParentTaskID string `json:"parent_task_id,omitempty"`

	Notification NotificationConfig `json:"notification,omitempty"`
	Memory       MemoryConfig       `json:"memory,omitempty"`
	RetentionTTL time.Duration      `json:"retention_ttl,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New constructs a pending task ready for the runner to pick up.
func New(agentID, input string, schedule Schedule) *Task {
	now := time.Now()
	t := &Task{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Input:     input,
		Schedule:  schedule,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if schedule.Kind == ScheduleOnce {
		t.NextRunAt = schedule.RunAt
	} else if schedule.Kind != ScheduleManual {
		t.NextRunAt = now
	}
	return t
}

// Store is the typed wrapper over the background_tasks table.
type Store struct {
	table *storage.Table[Task]
}

// Open opens the background_tasks table, indexed by status and
// parent_task_id so the runner's poll query and the sub-agent tracker's
// child lookup are both index-backed.
func Open(ctx context.Context, engine *storage.Engine) (*Store, error) {
	table, err := storage.NewTable[Task](ctx, engine, "background_tasks", "status", "parent_task_id")
	if err != nil {
		return nil, err
	}
	return &Store{table: table}, nil
}

func (s *Store) put(ctx context.Context, t Task) error {
	return s.table.Put(ctx, t.ID, t, storage.IndexValues{
		"status":         string(t.Status),
		"parent_task_id": t.ParentTaskID,
	})
}

// Create persists a new task.
func (s *Store) Create(ctx context.Context, t *Task) error {
	return s.put(ctx, *t)
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	t, found, err := s.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "task not found: "+id)
	}
	return &t, nil
}

// Update persists changes to an existing task.
func (s *Store) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now()
	return s.put(ctx, *t)
}

// TryAcquire attempts the atomic pending→running compare-and-set:
// it re-reads the row, and only writes running if the
// row is still pending, so two racing runner ticks cannot both win.
// Callers serialize TryAcquire calls through the storage engine's
// single-writer transaction, which pkg/storage.Engine already enforces.
func (s *Store) TryAcquire(ctx context.Context, id string) (*Task, bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if t.Status != StatusPending {
		return nil, false, nil
	}
	t.Status = StatusRunning
	t.StartedAt = time.Now()
	t.HeartbeatAt = t.StartedAt
	if err := s.Update(ctx, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Heartbeat stamps heartbeat_at on a running task so a stale heartbeat
// can reveal an orphaned task after a process restart.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.HeartbeatAt = time.Now()
	return s.Update(ctx, t)
}

// Cancel transitions a non-terminal task to cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return rferrors.New(rferrors.Conflict, "task already terminal: "+id)
	}
	t.Status = StatusCancelled
	t.CompletedAt = time.Now()
	return s.Update(ctx, t)
}

// ListByStatus returns tasks matching status.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Task, error) {
	return s.table.ListByIndex(ctx, "status", string(status))
}

// ListChildren returns every task with parentTaskID as its parent,
// used by the sub-agent tracker's join.
func (s *Store) ListChildren(ctx context.Context, parentTaskID string) ([]Task, error) {
	return s.table.ListByIndex(ctx, "parent_task_id", parentTaskID)
}

// RecoverOrphans resets any running task whose heartbeat is older than
// staleAfter back to pending, orphan-recovery rule run at
// startup.
func (s *Store) RecoverOrphans(ctx context.Context, staleAfter time.Duration) (int, error) {
	running, err := s.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-staleAfter)
	var n int
	for _, t := range running {
		if t.HeartbeatAt.IsZero() || t.HeartbeatAt.Before(cutoff) {
			t.Status = StatusPending
			if err := s.Update(ctx, &t); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Cleaner adapts the table's retention sweep for storage.Cleanup.
func (s *Store) Cleaner() storage.Cleaner { return s.table.CleanupDays() }
