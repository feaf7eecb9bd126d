// Package trigger implements the active_triggers table and the manager
// that turns a webhook, schedule, or manual fire into a Task row for the
// Background Runner to pick up. The persistent trigger stays recurring;
// each fire creates a distinct one-shot task.
//
// Schedule triggers use six-field cron expressions
// (second minute hour day month day-of-week) with an optional IANA
// timezone. Invalid expressions fail activation; NextRun returns zero
// for them.
package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
	"github.com/restflow/restflow/pkg/task"
)

// cronParser accepts the six-field form, seconds first.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Kind discriminates Config.
type Kind string

const (
	KindManual   Kind = "manual"
	KindWebhook  Kind = "webhook"
	KindSchedule Kind = "schedule"
)

// Config is a trigger's discriminated configuration.
type Config struct {
	Kind Kind `json:"kind"`

	// Webhook
	Path   string `json:"path,omitempty"`
	Secret string `json:"secret,omitempty"`

	// Schedule
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ActiveTrigger is one active_triggers row.
type ActiveTrigger struct {
	ID              string    `json:"trigger_id"`
	AgentID         string    `json:"agent_id"`
	Config          Config    `json:"config"`
	Input           string    `json:"input,omitempty"`
	ActivatedAt     time.Time `json:"activated_at"`
	LastTriggeredAt time.Time `json:"last_triggered_at,omitempty"`
	TriggerCount    int64     `json:"trigger_count"`
}

// NextRun computes the next fire time of expr after from in tz,
// returning zero time and false for an invalid expression or timezone.
func NextRun(expr, timezone string, from time.Time) (time.Time, bool) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, false
		}
	}
	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// Manager owns trigger activation state and the fire path into the task
// table.
type Manager struct {
	table *storage.Table[ActiveTrigger]
	tasks *task.Store
}

// Open opens the active_triggers table, indexed by agent_id.
func Open(ctx context.Context, engine *storage.Engine, tasks *task.Store) (*Manager, error) {
	table, err := storage.NewTable[ActiveTrigger](ctx, engine, "active_triggers", "agent_id")
	if err != nil {
		return nil, err
	}
	return &Manager{table: table, tasks: tasks}, nil
}

// Activate validates config and persists a new active trigger. Schedule
// configs with an invalid cron expression or timezone are rejected.
func (m *Manager) Activate(ctx context.Context, agentID, input string, config Config) (*ActiveTrigger, error) {
	if config.Kind == KindSchedule {
		if _, ok := NextRun(config.Cron, config.Timezone, time.Now()); !ok {
			return nil, rferrors.New(rferrors.Protocol, "invalid cron expression: "+config.Cron)
		}
	}
	t := ActiveTrigger{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Config:      config,
		Input:       input,
		ActivatedAt: time.Now(),
	}
	if err := m.put(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Deactivate removes a trigger. Tasks it already created are unaffected.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	found, err := m.table.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return rferrors.New(rferrors.NotFound, "trigger not found: "+id)
	}
	return m.table.Delete(ctx, id)
}

// Get returns a trigger by id.
func (m *Manager) Get(ctx context.Context, id string) (*ActiveTrigger, error) {
	t, found, err := m.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "trigger not found: "+id)
	}
	return &t, nil
}

// List returns every active trigger.
func (m *Manager) List(ctx context.Context) ([]ActiveTrigger, error) {
	return m.table.List(ctx, "")
}

// ListByAgent returns every active trigger for agentID.
func (m *Manager) ListByAgent(ctx context.Context, agentID string) ([]ActiveTrigger, error) {
	return m.table.ListByIndex(ctx, "agent_id", agentID)
}

// Fire creates a one-shot task from the trigger and stamps its fire
// bookkeeping. input overrides the trigger's stored input when
// non-empty (a webhook's request payload).
func (m *Manager) Fire(ctx context.Context, id, input string) (*task.Task, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if input == "" {
		input = t.Input
	}

	created := task.New(t.AgentID, input, task.Once(time.Now()))
	if err := m.tasks.Create(ctx, created); err != nil {
		return nil, err
	}

	t.LastTriggeredAt = time.Now()
	t.TriggerCount++
	if err := m.put(ctx, *t); err != nil {
		return nil, err
	}
	return created, nil
}

// DueSchedules returns every schedule trigger whose next fire after its
// last trigger (or activation) is at or before now. The runner calls
// this each tick to materialize scheduled work.
func (m *Manager) DueSchedules(ctx context.Context, now time.Time) ([]ActiveTrigger, error) {
	all, err := m.table.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var due []ActiveTrigger
	for _, t := range all {
		if t.Config.Kind != KindSchedule {
			continue
		}
		from := t.ActivatedAt
		if !t.LastTriggeredAt.IsZero() {
			from = t.LastTriggeredAt
		}
		next, ok := NextRun(t.Config.Cron, t.Config.Timezone, from)
		if !ok {
			continue
		}
		if !next.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (m *Manager) put(ctx context.Context, t ActiveTrigger) error {
	return m.table.Put(ctx, t.ID, t, storage.IndexValues{"agent_id": t.AgentID})
}
