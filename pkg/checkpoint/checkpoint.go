// Package checkpoint implements the checkpoints table:
// a serialized snapshot of an execution's working memory, counters, and
// model reference, sufficient to resume or audit a task. At most one
// checkpoint per execution_id is kept for recovery; older rows are
// garbage-collected by TTL. The table carries secondary indices by
// execution_id and task_id.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

// DurabilityPolicy controls how aggressively a checkpoint is retained
// and how it interacts with savepoints.
type DurabilityPolicy string

const (
	// DurabilityEphemeral checkpoints are overwritten freely and gc'd
	// aggressively; used for PerTurn/Periodic policy checkpoints.
	DurabilityEphemeral DurabilityPolicy = "ephemeral"
	// DurabilityDurable checkpoints persist until explicitly deleted or
	// their TTL expires; used for OnComplete terminal checkpoints.
	DurabilityDurable DurabilityPolicy = "durable"
)

// Checkpoint is one stored row: (checkpoint_id, execution_id, task_id?,
// durability_policy, serialized_state, created_at, expires_at).
type Checkpoint struct {
	ID               string            `json:"checkpoint_id"`
	ExecutionID      string            `json:"execution_id"`
	TaskID           string            `json:"task_id,omitempty"`
	SavepointID      string            `json:"savepoint_id,omitempty"`
	DurabilityPolicy DurabilityPolicy  `json:"durability_policy"`
	SerializedState  []byte            `json:"serialized_state"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at,omitempty"`
}

// Store is the typed wrapper over the checkpoints table.
type Store struct {
	table *storage.Table[Checkpoint]
}

// Open opens the checkpoints table, indexed by execution_id and
// task_id
func Open(ctx context.Context, engine *storage.Engine) (*Store, error) {
	table, err := storage.NewTable[Checkpoint](ctx, engine, "checkpoints", "execution_id", "task_id")
	if err != nil {
		return nil, err
	}
	return &Store{table: table}, nil
}

// Save persists checkpoint, replacing any existing checkpoint for the
// same execution_id by reusing that prior row's id when one exists, so
// at most one checkpoint per execution is kept for recovery.
func (s *Store) Save(ctx context.Context, executionID, taskID string, policy DurabilityPolicy, state []byte, ttl time.Duration) (*Checkpoint, error) {
	existing, found, err := s.table.GetLatestByIndex(ctx, "execution_id", executionID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if found {
		id = existing.ID
	}

	cp := Checkpoint{
		ID:               id,
		ExecutionID:      executionID,
		TaskID:           taskID,
		DurabilityPolicy: policy,
		SerializedState:  state,
		CreatedAt:        time.Now(),
	}
	if ttl > 0 {
		cp.ExpiresAt = cp.CreatedAt.Add(ttl)
	}

	if err := s.put(ctx, cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// SaveWithSavepoint persists checkpoint the same way as Save but stamps
// a savepoint id onto the row, letting callers correlate a checkpoint
// with a transactional savepoint taken elsewhere.
func (s *Store) SaveWithSavepoint(ctx context.Context, executionID, taskID, savepointID string, policy DurabilityPolicy, state []byte, ttl time.Duration) (*Checkpoint, error) {
	cp, err := s.Save(ctx, executionID, taskID, policy, state, ttl)
	if err != nil {
		return nil, err
	}
	cp.SavepointID = savepointID
	if err := s.put(ctx, *cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *Store) put(ctx context.Context, cp Checkpoint) error {
	return s.table.Put(ctx, cp.ID, cp, storage.IndexValues{
		"execution_id": cp.ExecutionID,
		"task_id":      cp.TaskID,
	})
}

// Load returns the checkpoint by its own id.
func (s *Store) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	cp, found, err := s.table.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "checkpoint not found: "+checkpointID)
	}
	return &cp, nil
}

// LoadByExecutionID returns the single checkpoint kept for an
// execution, if any.
func (s *Store) LoadByExecutionID(ctx context.Context, executionID string) (*Checkpoint, error) {
	cp, found, err := s.table.GetLatestByIndex(ctx, "execution_id", executionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "no checkpoint for execution "+executionID)
	}
	return &cp, nil
}

// LoadByTaskID returns the most recent checkpoint recorded for a task,
// used when a task is resumed after a runner restart and only the task
// id, not the execution id, is known.
func (s *Store) LoadByTaskID(ctx context.Context, taskID string) (*Checkpoint, error) {
	cp, found, err := s.table.GetLatestByIndex(ctx, "task_id", taskID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "no checkpoint for task "+taskID)
	}
	return &cp, nil
}

// Delete removes a checkpoint by id.
func (s *Store) Delete(ctx context.Context, checkpointID string) error {
	return s.table.Delete(ctx, checkpointID)
}

// DeleteSavepoint clears the savepoint id from a checkpoint without
// deleting the checkpoint itself, used once a savepoint has been
// consumed or superseded.
func (s *Store) DeleteSavepoint(ctx context.Context, checkpointID string) error {
	cp, err := s.Load(ctx, checkpointID)
	if err != nil {
		return err
	}
	cp.SavepointID = ""
	return s.put(ctx, *cp)
}

// CleanupExpired deletes every checkpoint whose expires_at is before
// now and returns the count removed.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	all, err := s.table.List(ctx, "")
	if err != nil {
		return 0, err
	}
	var n int
	for _, cp := range all {
		if cp.ExpiresAt.IsZero() || cp.ExpiresAt.After(now) {
			continue
		}
		if err := s.table.Delete(ctx, cp.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Cleaner adapts the table's retention sweep for storage.Cleanup.
func (s *Store) Cleaner() storage.Cleaner { return s.table.CleanupDays() }
