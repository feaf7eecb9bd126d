// Package subagent implements the Sub-agent Tracker & Spawner:
// spawning child tasks from a running parent, tracking their
// lifecycle, joining their results, and cancelling them transitively
// when the parent is cancelled.
package subagent

import (
	"context"
	"sync"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/task"
)

// State is the tracker's view of one spawned child.
type State struct {
	TaskID          string     `json:"task_id"`
	ParentTaskID    string     `json:"parent_task_id"`
	AgentID         string     `json:"agent_id"`
	TaskDescription string     `json:"task_description"`
	Status          task.Status `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Tracker indexes child state by parent task id. All joins consult the
// tracker; children never hold back-pointers beyond the parent id.
type Tracker struct {
	mu       sync.RWMutex
	byParent map[string]map[string]*State
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{byParent: make(map[string]map[string]*State)}
}

// Track inserts a child entry under its parent.
func (t *Tracker) Track(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	children, ok := t.byParent[state.ParentTaskID]
	if !ok {
		children = make(map[string]*State)
		t.byParent[state.ParentTaskID] = children
	}
	s := state
	children[state.TaskID] = &s
}

// Observe updates a tracked child on a lifecycle transition. Terminal
// transitions carry the result (or error) payload. Unknown task ids are
// ignored: the tracker only follows children it was told about.
func (t *Tracker) Observe(parentTaskID, taskID string, status task.Status, result, errDetail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	children, ok := t.byParent[parentTaskID]
	if !ok {
		return
	}
	s, ok := children[taskID]
	if !ok {
		return
	}
	if s.Status.IsTerminal() {
		// Terminal states are monotonic.
		return
	}
	s.Status = status
	if status.IsTerminal() {
		s.CompletedAt = time.Now()
		s.Result = result
		s.Error = errDetail
	}
}

// Get returns the state of one tracked child.
func (t *Tracker) Get(parentTaskID, taskID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	children, ok := t.byParent[parentTaskID]
	if !ok {
		return State{}, false
	}
	s, ok := children[taskID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// List returns every tracked child of a parent.
func (t *Tracker) List(parentTaskID string) []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []State
	for _, s := range t.byParent[parentTaskID] {
		out = append(out, *s)
	}
	return out
}

// Reap removes a terminal child entry once the parent has consumed its
// result. Non-terminal entries are kept.
func (t *Tracker) Reap(parentTaskID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	children, ok := t.byParent[parentTaskID]
	if !ok {
		return
	}
	if s, ok := children[taskID]; ok && s.Status.IsTerminal() {
		delete(children, taskID)
		if len(children) == 0 {
			delete(t.byParent, parentTaskID)
		}
	}
}

// Kicker wakes the Background Runner so a freshly spawned child does not
// wait for the next poll tick. The runner implements it.
type Kicker interface {
	Kick()
}

// Stopper cancels a running task; the runner implements it. Used for
// transitive cancellation of outstanding children.
type Stopper interface {
	Stop(ctx context.Context, taskID string) error
}

// Spawner creates child tasks and joins their results.
type Spawner struct {
	tasks    *task.Store
	tracker  *Tracker
	kicker   Kicker
	stopper  Stopper
	maxDepth int

	// pollInterval is how often Wait re-reads child status. Tests
	// shorten it.
	pollInterval time.Duration
}

// DefaultMaxDepth bounds the spawn tree when the caller configures none.
const DefaultMaxDepth = 3

// NewSpawner builds a Spawner. kicker and stopper may be nil (no kick
// signal, no transitive cancel).
func NewSpawner(tasks *task.Store, tracker *Tracker, kicker Kicker, stopper Stopper, maxDepth int) *Spawner {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Spawner{
		tasks:        tasks,
		tracker:      tracker,
		kicker:       kicker,
		stopper:      stopper,
		maxDepth:     maxDepth,
		pollInterval: 250 * time.Millisecond,
	}
}

// Tracker exposes the spawner's tracker for callers that surface child
// state (status displays, the runner's observer hook).
func (s *Spawner) Tracker() *Tracker { return s.tracker }

// Depth computes a task's position in the spawn tree by walking
// parent_task_id references; the root is 0.
func (s *Spawner) Depth(ctx context.Context, taskID string) (int, error) {
	depth := 0
	id := taskID
	for id != "" && depth <= s.maxDepth {
		t, err := s.tasks.Get(ctx, id)
		if err != nil {
			return depth, err
		}
		if t.ParentTaskID == "" {
			break
		}
		depth++
		id = t.ParentTaskID
	}
	return depth, nil
}

// Spawn creates a child task with parent_task_id set, schedule
// Once(now), status pending, and registers it with the tracker. Spawns
// beyond the depth limit fail here, before any child runs.
func (s *Spawner) Spawn(ctx context.Context, parentTaskID, agentID, description string) (string, error) {
	if parentTaskID != "" {
		depth, err := s.Depth(ctx, parentTaskID)
		if err != nil {
			return "", err
		}
		if depth+1 > s.maxDepth {
			return "", rferrors.New(rferrors.Resource, "spawn depth limit exceeded").
				WithDetails(map[string]any{"max_depth": s.maxDepth})
		}
	}

	child := task.New(agentID, description, task.Once(time.Now()))
	child.ParentTaskID = parentTaskID
	if err := s.tasks.Create(ctx, child); err != nil {
		return "", err
	}

	s.tracker.Track(State{
		TaskID:          child.ID,
		ParentTaskID:    parentTaskID,
		AgentID:         agentID,
		TaskDescription: description,
		Status:          task.StatusPending,
		StartedAt:       time.Now(),
	})

	if s.kicker != nil {
		s.kicker.Kick()
	}
	return child.ID, nil
}

// JoinResult is one entry of Wait's answer, in input order.
type JoinResult struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Result string      `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Wait suspends until every listed child is terminal or timeout
// elapses; zero timeout waits indefinitely (bounded by ctx). Results
// come back in input order. When ctx is cancelled, outstanding children
// are cancelled transitively.
func (s *Spawner) Wait(ctx context.Context, parentTaskID string, taskIDs []string, timeout time.Duration) ([]JoinResult, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		results, done := s.collect(ctx, parentTaskID, taskIDs)
		if done {
			for _, r := range results {
				s.tracker.Reap(parentTaskID, r.TaskID)
			}
			return results, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return results, nil
		}

		select {
		case <-ctx.Done():
			s.cancelOutstanding(parentTaskID, taskIDs)
			return results, rferrors.Wrap(rferrors.Resource, "join cancelled", rferrors.ErrCancelled)
		case <-ticker.C:
		}
	}
}

// collect snapshots each child's current state, consulting the tracker
// first and the task table for children the tracker no longer holds.
func (s *Spawner) collect(ctx context.Context, parentTaskID string, taskIDs []string) ([]JoinResult, bool) {
	results := make([]JoinResult, 0, len(taskIDs))
	done := true
	for _, id := range taskIDs {
		if st, ok := s.tracker.Get(parentTaskID, id); ok {
			results = append(results, JoinResult{TaskID: id, Status: st.Status, Result: st.Result, Error: st.Error})
			if !st.Status.IsTerminal() {
				done = false
			}
			continue
		}
		t, err := s.tasks.Get(ctx, id)
		if err != nil {
			results = append(results, JoinResult{TaskID: id, Status: task.StatusFailed, Error: err.Error()})
			continue
		}
		results = append(results, JoinResult{TaskID: id, Status: t.Status, Result: t.Result, Error: t.LastError})
		if !t.Status.IsTerminal() {
			done = false
		}
	}
	return results, done
}

// cancelOutstanding cancels every listed child that is not yet
// terminal, and their own children recursively.
func (s *Spawner) cancelOutstanding(parentTaskID string, taskIDs []string) {
	// The parent's ctx is gone; use a short-lived background context so
	// the cancellations themselves still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range taskIDs {
		if st, ok := s.tracker.Get(parentTaskID, id); ok && st.Status.IsTerminal() {
			continue
		}
		s.CancelTree(ctx, id)
	}
}

// CancelTree cancels a task and, recursively, every descendant.
func (s *Spawner) CancelTree(ctx context.Context, taskID string) {
	if s.stopper != nil {
		_ = s.stopper.Stop(ctx, taskID)
	}
	_ = s.tasks.Cancel(ctx, taskID)
	children, err := s.tasks.ListChildren(ctx, taskID)
	if err != nil {
		return
	}
	for _, child := range children {
		if !child.Status.IsTerminal() {
			s.CancelTree(ctx, child.ID)
		}
	}
}
