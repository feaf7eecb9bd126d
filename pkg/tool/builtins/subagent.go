package builtins

import (
	"context"
	"encoding/json"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/subagent"
	"github.com/restflow/restflow/pkg/tool"
)

// SpawnArgs is the spawn_agent parameter surface.
type SpawnArgs struct {
	AgentID     string `json:"agent_id" jsonschema:"description=Agent definition to run the sub-task"`
	Task        string `json:"task" jsonschema:"description=Task description handed to the sub-agent"`
	TimeoutSecs int    `json:"timeout_secs,omitempty" jsonschema:"description=Unused at spawn; bound the wait instead"`
}

// SpawnTool creates a child task tracked under the calling task.
type SpawnTool struct {
	spawner *subagent.Spawner
}

// NewSpawnTool builds spawn_agent over the shared spawner.
func NewSpawnTool(spawner *subagent.Spawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return "spawn_agent" }

func (t *SpawnTool) Description() string {
	return "Spawn a sub-agent to work on a task in the background; returns its task_id."
}

func (t *SpawnTool) ParametersSchema() map[string]any { return schemaFor(&SpawnArgs{}) }

func (t *SpawnTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *SpawnTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[SpawnArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode spawn_agent arguments", err)
	}
	inv := tool.InvocationFrom(ctx)
	taskID, err := t.spawner.Spawn(ctx, inv.TaskID, a.AgentID, a.Task)
	if err != nil {
		return tool.Output{}, err
	}
	return okOutput(map[string]any{"task_id": taskID}), nil
}

// WaitArgs is the wait_agents parameter surface.
type WaitArgs struct {
	TaskIDs     []string `json:"task_ids" jsonschema:"description=Sub-agent task ids to wait for"`
	TimeoutSecs int      `json:"timeout_secs,omitempty" jsonschema:"description=Give up waiting after this many seconds"`
}

// WaitTool joins spawned children, returning per-id status and result
// in input order.
type WaitTool struct {
	spawner *subagent.Spawner
}

// NewWaitTool builds wait_agents over the shared spawner.
func NewWaitTool(spawner *subagent.Spawner) *WaitTool {
	return &WaitTool{spawner: spawner}
}

func (t *WaitTool) Name() string { return "wait_agents" }

func (t *WaitTool) Description() string {
	return "Wait until the listed sub-agents finish and return their results."
}

func (t *WaitTool) ParametersSchema() map[string]any { return schemaFor(&WaitArgs{}) }

// SupportsParallel: a join suspends its iteration; running two joins
// for the same parent concurrently is pointless and risks double-reap,
// so wait serializes.
func (t *WaitTool) SupportsParallel(json.RawMessage) bool { return false }

func (t *WaitTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[WaitArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode wait_agents arguments", err)
	}
	if len(a.TaskIDs) == 0 {
		return errorOutput("task_ids is empty"), nil
	}
	inv := tool.InvocationFrom(ctx)
	timeout := time.Duration(a.TimeoutSecs) * time.Second

	results, err := t.spawner.Wait(ctx, inv.TaskID, a.TaskIDs, timeout)
	if err != nil {
		return tool.Output{}, err
	}
	return okOutput(map[string]any{"results": results}), nil
}
