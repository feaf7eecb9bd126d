package builtins

import (
	"context"
	"encoding/json"

	"github.com/restflow/restflow/pkg/memory"
	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/tool"
)

// MemoryArgs is the memory tool's parameter surface: one tool, five
// actions. save, list and search are scoped to the calling agent's
// chunks; read and delete act on any chunk id.
type MemoryArgs struct {
	Action  string   `json:"action" jsonschema:"enum=save,enum=read,enum=list,enum=delete,enum=search,description=Memory operation to perform"`
	ChunkID string   `json:"chunk_id,omitempty" jsonschema:"description=Chunk id for read/delete"`
	Content string   `json:"content,omitempty" jsonschema:"description=Content to save"`
	Tags    []string `json:"tags,omitempty" jsonschema:"description=Tags attached on save or filtered on search"`
	Keyword string   `json:"keyword,omitempty" jsonschema:"description=Keyword for search"`
}

// MemoryTool exposes the memory chunk store to the agent.
type MemoryTool struct {
	store *memory.Store
}

// NewMemoryTool builds the memory tool over the shared chunk store.
func NewMemoryTool(store *memory.Store) *MemoryTool {
	return &MemoryTool{store: store}
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Description() string {
	return "Save, read, list, delete, or search long-term memory chunks."
}

func (t *MemoryTool) ParametersSchema() map[string]any { return schemaFor(&MemoryArgs{}) }

func (t *MemoryTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *MemoryTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[MemoryArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode memory arguments", err)
	}
	agentID := tool.InvocationFrom(ctx).AgentID

	switch a.Action {
	case "save":
		if a.Content == "" {
			return errorOutput("content is required for save"), nil
		}
		chunk, err := t.store.Store(ctx, "", agentID, "", a.Content, "agent", a.Tags, len(a.Content)/4)
		if err != nil {
			return tool.Output{}, err
		}
		return okOutput(map[string]any{"chunk_id": chunk.ID}), nil

	case "read":
		chunk, err := t.store.Get(ctx, a.ChunkID)
		if err != nil {
			if rferrors.HasKind(err, rferrors.NotFound) {
				return errorOutput("memory chunk not found: " + a.ChunkID), nil
			}
			return tool.Output{}, err
		}
		return okOutput(chunk), nil

	case "list":
		chunks, err := t.store.Search(ctx, memory.Query{AgentID: agentID})
		if err != nil {
			return tool.Output{}, err
		}
		return okOutput(map[string]any{"chunks": chunks}), nil

	case "delete":
		if err := t.store.Delete(ctx, a.ChunkID); err != nil {
			return tool.Output{}, err
		}
		return okOutput(map[string]any{"deleted": a.ChunkID}), nil

	case "search":
		q := memory.Query{AgentID: agentID, Keyword: a.Keyword}
		if len(a.Tags) > 0 {
			q.Tag = a.Tags[0]
		}
		chunks, err := t.store.Search(ctx, q)
		if err != nil {
			return tool.Output{}, err
		}
		return okOutput(map[string]any{"chunks": chunks}), nil

	default:
		return errorOutput("unknown memory action: " + a.Action), nil
	}
}
