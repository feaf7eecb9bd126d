package engine

import (
	"encoding/json"
	"time"

	"github.com/restflow/restflow/pkg/llms"
	"github.com/restflow/restflow/pkg/rferrors"
)

// CheckpointPolicyKind discriminates CheckpointPolicy.
type CheckpointPolicyKind string

const (
	// CheckpointPerTurn writes a checkpoint at every iteration boundary.
	CheckpointPerTurn CheckpointPolicyKind = "per_turn"
	// CheckpointPeriodic writes a checkpoint every N iterations.
	CheckpointPeriodic CheckpointPolicyKind = "periodic"
	// CheckpointOnComplete writes only the terminal checkpoint.
	CheckpointOnComplete CheckpointPolicyKind = "on_complete"
)

// CheckpointPolicy controls when the engine serializes state during a
// run. Terminal checkpoints are written regardless of policy on success
// or fatal failure.
type CheckpointPolicy struct {
	Kind   CheckpointPolicyKind `json:"kind"`
	Every  int                  `json:"every,omitempty"` // Periodic
}

// ResourceLimits bounds a run. Zero
// values disable the corresponding limit.
type ResourceLimits struct {
	MaxToolCalls int           `json:"max_tool_calls,omitempty"`
	MaxWallClock time.Duration `json:"max_wall_clock,omitempty"`
	MaxDepth     int           `json:"max_depth,omitempty"`
}

// ResourceUsage is the accounting snapshot carried on AgentResult.
type ResourceUsage struct {
	ToolCalls int           `json:"tool_calls"`
	WallClock time.Duration `json:"wall_clock"`
	Depth     int           `json:"depth"`
}

// Config is the immutable per-run input the engine snapshots at task
// start.
type Config struct {
	ID           string
	Model        string
	Temperature  float64
	SystemPrompt string

	Skills    []string
	SkillVars map[string]string

	// Tools is the allow-list of tool names this agent may call; empty
	// means every registered tool.
	Tools []string

	MaxIterations    int
	MemoryWindow     int
	CheckpointPolicy CheckpointPolicy
	ResourceLimits   ResourceLimits

	// StuckThreshold is the consecutive identical tool-call count that
	// trips stuck detection; 0 uses DefaultStuckThreshold.
	StuckThreshold int

	// Stream selects the streaming completion path, emitting TextDelta
	// and ThinkingDelta steps as chunks arrive.
	Stream bool

	// Depth is this run's position in the sub-agent spawn tree; the
	// root is 0.
	Depth int
}

// DefaultMaxIterations bounds a run that never configures its own.
const DefaultMaxIterations = 25

// DefaultMemoryWindow is the working-memory message bound used when the
// config leaves it zero.
const DefaultMemoryWindow = 50

// DefaultStuckThreshold is the consecutive identical tool-call count
// that trips stuck detection.
const DefaultStuckThreshold = 3

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxIterations <= 0 {
		out.MaxIterations = DefaultMaxIterations
	}
	if out.MemoryWindow <= 0 {
		out.MemoryWindow = DefaultMemoryWindow
	}
	if out.StuckThreshold <= 0 {
		out.StuckThreshold = DefaultStuckThreshold
	}
	if out.CheckpointPolicy.Kind == "" {
		out.CheckpointPolicy.Kind = CheckpointOnComplete
	}
	return out
}

// Result is what a run returns. ErrorKind carries
// the taxonomy kind of a failure so the runner can distinguish
// retryable transport failures from terminal resource exhaustion
// without parsing Error.
type Result struct {
	Success     bool          `json:"success"`
	FinalAnswer string        `json:"final_answer,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   rferrors.Kind `json:"error_kind,omitempty"`
	Cancelled   bool          `json:"cancelled,omitempty"`
	Iterations  int           `json:"iterations"`
	TotalTokens int           `json:"total_tokens"`
	CostUSD     float64       `json:"cost_usd,omitempty"`
	State       StateSnapshot `json:"state_snapshot"`
	Usage       ResourceUsage `json:"resource_usage"`
}

// StateSnapshot is the serialized execution state a checkpoint holds:
// working memory plus counters plus the model reference.
type StateSnapshot struct {
	ExecutionID string         `json:"execution_id"`
	Model       string         `json:"model"`
	Messages    []llms.Message `json:"messages"`
	Iteration   int            `json:"iteration"`
	TotalTokens int            `json:"total_tokens"`
}

// Marshal serializes the snapshot for checkpoint storage.
func (s StateSnapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot restores a snapshot from checkpoint bytes.
func UnmarshalSnapshot(raw []byte) (StateSnapshot, error) {
	var s StateSnapshot
	err := json.Unmarshal(raw, &s)
	return s, err
}
