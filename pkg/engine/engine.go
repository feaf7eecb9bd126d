// Package engine implements the Agent Execution Engine: the
// ReAct loop that alternates LLM completions with tool calls until the
// agent produces a final answer or exhausts a budget, emitting step
// events, checkpointing per policy, and honoring steer messages and
// cancellation at every suspension point.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/llms"
	"github.com/restflow/restflow/pkg/ratelimit"
	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/tool"
)

// CheckpointFunc persists one serialized state snapshot. terminal marks
// the final checkpoint written on success or fatal failure; per-policy
// intermediate checkpoints pass false. A nil CheckpointFunc disables
// checkpointing entirely.
type CheckpointFunc func(ctx context.Context, snapshot StateSnapshot, terminal bool) error

// RunOptions carries the per-dispatch inputs that are not part of the
// agent's immutable Config.
type RunOptions struct {
	TaskID      string
	ExecutionID string
	Input       string

	// Steer delivers live course-correction messages; drained
	// non-blocking before each iteration.
	Steer <-chan string

	// Steps receives every step event. May be nil.
	Steps StepSink

	// WorkspaceContext and AgentContext fill the corresponding
	// system-prompt sections when present.
	WorkspaceContext string
	AgentContext     string
}

// Engine drives ReAct runs. It is safe for concurrent use; all per-run
// state lives on the stack of Run.
type Engine struct {
	client     llms.CompletionClient
	tools      *tool.Registry
	skills     SkillRenderer
	checkpoint CheckpointFunc
	budget     *ratelimit.Budget
	logger     *slog.Logger
}

// Option configures an Engine beyond its required collaborators.
type Option func(*Engine)

// WithBudget installs a token/request budget consulted before each
// LLM call and fed with actual usage after, scoped per agent.
func WithBudget(b *ratelimit.Budget) Option {
	return func(e *Engine) { e.budget = b }
}

// New builds an Engine. skills and checkpoint may be nil.
func New(client llms.CompletionClient, tools *tool.Registry, skills SkillRenderer, checkpoint CheckpointFunc, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		client:     client,
		tools:      tools,
		skills:     skills,
		checkpoint: checkpoint,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the per-execution state bundle threaded through the loop.
type run struct {
	cfg     Config
	opts    RunOptions
	emitter *stepEmitter
	memory  *workingMemory
	defs    []tool.Definition

	iteration   int
	totalTokens int
	toolCalls   int
	startedAt   time.Time

	// stuck detection
	stuckKey        string
	stuckResultHash string
	stuckCount      int

	// one warning per limit
	warned map[string]bool
}

// Run executes one ReAct run to a terminal state. The returned Result is
// non-nil whenever err is nil; budget exhaustion, policy blocks, and
// stuck detection are reported through Result.Error with the matching
// step events, not through err, which is reserved for malfunctions of
// the engine's own collaborators.
func (e *Engine) Run(ctx context.Context, cfg Config, opts RunOptions) (*Result, error) {
	cfg = cfg.withDefaults()
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.NewString()
	}

	r := &run{
		cfg:       cfg,
		opts:      opts,
		emitter:   &stepEmitter{sink: opts.Steps},
		memory:    newWorkingMemory(cfg.MemoryWindow),
		startedAt: time.Now(),
		warned:    make(map[string]bool),
	}

	allowed := tool.AllowAll()
	if len(cfg.Tools) > 0 {
		allowed = tool.StringPredicate(cfg.Tools)
	}
	if e.tools != nil {
		r.defs = e.tools.Schemas(allowed)
	}

	system := composeSystemPrompt(ctx, cfg, e.skills, promptInputs{
		tools:            r.defs,
		workspaceContext: opts.WorkspaceContext,
		agentContext:     opts.AgentContext,
	})
	r.memory.setSystem(system)
	r.memory.append(llms.Message{Role: llms.RoleUser, Content: opts.Input})

	r.emitter.emit(Step{Kind: StepStarted})
	e.logger.Info("agent run started",
		"agent_id", cfg.ID, "task_id", opts.TaskID, "execution_id", opts.ExecutionID)

	if cfg.ResourceLimits.MaxDepth > 0 && cfg.Depth >= cfg.ResourceLimits.MaxDepth {
		return e.fail(ctx, r, rferrors.Resource,
			fmt.Sprintf("MaxDepth(%d)", cfg.ResourceLimits.MaxDepth)), nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, r, rferrors.Resource, "cancelled"), nil
		}

		e.drainSteer(r)

		r.iteration++
		r.emitter.emit(Step{Kind: StepIterationBegin, Iteration: r.iteration})

		msg, finishReason, err := e.complete(ctx, r)
		if err != nil {
			if rferrors.IsCancelled(err) || ctx.Err() != nil {
				return e.fail(ctx, r, rferrors.Resource, "cancelled"), nil
			}
			return e.fail(ctx, r, rferrors.KindOf(err), "llm call failed: "+err.Error()), nil
		}

		action := parseAction(msg, finishReason)
		switch action.kind {
		case actionFinalAnswer:
			r.memory.append(msg)
			return e.finish(ctx, r, action.answer)

		case actionToolCalls:
			r.memory.append(msg)
			if result := e.runToolCalls(ctx, r, action.toolCalls); result != nil {
				return result, nil
			}

		case actionContinue:
			if msg.Content != "" {
				r.memory.append(msg)
			}
		}

		if result := e.checkBudgets(ctx, r); result != nil {
			return result, nil
		}

		if err := e.maybeCheckpoint(ctx, r, false); err != nil {
			e.logger.Warn("checkpoint write failed",
				"execution_id", r.opts.ExecutionID, "error", err)
		}
	}
}

// drainSteer appends any queued steer messages as user messages without
// blocking.
func (e *Engine) drainSteer(r *run) {
	if r.opts.Steer == nil {
		return
	}
	for {
		select {
		case msg, ok := <-r.opts.Steer:
			if !ok {
				return
			}
			r.memory.append(llms.Message{Role: llms.RoleUser, Content: msg})
		default:
			return
		}
	}
}

// complete performs one LLM call, streaming when configured, with the
// transient-failure retry policy.
func (e *Engine) complete(ctx context.Context, r *run) (llms.Message, string, error) {
	if e.client == nil {
		return llms.Message{}, "", rferrors.New(rferrors.Internal, "no completion client configured")
	}

	if e.budget != nil {
		decision, err := e.budget.Check(ctx, ratelimit.ScopeAgent, r.cfg.ID)
		if err != nil {
			return llms.Message{}, "", rferrors.Wrap(rferrors.Internal, "budget check failed", err)
		}
		if !decision.Allowed {
			return llms.Message{}, "", rferrors.New(rferrors.Policy, "llm budget exceeded: "+decision.Reason).
				WithDetails(map[string]any{"retry_after": decision.RetryAfter.String()})
		}
	}

	req := llms.CompletionRequest{
		Model:       r.cfg.Model,
		Messages:    r.memory.snapshot(),
		Temperature: r.cfg.Temperature,
	}
	for _, def := range r.defs {
		req.Tools = append(req.Tools, llms.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}

	if r.cfg.Stream {
		return e.streamCompletion(ctx, r, req)
	}

	resp, err := llms.WithCompletionRetry(ctx, llms.DefaultRetryPolicy, func(ctx context.Context) (llms.CompletionResponse, error) {
		return e.client.Complete(ctx, req)
	})
	if err != nil {
		return llms.Message{}, "", err
	}
	tokens := resp.PromptTokens + resp.OutputTokens
	r.totalTokens += tokens
	e.recordUsage(ctx, r, tokens)
	return resp.Message, resp.FinishReason, nil
}

// recordUsage feeds actual token counts into the agent's budget.
func (e *Engine) recordUsage(ctx context.Context, r *run, tokens int) {
	if e.budget == nil {
		return
	}
	if err := e.budget.Record(ctx, ratelimit.ScopeAgent, r.cfg.ID, int64(tokens), 1); err != nil {
		e.logger.Debug("usage recording failed", "agent_id", r.cfg.ID, "error", err)
	}
}

// streamCompletion consumes a streaming completion, emitting TextDelta
// and ThinkingDelta steps as chunks arrive and accumulating the final
// assistant message.
func (e *Engine) streamCompletion(ctx context.Context, r *run, req llms.CompletionRequest) (llms.Message, string, error) {
	chunks, err := e.client.Stream(ctx, req)
	if err != nil {
		return llms.Message{}, "", err
	}

	msg := llms.Message{Role: llms.RoleAssistant}
	streamed := 0
	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			msg.Content += chunk.Text
			r.emitter.emit(Step{Kind: StepTextDelta, Iteration: r.iteration, Text: chunk.Text})
		case "thinking":
			r.emitter.emit(Step{Kind: StepThinkingDelta, Iteration: r.iteration, Text: chunk.Text})
		case "tool_call":
			if chunk.ToolCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, *chunk.ToolCall)
			}
		case "error":
			return llms.Message{}, "", chunk.Error
		}
		r.totalTokens += chunk.Tokens
		streamed += chunk.Tokens

		if err := ctx.Err(); err != nil {
			return llms.Message{}, "", rferrors.Wrap(rferrors.Resource, "stream cancelled", rferrors.ErrCancelled)
		}
	}
	e.recordUsage(ctx, r, streamed)
	return msg, "", nil
}

// runToolCalls dispatches each requested call through the registry,
// appending an observation per call. A non-nil return is a terminal
// Result (stuck detection, budget exhaustion, or a Resource/Internal
// tool error).
func (e *Engine) runToolCalls(ctx context.Context, r *run, calls []llms.ToolCall) *Result {
	for _, call := range calls {
		args := rawArguments(call)

		if result := e.checkStuck(ctx, r, call.Name, args); result != nil {
			return result
		}

		r.emitter.emitToolStart(r.iteration, call.ID, call.Name, args)

		out, err := e.dispatch(ctx, r, call, args)
		r.toolCalls++

		if err != nil {
			kind := rferrors.KindOf(err)
			if kind == rferrors.Resource || kind == rferrors.Internal {
				r.emitter.emitToolResult(r.iteration, call.ID, call.Name, err.Error(), false)
				return e.fail(ctx, r, kind, "tool "+call.Name+" failed: "+err.Error())
			}
			// Everything else becomes an observation the LLM can react to.
			out = tool.Output{Success: false, Error: err.Error()}
		}

		e.recordStuck(r, call.Name, args, out)

		observation, marshalErr := json.Marshal(out)
		if marshalErr != nil {
			observation = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, marshalErr.Error()))
		}
		r.memory.append(llms.Message{
			Role:       llms.RoleTool,
			Content:    string(observation),
			ToolCallID: call.ID,
			Name:       call.Name,
		})
		r.emitter.emitToolResult(r.iteration, call.ID, call.Name, out.Result, out.Success)

		if result := e.checkToolBudget(ctx, r); result != nil {
			return result
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, r *run, call llms.ToolCall, args json.RawMessage) (tool.Output, error) {
	if e.tools == nil {
		return tool.Output{}, rferrors.New(rferrors.NotFound, "no tool registry configured")
	}
	return e.tools.ExecuteSafe(ctx, tool.Call{ID: call.ID, Name: call.Name, Arguments: args},
		r.cfg.ID, r.opts.TaskID)
}

// checkStuck fires before dispatch: when the same (tool, arguments)
// pair has already produced identical results StuckThreshold times in a
// row, the next identical invocation trips StuckDetected instead of
// running.
func (e *Engine) checkStuck(ctx context.Context, r *run, name string, args json.RawMessage) *Result {
	key := name + ":" + hashBytes(args)
	if key == r.stuckKey && r.stuckCount >= r.cfg.StuckThreshold {
		payload, _ := json.Marshal(StuckPayload{Tool: name, RepeatCount: r.stuckCount})
		r.emitter.emit(Step{Kind: StepStuckDetected, Iteration: r.iteration, Payload: payload})
		return e.fail(ctx, r, rferrors.Resource,
			fmt.Sprintf("stuck: tool %s repeated %d times with identical results", name, r.stuckCount))
	}
	return nil
}

// recordStuck updates the consecutive-identical-call counter after a
// dispatch completes.
func (e *Engine) recordStuck(r *run, name string, args json.RawMessage, out tool.Output) {
	key := name + ":" + hashBytes(args)
	resultRaw, _ := json.Marshal(out)
	resultHash := hashBytes(resultRaw)

	if key == r.stuckKey && resultHash == r.stuckResultHash {
		r.stuckCount++
		return
	}
	r.stuckKey = key
	r.stuckResultHash = resultHash
	r.stuckCount = 1
}

// checkToolBudget enforces MaxToolCalls with a warning at 80%.
func (e *Engine) checkToolBudget(ctx context.Context, r *run) *Result {
	limit := r.cfg.ResourceLimits.MaxToolCalls
	if limit <= 0 {
		return nil
	}
	if r.toolCalls >= limit {
		return e.fail(ctx, r, rferrors.Resource, fmt.Sprintf("MaxToolCalls(%d)", limit))
	}
	e.warnAt(r, "tool_calls", float64(r.toolCalls), float64(limit))
	return nil
}

// checkBudgets enforces the per-iteration budgets: wall clock and the
// iteration count itself.
func (e *Engine) checkBudgets(ctx context.Context, r *run) *Result {
	if max := r.cfg.ResourceLimits.MaxWallClock; max > 0 {
		elapsed := time.Since(r.startedAt)
		if elapsed >= max {
			return e.fail(ctx, r, rferrors.Resource, fmt.Sprintf("MaxWallClock(%s)", max))
		}
		e.warnAt(r, "wall_clock", elapsed.Seconds(), max.Seconds())
	}

	if r.iteration >= r.cfg.MaxIterations {
		return e.fail(ctx, r, rferrors.Resource, fmt.Sprintf("MaxIterations(%d)", r.cfg.MaxIterations))
	}
	e.warnAt(r, "iterations", float64(r.iteration), float64(r.cfg.MaxIterations))
	return nil
}

// warnAt emits one ResourceWarning per limit when usage crosses 80%.
func (e *Engine) warnAt(r *run, limit string, used, max float64) {
	if r.warned[limit] || max <= 0 || used < 0.8*max {
		return
	}
	r.warned[limit] = true
	payload, _ := json.Marshal(ResourceWarningPayload{Limit: limit, Used: used, Maximum: max})
	r.emitter.emit(Step{Kind: StepResourceWarning, Iteration: r.iteration, Payload: payload})
	e.logger.Warn("resource budget at 80%",
		"limit", limit, "used", used, "maximum", max, "execution_id", r.opts.ExecutionID)
}

// finish completes a successful run: terminal checkpoint, Completed
// step, Result.
func (e *Engine) finish(ctx context.Context, r *run, answer string) (*Result, error) {
	result := &Result{
		Success:     true,
		FinalAnswer: answer,
		Iterations:  r.iteration,
		TotalTokens: r.totalTokens,
		State:       e.snapshot(r),
		Usage:       e.usage(r),
	}
	if err := e.maybeCheckpoint(ctx, r, true); err != nil {
		e.logger.Warn("terminal checkpoint write failed",
			"execution_id", r.opts.ExecutionID, "error", err)
	}
	payload, _ := json.Marshal(map[string]any{"final_answer": answer})
	r.emitter.emit(Step{Kind: StepCompleted, Iteration: r.iteration, Payload: payload})
	e.logger.Info("agent run completed",
		"execution_id", r.opts.ExecutionID, "iterations", r.iteration, "tokens", r.totalTokens)
	return result, nil
}

// fail finishes a failed run: terminal checkpoint, Failed step, Result.
func (e *Engine) fail(ctx context.Context, r *run, kind rferrors.Kind, detail string) *Result {
	if err := e.maybeCheckpoint(ctx, r, true); err != nil {
		e.logger.Warn("terminal checkpoint write failed",
			"execution_id", r.opts.ExecutionID, "error", err)
	}
	payload, _ := json.Marshal(map[string]any{"kind": string(kind), "detail": detail})
	r.emitter.emit(Step{Kind: StepFailed, Iteration: r.iteration, Payload: payload})
	e.logger.Info("agent run failed",
		"execution_id", r.opts.ExecutionID, "kind", string(kind), "detail", detail)
	return &Result{
		Success:     false,
		Error:       detail,
		ErrorKind:   kind,
		Cancelled:   detail == "cancelled",
		Iterations:  r.iteration,
		TotalTokens: r.totalTokens,
		State:       e.snapshot(r),
		Usage:       e.usage(r),
	}
}

func (e *Engine) snapshot(r *run) StateSnapshot {
	return StateSnapshot{
		ExecutionID: r.opts.ExecutionID,
		Model:       r.cfg.Model,
		Messages:    r.memory.snapshot(),
		Iteration:   r.iteration,
		TotalTokens: r.totalTokens,
	}
}

func (e *Engine) usage(r *run) ResourceUsage {
	return ResourceUsage{
		ToolCalls: r.toolCalls,
		WallClock: time.Since(r.startedAt),
		Depth:     r.cfg.Depth,
	}
}

// maybeCheckpoint writes a checkpoint when the policy triggers at this
// boundary; terminal checkpoints always write.
func (e *Engine) maybeCheckpoint(ctx context.Context, r *run, terminal bool) error {
	if e.checkpoint == nil {
		return nil
	}
	if !terminal {
		switch r.cfg.CheckpointPolicy.Kind {
		case CheckpointPerTurn:
		case CheckpointPeriodic:
			every := r.cfg.CheckpointPolicy.Every
			if every <= 0 || r.iteration%every != 0 {
				return nil
			}
		default:
			return nil
		}
	}
	return e.checkpoint(ctx, e.snapshot(r), terminal)
}

// rawArguments normalizes a tool call's arguments to JSON bytes,
// preferring the provider's raw form when present.
func rawArguments(call llms.ToolCall) json.RawMessage {
	if call.RawArgs != "" {
		return json.RawMessage(call.RawArgs)
	}
	if call.Arguments == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
