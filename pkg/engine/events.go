package engine

import (
	"encoding/json"
	"sync/atomic"
)

// StepKind discriminates the execution step events a run emits.
type StepKind string

const (
	StepStarted         StepKind = "started"
	StepIterationBegin  StepKind = "iteration_begin"
	StepTextDelta       StepKind = "text_delta"
	StepThinkingDelta   StepKind = "thinking_delta"
	StepToolCallStart   StepKind = "tool_call_start"
	StepToolCallResult  StepKind = "tool_call_result"
	StepCompleted       StepKind = "completed"
	StepFailed          StepKind = "failed"
	StepStuckDetected   StepKind = "stuck_detected"
	StepResourceWarning StepKind = "resource_warning"
)

// IsTerminal reports whether the step ends the run's event stream.
func (k StepKind) IsTerminal() bool {
	return k == StepCompleted || k == StepFailed
}

// Step is one observable occurrence during an agent run. Steps for a
// single execution are totally ordered by Sequence. Payload
// fields for tool events carry {id, name, arguments|result, success}
// wire shape.
type Step struct {
	Kind      StepKind        `json:"kind"`
	Sequence  uint64          `json:"sequence"`
	Iteration int             `json:"iteration,omitempty"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ToolCallPayload is the payload of ToolCallStart and ToolCallResult
// steps.
type ToolCallPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    any             `json:"result,omitempty"`
	Success   bool            `json:"success"`
}

// StuckPayload is the payload of a StuckDetected step.
type StuckPayload struct {
	Tool        string `json:"tool"`
	RepeatCount int    `json:"repeat_count"`
}

// ResourceWarningPayload names the budget approaching exhaustion.
type ResourceWarningPayload struct {
	Limit   string  `json:"limit"`
	Used    float64 `json:"used"`
	Maximum float64 `json:"maximum"`
}

// StepSink receives each step as it happens. A nil sink discards steps.
type StepSink func(Step)

// stepEmitter stamps monotonically increasing sequence numbers onto
// steps before handing them to the sink.
type stepEmitter struct {
	sink StepSink
	seq  atomic.Uint64
}

func (e *stepEmitter) emit(step Step) {
	step.Sequence = e.seq.Add(1)
	if e.sink != nil {
		e.sink(step)
	}
}

func (e *stepEmitter) emitToolStart(iteration int, id, name string, args json.RawMessage) {
	payload, _ := json.Marshal(ToolCallPayload{ID: id, Name: name, Arguments: args})
	e.emit(Step{Kind: StepToolCallStart, Iteration: iteration, Payload: payload})
}

func (e *stepEmitter) emitToolResult(iteration int, id, name string, result any, success bool) {
	payload, _ := json.Marshal(ToolCallPayload{ID: id, Name: name, Result: result, Success: success})
	e.emit(Step{Kind: StepToolCallResult, Iteration: iteration, Payload: payload})
}
