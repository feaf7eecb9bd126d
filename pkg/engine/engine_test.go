package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/restflow/restflow/pkg/llms"
	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/tool"
)

// stubClient replays scripted responses in order, repeating the last
// one when the script runs out.
type stubClient struct {
	mu        sync.Mutex
	responses []llms.CompletionResponse
	calls     int
	err       error
}

func (s *stubClient) Complete(ctx context.Context, req llms.CompletionRequest) (llms.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return llms.CompletionResponse{}, s.err
	}
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

func (s *stubClient) Stream(ctx context.Context, req llms.CompletionRequest) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("streaming not scripted")
}

func textResponse(text string) llms.CompletionResponse {
	return llms.CompletionResponse{
		Message:      llms.Message{Role: llms.RoleAssistant, Content: text},
		PromptTokens: 10, OutputTokens: 5,
	}
}

func toolCallResponse(name, rawArgs string) llms.CompletionResponse {
	return llms.CompletionResponse{
		Message: llms.Message{
			Role:      llms.RoleAssistant,
			ToolCalls: []llms.ToolCall{{ID: "call-1", Name: name, RawArgs: rawArgs}},
		},
		PromptTokens: 10, OutputTokens: 5,
	}
}

// echoTool returns its arguments verbatim.
type echoTool struct{ name string }

func (t *echoTool) Name() string                            { return t.name }
func (t *echoTool) Description() string                     { return "echo arguments back" }
func (t *echoTool) SupportsParallel(json.RawMessage) bool   { return true }
func (t *echoTool) ParametersSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func (t *echoTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	var decoded map[string]any
	_ = json.Unmarshal(args, &decoded)
	return tool.Output{Success: true, Result: decoded}, nil
}

func newTestRegistry(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	reg := tool.New(nil)
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}
	return reg
}

func collectSteps() (StepSink, *[]Step) {
	var mu sync.Mutex
	steps := &[]Step{}
	return func(s Step) {
		mu.Lock()
		defer mu.Unlock()
		*steps = append(*steps, s)
	}, steps
}

func stepKinds(steps []Step) []StepKind {
	kinds := make([]StepKind, len(steps))
	for i, s := range steps {
		kinds[i] = s.Kind
	}
	return kinds
}

// A tool-less agent answers directly in one iteration.
func TestRunSimpleAnswer(t *testing.T) {
	client := &stubClient{responses: []llms.CompletionResponse{textResponse("FINAL ANSWER: 4")}}
	eng := New(client, newTestRegistry(t), nil, nil, nil)

	sink, steps := collectSteps()
	result, err := eng.Run(context.Background(), Config{ID: "a1", Model: "stub"}, RunOptions{
		Input: "2+2?",
		Steps: sink,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.FinalAnswer != "4" {
		t.Fatalf("expected final answer 4, got %q", result.FinalAnswer)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.Iterations)
	}

	kinds := stepKinds(*steps)
	want := []StepKind{StepStarted, StepIterationBegin, StepCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}

	// Steps are totally ordered by sequence.
	for i := 1; i < len(*steps); i++ {
		if (*steps)[i].Sequence <= (*steps)[i-1].Sequence {
			t.Fatalf("sequence not increasing at step %d", i)
		}
	}
}

// One tool call, then the answer.
func TestRunOneToolCall(t *testing.T) {
	client := &stubClient{responses: []llms.CompletionResponse{
		toolCallResponse("echo", `{"x":"hi"}`),
		textResponse("FINAL ANSWER: hi"),
	}}
	eng := New(client, newTestRegistry(t, &echoTool{name: "echo"}), nil, nil, nil)

	sink, steps := collectSteps()
	result, err := eng.Run(context.Background(), Config{ID: "a1", Model: "stub"}, RunOptions{
		Input: "say hi",
		Steps: sink,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success || result.FinalAnswer != "hi" {
		t.Fatalf("expected final answer hi, got %+v", result)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", result.Iterations)
	}
	if result.Usage.ToolCalls != 1 {
		t.Fatalf("expected 1 tool call, got %d", result.Usage.ToolCalls)
	}

	var sawStart, sawResult bool
	for _, s := range *steps {
		switch s.Kind {
		case StepToolCallStart:
			var p ToolCallPayload
			if err := json.Unmarshal(s.Payload, &p); err != nil {
				t.Fatalf("decode start payload: %v", err)
			}
			if p.Name != "echo" || !strings.Contains(string(p.Arguments), `"hi"`) {
				t.Fatalf("unexpected tool start payload: %+v", p)
			}
			sawStart = true
		case StepToolCallResult:
			var p ToolCallPayload
			if err := json.Unmarshal(s.Payload, &p); err != nil {
				t.Fatalf("decode result payload: %v", err)
			}
			if p.Name != "echo" || !p.Success {
				t.Fatalf("unexpected tool result payload: %+v", p)
			}
			sawResult = true
		}
	}
	if !sawStart || !sawResult {
		t.Fatalf("expected ToolCallStart and ToolCallResult events, got %v", stepKinds(*steps))
	}
}

// variedTool returns a different result per call so stuck detection
// never trips while iterating toward the budget.
type variedTool struct {
	echoTool
	mu    sync.Mutex
	calls int
}

func (t *variedTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	t.mu.Unlock()
	return tool.Output{Success: true, Result: fmt.Sprintf("call-%d", n)}, nil
}

// The iteration budget fails the run.
func TestRunMaxIterations(t *testing.T) {
	client := &stubClient{responses: []llms.CompletionResponse{
		toolCallResponse("noop", `{}`),
	}}
	noop := &variedTool{echoTool: echoTool{name: "noop"}}
	eng := New(client, newTestRegistry(t, noop), nil, nil, nil)

	sink, steps := collectSteps()
	result, err := eng.Run(context.Background(), Config{ID: "a1", Model: "stub", MaxIterations: 3}, RunOptions{
		Input: "loop forever",
		Steps: sink,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorKind != rferrors.Resource {
		t.Fatalf("expected Resource kind, got %s", result.ErrorKind)
	}
	if !strings.Contains(result.Error, "MaxIterations(3)") {
		t.Fatalf("expected MaxIterations(3) detail, got %q", result.Error)
	}

	var toolResults int
	for _, s := range *steps {
		if s.Kind == StepToolCallResult {
			toolResults++
		}
	}
	if toolResults != 3 {
		t.Fatalf("expected 3 ToolCallResult events, got %d", toolResults)
	}
	last := (*steps)[len(*steps)-1]
	if last.Kind != StepFailed {
		t.Fatalf("expected terminal Failed, got %s", last.Kind)
	}
}

// Identical tool calls with identical results trip stuck
// detection on the fourth invocation.
func TestRunStuckDetection(t *testing.T) {
	client := &stubClient{responses: []llms.CompletionResponse{
		toolCallResponse("noop", `{}`),
	}}
	eng := New(client, newTestRegistry(t, &echoTool{name: "noop"}), nil, nil, nil)

	sink, steps := collectSteps()
	result, err := eng.Run(context.Background(), Config{ID: "a1", Model: "stub"}, RunOptions{
		Input: "spin",
		Steps: sink,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "stuck") {
		t.Fatalf("expected stuck detail, got %q", result.Error)
	}

	var stuck *Step
	for i, s := range *steps {
		if s.Kind == StepStuckDetected {
			stuck = &(*steps)[i]
		}
	}
	if stuck == nil {
		t.Fatalf("expected StuckDetected event, got %v", stepKinds(*steps))
	}
	var payload StuckPayload
	if err := json.Unmarshal(stuck.Payload, &payload); err != nil {
		t.Fatalf("decode stuck payload: %v", err)
	}
	if payload.Tool != "noop" || payload.RepeatCount != 3 {
		t.Fatalf("expected noop repeated 3 times, got %+v", payload)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &stubClient{responses: []llms.CompletionResponse{textResponse("FINAL ANSWER: never")}}
	eng := New(client, newTestRegistry(t), nil, nil, nil)

	result, err := eng.Run(ctx, Config{ID: "a1", Model: "stub"}, RunOptions{Input: "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success || !result.Cancelled {
		t.Fatalf("expected cancelled failure, got %+v", result)
	}
}

func TestRunSteerMessagesAppend(t *testing.T) {
	steer := make(chan string, 2)
	steer <- "actually, answer in french"

	var captured []llms.Message
	client := &captureClient{response: textResponse("FINAL ANSWER: quatre"), captured: &captured}
	eng := New(client, newTestRegistry(t), nil, nil, nil)

	result, err := eng.Run(context.Background(), Config{ID: "a1", Model: "stub"}, RunOptions{
		Input: "2+2?",
		Steer: steer,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}

	var found bool
	for _, m := range captured {
		if m.Role == llms.RoleUser && m.Content == "actually, answer in french" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected steer message in the request messages")
	}
}

// captureClient records the messages of the last request.
type captureClient struct {
	response llms.CompletionResponse
	captured *[]llms.Message
}

func (c *captureClient) Complete(ctx context.Context, req llms.CompletionRequest) (llms.CompletionResponse, error) {
	*c.captured = req.Messages
	return c.response, nil
}

func (c *captureClient) Stream(ctx context.Context, req llms.CompletionRequest) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not scripted")
}

func TestRunTerminalCheckpointAlwaysWritten(t *testing.T) {
	var terminalWrites int
	checkpointFn := func(ctx context.Context, snapshot StateSnapshot, terminal bool) error {
		if terminal {
			terminalWrites++
		}
		return nil
	}

	client := &stubClient{responses: []llms.CompletionResponse{textResponse("FINAL ANSWER: done")}}
	eng := New(client, newTestRegistry(t), nil, checkpointFn, nil)

	// OnComplete policy: no intermediate checkpoints, one terminal.
	if _, err := eng.Run(context.Background(), Config{ID: "a1", Model: "stub"}, RunOptions{Input: "x"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if terminalWrites != 1 {
		t.Fatalf("expected exactly one terminal checkpoint, got %d", terminalWrites)
	}
}

func TestWorkingMemoryEviction(t *testing.T) {
	m := newWorkingMemory(3)
	m.setSystem("system")
	m.append(llms.Message{Role: llms.RoleUser, Content: "one"})
	m.append(llms.Message{Role: llms.RoleUser, Content: "two"})
	if m.len() != 3 {
		t.Fatalf("expected 3 messages, got %d", m.len())
	}

	// At exactly the window, one more append evicts exactly one oldest
	// non-system message.
	m.append(llms.Message{Role: llms.RoleUser, Content: "three"})
	got := m.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected window of 3, got %d", len(got))
	}
	if got[0].Role != llms.RoleSystem {
		t.Fatal("system message must survive eviction")
	}
	if got[1].Content != "two" || got[2].Content != "three" {
		t.Fatalf("expected oldest non-system evicted, got %+v", got)
	}
}

func TestParseActionRecognition(t *testing.T) {
	cases := []struct {
		name   string
		msg    llms.Message
		finish string
		kind   actionKind
		answer string
	}{
		{"final tag", llms.Message{Content: "thinking <final>42</final>"}, "", actionFinalAnswer, "42"},
		{"final answer prefix", llms.Message{Content: "FINAL ANSWER: 42"}, "", actionFinalAnswer, "42"},
		{"provider finish", llms.Message{Content: "42"}, "stop", actionFinalAnswer, "42"},
		{"bare text is final", llms.Message{Content: "just text"}, "", actionFinalAnswer, "just text"},
		{"tool calls win", llms.Message{ToolCalls: []llms.ToolCall{{Name: "echo"}}}, "", actionToolCalls, ""},
		{"empty continues", llms.Message{}, "", actionContinue, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action := parseAction(tc.msg, tc.finish)
			if action.kind != tc.kind {
				t.Fatalf("expected kind %v, got %v", tc.kind, action.kind)
			}
			if tc.answer != "" && action.answer != tc.answer {
				t.Fatalf("expected answer %q, got %q", tc.answer, action.answer)
			}
		})
	}
}

func TestComposeSystemPromptOrder(t *testing.T) {
	cfg := Config{SystemPrompt: "BASE"}
	prompt := composeSystemPrompt(context.Background(), cfg, nil, promptInputs{
		tools:            []tool.Definition{{Name: "echo", Description: "echoes"}},
		workspaceContext: "WS",
		agentContext:     "LTM",
	})

	baseIdx := strings.Index(prompt, "BASE")
	toolIdx := strings.Index(prompt, "echo: echoes")
	wsIdx := strings.Index(prompt, "WS")
	ltmIdx := strings.Index(prompt, "LTM")
	if baseIdx < 0 || toolIdx < 0 || wsIdx < 0 || ltmIdx < 0 {
		t.Fatalf("missing sections in prompt:\n%s", prompt)
	}
	if !(baseIdx < toolIdx && toolIdx < wsIdx && wsIdx < ltmIdx) {
		t.Fatalf("sections out of order:\n%s", prompt)
	}
}
