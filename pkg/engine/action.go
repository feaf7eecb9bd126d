package engine

import (
	"strings"

	"github.com/restflow/restflow/pkg/llms"
)

// actionKind discriminates agentAction.
type actionKind int

const (
	actionToolCalls actionKind = iota
	actionFinalAnswer
	actionContinue
)

// agentAction is the parsed outcome of one LLM response.
type agentAction struct {
	kind      actionKind
	toolCalls []llms.ToolCall
	answer    string
}

const (
	finalOpenTag    = "<final>"
	finalCloseTag   = "</final>"
	finalAnswerMark = "FINAL ANSWER:"
)

// parseAction classifies a completion into ToolCalls, FinalAnswer, or
// Continue. FinalAnswer is recognized when the provider signals finish,
// the text contains a <final>…</final> block, or the text begins with
// "FINAL ANSWER:"; otherwise the whole text is treated as final when no
// tool call was emitted.
func parseAction(msg llms.Message, finishReason string) agentAction {
	if len(msg.ToolCalls) > 0 {
		return agentAction{kind: actionToolCalls, toolCalls: msg.ToolCalls}
	}

	text := msg.Content

	if start := strings.Index(text, finalOpenTag); start >= 0 {
		rest := text[start+len(finalOpenTag):]
		if end := strings.Index(rest, finalCloseTag); end >= 0 {
			return agentAction{kind: actionFinalAnswer, answer: strings.TrimSpace(rest[:end])}
		}
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, finalAnswerMark) {
		return agentAction{
			kind:   actionFinalAnswer,
			answer: strings.TrimSpace(strings.TrimPrefix(trimmed, finalAnswerMark)),
		}
	}

	if finishReason == "stop" || finishReason == "end_turn" {
		return agentAction{kind: actionFinalAnswer, answer: trimmed}
	}

	if trimmed == "" {
		return agentAction{kind: actionContinue}
	}

	// No tool call and no explicit marker: the whole text is the answer.
	return agentAction{kind: actionFinalAnswer, answer: trimmed}
}
