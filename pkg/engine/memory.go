package engine

import (
	"github.com/restflow/restflow/pkg/llms"
)

// workingMemory is the bounded message sequence a run reasons over:
// at most window messages, with the oldest non-system message evicted
// first and the system message at index 0 always preserved. No
// LLM-based summarization happens here; callers wanting compaction
// configure a separate compactor.
type workingMemory struct {
	messages []llms.Message
	window   int
}

func newWorkingMemory(window int) *workingMemory {
	return &workingMemory{window: window}
}

// setSystem installs (or replaces) the system message at index 0.
func (m *workingMemory) setSystem(content string) {
	msg := llms.Message{Role: llms.RoleSystem, Content: content}
	if len(m.messages) > 0 && m.messages[0].Role == llms.RoleSystem {
		m.messages[0] = msg
		return
	}
	m.messages = append([]llms.Message{msg}, m.messages...)
}

// append adds messages, then trims back to the window.
func (m *workingMemory) append(messages ...llms.Message) {
	m.messages = append(m.messages, messages...)
	m.trim()
}

func (m *workingMemory) trim() {
	for len(m.messages) > m.window {
		evictAt := 0
		if m.messages[0].Role == llms.RoleSystem {
			evictAt = 1
		}
		if evictAt >= len(m.messages) {
			return
		}
		m.messages = append(m.messages[:evictAt], m.messages[evictAt+1:]...)
	}
}

// snapshot returns a copy of the current sequence, safe to serialize
// while the run continues.
func (m *workingMemory) snapshot() []llms.Message {
	out := make([]llms.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *workingMemory) len() int { return len(m.messages) }
