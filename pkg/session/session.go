// Package session implements the Chat Session table:
// (session_id, agent_id, model, messages[], created_at, updated_at),
// with messages appended and trimmed to a configurable window. A
// session is a flat chat transcript; there is no app/user scoping in a
// single-user local install.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/llms"
	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

// Session is one stored chat session row.
type Session struct {
	ID        string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	Model     string         `json:"model"`
	Messages  []llms.Message `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the typed wrapper over the chat_sessions table.
type Store struct {
	table  *storage.Table[Session]
	window int // max retained messages; 0 means unbounded
}

// Open opens the chat_sessions table, indexed by agent_id. window
// bounds how many messages Append retains; 0 disables trimming.
func Open(ctx context.Context, engine *storage.Engine, window int) (*Store, error) {
	table, err := storage.NewTable[Session](ctx, engine, "chat_sessions", "agent_id")
	if err != nil {
		return nil, err
	}
	return &Store{table: table, window: window}, nil
}

// Create starts a new session for agentID/model. If id is empty one is
// generated.
func (s *Store) Create(ctx context.Context, id, agentID, model string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	sess := Session{
		ID:        id,
		AgentID:   agentID,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Get returns the session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, found, err := s.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "session not found: "+id)
	}
	return &sess, nil
}

// Append adds messages to the session's transcript, then trims to the
// configured window by evicting the oldest non-system message first,
// the same eviction rule the engine's working memory uses, so a session
// reloaded from storage already matches what the engine kept in memory.
func (s *Store) Append(ctx context.Context, id string, messages ...llms.Message) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Messages = append(sess.Messages, messages...)
	if s.window > 0 {
		sess.Messages = trimToWindow(sess.Messages, s.window)
	}
	sess.UpdatedAt = time.Now()
	if err := s.put(ctx, *sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// trimToWindow evicts the oldest non-system message until len(messages)
// <= window, preserving messages[0] when it is a system message.
func trimToWindow(messages []llms.Message, window int) []llms.Message {
	for len(messages) > window {
		evictAt := 0
		if len(messages) > 0 && messages[0].Role == llms.RoleSystem {
			evictAt = 1
		}
		if evictAt >= len(messages) {
			break
		}
		messages = append(messages[:evictAt], messages[evictAt+1:]...)
	}
	return messages
}

// List returns every session for agentID.
func (s *Store) List(ctx context.Context, agentID string) ([]Session, error) {
	return s.table.ListByIndex(ctx, "agent_id", agentID)
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.table.Delete(ctx, id)
}

func (s *Store) put(ctx context.Context, sess Session) error {
	return s.table.Put(ctx, sess.ID, sess, storage.IndexValues{"agent_id": sess.AgentID})
}

// Cleaner adapts the table's retention sweep for storage.Cleanup.
func (s *Store) Cleaner() storage.Cleaner { return s.table.CleanupDays() }
