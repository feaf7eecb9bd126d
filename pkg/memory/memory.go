// Package memory implements the memory_chunks table: immutable
// snippets of prior context an agent can write once and later retrieve by
// keyword or tag. Chunks are never edited or appended to after creation;
// an agent that wants to revise one writes a new chunk instead.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

// Chunk is one memory_chunks row.
type Chunk struct {
	ID         string    `json:"chunk_id"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source,omitempty"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the typed wrapper over the memory_chunks table.
type Store struct {
	table *storage.Table[Chunk]
}

// Open opens the memory_chunks table, indexed by agent_id. Tag filtering
// is done in-process over an agent's chunks rather than through a second
// secondary index: a chunk's tag set is small and bounded, so a per-tag
// join table would add write-path complexity (one row per tag) without
// making a meaningfully cheaper read for the scale a local single-file
// install holds.
func Open(ctx context.Context, engine *storage.Engine) (*Store, error) {
	table, err := storage.NewTable[Chunk](ctx, engine, "memory_chunks", "agent_id")
	if err != nil {
		return nil, err
	}
	return &Store{table: table}, nil
}

// Store persists a new, immutable chunk. If id is empty one is generated.
func (s *Store) Store(ctx context.Context, id, agentID, sessionID, content, source string, tags []string, tokenCount int) (*Chunk, error) {
	if id == "" {
		id = uuid.NewString()
	}
	c := Chunk{
		ID:         id,
		AgentID:    agentID,
		SessionID:  sessionID,
		Content:    content,
		Tags:       tags,
		Source:     source,
		TokenCount: tokenCount,
		CreatedAt:  time.Now(),
	}
	if err := s.table.Put(ctx, c.ID, c, storage.IndexValues{"agent_id": c.AgentID}); err != nil {
		return nil, err
	}
	return &c, nil
}

// Get retrieves a chunk by id.
func (s *Store) Get(ctx context.Context, id string) (*Chunk, error) {
	c, found, err := s.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "memory chunk not found: "+id)
	}
	return &c, nil
}

// Query filters an agent's chunks by keyword (case-insensitive substring
// of content) and/or tag. Either filter may be left empty to skip it;
// results are newest first.
type Query struct {
	AgentID string
	Keyword string
	Tag     string
}

// Search returns the chunks matching q.
func (s *Store) Search(ctx context.Context, q Query) ([]Chunk, error) {
	candidates, err := s.table.ListByIndex(ctx, "agent_id", q.AgentID)
	if err != nil {
		return nil, err
	}
	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))
	var out []Chunk
	for _, c := range candidates {
		if q.Tag != "" && !hasTag(c.Tags, q.Tag) {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(c.Content), keyword) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Delete removes a chunk. Chunks are normally immutable; Delete exists
// for retention-policy cleanup, not editing.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.table.Delete(ctx, id)
}

// Cleanup deletes chunks older than cutoff, for the retention sweep
// over storage-owned entities.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	return s.table.Cleanup(ctx, cutoff)
}

// Cleaner adapts the table's retention sweep for storage.Cleanup.
func (s *Store) Cleaner() storage.Cleaner { return s.table.CleanupDays() }
