package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/restflow/restflow/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	engine, err := storage.OpenEngine(filepath.Join(t.TempDir(), "restflow.db"), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	store, err := Open(context.Background(), engine)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	return store
}

func TestStoreAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.Store(ctx, "", "agent-1", "session-1", "the deploy runbook lives in ops/deploy.md", "note", []string{"ops", "runbook"}, 12)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != c.Content || got.AgentID != "agent-1" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestSearchByKeywordAndTag(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Store(ctx, "", "agent-1", "", "deploy runbook notes", "note", []string{"ops"}, 5); err != nil {
		t.Fatalf("store 1: %v", err)
	}
	if _, err := store.Store(ctx, "", "agent-1", "", "unrelated grocery list", "note", []string{"personal"}, 5); err != nil {
		t.Fatalf("store 2: %v", err)
	}
	if _, err := store.Store(ctx, "", "agent-2", "", "deploy runbook for another agent", "note", []string{"ops"}, 5); err != nil {
		t.Fatalf("store 3: %v", err)
	}

	byKeyword, err := store.Search(ctx, Query{AgentID: "agent-1", Keyword: "deploy"})
	if err != nil {
		t.Fatalf("search by keyword: %v", err)
	}
	if len(byKeyword) != 1 {
		t.Fatalf("expected 1 match scoped to agent-1, got %d", len(byKeyword))
	}

	byTag, err := store.Search(ctx, Query{AgentID: "agent-1", Tag: "personal"})
	if err != nil {
		t.Fatalf("search by tag: %v", err)
	}
	if len(byTag) != 1 || byTag[0].Content != "unrelated grocery list" {
		t.Fatalf("unexpected tag search result: %+v", byTag)
	}
}

func TestCleanupRemovesOldChunks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Store(ctx, "", "agent-1", "", "old chunk", "note", nil, 1); err != nil {
		t.Fatalf("store: %v", err)
	}

	n, err := store.Cleanup(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 chunk cleaned up, got %d", n)
	}
}
