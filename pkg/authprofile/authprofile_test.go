package authprofile

import (
	"context"
	"path/filepath"
	"testing"

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
		t.Fatalf("open auth profile store: %v", err)
	}
	return store
}

func TestCreateAndGetByName(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p, err := store.Create(ctx, "work-github", KindOAuthToken, "secret-key-1", map[string]string{"org": "acme"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	byID, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if byID.SecretKey != "secret-key-1" {
		t.Fatalf("unexpected secret key: %s", byID.SecretKey)
	}

	byName, err := store.GetByName(ctx, "work-github")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if byName.ID != p.ID {
		t.Fatalf("expected same profile by name, got %s vs %s", byName.ID, p.ID)
	}
}

func TestGetByNameMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetByName(context.Background(), "nope"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestListAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p1, _ := store.Create(ctx, "profile-a", KindAPIKey, "key-a", nil)
	_, _ = store.Create(ctx, "profile-b", KindBasicAuth, "key-b", nil)

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(all))
	}

	if err := store.Delete(ctx, p1.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, p1.ID); err == nil {
		t.Fatal("expected deleted profile to be gone")
	}
}
