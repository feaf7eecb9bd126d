package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Tag   string `json:"tag,omitempty"`
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := OpenEngine(filepath.Join(t.TempDir(), "restflow.db"), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestPutGetRoundTrip(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "things")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	want := record{Name: "widget", Count: 3}
	if err := table.Put(ctx, "k1", want, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := table.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected record")
	}
	if got != want {
		t.Fatalf("round trip mismatch: %+v != %+v", got, want)
	}
}

func TestGetAbsentIsNotError(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "things")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	_, found, err := table.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected absence")
	}
}

func TestUpsertReplacesValue(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "things")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := table.Put(ctx, "k1", record{Name: "old"}, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := table.Put(ctx, "k1", record{Name: "new"}, nil); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, _, err := table.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "new" {
		t.Fatalf("expected upsert, got %q", got.Name)
	}
	n, err := table.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestListWithPrefix(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "things")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	for _, key := range []string{"a:1", "a:2", "b:1"} {
		if err := table.Put(ctx, key, record{Name: key}, nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	got, err := table.List(ctx, "a:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows with prefix a:, got %d", len(got))
	}

	all, err := table.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
}

func TestSecondaryIndexLookup(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "tagged", "tag")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := table.Put(ctx, "k1", record{Name: "one", Tag: "red"}, IndexValues{"tag": "red"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := table.Put(ctx, "k2", record{Name: "two", Tag: "blue"}, IndexValues{"tag": "blue"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := table.ListByIndex(ctx, "tag", "red")
	if err != nil {
		t.Fatalf("list by index: %v", err)
	}
	if len(got) != 1 || got[0].Name != "one" {
		t.Fatalf("unexpected index result: %+v", got)
	}

	if _, err := table.ListByIndex(ctx, "not_an_index", "x"); err == nil {
		t.Fatal("expected unknown index column to error")
	}
}

func TestExistsAndDelete(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "things")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := table.Put(ctx, "k1", record{Name: "x"}, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, err := table.Exists(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected exists, got %v %v", ok, err)
	}
	if err := table.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = table.Exists(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("expected gone, got %v %v", ok, err)
	}
	// Deleting an absent key is not an error.
	if err := table.Delete(ctx, "k1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

// cleanup run twice in succession with the same retention returns 0 on
// the second call.
func TestCleanupIdempotent(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "things")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := table.Put(ctx, "old", record{Name: "old"}, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	cutoff := time.Now().Add(time.Second)
	n, err := table.Cleanup(ctx, cutoff)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}

	n, err = table.Cleanup(ctx, cutoff)
	if err != nil {
		t.Fatalf("cleanup again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on second run, got %d", n)
	}
}

func TestCleanupSkipsForeverTables(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	table, err := NewTable[record](ctx, engine, "things")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := table.Put(ctx, "keep", record{Name: "keep"}, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Retention 0 means forever: the cleaner must not run at all.
	result, err := Cleanup(ctx, RetentionPolicy{"things": 0}, map[string]Cleaner{
		"things": table.CleanupDays(),
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, touched := result["things"]; touched {
		t.Fatalf("forever table was cleaned: %+v", result)
	}
	if ok, _ := table.Exists(ctx, "keep"); !ok {
		t.Fatal("row deleted despite forever retention")
	}
}
