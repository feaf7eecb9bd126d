package storage

import (
	"context"
	"log/slog"
)

// Tables is the storage engine's table set, opened together so
// callers get one handle to the whole Storage Engine instead of wiring
// each table individually. Tables only knows the underlying engine; each
// domain package (pkg/task, pkg/checkpoint, ...) instantiates its own
// *Table[T] against Engine with its own record type, which is what keeps
// a table wrapper the sole module permitted to access its table.
type Tables struct {
	Engine *Engine
}

// Open opens the engine at path and returns a Tables handle.
func Open(path string, logger *slog.Logger) (*Tables, error) {
	e, err := OpenEngine(path, logger)
	if err != nil {
		return nil, err
	}
	return &Tables{Engine: e}, nil
}

// Close closes the underlying engine.
func (t *Tables) Close() error { return t.Engine.Close() }

// CleanupResult reports how many rows were deleted per table by a
// Cleanup pass.
type CleanupResult map[string]int

// RetentionPolicy maps a table name to a retention bound in days; 0 means
// "forever" (never deleted).
type RetentionPolicy map[string]int

// Cleaner deletes rows older than the given retention window (in days)
// from one table and reports how many were removed.
type Cleaner func(ctx context.Context, days int) (int, error)

// Cleanup runs a retention pass. Each cleaner runs in its own write
// transaction. cleaners is supplied by callers that have already opened
// their typed tables, since Tables itself does not know domain record
// types.
func Cleanup(ctx context.Context, policy RetentionPolicy, cleaners map[string]Cleaner) (CleanupResult, error) {
	result := CleanupResult{}
	for name, days := range policy {
		if days == 0 {
			continue
		}
		cleaner, ok := cleaners[name]
		if !ok {
			continue
		}
		n, err := cleaner(ctx, days)
		if err != nil {
			return result, err
		}
		result[name] = n
	}
	return result, nil
}
