package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/restflow/restflow/pkg/storage"
)

// sqlUsage is the stored row shape: one row per (scope, id, window).
type sqlUsage struct {
	Scope     string    `json:"scope"`
	ID        string    `json:"id"`
	Window    string    `json:"window"`
	Tokens    int64     `json:"tokens"`
	Requests  int64     `json:"requests"`
	WindowEnd time.Time `json:"window_end"`
}

// SQLStore persists usage in the storage engine so budgets survive a
// process restart. It shares the single-writer discipline of every
// other table wrapper.
type SQLStore struct {
	table *storage.Table[sqlUsage]
}

// NewSQLStore opens the rate_limit_usage table.
func NewSQLStore(ctx context.Context, engine *storage.Engine) (*SQLStore, error) {
	table, err := storage.NewTable[sqlUsage](ctx, engine, "rate_limit_usage", "id")
	if err != nil {
		return nil, err
	}
	return &SQLStore{table: table}, nil
}

func sqlKey(scope Scope, id string, window Window) string {
	return fmt.Sprintf("%s:%s:%s", scope, id, window)
}

// Usage returns the current row for (scope, id, window), zero when
// never written.
func (s *SQLStore) Usage(ctx context.Context, scope Scope, id string, window Window) (Usage, error) {
	rec, found, err := s.table.Get(ctx, sqlKey(scope, id, window))
	if err != nil || !found {
		return Usage{}, err
	}
	return Usage{Tokens: rec.Tokens, Requests: rec.Requests, WindowEnd: rec.WindowEnd}, nil
}

// Add folds usage into the row, starting a fresh window when the old
// one has rolled over.
func (s *SQLStore) Add(ctx context.Context, scope Scope, id string, window Window, tokens, requests int64, windowEnd time.Time) (Usage, error) {
	key := sqlKey(scope, id, window)
	rec, found, err := s.table.Get(ctx, key)
	if err != nil {
		return Usage{}, err
	}

	now := time.Now()
	if !found || rec.WindowEnd.Before(now) {
		rec = sqlUsage{
			Scope:     string(scope),
			ID:        id,
			Window:    string(window),
			WindowEnd: windowEnd,
		}
	}
	rec.Tokens += tokens
	rec.Requests += requests

	if err := s.table.Put(ctx, key, rec, storage.IndexValues{"id": id}); err != nil {
		return Usage{}, err
	}
	return Usage{Tokens: rec.Tokens, Requests: rec.Requests, WindowEnd: rec.WindowEnd}, nil
}

// CleanupExpired deletes rows whose window ended before cutoff, for the
// storage retention sweep.
func (s *SQLStore) CleanupExpired(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.table.List(ctx, "")
	if err != nil {
		return 0, err
	}
	var n int
	for _, rec := range rows {
		if !rec.WindowEnd.Before(cutoff) {
			continue
		}
		if err := s.table.Delete(ctx, sqlKey(Scope(rec.Scope), rec.ID, Window(rec.Window))); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
