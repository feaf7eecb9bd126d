package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
)

// Table is a typed wrapper over one SQLite table. It is the only module
// permitted to access its underlying columns directly; every caller goes
// through Put/Get/Delete/List/Exists/Count. Records are serialized as
// compact JSON; forward compatibility comes from encoding/json ignoring
// unknown fields on decode.
type Table[T any] struct {
	engine  *Engine
	name    string
	indices []string // secondary index column names, e.g. "execution_id", "tag"
}

// NewTable declares a table named name with the given secondary index
// columns and ensures its schema exists. Index columns are nullable TEXT
// columns alongside the primary key and JSON value; List/Count/Cleanup
// only ever touch key, value, updated_at, and the declared index columns.
func NewTable[T any](ctx context.Context, engine *Engine, name string, indices ...string) (*Table[T], error) {
	t := &Table[T]{engine: engine, name: name, indices: indices}
	if err := t.migrate(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[T]) migrate(ctx context.Context) error {
	var cols strings.Builder
	cols.WriteString(`key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at INTEGER NOT NULL`)
	for _, idx := range t.indices {
		fmt.Fprintf(&cols, `, %s TEXT`, idx)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, t.name, cols.String())
	if _, err := t.engine.db.ExecContext(ctx, ddl); err != nil {
		return rferrors.Wrap(rferrors.Internal, "migrate table "+t.name, err)
	}
	for _, idx := range t.indices {
		idxName := fmt.Sprintf("idx_%s_%s", t.name, idx)
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s)`, idxName, t.name, idx)
		if _, err := t.engine.db.ExecContext(ctx, stmt); err != nil {
			return rferrors.Wrap(rferrors.Internal, "migrate index "+idxName, err)
		}
	}
	return nil
}

// IndexValues supplies the current values of a record's secondary index
// columns at write time; callers pass the subset relevant to their record.
type IndexValues map[string]string

// Put upserts key with value, writing index column values inside a single
// write transaction.
func (t *Table[T]) Put(ctx context.Context, key string, value T, idx IndexValues) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return rferrors.Wrap(rferrors.Internal, "marshal record", err)
	}

	cols := []string{"key", "value", "updated_at"}
	placeholders := []string{"?", "?", "?"}
	args := []any{key, string(payload), time.Now().UnixMilli()}
	for _, name := range t.indices {
		cols = append(cols, name)
		placeholders = append(placeholders, "?")
		args = append(args, sql.NullString{String: idx[name], Valid: idx[name] != ""})
	}

	setClauses := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	stmt := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(key) DO UPDATE SET %s`,
		t.name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(setClauses, ", "),
	)

	return t.engine.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return rferrors.Wrap(rferrors.Internal, "put into "+t.name, err)
		}
		return nil
	})
}

// Get returns the record stored at key. The second return is false when
// absent; absence is not an error.
func (t *Table[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	var raw string
	row := t.engine.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, t.name), key)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return zero, false, nil
		}
		return zero, false, rferrors.Wrap(rferrors.Internal, "get from "+t.name, err)
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, false, rferrors.Wrap(rferrors.Internal, "unmarshal record from "+t.name, err)
	}
	return value, true, nil
}

// Exists reports whether key is present without decoding the value.
func (t *Table[T]) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	row := t.engine.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ?`, t.name), key)
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, rferrors.Wrap(rferrors.Internal, "exists on "+t.name, err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (t *Table[T]) Delete(ctx context.Context, key string) error {
	return t.engine.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, t.name), key)
		if err != nil {
			return rferrors.Wrap(rferrors.Internal, "delete from "+t.name, err)
		}
		return nil
	})
}

// Count returns the total number of rows.
func (t *Table[T]) Count(ctx context.Context) (int, error) {
	var n int
	row := t.engine.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.name))
	if err := row.Scan(&n); err != nil {
		return 0, rferrors.Wrap(rferrors.Internal, "count "+t.name, err)
	}
	return n, nil
}

// List returns every record whose key has the given prefix, ordered by
// key. An empty prefix lists the whole table.
func (t *Table[T]) List(ctx context.Context, prefix string) ([]T, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key LIKE ? ORDER BY key`, t.name)
	rows, err := t.engine.db.QueryContext(ctx, query, prefix+"%")
	if err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "list "+t.name, err)
	}
	defer rows.Close()
	return scanValues[T](rows)
}

// ListByIndex returns every record whose secondary index column equals
// value. column must be one of the names passed to NewTable.
func (t *Table[T]) ListByIndex(ctx context.Context, column, value string) ([]T, error) {
	if !t.hasIndex(column) {
		return nil, rferrors.New(rferrors.Internal, "no such index "+column+" on "+t.name)
	}
	query := fmt.Sprintf(`SELECT value FROM %s WHERE %s = ? ORDER BY updated_at DESC`, t.name, column)
	rows, err := t.engine.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "list by index "+column+" on "+t.name, err)
	}
	defer rows.Close()
	return scanValues[T](rows)
}

// GetLatestByIndex returns the most recently updated record whose
// secondary index column equals value, used by checkpoints' "at most one
// checkpoint per execution_id kept for recovery" lookup.
func (t *Table[T]) GetLatestByIndex(ctx context.Context, column, value string) (T, bool, error) {
	var zero T
	if !t.hasIndex(column) {
		return zero, false, rferrors.New(rferrors.Internal, "no such index "+column+" on "+t.name)
	}
	query := fmt.Sprintf(`SELECT value FROM %s WHERE %s = ? ORDER BY updated_at DESC LIMIT 1`, t.name, column)
	row := t.engine.db.QueryRowContext(ctx, query, value)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return zero, false, nil
		}
		return zero, false, rferrors.Wrap(rferrors.Internal, "get latest by index on "+t.name, err)
	}
	var value2 T
	if err := json.Unmarshal([]byte(raw), &value2); err != nil {
		return zero, false, rferrors.Wrap(rferrors.Internal, "unmarshal record from "+t.name, err)
	}
	return value2, true, nil
}

// Cleanup deletes rows whose updated_at is before cutoff, inside a single
// write transaction, and returns the count deleted.
func (t *Table[T]) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := t.engine.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE updated_at < ?`, t.name), cutoff.UnixMilli())
		if err != nil {
			return rferrors.Wrap(rferrors.Internal, "cleanup "+t.name, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// CleanupDays returns a Cleaner closure that deletes rows older than the
// given number of days, suitable for passing to Cleanup's cleaners map.
func (t *Table[T]) CleanupDays() Cleaner {
	return func(ctx context.Context, days int) (int, error) {
		cutoff := time.Now().AddDate(0, 0, -days)
		return t.Cleanup(ctx, cutoff)
	}
}

func (t *Table[T]) hasIndex(column string) bool {
	for _, idx := range t.indices {
		if idx == column {
			return true
		}
	}
	return false
}

func scanValues[T any](rows *sql.Rows) ([]T, error) {
	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, rferrors.Wrap(rferrors.Internal, "scan row", err)
		}
		var value T
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, rferrors.Wrap(rferrors.Internal, "unmarshal row", err)
		}
		out = append(out, value)
	}
	if err := rows.Err(); err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "iterate rows", err)
	}
	return out, nil
}
