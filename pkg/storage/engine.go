// Package storage implements RestFlow's Storage Engine: a typed layer over
// a single embedded SQLite file providing transactional named tables for
// agents, tasks, checkpoints, memory chunks, chat sessions, secrets, and
// triggers. One file per installation, all tables colocated.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/restflow/restflow/pkg/rferrors"
)

// Engine owns the single embedded database file for a RestFlow
// installation. All table wrappers share its connection pool and its
// single-writer discipline (SQLite serializes writers at the driver level;
// Engine additionally guards with a writeMu so that a put/delete in one
// table wrapper cannot interleave with a cross-table cleanup pass).
type Engine struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	writeMu sync.Mutex
}

// OpenEngine opens (creating if absent) the SQLite file at path with a
// conservative pool size appropriate for a single-writer embedded
// database, plus the pragmas SQLite needs for reasonable
// concurrent-reader behavior under WAL.
func OpenEngine(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "open storage engine", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, rferrors.Wrap(rferrors.Internal, "ping storage engine", err)
	}
	e := &Engine{db: db, path: path, logger: logger}
	return e, nil
}

// Close releases the underlying connection pool.
func (e *Engine) Close() error { return e.db.Close() }

// withWriteTx runs fn inside a single write transaction, rolling back on
// error or panic and committing otherwise. Every mutating table operation
// goes through this so each write is atomic and durable before
// returning.
func (e *Engine) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return rferrors.Wrap(rferrors.Internal, "begin write transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return rferrors.Wrap(rferrors.Internal, "commit write transaction", err)
	}
	return nil
}

// withReadTx runs fn inside a read-only transaction. SQLite allows
// multiple concurrent readers under WAL; this just gives callers a
// consistent snapshot for multi-statement reads.
func (e *Engine) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return rferrors.Wrap(rferrors.Internal, "begin read transaction", err)
	}
	defer tx.Rollback()
	return fn(tx)
}
