package mapper

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Engine owns one SQLite connection and the transaction the current flush
// runs in. Statements issued through Exec while a transaction is open join
// it; otherwise they run in autocommit.
type Engine struct {
	name string
	db   *sql.DB
	tx   *sql.Tx
}

// OpenEngine opens (or creates) a SQLite database at path.
func OpenEngine(name, path string) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: the flush's transaction must see every statement.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &Engine{name: name, db: db}, nil
}

// Name identifies the engine in logs and errors.
func (e *Engine) Name() string { return e.name }

// DB exposes the underlying handle for reads outside the flush path.
func (e *Engine) DB() *sql.DB { return e.db }

// Begin opens the flush transaction.
func (e *Engine) Begin() error {
	if e.tx != nil {
		return errors.New("mapper: transaction already open on " + e.name)
	}
	tx, err := e.db.Begin()
	if err != nil {
		return err
	}
	e.tx = tx
	return nil
}

// Commit commits the flush transaction. No-op without one.
func (e *Engine) Commit() error {
	if e.tx == nil {
		return nil
	}
	tx := e.tx
	e.tx = nil
	return tx.Commit()
}

// Rollback aborts the flush transaction. No-op without one.
func (e *Engine) Rollback() error {
	if e.tx == nil {
		return nil
	}
	tx := e.tx
	e.tx = nil
	return tx.Rollback()
}

// Exec runs a statement inside the current flush transaction when one is
// open.
func (e *Engine) Exec(query string, args ...any) (sql.Result, error) {
	if e.tx != nil {
		return e.tx.Exec(query, args...)
	}
	return e.db.Exec(query, args...)
}

// Close releases the connection. An open transaction is rolled back first.
func (e *Engine) Close() error {
	_ = e.Rollback()
	return e.db.Close()
}
