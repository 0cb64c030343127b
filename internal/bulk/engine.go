// Package bulk runs set-based transformations over staged rows in an
// embedded SQLite database. Nothing staged outlives a single call.
package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

type Engine struct {
	db *sql.DB
	// Staging tables are per connection, so calls are serialized.
	mu sync.Mutex
}

// Open starts an engine backed by path, or by a private in-memory database
// when path is empty.
func Open(ctx context.Context, path string) (*Engine, error) {
	dsn := ":memory:"
	if strings.TrimSpace(path) != "" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open bulk engine: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping bulk engine: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Transform runs fn inside one transaction that is always rolled back, so
// staged tables vanish whether fn succeeds or not.
func (e *Engine) Transform(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk transform: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(ctx, tx)
}
