// Package storage is the adapter between the control plane and PostgreSQL.
// It exposes scoped transactions to the layer that owns commits; drivers
// execute row-level operations against a Scope but never decide when the
// scope ends.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Store wraps the connection pool. One Store per process.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// NewFromDB wraps an existing pool; used by tests and the store checker.
func NewFromDB(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the raw pool for read-only diagnostics (health checks).
func (s *Store) DB() *sql.DB { return s.db }

// Begin opens a scope at the default isolation level.
func (s *Store) Begin(ctx context.Context) (*Scope, error) {
	return s.begin(ctx, nil)
}

// BeginSerializable opens a scope at SERIALIZABLE isolation. Snapshot upserts
// and baseline flips require it; everything else uses Begin.
func (s *Store) BeginSerializable(ctx context.Context) (*Scope, error) {
	return s.begin(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (s *Store) begin(ctx context.Context, opts *sql.TxOptions) (*Scope, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, Classify(err)
	}
	return &Scope{tx: tx}, nil
}

// RunInScope runs fn inside a scope it owns: commit on nil, rollback on
// error. Background owners (maintenance runner, sweepers) use this; the
// request plane keeps explicit begin/commit in the dispatcher.
func (s *Store) RunInScope(ctx context.Context, fn func(sc *Scope) error) error {
	sc, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(sc); err != nil {
		if rbErr := sc.Rollback(); rbErr != nil {
			slog.Error("scope rollback failed", "error", rbErr, "cause", err)
		}
		return err
	}
	return sc.Commit(ctx)
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }
