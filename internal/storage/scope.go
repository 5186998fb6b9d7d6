package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tollgate/controlplane/internal/fault"
)

// Scope is one transaction owned by a dispatcher or background runner.
// Drivers receive a Scope and execute against it; only the owner may call
// Commit or Rollback. Flush establishes a savepoint barrier so a failed
// statement can be unwound without destroying the whole scope.
type Scope struct {
	tx    *sql.Tx
	seq   int
	dirty bool
	done  bool
}

// Exec runs a statement inside the scope.
func (sc *Scope) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if sc.done {
		return nil, fault.Programmer("exec on finished scope")
	}
	res, err := sc.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	sc.dirty = true
	return res, nil
}

// Query runs a row-returning query inside the scope.
func (sc *Scope) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if sc.done {
		return nil, fault.Programmer("query on finished scope")
	}
	rows, err := sc.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query inside the scope. Scan errors are
// classified by the caller through Classify.
func (sc *Scope) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return sc.tx.QueryRowContext(ctx, query, args...)
}

// Flush marks the current write set durable within the scope by moving the
// savepoint barrier forward. Idempotent: flushing with no writes since the
// last barrier is a no-op.
func (sc *Scope) Flush(ctx context.Context) error {
	if sc.done {
		return fault.Programmer("flush on finished scope")
	}
	if !sc.dirty {
		return nil
	}
	if sc.seq > 0 {
		if _, err := sc.tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT flush_%d", sc.seq)); err != nil {
			return Classify(err)
		}
	}
	sc.seq++
	if _, err := sc.tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT flush_%d", sc.seq)); err != nil {
		return Classify(err)
	}
	sc.dirty = false
	return nil
}

// RollbackToFlush unwinds the scope to the last flush barrier, keeping the
// scope usable. Without a prior flush it is equivalent to Rollback.
func (sc *Scope) RollbackToFlush(ctx context.Context) error {
	if sc.done {
		return fault.Programmer("rollback on finished scope")
	}
	if sc.seq == 0 {
		return sc.Rollback()
	}
	if _, err := sc.tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT flush_%d", sc.seq)); err != nil {
		return Classify(err)
	}
	sc.dirty = false
	return nil
}

// Commit ends the scope, making all flushed and unflushed writes durable.
func (sc *Scope) Commit(ctx context.Context) error {
	if sc.done {
		return fault.Programmer("double commit")
	}
	sc.done = true
	if err := sc.tx.Commit(); err != nil {
		return Classify(err)
	}
	return nil
}

// Rollback ends the scope, discarding every write. Safe to call after
// Commit; the late call is reported as nil so deferred cleanup stays simple.
func (sc *Scope) Rollback() error {
	if sc.done {
		return nil
	}
	sc.done = true
	if err := sc.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return Classify(err)
	}
	return nil
}

// LockRow is the single blessed FOR UPDATE primitive. All row locking goes
// through it so cross-connection deadlock analysis has one call site to
// audit. The query must already contain the FOR UPDATE clause.
func (sc *Scope) LockRow(ctx context.Context, query string, args ...any) *sql.Row {
	return sc.tx.QueryRowContext(ctx, query, args...)
}
