// Package locks provides named advisory locks backed by a compare-and-set
// upsert on the distributed_locks table. Locks are short-lived; the TTL is
// the safety valve that permits takeover after a holder dies.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/storage"
)

// Service acquires and releases advisory locks. Acquire and Release each run
// in their own small transaction so the lock row is visible to other workers
// the moment the call returns.
type Service struct {
	store *storage.Store
	now   func() time.Time
}

// NewService builds a lock service over the store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the clock; tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

const acquireQuery = `
INSERT INTO distributed_locks (lock_name, holder_id, acquired_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (lock_name) DO UPDATE
SET holder_id = EXCLUDED.holder_id,
    acquired_at = EXCLUDED.acquired_at,
    expires_at = EXCLUDED.expires_at
WHERE distributed_locks.expires_at < $3
   OR distributed_locks.holder_id = EXCLUDED.holder_id`

// Acquire takes the named lock for holder with the given TTL. It succeeds if
// no row exists, the existing row is expired, or the existing holder matches
// (re-acquire extends the lease). The upsert is a single atomic statement.
func (s *Service) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.store.RunInScope(ctx, func(sc *storage.Scope) error {
		at := s.now().UTC()
		res, err := sc.Exec(ctx, acquireQuery, name, holderID, at, at.Add(ttl))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storage.Classify(err)
		}
		acquired = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if acquired {
		slog.Debug("lock acquired", "lock", name, "holder", holderID, "ttl", ttl)
	}
	return acquired, nil
}

// Release drops the named lock if and only if holder still owns it. Returns
// false when the lock was already taken over or expired away.
func (s *Service) Release(ctx context.Context, name, holderID string) (bool, error) {
	released := false
	err := s.store.RunInScope(ctx, func(sc *storage.Scope) error {
		res, err := sc.Exec(ctx,
			`DELETE FROM distributed_locks WHERE lock_name = $1 AND holder_id = $2`,
			name, holderID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storage.Classify(err)
		}
		released = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// DeleteExpired removes lock rows whose lease has lapsed. Runs inside the
// caller's scope; the lock_gc maintenance task owns the commit.
func (s *Service) DeleteExpired(ctx context.Context, sc *storage.Scope) (int64, error) {
	res, err := sc.Exec(ctx, `DELETE FROM distributed_locks WHERE expires_at < $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Classify(err)
	}
	return n, nil
}

// NewHolderID builds the holder identity for a worker in the
// role:host:pid:nonce format used by maintenance election.
func NewHolderID(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	nonce := uuid.NewString()[:8]
	return fmt.Sprintf("%s:%s:%d:%s", role, host, os.Getpid(), nonce)
}
