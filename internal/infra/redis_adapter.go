// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 behind the minimal interfaces the
// enforcement engine (rate windows) and the event pipeline (streams) expect.
// When Redis is unavailable the callers fall back: enforcement counts from
// the store, events skip the stream sink.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis and verifies connectivity. The caller
// decides whether a connection failure is fatal or triggers a fallback.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// Counter window primitives (enforcement rate checks)
// =============================================================================

// IncrWindow increments the window-bucketed counter and stamps the TTL on
// first touch. Returns the counter value after the increment.
func (a *GoRedisAdapter) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := a.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetCount reads a window counter without touching it. Missing keys read 0.
func (a *GoRedisAdapter) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := a.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// =============================================================================
// Stream primitives (event shipment and dead-letter reconciliation)
// =============================================================================

// StreamAdd appends the field map to a stream and returns the entry id.
func (a *GoRedisAdapter) StreamAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	return a.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (a *GoRedisAdapter) EnsureGroup(ctx context.Context, stream, group string) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// ClaimedEntry is one pending stream entry taken over during reconciliation.
type ClaimedEntry struct {
	ID     string
	Values map[string]any
}

// AutoClaimIdle claims pending entries idle for at least minIdle, up to
// count, on behalf of consumer. The reconciler archives then acks them.
func (a *GoRedisAdapter) AutoClaimIdle(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]ClaimedEntry, error) {
	msgs, _, err := a.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]ClaimedEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, ClaimedEntry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

// Ack acknowledges stream entries for the group.
func (a *GoRedisAdapter) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return a.rdb.XAck(ctx, stream, group, ids...).Err()
}

// StreamTrim caps the stream to approximately maxLen entries.
func (a *GoRedisAdapter) StreamTrim(ctx context.Context, stream string, maxLen int64) error {
	return a.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}
