package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/tollgate/controlplane/internal/circuitbreaker"
	"github.com/tollgate/controlplane/internal/infra"
	"github.com/tollgate/controlplane/internal/storage"
	"github.com/tollgate/controlplane/internal/telemetry"
)

// RedisRateWindow counts calls with INCR + EXPIRE on a window-bucketed key.
// Redis failures route through a circuit breaker into the store fallback so
// an outage degrades rate precision instead of failing decisions.
type RedisRateWindow struct {
	redis   *infra.GoRedisAdapter
	breaker *circuitbreaker.Breaker
	driver  *telemetry.Driver
	window  time.Duration
	now     func() time.Time
}

// NewRedisRateWindow wires the primary window with the telemetry fallback.
func NewRedisRateWindow(redis *infra.GoRedisAdapter, driver *telemetry.Driver, window time.Duration) *RedisRateWindow {
	return &RedisRateWindow{
		redis:   redis,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("rate-window")),
		driver:  driver,
		window:  window,
		now:     time.Now,
	}
}

// WithClock overrides the clock; tests only.
func (w *RedisRateWindow) WithClock(now func() time.Time) *RedisRateWindow {
	w.now = now
	return w
}

func (w *RedisRateWindow) key(tenantID, integrationID string) string {
	bucket := w.now().UTC().Unix() / int64(w.window.Seconds())
	return fmt.Sprintf("rate:%s:%s:%d", tenantID, integrationID, bucket)
}

// Observe increments the window counter and returns the count including this
// call. When Redis is down the breaker short-circuits into a store count,
// which is read-only; fallback windows therefore undercount by the in-flight
// call, which errs on the permissive side.
func (w *RedisRateWindow) Observe(ctx context.Context, sc *storage.Scope, tenantID, integrationID string) (int64, error) {
	return circuitbreaker.DoWithFallback(w.breaker,
		func() (int64, error) {
			return w.redis.IncrWindow(ctx, w.key(tenantID, integrationID), w.window)
		},
		func(cause error) (int64, error) {
			n, err := w.driver.FetchRateCount(ctx, sc, tenantID, integrationID, w.window)
			if err != nil {
				return 0, fmt.Errorf("rate fallback after %v: %w", cause, err)
			}
			return n + 1, nil
		},
	)
}

// StoreRateWindow counts purely from usage_records; deployments without
// Redis use it directly.
type StoreRateWindow struct {
	driver *telemetry.Driver
	window time.Duration
}

func NewStoreRateWindow(driver *telemetry.Driver, window time.Duration) *StoreRateWindow {
	return &StoreRateWindow{driver: driver, window: window}
}

// Observe counts committed records plus the in-flight call.
func (w *StoreRateWindow) Observe(ctx context.Context, sc *storage.Scope, tenantID, integrationID string) (int64, error) {
	n, err := w.driver.FetchRateCount(ctx, sc, tenantID, integrationID, w.window)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}
