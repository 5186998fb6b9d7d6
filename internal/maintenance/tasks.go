package maintenance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/infra"
	"github.com/tollgate/controlplane/internal/locks"
	"github.com/tollgate/controlplane/internal/shipper"
	"github.com/tollgate/controlplane/internal/storage"
)

// OutboxTask drains pending event_outbox rows through the shipper backend.
type OutboxTask struct {
	store    *storage.Store
	outbox   *events.Outbox
	registry *shipper.Registry
	backend  shipper.Enqueuer
	cfg      *config.Manager
}

func NewOutboxTask(store *storage.Store, outbox *events.Outbox, registry *shipper.Registry, backend shipper.Enqueuer, cfg *config.Manager) *OutboxTask {
	return &OutboxTask{store: store, outbox: outbox, registry: registry, backend: backend, cfg: cfg}
}

func (t *OutboxTask) Name() string { return "outbox" }

func (t *OutboxTask) Run(ctx context.Context) (map[string]any, error) {
	batch := t.cfg.Global().Maintenance.OutboxBatchSize
	delivered, malformed := 0, 0

	err := t.store.RunInScope(ctx, func(sc *storage.Scope) error {
		rows, err := t.outbox.ClaimPending(ctx, sc, batch)
		if err != nil {
			return err
		}

		var done []int64
		for _, row := range rows {
			var ev events.Event
			if err := json.Unmarshal(row.Payload, &ev); err != nil {
				// An unparseable row would wedge the queue; mark it
				// delivered and move on.
				done = append(done, row.ID)
				malformed++
				continue
			}
			for _, sub := range t.registry.Subscribers(ev.EventType, ev.TenantID) {
				t.backend.Enqueue(sub, &ev)
			}
			done = append(done, row.ID)
			delivered++
		}
		return t.outbox.MarkDelivered(ctx, sc, done)
	})
	return map[string]any{"delivered": delivered, "malformed": malformed}, err
}

// DLReconcileTask claims stream entries other consumers left pending beyond
// the idle threshold, archives them, and acknowledges the originals.
type DLReconcileTask struct {
	store    *storage.Store
	redis    *infra.GoRedisAdapter
	replay   *Replay
	cfg      *config.Manager
	consumer string
}

func NewDLReconcileTask(store *storage.Store, redis *infra.GoRedisAdapter, replay *Replay, cfg *config.Manager, consumer string) *DLReconcileTask {
	return &DLReconcileTask{store: store, redis: redis, replay: replay, cfg: cfg, consumer: consumer}
}

func (t *DLReconcileTask) Name() string { return "dl_reconcile" }

func (t *DLReconcileTask) Run(ctx context.Context) (map[string]any, error) {
	if t.redis == nil {
		return map[string]any{"skipped": "redis not configured"}, nil
	}

	cfg := t.cfg.Global()
	stream := cfg.Events.StreamName
	group := cfg.Events.ConsumerGroup
	idle := time.Duration(cfg.Maintenance.DeadLetterIdleSeconds) * time.Second

	if err := t.redis.EnsureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	entries, err := t.redis.AutoClaimIdle(ctx, stream, group, t.consumer, idle, 100)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return map[string]any{"archived": 0}, nil
	}

	archived := 0
	var ackIDs []string
	err = t.store.RunInScope(ctx, func(sc *storage.Scope) error {
		for _, entry := range entries {
			payload, err := json.Marshal(entry.Values)
			if err != nil {
				continue
			}
			// record_replay first: the unique original_msg_id makes a rerun
			// of this pass observe the entry as already handled.
			fresh, err := t.replay.RecordReplay(ctx, sc, entry.ID, stream, payload)
			if err != nil {
				return err
			}
			if fresh {
				if err := t.replay.ArchiveDeadLetter(ctx, sc, entry.ID, stream, "pending beyond idle threshold", payload); err != nil {
					return err
				}
				archived++
			}
			ackIDs = append(ackIDs, entry.ID)
		}
		return nil
	})
	if err != nil {
		return map[string]any{"archived": archived}, err
	}

	if err := t.redis.Ack(ctx, stream, group, ackIDs...); err != nil {
		return map[string]any{"archived": archived}, err
	}
	return map[string]any{"archived": archived, "acked": len(ackIDs)}, nil
}

// MatviewTask refreshes registered materialized views whose recorded age
// exceeds the staleness threshold.
type MatviewTask struct {
	store *storage.Store
	cfg   *config.Manager
	now   func() time.Time
}

func NewMatviewTask(store *storage.Store, cfg *config.Manager) *MatviewTask {
	return &MatviewTask{store: store, cfg: cfg, now: time.Now}
}

func (t *MatviewTask) Name() string { return "matview" }

func (t *MatviewTask) Run(ctx context.Context) (map[string]any, error) {
	maxAge := time.Duration(t.cfg.Global().Maintenance.MatviewMaxAgeSeconds) * time.Second
	refreshed := 0

	err := t.store.RunInScope(ctx, func(sc *storage.Scope) error {
		rows, err := sc.Query(ctx, `
			SELECT view_name FROM matview_state
			WHERE refreshed_at IS NULL OR refreshed_at < $1`,
			t.now().UTC().Add(-maxAge))
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return storage.Classify(err)
			}
			stale = append(stale, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storage.Classify(err)
		}

		for _, name := range stale {
			// View names come from the registration table, never requests.
			if _, err := sc.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY `+name); err != nil {
				return err
			}
			if _, err := sc.Exec(ctx,
				`UPDATE matview_state SET refreshed_at = $2 WHERE view_name = $1`,
				name, t.now().UTC()); err != nil {
				return err
			}
			refreshed++
		}
		return nil
	})
	return map[string]any{"refreshed": refreshed}, err
}

// RetentionTask trims replay and dead-letter rows past the retention window.
type RetentionTask struct {
	store  *storage.Store
	replay *Replay
	cfg    *config.Manager
	now    func() time.Time
}

func NewRetentionTask(store *storage.Store, replay *Replay, cfg *config.Manager) *RetentionTask {
	return &RetentionTask{store: store, replay: replay, cfg: cfg, now: time.Now}
}

func (t *RetentionTask) Name() string { return "retention" }

func (t *RetentionTask) Run(ctx context.Context) (map[string]any, error) {
	days := t.cfg.Global().Maintenance.RetentionDays
	cutoff := t.now().UTC().AddDate(0, 0, -days)

	var deleted int64
	err := t.store.RunInScope(ctx, func(sc *storage.Scope) error {
		n, err := t.replay.DeleteOlderThan(ctx, sc, cutoff)
		deleted = n
		return err
	})
	return map[string]any{"deleted": deleted}, err
}

// LockGCTask removes expired distributed lock rows.
type LockGCTask struct {
	store *storage.Store
	locks *locks.Service
}

func NewLockGCTask(store *storage.Store, lockSvc *locks.Service) *LockGCTask {
	return &LockGCTask{store: store, locks: lockSvc}
}

func (t *LockGCTask) Name() string { return "lock_gc" }

func (t *LockGCTask) Run(ctx context.Context) (map[string]any, error) {
	var deleted int64
	err := t.store.RunInScope(ctx, func(sc *storage.Scope) error {
		n, err := t.locks.DeleteExpired(ctx, sc)
		deleted = n
		return err
	})
	return map[string]any{"deleted": deleted}, err
}
