package maintenance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/shipper"
	"github.com/tollgate/controlplane/internal/storage"
)

// Replay is the driver for the replay_log and dead_letter_archive tables.
// Both writes are idempotent on their message id so reconciliation passes
// can overlap or restart without duplicating rows.
type Replay struct {
	now func() time.Time
}

func NewReplay() *Replay {
	return &Replay{now: time.Now}
}

// WithClock overrides the clock; tests only.
func (r *Replay) WithClock(now func() time.Time) *Replay {
	r.now = now
	return r
}

// RecordReplay notes that a stream entry was reprocessed. Returns false when
// the entry was already recorded, which callers treat as "skip the archive".
func (r *Replay) RecordReplay(ctx context.Context, sc *storage.Scope, originalMsgID, stream string, payload []byte) (bool, error) {
	res, err := sc.Exec(ctx, `
		INSERT INTO replay_log (original_msg_id, stream, payload, replayed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (original_msg_id) DO NOTHING`,
		originalMsgID, stream, payload, r.now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Classify(err)
	}
	return n == 1, nil
}

// ArchiveDeadLetter stores one undeliverable message for operator replay.
func (r *Replay) ArchiveDeadLetter(ctx context.Context, sc *storage.Scope, dlMsgID, source, cause string, payload []byte) error {
	_, err := sc.Exec(ctx, `
		INSERT INTO dead_letter_archive (dl_msg_id, source, payload, cause, archived_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dl_msg_id) DO NOTHING`,
		dlMsgID, source, payload, cause, r.now().UTC())
	return err
}

// DeleteOlderThan trims both tables for the retention task. Returns rows
// removed across the pair.
func (r *Replay) DeleteOlderThan(ctx context.Context, sc *storage.Scope, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM replay_log WHERE replayed_at < $1`,
		`DELETE FROM dead_letter_archive WHERE archived_at < $1`,
	} {
		res, err := sc.Exec(ctx, q, cutoff)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, storage.Classify(err)
		}
		total += n
	}
	return total, nil
}

// ShipperDeadLetter adapts the archive into the shipper's exhausted-delivery
// hook. Each archival runs in its own scope so a dead letter never rides on
// anyone else's transaction.
func (r *Replay) ShipperDeadLetter(store *storage.Store) shipper.DeadLetterFunc {
	return func(sub *shipper.Subscription, ev *events.Event, attempts int, cause error) {
		payload, err := json.Marshal(map[string]any{
			"event":           ev,
			"subscription_id": sub.ID,
			"url":             sub.URL,
			"attempts":        attempts,
		})
		if err != nil {
			return
		}
		background := context.Background()
		err = store.RunInScope(background, func(sc *storage.Scope) error {
			return r.ArchiveDeadLetter(background, sc, ev.EventID+":"+sub.ID, "shipper", cause.Error(), payload)
		})
		if err != nil {
			slog.Error("dead letter archive failed", "event_id", ev.EventID, "subscription_id", sub.ID, "error", err)
		}
	}
}
