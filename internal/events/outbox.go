package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tollgate/controlplane/internal/storage"
)

// OutboxRow is one durably queued event awaiting downstream delivery.
type OutboxRow struct {
	ID        int64
	EventID   string
	EventType string
	TenantID  string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Outbox persists events into the event_outbox table so delivery survives
// process death. Requests write rows inside their own scope (the event
// commits with the decision that produced it); the maintenance outbox task
// drains them.
type Outbox struct {
	now func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{now: time.Now}
}

// WithClock overrides the clock; tests only.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

// Append writes the event into the caller's scope. A duplicate event id is
// absorbed so re-emission after a retried request stays idempotent.
func (o *Outbox) Append(ctx context.Context, sc *storage.Scope, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = sc.Exec(ctx, `
		INSERT INTO event_outbox (event_id, event_type, tenant_id, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.TenantID, payload, o.now().UTC())
	return err
}

// ClaimPending locks up to limit undelivered rows for this drain pass.
// LockRow is single-row, so the batch claim issues its own FOR UPDATE
// SKIP LOCKED query; concurrent drainers skip each other's rows.
func (o *Outbox) ClaimPending(ctx context.Context, sc *storage.Scope, limit int) ([]*OutboxRow, error) {
	rows, err := sc.Query(ctx, `
		SELECT id, event_id, event_type, tenant_id, payload, attempts, created_at
		FROM event_outbox
		WHERE delivered_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.TenantID, &r.Payload, &r.Attempts, &r.CreatedAt); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, &r)
	}
	return out, storage.Classify(rows.Err())
}

// MarkDelivered stamps the rows delivered.
func (o *Outbox) MarkDelivered(ctx context.Context, sc *storage.Scope, ids []int64) error {
	now := o.now().UTC()
	for _, id := range ids {
		if _, err := sc.Exec(ctx,
			`UPDATE event_outbox SET delivered_at = $2 WHERE id = $1`, id, now); err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed bumps the attempt counter so the next drain pass retries the
// remainder.
func (o *Outbox) MarkFailed(ctx context.Context, sc *storage.Scope, ids []int64) error {
	for _, id := range ids {
		if _, err := sc.Exec(ctx,
			`UPDATE event_outbox SET attempts = attempts + 1 WHERE id = $1`, id); err != nil {
			return err
		}
	}
	return nil
}
