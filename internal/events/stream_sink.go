package events

import (
	"context"
	"fmt"
	"time"

	"github.com/tollgate/controlplane/internal/infra"
)

// StreamSink appends validated events to a Redis stream. Entries left pending
// by a dead consumer are reclaimed by the dl_reconcile maintenance task.
type StreamSink struct {
	redis   *infra.GoRedisAdapter
	stream  string
	timeout time.Duration
}

// NewStreamSink builds a sink over an already-connected adapter.
func NewStreamSink(redis *infra.GoRedisAdapter, stream string) *StreamSink {
	return &StreamSink{redis: redis, stream: stream, timeout: 2 * time.Second}
}

func (s *StreamSink) Name() string { return "redis-stream" }

// Ship appends the event as one stream entry keyed by event id.
func (s *StreamSink) Ship(event *Event) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = s.redis.StreamAdd(ctx, s.stream, map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"tenant_id":  event.TenantID,
		"payload":    string(payload),
	})
	return err
}
