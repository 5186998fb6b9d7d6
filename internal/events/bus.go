// Package events carries the structured event contract for the control
// plane. Every coordination decision, incident transition, quota block, and
// maintenance task outcome becomes a validated Event; emission fans out to
// the in-process bus and any configured sinks (log, Redis stream, Pub/Sub,
// transactional outbox).
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/fault"
)

// SchemaVersion is the current event schema contract version.
const SchemaVersion = "1.0"

// Actor types allowed on events.
const (
	ActorHuman  = "human"
	ActorSystem = "system"
)

// Event is the validated envelope for every control-plane event. Malformed
// events never leave the process: Validate runs before any sink sees them.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	TenantID      string         `json:"tenant_id"`
	ActorType     string         `json:"actor_type"`
	DecisionOwner string         `json:"decision_owner"`
	SchemaVersion string         `json:"schema_version"`
	Subject       string         `json:"subject,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Data          map[string]any `json:"data,omitempty"`
}

// New builds an event with generated id, current schema version, and stamp.
func New(eventType, tenantID, actorType, decisionOwner, subject string, data map[string]any) *Event {
	return &Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		TenantID:      tenantID,
		ActorType:     actorType,
		DecisionOwner: decisionOwner,
		SchemaVersion: SchemaVersion,
		Subject:       subject,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}
}

// Validate enforces the event schema contract.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fault.Invalid("event missing event_id")
	}
	if e.EventType == "" {
		return fault.Invalid("event missing event_type")
	}
	if e.TenantID == "" {
		return fault.Invalid("event %s missing tenant_id", e.EventType)
	}
	if e.ActorType != ActorHuman && e.ActorType != ActorSystem {
		return fault.Invalid("event %s has unknown actor_type %q", e.EventType, e.ActorType)
	}
	if e.DecisionOwner == "" {
		return fault.Invalid("event %s missing decision_owner", e.EventType)
	}
	if e.SchemaVersion != SchemaVersion {
		return fault.Invalid("event %s has unsupported schema_version %q", e.EventType, e.SchemaVersion)
	}
	if e.OccurredAt.IsZero() {
		return fault.Invalid("event %s missing occurred_at", e.EventType)
	}
	return nil
}

// JSON serializes the event for sinks and the websocket tail.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is what domain components hold: validate-then-fan-out emission.
type Emitter interface {
	Emit(event *Event) error
}

// Sink receives validated events. Sink failures are logged, never propagated;
// losing a sink must not fail the decision that produced the event.
type Sink interface {
	Ship(event *Event) error
	Name() string
}

// Bus is the in-process emitter: subscriber channels plus configured sinks.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	sinks       []Sink
	bufferSize  int
}

// NewBus creates an event bus with the given subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  bufferSize,
	}
}

// AddSink attaches a delivery sink. Call during wiring, before traffic.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe creates a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Emit validates then fans out. A validation failure is returned to the
// caller; sink failures are logged and swallowed.
func (b *Bus) Emit(event *Event) error {
	if err := event.Validate(); err != nil {
		slog.Error("event rejected", "event_type", event.EventType, "error", err)
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.EventType] {
		select {
		case ch <- event:
		default: // subscriber lagging, drop
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}

	for _, sink := range b.sinks {
		if err := sink.Ship(event); err != nil {
			slog.Warn("event sink failed", "sink", sink.Name(), "event_id", event.EventID, "error", err)
		}
	}
	return nil
}

// SubscriberCount returns the number of active subscriber channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// LogSink writes every event as a structured log line.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Ship(event *Event) error {
	slog.Info("event",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"tenant_id", event.TenantID,
		"actor_type", event.ActorType,
		"decision_owner", event.DecisionOwner,
		"subject", event.Subject,
	)
	return nil
}

// Discard is an emitter that validates and drops; used where wiring has no
// bus yet (tests, the store checker).
type Discard struct{}

func (Discard) Emit(event *Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("discard emitter: %w", err)
	}
	return nil
}
