package shipper

import (
	"github.com/tollgate/controlplane/internal/events"
)

// Sink adapts the shipper into the event bus: every validated event fans out
// to its matching subscriptions through the configured backend.
type Sink struct {
	registry *Registry
	backend  Enqueuer
}

func NewSink(registry *Registry, backend Enqueuer) *Sink {
	return &Sink{registry: registry, backend: backend}
}

func (s *Sink) Name() string { return "shipper" }

func (s *Sink) Ship(ev *events.Event) error {
	for _, sub := range s.registry.Subscribers(ev.EventType, ev.TenantID) {
		s.backend.Enqueue(sub, ev)
	}
	return nil
}

// Shutdown stops the delivery backend.
func (s *Sink) Shutdown() { s.backend.Shutdown() }
