package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/controlplane/internal/fault"
)

func validEvent(eventType string) *Event {
	return New(eventType, "tenant-a", ActorSystem, "enforcement_engine", "int-1", map[string]any{"k": "v"})
}

func TestValidateContract(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing event_id", func(e *Event) { e.EventID = "" }},
		{"missing event_type", func(e *Event) { e.EventType = "" }},
		{"missing tenant_id", func(e *Event) { e.TenantID = "" }},
		{"unknown actor", func(e *Event) { e.ActorType = "robot" }},
		{"missing decision_owner", func(e *Event) { e.DecisionOwner = "" }},
		{"wrong schema version", func(e *Event) { e.SchemaVersion = "0.9" }},
		{"zero timestamp", func(e *Event) { e.OccurredAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent("quota.blocked")
			tt.mutate(ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))
		})
	}

	assert.NoError(t, validEvent("quota.blocked").Validate())
}

func TestBusFansOutByType(t *testing.T) {
	bus := NewBus(8)
	blocked := bus.Subscribe("quota.blocked")
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	require.NoError(t, bus.Emit(validEvent("quota.blocked")))
	require.NoError(t, bus.Emit(validEvent("incident.created")))

	assert.Len(t, blocked, 1)
	assert.Len(t, all, 2)
	assert.Equal(t, "quota.blocked", (<-blocked).EventType)

	bus.Unsubscribe(blocked)
	_, open := <-blocked
	assert.False(t, open)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestBusRejectsInvalidEvents(t *testing.T) {
	bus := NewBus(8)
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	ev := validEvent("quota.blocked")
	ev.TenantID = ""
	require.Error(t, bus.Emit(ev))
	assert.Empty(t, all)
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewBus(1)
	slow := bus.Subscribe("quota.blocked")
	defer bus.Unsubscribe(slow)

	require.NoError(t, bus.Emit(validEvent("quota.blocked")))
	// Buffer full: the second emit drops for this subscriber, not blocks.
	require.NoError(t, bus.Emit(validEvent("quota.blocked")))
	assert.Len(t, slow, 1)
}

type failingSink struct{ shipped int }

func (s *failingSink) Name() string { return "failing" }
func (s *failingSink) Ship(*Event) error {
	s.shipped++
	return errors.New("sink down")
}

func TestSinkFailureDoesNotFailEmit(t *testing.T) {
	bus := NewBus(8)
	sink := &failingSink{}
	bus.AddSink(sink)

	require.NoError(t, bus.Emit(validEvent("quota.blocked")))
	assert.Equal(t, 1, sink.shipped)
}

func TestDiscardStillValidates(t *testing.T) {
	var d Discard
	assert.NoError(t, d.Emit(validEvent("quota.blocked")))

	bad := validEvent("quota.blocked")
	bad.ActorType = ""
	assert.Error(t, d.Emit(bad))
}
