package shipper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/pb"
)

func testEvent(eventType, tenantID string) *events.Event {
	return events.New(eventType, tenantID, events.ActorSystem, "test", "subject", nil)
}

func TestRegisterRequiresURLAndTypes(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&Subscription{EventTypes: []string{"incident.created"}}))
	assert.Error(t, r.Register(&Subscription{URL: "https://example.com/hook"}))

	sub := &Subscription{URL: "https://example.com/hook", EventTypes: []string{"incident.created"}}
	require.NoError(t, r.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)
}

func TestSubscribersMatching(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		ID: "sub-exact", URL: "https://a", EventTypes: []string{"incident.created"},
	}))
	require.NoError(t, r.Register(&Subscription{
		ID: "sub-all", URL: "https://b", EventTypes: []string{MatchAll},
	}))
	require.NoError(t, r.Register(&Subscription{
		ID: "sub-tenant", URL: "https://c", EventTypes: []string{"incident.created"}, TenantID: "tenant-a",
	}))

	ids := func(subs []*Subscription) []string {
		out := make([]string, 0, len(subs))
		for _, s := range subs {
			out = append(out, s.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"sub-exact", "sub-all", "sub-tenant"},
		ids(r.Subscribers("incident.created", "tenant-a")))
	// Tenant-scoped subscriptions never see other tenants' events.
	assert.ElementsMatch(t, []string{"sub-exact", "sub-all"},
		ids(r.Subscribers("incident.created", "tenant-b")))
	assert.ElementsMatch(t, []string{"sub-all"},
		ids(r.Subscribers("quota.blocked", "tenant-a")))
}

func TestUnregisterRemovesFromIndex(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		ID: "sub-1", URL: "https://a", EventTypes: []string{"incident.created"},
	}))
	require.NoError(t, r.Unregister("sub-1"))
	assert.Error(t, r.Unregister("sub-1"))
	assert.Empty(t, r.Subscribers("incident.created", "tenant-a"))
}

func TestFailuresDisableSubscription(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		ID: "sub-1", URL: "https://a", EventTypes: []string{"incident.created"},
	}))

	for i := 0; i < 9; i++ {
		r.MarkFailed("sub-1")
	}
	assert.Len(t, r.Subscribers("incident.created", ""), 1)

	// A delivery in between resets the count.
	r.MarkDelivered("sub-1")
	for i := 0; i < 9; i++ {
		r.MarkFailed("sub-1")
	}
	assert.Len(t, r.Subscribers("incident.created", ""), 1)

	r.MarkFailed("sub-1")
	assert.Empty(t, r.Subscribers("incident.created", ""))
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	payload := []byte(`{"event_id":"ev-1"}`)
	a := SignPayload(payload, "secret")
	b := SignPayload(payload, "secret")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, SignPayload(payload, "other"))
}

func TestPoolDeliversWithHeaders(t *testing.T) {
	got := make(chan *http.Request, 1)
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		body.Store(buf)
		got <- r
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewRegistry()
	sub := &Subscription{ID: "sub-1", URL: srv.URL, EventTypes: []string{MatchAll}, Secret: "hunter2"}
	require.NoError(t, r.Register(sub))

	pool := NewPool(r, 1)
	ev := testEvent("incident.created", "tenant-a")
	pool.Enqueue(sub, ev)
	pool.Shutdown()

	select {
	case req := <-got:
		assert.Equal(t, "incident.created", req.Header.Get("X-Tollgate-Event-Type"))
		assert.Equal(t, ev.EventID, req.Header.Get("X-Tollgate-Event-ID"))
		assert.Equal(t, "1", req.Header.Get("X-Tollgate-Delivery-Attempt"))
		sig := req.Header.Get("X-Tollgate-Signature")
		require.NotEmpty(t, sig)
		assert.Equal(t, "sha256="+SignPayload(body.Load().([]byte), "hunter2"), sig)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

type recordingLedger struct {
	shipments chan *pb.Shipment
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{shipments: make(chan *pb.Shipment, 4)}
}

func (l *recordingLedger) RecordShipment(_ context.Context, in *pb.Shipment, _ ...grpc.CallOption) (*pb.ShipmentAck, error) {
	l.shipments <- in
	return &pb.ShipmentAck{EventId: in.EventId, Accepted: true}, nil
}

func (l *recordingLedger) RecordDeadLetter(_ context.Context, in *pb.Shipment, _ ...grpc.CallOption) (*pb.ShipmentAck, error) {
	l.shipments <- in
	return &pb.ShipmentAck{EventId: in.EventId, Accepted: true}, nil
}

func TestPoolReportsDeliveryToLedger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewRegistry()
	sub := &Subscription{ID: "sub-1", URL: srv.URL, EventTypes: []string{MatchAll}}
	require.NoError(t, r.Register(sub))

	ledger := newRecordingLedger()
	pool := NewPool(r, 1).WithLedger(ledger)
	ev := testEvent("incident.created", "tenant-a")
	pool.Enqueue(sub, ev)
	pool.Shutdown()

	select {
	case s := <-ledger.shipments:
		assert.Equal(t, pb.Shipment_DELIVERED, s.Status)
		assert.Equal(t, ev.EventID, s.EventId)
		assert.Equal(t, "tenant-a", s.TenantId)
		assert.Equal(t, "sub-1", s.SubscriptionId)
		assert.Equal(t, int32(1), s.Attempts)
		assert.NotNil(t, s.DeliveredAt)
	case <-time.After(5 * time.Second):
		t.Fatal("shipment never recorded")
	}
}

func TestPoolReportsDeadLetterToLedger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRegistry()
	sub := &Subscription{ID: "sub-1", URL: srv.URL, EventTypes: []string{MatchAll}}
	require.NoError(t, r.Register(sub))

	ledger := newRecordingLedger()
	pool := NewPool(r, 1).WithLedger(ledger)
	pool.Enqueue(sub, testEvent("incident.created", "tenant-a"))

	select {
	case s := <-ledger.shipments:
		assert.Equal(t, pb.Shipment_DEAD_LETTER, s.Status)
		assert.Equal(t, int32(maxAttempts), s.Attempts)
		assert.Contains(t, s.Cause, "502")
		assert.Nil(t, s.DeliveredAt)
	case <-time.After(30 * time.Second):
		t.Fatal("dead letter never recorded")
	}
	pool.Shutdown()
}

func TestPoolDeadLettersAfterExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRegistry()
	sub := &Subscription{ID: "sub-1", URL: srv.URL, EventTypes: []string{MatchAll}}
	require.NoError(t, r.Register(sub))

	dead := make(chan int, 1)
	pool := NewPool(r, 1).WithDeadLetter(func(_ *Subscription, _ *events.Event, attempts int, cause error) {
		assert.Error(t, cause)
		dead <- attempts
	})

	pool.Enqueue(sub, testEvent("incident.created", "tenant-a"))

	select {
	case attempts := <-dead:
		assert.Equal(t, maxAttempts, attempts)
		assert.Equal(t, int32(maxAttempts), hits.Load())
	case <-time.After(30 * time.Second):
		t.Fatal("dead letter hook never fired")
	}
	pool.Shutdown()
}
