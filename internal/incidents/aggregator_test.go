package incidents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/storage"
)

// memRepo is the in-memory Repo used by aggregator tests.
type memRepo struct {
	incidents []*Incident
	events    []*Event
	nextID    int
}

func (m *memRepo) FindOpenByKey(_ context.Context, _ *storage.Scope, tenantID, triggerType string, windowStart time.Time) (*Incident, error) {
	for _, inc := range m.incidents {
		if inc.TenantID == tenantID && inc.TriggerType == triggerType &&
			inc.WindowStart.Equal(windowStart) && inc.Status != StatusResolved {
			return inc, nil
		}
	}
	return nil, nil
}

func (m *memRepo) CountCreatedSince(_ context.Context, _ *storage.Scope, tenantID string, since time.Time) (int, error) {
	n := 0
	for _, inc := range m.incidents {
		if inc.TenantID == tenantID && !inc.StartedAt.Before(since) && inc.TriggerType != TriggerRateLimitOverflow {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) Create(_ context.Context, _ *storage.Scope, inc *Incident) error {
	m.nextID++
	inc.ID = fmt.Sprintf("inc-%d", m.nextID)
	m.incidents = append(m.incidents, inc)
	return nil
}

func (m *memRepo) SaveAccumulation(context.Context, *storage.Scope, *Incident) error { return nil }

func (m *memRepo) Get(_ context.Context, _ *storage.Scope, tenantID, id string) (*Incident, error) {
	for _, inc := range m.incidents {
		if inc.TenantID == tenantID && inc.ID == id {
			return inc, nil
		}
	}
	return nil, nil
}

func (m *memRepo) SetStatus(context.Context, *storage.Scope, *Incident) error { return nil }

func (m *memRepo) AppendEvent(_ context.Context, _ *storage.Scope, ev *Event) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) FindIdleOpen(_ context.Context, _ *storage.Scope, idleSince time.Time) ([]*Incident, error) {
	var out []*Incident
	for _, inc := range m.incidents {
		if inc.Status != StatusResolved && inc.UpdatedAt.Before(idleSince) {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (m *memRepo) eventsOfType(eventType string) []*Event {
	var out []*Event
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func testAggregator() (*Aggregator, *memRepo) {
	repo := &memRepo{}
	agg := NewAggregator(repo, config.NewManagerFromConfig(config.Defaults()), nil, nil)
	return agg, repo
}

func signal(trigger, callID string) Signal {
	return Signal{
		TenantID:       "tenant-a",
		TriggerType:    trigger,
		CallID:         callID,
		CostDeltaCents: 10,
		OccurredAt:     time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC),
	}
}

func TestIngestCreatesIncident(t *testing.T) {
	agg, repo := testAggregator()

	inc, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", "call-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, inc.Status)
	assert.Equal(t, SeverityLow, inc.Severity)
	assert.Equal(t, int64(1), inc.CallsAffected)
	assert.Equal(t, []string{"call-1"}, inc.RelatedCallIDs)
	// 5-minute aggregation window: 12:02:30 buckets to 12:00:00.
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), inc.WindowStart)
	assert.Len(t, repo.eventsOfType(EventCreated), 1)
}

func TestIngestAccumulatesWithinWindow(t *testing.T) {
	agg, repo := testAggregator()

	first, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", "call-1"))
	require.NoError(t, err)
	second, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", "call-2"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.CallsAffected)
	assert.Equal(t, int64(20), second.CostDeltaCents)
	assert.Equal(t, []string{"call-1", "call-2"}, second.RelatedCallIDs)
	assert.Len(t, repo.incidents, 1)
}

func TestIngestSeparatesTriggerTypes(t *testing.T) {
	agg, repo := testAggregator()

	_, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", "call-1"))
	require.NoError(t, err)
	_, err = agg.Ingest(context.Background(), nil, signal("rate_limit_exceeded", "call-2"))
	require.NoError(t, err)

	assert.Len(t, repo.incidents, 2)
}

func TestSeverityEscalatesWithVolume(t *testing.T) {
	agg, repo := testAggregator()

	var inc *Incident
	var err error
	for i := 0; i < 12; i++ {
		inc, err = agg.Ingest(context.Background(), nil, signal("budget_exceeded", fmt.Sprintf("call-%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, SeverityMedium, inc.Severity)
	require.Len(t, repo.eventsOfType(EventSeverityEscalated), 1)
	assert.Equal(t, map[string]any{"from": SeverityLow, "to": SeverityMedium, "calls_affected": int64(10)},
		repo.eventsOfType(EventSeverityEscalated)[0].Data)
}

func TestRelatedCallIDsAreCapped(t *testing.T) {
	agg, _ := testAggregator()
	maxIDs := config.Defaults().Incidents.MaxRelatedCallIDs

	var inc *Incident
	var err error
	for i := 0; i < maxIDs+5; i++ {
		inc, err = agg.Ingest(context.Background(), nil, signal("budget_exceeded", fmt.Sprintf("call-%d", i)))
		require.NoError(t, err)
	}
	assert.Len(t, inc.RelatedCallIDs, maxIDs)
	assert.Equal(t, int64(maxIDs+5), inc.CallsAffected)
}

func TestHourlyBudgetOverflows(t *testing.T) {
	agg, repo := testAggregator()
	max := config.Defaults().Incidents.MaxIncidentsPerTenantPerHour

	// Distinct trigger types defeat window accumulation, so each signal
	// wants a fresh incident.
	for i := 0; i < max; i++ {
		_, err := agg.Ingest(context.Background(), nil, signal(fmt.Sprintf("trigger-%d", i), ""))
		require.NoError(t, err)
	}

	over, err := agg.Ingest(context.Background(), nil, signal("one_more", "call-x"))
	require.NoError(t, err)
	assert.Equal(t, TriggerRateLimitOverflow, over.TriggerType)
	assert.Equal(t, "one_more", over.TriggerValue)
	assert.Equal(t, "rate_limited", over.AutoAction)
	assert.Len(t, repo.incidents, max+1)

	// Further overflow signals accumulate onto the synthetic incident.
	again, err := agg.Ingest(context.Background(), nil, signal("yet_another", ""))
	require.NoError(t, err)
	assert.Equal(t, over.ID, again.ID)
	assert.Len(t, repo.incidents, max+1)
}

func TestIngestValidatesSignal(t *testing.T) {
	agg, _ := testAggregator()

	_, err := agg.Ingest(context.Background(), nil, Signal{TriggerType: "x"})
	assert.Equal(t, fault.CodeMissingParam, fault.CodeOf(err))

	_, err = agg.Ingest(context.Background(), nil, Signal{TenantID: "tenant-a"})
	assert.Equal(t, fault.CodeMissingParam, fault.CodeOf(err))
}

func TestAcknowledgeAndResolve(t *testing.T) {
	agg, repo := testAggregator()

	inc, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", ""))
	require.NoError(t, err)

	acked, err := agg.Acknowledge(context.Background(), nil, "tenant-a", inc.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)

	resolved, err := agg.Resolve(context.Background(), nil, "tenant-a", inc.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Len(t, repo.eventsOfType(EventResolved), 1)
}

func TestResolveTwiceIsRejected(t *testing.T) {
	agg, _ := testAggregator()

	inc, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", ""))
	require.NoError(t, err)
	_, err = agg.Resolve(context.Background(), nil, "tenant-a", inc.ID, "operator")
	require.NoError(t, err)

	_, err = agg.Resolve(context.Background(), nil, "tenant-a", inc.ID, "operator")
	require.Error(t, err)
	assert.Equal(t, fault.CodeAlreadyResolved, fault.CodeOf(err))

	_, err = agg.Acknowledge(context.Background(), nil, "tenant-a", inc.ID, "operator")
	assert.Equal(t, fault.CodeAlreadyResolved, fault.CodeOf(err))
}

func TestResolvedWindowDoesNotAbsorbNewSignals(t *testing.T) {
	agg, repo := testAggregator()

	inc, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", ""))
	require.NoError(t, err)
	_, err = agg.Resolve(context.Background(), nil, "tenant-a", inc.ID, "operator")
	require.NoError(t, err)

	fresh, err := agg.Ingest(context.Background(), nil, signal("budget_exceeded", ""))
	require.NoError(t, err)
	assert.NotEqual(t, inc.ID, fresh.ID)
	assert.Len(t, repo.incidents, 2)
}

func TestUnknownIncidentIsNotFound(t *testing.T) {
	agg, _ := testAggregator()
	_, err := agg.Acknowledge(context.Background(), nil, "tenant-a", "inc-missing", "operator")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))

	err = agg.RecordFeedback(context.Background(), nil, "tenant-a", "inc-missing", "looks wrong", "operator")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}

func TestSeverityBands(t *testing.T) {
	var s SeverityEngine
	assert.Equal(t, SeverityLow, s.For(1))
	assert.Equal(t, SeverityLow, s.For(9))
	assert.Equal(t, SeverityMedium, s.For(10))
	assert.Equal(t, SeverityMedium, s.For(99))
	assert.Equal(t, SeverityHigh, s.For(100))
	assert.Equal(t, SeverityHigh, s.For(499))
	assert.Equal(t, SeverityCritical, s.For(500))

	// Escalation is monotonic: counts dropping never lowers severity.
	got, changed := s.Escalate(SeverityHigh, 5)
	assert.Equal(t, SeverityHigh, got)
	assert.False(t, changed)
}
