package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/metrics"
	"github.com/tollgate/controlplane/internal/storage"
)

// Aggregator folds failure signals into incidents. All mutation happens
// inside the caller's scope; the in-window accumulation races are resolved
// by the row lock the repo takes on the open incident.
type Aggregator struct {
	repo     Repo
	severity SeverityEngine
	cfg      *config.Manager
	emitter  events.Emitter
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewAggregator wires the aggregator. Metrics may be nil in tests.
func NewAggregator(repo Repo, cfg *config.Manager, emitter events.Emitter, m *metrics.Metrics) *Aggregator {
	return &Aggregator{repo: repo, cfg: cfg, emitter: emitter, metrics: m, now: time.Now}
}

// WithClock overrides the clock; tests only.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Ingest processes one failure signal: accumulate onto the window's open
// incident, else create one if the tenant-hour budget allows, else fold into
// the synthetic overflow incident.
func (a *Aggregator) Ingest(ctx context.Context, sc *storage.Scope, sig Signal) (*Incident, error) {
	if sig.TenantID == "" {
		return nil, fault.MissingParam("tenant_id")
	}
	if sig.TriggerType == "" {
		return nil, fault.MissingParam("trigger_type")
	}
	cfg := a.cfg.Get(sig.TenantID)
	window := time.Duration(cfg.Incidents.AggregationWindowSeconds) * time.Second

	occurred := sig.OccurredAt
	if occurred.IsZero() {
		occurred = a.now().UTC()
	}
	bucket := BucketStart(occurred, window)

	open, err := a.repo.FindOpenByKey(ctx, sc, sig.TenantID, sig.TriggerType, bucket)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return a.accumulate(ctx, sc, open, sig, cfg)
	}

	// Tenant-hour creation budget. Overflow signals share one synthetic
	// incident per tenant-hour rather than vanishing.
	hourStart := occurred.Truncate(time.Hour)
	created, err := a.repo.CountCreatedSince(ctx, sc, sig.TenantID, hourStart)
	if err != nil {
		return nil, err
	}
	if created >= cfg.Incidents.MaxIncidentsPerTenantPerHour {
		return a.overflow(ctx, sc, sig, hourStart, cfg)
	}

	return a.create(ctx, sc, sig, bucket, occurred)
}

func (a *Aggregator) accumulate(ctx context.Context, sc *storage.Scope, inc *Incident, sig Signal, cfg *config.Config) (*Incident, error) {
	inc.CallsAffected++
	inc.CostDeltaCents += sig.CostDeltaCents
	if sig.CallID != "" && len(inc.RelatedCallIDs) < cfg.Incidents.MaxRelatedCallIDs {
		inc.RelatedCallIDs = append(inc.RelatedCallIDs, sig.CallID)
	}
	inc.UpdatedAt = a.now().UTC()

	if escalated, changed := a.severity.Escalate(inc.Severity, inc.CallsAffected); changed {
		previous := inc.Severity
		inc.Severity = escalated
		if err := a.repo.AppendEvent(ctx, sc, &Event{
			IncidentID:  inc.ID,
			EventType:   EventSeverityEscalated,
			Description: fmt.Sprintf("severity escalated from %s to %s at %d calls affected", previous, escalated, inc.CallsAffected),
			Data:        map[string]any{"from": previous, "to": escalated, "calls_affected": inc.CallsAffected},
			CreatedAt:   inc.UpdatedAt,
		}); err != nil {
			return nil, err
		}
		a.emit("incident.severity_escalated", inc.TenantID, inc.ID, map[string]any{
			"from": previous, "to": escalated,
		})
	}

	if err := a.repo.SaveAccumulation(ctx, sc, inc); err != nil {
		return nil, err
	}
	return inc, nil
}

func (a *Aggregator) create(ctx context.Context, sc *storage.Scope, sig Signal, bucket, occurred time.Time) (*Incident, error) {
	now := a.now().UTC()
	inc := &Incident{
		TenantID:       sig.TenantID,
		TriggerType:    sig.TriggerType,
		TriggerValue:   sig.TriggerValue,
		Title:          fmt.Sprintf("%s detected at %s", sig.TriggerType, occurred.Format(time.RFC3339)),
		Severity:       a.severity.For(1),
		Status:         StatusOpen,
		CallsAffected:  1,
		CostDeltaCents: sig.CostDeltaCents,
		WindowStart:    bucket,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if sig.CallID != "" {
		inc.RelatedCallIDs = []string{sig.CallID}
	}

	if err := a.repo.Create(ctx, sc, inc); err != nil {
		return nil, err
	}
	if err := a.repo.AppendEvent(ctx, sc, &Event{
		IncidentID:  inc.ID,
		EventType:   EventCreated,
		Description: inc.Title,
		Data:        map[string]any{"trigger_type": inc.TriggerType, "severity": inc.Severity},
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	if a.metrics != nil {
		a.metrics.RecordIncidentCreated(inc.TriggerType)
	}
	a.emit("incident.created", inc.TenantID, inc.ID, map[string]any{
		"trigger_type": inc.TriggerType,
		"severity":     inc.Severity,
	})
	return inc, nil
}

// overflow folds the signal into the tenant-hour's synthetic incident,
// creating it on first overflow.
func (a *Aggregator) overflow(ctx context.Context, sc *storage.Scope, sig Signal, hourStart time.Time, cfg *config.Config) (*Incident, error) {
	open, err := a.repo.FindOpenByKey(ctx, sc, sig.TenantID, TriggerRateLimitOverflow, hourStart)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return a.accumulate(ctx, sc, open, sig, cfg)
	}

	now := a.now().UTC()
	inc := &Incident{
		TenantID:       sig.TenantID,
		TriggerType:    TriggerRateLimitOverflow,
		TriggerValue:   sig.TriggerType,
		Title:          fmt.Sprintf("incident creation rate limit reached for hour starting %s", hourStart.Format(time.RFC3339)),
		Severity:       SeverityMedium,
		Status:         StatusOpen,
		CallsAffected:  1,
		CostDeltaCents: sig.CostDeltaCents,
		WindowStart:    hourStart,
		StartedAt:      now,
		UpdatedAt:      now,
		AutoAction:     "rate_limited",
	}
	if err := a.repo.Create(ctx, sc, inc); err != nil {
		return nil, err
	}
	if err := a.repo.AppendEvent(ctx, sc, &Event{
		IncidentID:  inc.ID,
		EventType:   EventCreated,
		Description: inc.Title,
		Data:        map[string]any{"suppressed_trigger": sig.TriggerType},
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	slog.Warn("incident creation rate limited",
		"tenant_id", sig.TenantID, "suppressed_trigger", sig.TriggerType)
	a.emit("incident.rate_limited", sig.TenantID, inc.ID, map[string]any{
		"suppressed_trigger": sig.TriggerType,
	})
	return inc, nil
}

// Acknowledge moves an open incident to acknowledged with a timeline entry.
func (a *Aggregator) Acknowledge(ctx context.Context, sc *storage.Scope, tenantID, id, by string) (*Incident, error) {
	inc, err := a.loadMutable(ctx, sc, tenantID, id)
	if err != nil {
		return nil, err
	}
	inc.Status = StatusAcknowledged
	inc.UpdatedAt = a.now().UTC()
	if err := a.repo.SetStatus(ctx, sc, inc); err != nil {
		return nil, err
	}
	if err := a.repo.AppendEvent(ctx, sc, &Event{
		IncidentID:  inc.ID,
		EventType:   EventAcknowledged,
		Description: "acknowledged by " + by,
		Data:        map[string]any{"actor": by},
		CreatedAt:   inc.UpdatedAt,
	}); err != nil {
		return nil, err
	}
	a.emit("incident.acknowledged", tenantID, inc.ID, map[string]any{"actor": by})
	return inc, nil
}

// Resolve closes an incident with a timeline entry.
func (a *Aggregator) Resolve(ctx context.Context, sc *storage.Scope, tenantID, id, by string) (*Incident, error) {
	inc, err := a.loadMutable(ctx, sc, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	inc.Status = StatusResolved
	inc.UpdatedAt = now
	inc.ResolvedAt = &now
	if err := a.repo.SetStatus(ctx, sc, inc); err != nil {
		return nil, err
	}
	if err := a.repo.AppendEvent(ctx, sc, &Event{
		IncidentID:  inc.ID,
		EventType:   EventResolved,
		Description: "resolved by " + by,
		Data:        map[string]any{"actor": by},
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	a.emit("incident.resolved", tenantID, inc.ID, map[string]any{"actor": by})
	return inc, nil
}

// RecordFeedback appends operator feedback to the incident timeline.
func (a *Aggregator) RecordFeedback(ctx context.Context, sc *storage.Scope, tenantID, id, feedback, by string) error {
	inc, err := a.repo.Get(ctx, sc, tenantID, id)
	if err != nil {
		return err
	}
	if inc == nil {
		return fault.NotFound("incident", id)
	}
	return a.repo.AppendEvent(ctx, sc, &Event{
		IncidentID:  inc.ID,
		EventType:   EventFeedback,
		Description: feedback,
		Data:        map[string]any{"actor": by},
		CreatedAt:   a.now().UTC(),
	})
}

func (a *Aggregator) loadMutable(ctx context.Context, sc *storage.Scope, tenantID, id string) (*Incident, error) {
	inc, err := a.repo.Get(ctx, sc, tenantID, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fault.NotFound("incident", id)
	}
	if inc.Status == StatusResolved {
		return nil, fault.New(fault.KindPermanent, fault.CodeAlreadyResolved,
			"incident %s is already resolved", id)
	}
	return inc, nil
}

func (a *Aggregator) emit(eventType, tenantID, subject string, data map[string]any) {
	if a.emitter == nil {
		return
	}
	ev := events.New(eventType, tenantID, events.ActorSystem, "incident_aggregator", subject, data)
	if err := a.emitter.Emit(ev); err != nil {
		slog.Error("incident event rejected", "event_type", eventType, "error", err)
	}
}
