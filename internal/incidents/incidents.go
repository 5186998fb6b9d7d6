// Package incidents groups failure signals into time-windowed incidents.
// Incidents key on (tenant, trigger_type, window bucket); creation is
// rate-limited per tenant-hour with overflow folded into a synthetic
// incident, and idle incidents are auto-resolved by a sweeper.
package incidents

import (
	"time"
)

// Incident statuses.
const (
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// TriggerRateLimitOverflow is the synthetic trigger that absorbs signals
// arriving after a tenant exhausts its hourly incident budget.
const TriggerRateLimitOverflow = "rate_limit_overflow"

// Timeline event types.
const (
	EventCreated           = "incident_created"
	EventSeverityEscalated = "severity_escalated"
	EventAcknowledged      = "incident_acknowledged"
	EventResolved          = "incident_resolved"
	EventAutoResolved      = "auto_resolved"
	EventFeedback          = "operator_feedback"
)

// Incident is one grouped record of failures within a window.
type Incident struct {
	ID             string
	TenantID       string
	TriggerType    string
	TriggerValue   string
	Title          string
	Severity       string
	Status         string
	CallsAffected  int64
	CostDeltaCents int64
	WindowStart    time.Time
	StartedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
	RelatedCallIDs []string
	AutoAction     string
}

// Event is one timeline entry on an incident.
type Event struct {
	ID         string
	IncidentID string
	EventType  string
	Description string
	Data       map[string]any
	CreatedAt  time.Time
}

// Signal is one failure observation driven into the aggregator.
type Signal struct {
	TenantID       string
	TriggerType    string
	TriggerValue   string
	CallID         string
	CostDeltaCents int64
	OccurredAt     time.Time
}

// BucketStart truncates an event time to its aggregation window.
func BucketStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}
