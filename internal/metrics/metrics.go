// Package metrics registers the Prometheus instruments shared across the
// control plane and exposes typed record helpers so callers never touch label
// ordering directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// Dispatch metrics
	OperationTotal    *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Enforcement metrics
	EnforcementDecisions *prometheus.CounterVec
	EnforcementDegraded  *prometheus.CounterVec

	// Coordination metrics
	CoordinationDecisions *prometheus.CounterVec
	ActiveEnvelopes       prometheus.Gauge
	KillSwitchActive      prometheus.Gauge

	// Snapshot metrics
	SnapshotDuration *prometheus.HistogramVec
	AnomaliesFired   *prometheus.CounterVec

	// Incident metrics
	IncidentsCreated *prometheus.CounterVec
	OpenIncidents    *prometheus.GaugeVec

	// Maintenance metrics
	TaskDuration *prometheus.HistogramVec
	TaskOutcomes *prometheus.CounterVec
}

// New creates and registers all control-plane metrics on the default
// registry. Call once per process.
func New() *Metrics {
	return &Metrics{
		OperationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_operations_total",
				Help: "Total operations dispatched, by name and result code",
			},
			[]string{"operation", "code"},
		),

		OperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_operation_duration_seconds",
				Help:    "End-to-end dispatch latency per operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		EnforcementDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_enforcement_decisions_total",
				Help: "Quota decisions by terminal result",
			},
			[]string{"result"}, // ALLOWED, WARNED, THROTTLED, BLOCKED, HARD_BLOCKED
		),

		EnforcementDegraded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_enforcement_degraded_total",
				Help: "Decisions taken despite a data-source error",
			},
			[]string{"check"}, // budget, tokens, rate
		),

		CoordinationDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_coordination_decisions_total",
				Help: "Envelope coordinator decisions by type and class",
			},
			[]string{"decision", "class"}, // decision: applied, rejected, preempted, expired
		),

		ActiveEnvelopes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_active_envelopes",
				Help: "Envelopes currently in the active set",
			},
		),

		KillSwitchActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_kill_switch_active",
				Help: "Whether the kill switch is engaged (1) or armed for normal operation (0)",
			},
		),

		SnapshotDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_snapshot_duration_seconds",
				Help:    "Cost snapshot computation time",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"type", "status"}, // type: daily, hourly; status: complete, failed
		),

		AnomaliesFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_anomalies_total",
				Help: "Anomalies fired by severity",
			},
			[]string{"severity"},
		),

		IncidentsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_incidents_created_total",
				Help: "Incidents created by trigger type",
			},
			[]string{"trigger_type"},
		),

		OpenIncidents: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_open_incidents",
				Help: "Open incidents per tenant",
			},
			[]string{"tenant_id"},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_maintenance_task_duration_seconds",
				Help:    "Maintenance task run time",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
			},
			[]string{"task"},
		),

		TaskOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_maintenance_task_outcomes_total",
				Help: "Maintenance task outcomes",
			},
			[]string{"task", "outcome"}, // outcome: ok, failed, timeout, skipped
		),
	}
}

// RecordOperation records one dispatched operation.
func (m *Metrics) RecordOperation(operation, code string, seconds float64) {
	m.OperationTotal.WithLabelValues(operation, code).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordEnforcement records a quota decision outcome.
func (m *Metrics) RecordEnforcement(result string, degradedChecks []string) {
	m.EnforcementDecisions.WithLabelValues(result).Inc()
	for _, check := range degradedChecks {
		m.EnforcementDegraded.WithLabelValues(check).Inc()
	}
}

// RecordCoordination records one coordinator decision and the resulting
// active-set size.
func (m *Metrics) RecordCoordination(decision, class string, activeCount int) {
	m.CoordinationDecisions.WithLabelValues(decision, class).Inc()
	m.ActiveEnvelopes.Set(float64(activeCount))
}

// SetKillSwitch flips the kill-switch gauge.
func (m *Metrics) SetKillSwitch(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.KillSwitchActive.Set(v)
}

// RecordSnapshot records one snapshot run.
func (m *Metrics) RecordSnapshot(snapshotType, status string, seconds float64) {
	m.SnapshotDuration.WithLabelValues(snapshotType, status).Observe(seconds)
}

// RecordAnomaly counts a fired anomaly.
func (m *Metrics) RecordAnomaly(severity string) {
	m.AnomaliesFired.WithLabelValues(severity).Inc()
}

// RecordIncidentCreated counts a new incident.
func (m *Metrics) RecordIncidentCreated(triggerType string) {
	m.IncidentsCreated.WithLabelValues(triggerType).Inc()
}

// RecordTask records a maintenance task outcome.
func (m *Metrics) RecordTask(task, outcome string, seconds float64) {
	m.TaskDuration.WithLabelValues(task).Observe(seconds)
	m.TaskOutcomes.WithLabelValues(task, outcome).Inc()
}
