package snapshot

import (
	"context"
	"time"

	"github.com/tollgate/controlplane/internal/storage"
)

// Anomaly severities, least to most severe.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityFor maps absolute deviation magnitude onto monotonic severity
// bands: below 100% low, below 200% medium, below 400% high, else critical.
func SeverityFor(deviationPct float64) string {
	mag := abs(deviationPct)
	switch {
	case mag < 100:
		return SeverityLow
	case mag < 200:
		return SeverityMedium
	case mag < 400:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Anomaly is one fired detection linked to its snapshot.
type Anomaly struct {
	ID           string
	TenantID     string
	SnapshotID   string
	EntityType   string
	EntityID     string
	DeviationPct float64
	Severity     string
	DetectedAt   time.Time
}

// FetchAnomalies lists the tenant's anomalies over [from, to), newest first.
func (e *Engine) FetchAnomalies(ctx context.Context, sc *storage.Scope, tenantID string, from, to time.Time) ([]*Anomaly, error) {
	rows, err := sc.Query(ctx, `
		SELECT id, tenant_id, snapshot_id, entity_type, entity_id, deviation_pct,
		       severity, detected_at
		FROM cost_anomalies
		WHERE tenant_id = $1 AND detected_at >= $2 AND detected_at < $3
		ORDER BY detected_at DESC`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		var a Anomaly
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SnapshotID, &a.EntityType, &a.EntityID,
			&a.DeviationPct, &a.Severity, &a.DetectedAt); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, &a)
	}
	return out, storage.Classify(rows.Err())
}
