package incidents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tollgate/controlplane/internal/storage"
)

// Repo is the persistence surface the aggregator works against. The SQL
// implementation below is the production one; tests substitute a fake.
type Repo interface {
	FindOpenByKey(ctx context.Context, sc *storage.Scope, tenantID, triggerType string, windowStart time.Time) (*Incident, error)
	CountCreatedSince(ctx context.Context, sc *storage.Scope, tenantID string, since time.Time) (int, error)
	Create(ctx context.Context, sc *storage.Scope, inc *Incident) error
	SaveAccumulation(ctx context.Context, sc *storage.Scope, inc *Incident) error
	Get(ctx context.Context, sc *storage.Scope, tenantID, id string) (*Incident, error)
	SetStatus(ctx context.Context, sc *storage.Scope, inc *Incident) error
	AppendEvent(ctx context.Context, sc *storage.Scope, ev *Event) error
	FindIdleOpen(ctx context.Context, sc *storage.Scope, idleSince time.Time) ([]*Incident, error)
}

// SQLRepo persists incidents in the incidents and incident_events tables.
type SQLRepo struct{}

func NewSQLRepo() *SQLRepo { return &SQLRepo{} }

const incidentColumns = `id, tenant_id, trigger_type, COALESCE(trigger_value, ''), title, severity,
	status, calls_affected, cost_delta_cents, window_start, started_at, updated_at,
	resolved_at, related_call_ids, COALESCE(auto_action, '')`

func scanIncident(scanner interface{ Scan(...any) error }) (*Incident, error) {
	var inc Incident
	var related pq.StringArray
	err := scanner.Scan(&inc.ID, &inc.TenantID, &inc.TriggerType, &inc.TriggerValue,
		&inc.Title, &inc.Severity, &inc.Status, &inc.CallsAffected, &inc.CostDeltaCents,
		&inc.WindowStart, &inc.StartedAt, &inc.UpdatedAt, &inc.ResolvedAt,
		&related, &inc.AutoAction)
	if err != nil {
		return nil, err
	}
	inc.RelatedCallIDs = related
	return &inc, nil
}

// FindOpenByKey locks the open incident for the window key so concurrent
// signals accumulate instead of racing. Uses the blessed row-lock primitive.
func (r *SQLRepo) FindOpenByKey(ctx context.Context, sc *storage.Scope, tenantID, triggerType string, windowStart time.Time) (*Incident, error) {
	row := sc.LockRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE tenant_id = $1 AND trigger_type = $2 AND window_start = $3
		  AND status != 'resolved'
		FOR UPDATE`,
		tenantID, triggerType, windowStart)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storage.Classify(err)
	}
	return inc, nil
}

func (r *SQLRepo) CountCreatedSince(ctx context.Context, sc *storage.Scope, tenantID string, since time.Time) (int, error) {
	row := sc.QueryRow(ctx, `
		SELECT COUNT(*) FROM incidents
		WHERE tenant_id = $1 AND started_at >= $2 AND trigger_type != $3`,
		tenantID, since, TriggerRateLimitOverflow)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, storage.Classify(err)
	}
	return n, nil
}

func (r *SQLRepo) Create(ctx context.Context, sc *storage.Scope, inc *Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	_, err := sc.Exec(ctx, `
		INSERT INTO incidents
			(id, tenant_id, trigger_type, trigger_value, title, severity, status,
			 calls_affected, cost_delta_cents, window_start, started_at, updated_at,
			 related_call_ids, auto_action)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''))`,
		inc.ID, inc.TenantID, inc.TriggerType, inc.TriggerValue, inc.Title, inc.Severity,
		inc.Status, inc.CallsAffected, inc.CostDeltaCents, inc.WindowStart,
		inc.StartedAt, inc.UpdatedAt, pq.Array(inc.RelatedCallIDs), inc.AutoAction)
	return err
}

func (r *SQLRepo) SaveAccumulation(ctx context.Context, sc *storage.Scope, inc *Incident) error {
	_, err := sc.Exec(ctx, `
		UPDATE incidents
		SET calls_affected = $2, cost_delta_cents = $3, severity = $4,
		    related_call_ids = $5, updated_at = $6
		WHERE id = $1`,
		inc.ID, inc.CallsAffected, inc.CostDeltaCents, inc.Severity,
		pq.Array(inc.RelatedCallIDs), inc.UpdatedAt)
	return err
}

func (r *SQLRepo) Get(ctx context.Context, sc *storage.Scope, tenantID, id string) (*Incident, error) {
	row := sc.QueryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storage.Classify(err)
	}
	return inc, nil
}

func (r *SQLRepo) SetStatus(ctx context.Context, sc *storage.Scope, inc *Incident) error {
	_, err := sc.Exec(ctx, `
		UPDATE incidents SET status = $2, updated_at = $3, resolved_at = $4
		WHERE id = $1`,
		inc.ID, inc.Status, inc.UpdatedAt, inc.ResolvedAt)
	return err
}

func (r *SQLRepo) AppendEvent(ctx context.Context, sc *storage.Scope, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = sc.Exec(ctx, `
		INSERT INTO incident_events (id, incident_id, event_type, description, data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.IncidentID, ev.EventType, ev.Description, data, ev.CreatedAt)
	return err
}

func (r *SQLRepo) FindIdleOpen(ctx context.Context, sc *storage.Scope, idleSince time.Time) ([]*Incident, error) {
	rows, err := sc.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE status != 'resolved' AND updated_at < $1
		ORDER BY updated_at`, idleSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, inc)
	}
	return out, storage.Classify(rows.Err())
}

// ListOpen returns the tenant's unresolved incidents, newest first.
func (r *SQLRepo) ListOpen(ctx context.Context, sc *storage.Scope, tenantID string, limit int) ([]*Incident, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := sc.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE tenant_id = $1 AND status != 'resolved'
		ORDER BY started_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, inc)
	}
	return out, storage.Classify(rows.Err())
}
