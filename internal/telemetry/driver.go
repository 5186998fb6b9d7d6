// Package telemetry is the pure-I/O driver for usage and cost records. It
// writes append-only rows and serves derived reads inside a caller-owned
// scope; it never commits and never interprets policy.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/storage"
)

// UsageRecord is one immutable record of a governed LLM call. Uniqueness on
// (tenant_id, call_id) makes ingestion at-most-once.
type UsageRecord struct {
	ID            string
	TenantID      string
	IntegrationID string
	CallID        string
	SessionID     string
	AgentID       string
	Feature       string
	Provider      string
	Model         string
	TokensIn      int64
	TokensOut     int64
	CostCents     int64
	LatencyMS     *int64
	PolicyResult  string
	ErrorCode     string
	ErrorMessage  string
	CreatedAt     time.Time
}

// DailyAggregate is the idempotent per-day rollup derived from usage records.
type DailyAggregate struct {
	TenantID      string
	IntegrationID string
	Date          time.Time
	Calls         int64
	TokensIn      int64
	TokensOut     int64
	CostCents     int64
	Errors        int64
}

// UsageSummary is the tenant-level rollup over a time range.
type UsageSummary struct {
	Calls     int64
	TokensIn  int64
	TokensOut int64
	CostCents int64
	Errors    int64
}

// IntegrationUsage is the per-integration slice of a summary.
type IntegrationUsage struct {
	IntegrationID string
	UsageSummary
}

// EntityRollup is one grouped aggregation row feeding snapshot computation.
// EntityID is empty at the tenant level.
type EntityRollup struct {
	EntityType string
	EntityID   string
	Calls      int64
	TokensIn   int64
	TokensOut  int64
	CostCents  int64
}

// Snapshot entity levels, in the order the snapshot engine aggregates them.
const (
	EntityTenant  = "tenant"
	EntityUser    = "user"
	EntityFeature = "feature"
	EntityModel   = "model"
)

// Driver executes telemetry row operations against a provided scope.
type Driver struct {
	now func() time.Time
}

func NewDriver() *Driver {
	return &Driver{now: time.Now}
}

// WithClock overrides the clock; tests only.
func (d *Driver) WithClock(now func() time.Time) *Driver {
	d.now = now
	return d
}

const insertUsageQuery = `
INSERT INTO usage_records
	(id, tenant_id, integration_id, call_id, session_id, agent_id, feature,
	 provider, model, tokens_in, tokens_out, cost_cents, latency_ms,
	 policy_result, error_code, error_message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (tenant_id, call_id) DO NOTHING`

// CreateUsage appends one usage record. A duplicate call_id is silently
// absorbed; the return value reports whether a row was actually written.
func (d *Driver) CreateUsage(ctx context.Context, sc *storage.Scope, rec *UsageRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now().UTC()
	}
	res, err := sc.Exec(ctx, insertUsageQuery,
		rec.ID, rec.TenantID, rec.IntegrationID, rec.CallID,
		nullable(rec.SessionID), nullable(rec.AgentID), nullable(rec.Feature),
		rec.Provider, rec.Model, rec.TokensIn, rec.TokensOut, rec.CostCents,
		rec.LatencyMS, nullable(rec.PolicyResult), nullable(rec.ErrorCode),
		nullable(rec.ErrorMessage), rec.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Classify(err)
	}
	return n == 1, nil
}

// CreateUsageBatch appends a batch of records and reports how many rows were
// actually inserted, so callers observe idempotent replays.
func (d *Driver) CreateUsageBatch(ctx context.Context, sc *storage.Scope, recs []*UsageRecord) (int, error) {
	inserted := 0
	for _, rec := range recs {
		ok, err := d.CreateUsage(ctx, sc, rec)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// FetchUsageSummary rolls up the tenant's usage over [from, to).
func (d *Driver) FetchUsageSummary(ctx context.Context, sc *storage.Scope, tenantID string, from, to time.Time) (*UsageSummary, error) {
	row := sc.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens_in), 0),
		       COALESCE(SUM(tokens_out), 0),
		       COALESCE(SUM(cost_cents), 0),
		       COUNT(*) FILTER (WHERE error_code IS NOT NULL)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		tenantID, from, to)
	var s UsageSummary
	if err := row.Scan(&s.Calls, &s.TokensIn, &s.TokensOut, &s.CostCents, &s.Errors); err != nil {
		return nil, storage.Classify(err)
	}
	return &s, nil
}

// FetchPerIntegrationUsage slices the summary by integration.
func (d *Driver) FetchPerIntegrationUsage(ctx context.Context, sc *storage.Scope, tenantID string, from, to time.Time) ([]*IntegrationUsage, error) {
	rows, err := sc.Query(ctx, `
		SELECT integration_id,
		       COUNT(*),
		       COALESCE(SUM(tokens_in), 0),
		       COALESCE(SUM(tokens_out), 0),
		       COALESCE(SUM(cost_cents), 0),
		       COUNT(*) FILTER (WHERE error_code IS NOT NULL)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY integration_id
		ORDER BY SUM(cost_cents) DESC`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IntegrationUsage
	for rows.Next() {
		var u IntegrationUsage
		if err := rows.Scan(&u.IntegrationID, &u.Calls, &u.TokensIn, &u.TokensOut, &u.CostCents, &u.Errors); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, &u)
	}
	return out, storage.Classify(rows.Err())
}

// FetchUsageHistory pages through raw records, newest first.
func (d *Driver) FetchUsageHistory(ctx context.Context, sc *storage.Scope, tenantID string, from, to time.Time, limit, offset int) ([]*UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := sc.Query(ctx, `
		SELECT id, tenant_id, integration_id, call_id,
		       COALESCE(session_id, ''), COALESCE(agent_id, ''), COALESCE(feature, ''),
		       provider, model, tokens_in, tokens_out, cost_cents, latency_ms,
		       COALESCE(policy_result, ''), COALESCE(error_code, ''),
		       COALESCE(error_message, ''), created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		tenantID, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.IntegrationID, &r.CallID,
			&r.SessionID, &r.AgentID, &r.Feature, &r.Provider, &r.Model,
			&r.TokensIn, &r.TokensOut, &r.CostCents, &r.LatencyMS,
			&r.PolicyResult, &r.ErrorCode, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, &r)
	}
	return out, storage.Classify(rows.Err())
}

// UpsertDailyAggregate writes the rollup for one (tenant, integration, date);
// re-derivation overwrites with the fresh totals.
func (d *Driver) UpsertDailyAggregate(ctx context.Context, sc *storage.Scope, agg *DailyAggregate) error {
	_, err := sc.Exec(ctx, `
		INSERT INTO usage_daily
			(tenant_id, integration_id, date, calls, tokens_in, tokens_out, cost_cents, errors, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, integration_id, date) DO UPDATE
		SET calls = EXCLUDED.calls,
		    tokens_in = EXCLUDED.tokens_in,
		    tokens_out = EXCLUDED.tokens_out,
		    cost_cents = EXCLUDED.cost_cents,
		    errors = EXCLUDED.errors,
		    computed_at = EXCLUDED.computed_at`,
		agg.TenantID, agg.IntegrationID, agg.Date, agg.Calls,
		agg.TokensIn, agg.TokensOut, agg.CostCents, agg.Errors, d.now().UTC())
	return err
}

// FetchDailyAggregates reads the per-day rollups over [from, to].
func (d *Driver) FetchDailyAggregates(ctx context.Context, sc *storage.Scope, tenantID string, from, to time.Time) ([]*DailyAggregate, error) {
	rows, err := sc.Query(ctx, `
		SELECT tenant_id, integration_id, date, calls, tokens_in, tokens_out, cost_cents, errors
		FROM usage_daily
		WHERE tenant_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, integration_id`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyAggregate
	for rows.Next() {
		var a DailyAggregate
		if err := rows.Scan(&a.TenantID, &a.IntegrationID, &a.Date, &a.Calls,
			&a.TokensIn, &a.TokensOut, &a.CostCents, &a.Errors); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, &a)
	}
	return out, storage.Classify(rows.Err())
}

// FetchBudgetUsage returns month-to-date spend in cents for the integration.
func (d *Driver) FetchBudgetUsage(ctx context.Context, sc *storage.Scope, tenantID, integrationID string) (int64, error) {
	return d.monthToDate(ctx, sc, tenantID, integrationID, "COALESCE(SUM(cost_cents), 0)")
}

// FetchTokenUsage returns month-to-date tokens (in + out) for the integration.
func (d *Driver) FetchTokenUsage(ctx context.Context, sc *storage.Scope, tenantID, integrationID string) (int64, error) {
	return d.monthToDate(ctx, sc, tenantID, integrationID, "COALESCE(SUM(tokens_in + tokens_out), 0)")
}

func (d *Driver) monthToDate(ctx context.Context, sc *storage.Scope, tenantID, integrationID, expr string) (int64, error) {
	now := d.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	row := sc.QueryRow(ctx, `
		SELECT `+expr+`
		FROM usage_records
		WHERE tenant_id = $1 AND integration_id = $2 AND created_at >= $3`,
		tenantID, integrationID, monthStart)
	var total int64
	if err := row.Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, storage.Classify(err)
	}
	return total, nil
}

// FetchRateCount counts the integration's calls within the trailing window.
// Serves as the fallback rate source when the Redis window is unavailable.
func (d *Driver) FetchRateCount(ctx context.Context, sc *storage.Scope, tenantID, integrationID string, window time.Duration) (int64, error) {
	row := sc.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM usage_records
		WHERE tenant_id = $1 AND integration_id = $2 AND created_at >= $3`,
		tenantID, integrationID, d.now().UTC().Add(-window))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, storage.Classify(err)
	}
	return n, nil
}

// FetchEntityRollups groups the window's usage at the four snapshot entity
// levels in one pass per level. Rows with an empty grouping column fold into
// the "unattributed" bucket rather than vanishing from totals.
func (d *Driver) FetchEntityRollups(ctx context.Context, sc *storage.Scope, tenantID string, from, to time.Time) ([]*EntityRollup, error) {
	var out []*EntityRollup

	tenant, err := d.FetchUsageSummary(ctx, sc, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	out = append(out, &EntityRollup{
		EntityType: EntityTenant,
		Calls:      tenant.Calls,
		TokensIn:   tenant.TokensIn,
		TokensOut:  tenant.TokensOut,
		CostCents:  tenant.CostCents,
	})

	for entityType, column := range map[string]string{
		EntityUser:    "agent_id",
		EntityFeature: "feature",
		EntityModel:   "model",
	} {
		rows, err := sc.Query(ctx, `
			SELECT COALESCE(NULLIF(`+column+`, ''), 'unattributed'),
			       COUNT(*),
			       COALESCE(SUM(tokens_in), 0),
			       COALESCE(SUM(tokens_out), 0),
			       COALESCE(SUM(cost_cents), 0)
			FROM usage_records
			WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
			GROUP BY 1`,
			tenantID, from, to)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			r := &EntityRollup{EntityType: entityType}
			if err := rows.Scan(&r.EntityID, &r.Calls, &r.TokensIn, &r.TokensOut, &r.CostCents); err != nil {
				rows.Close()
				return nil, storage.Classify(err)
			}
			out = append(out, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, storage.Classify(err)
		}
		rows.Close()
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
