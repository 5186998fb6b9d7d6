// Package integrations manages provider integrations: the per-tenant
// configuration rows that carry budget, token, and rate limits plus the
// credential reference into the customer vault. Integrations are tombstoned,
// never hard-deleted; telemetry keeps pointing at the row.
package integrations

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/storage"
	"github.com/tollgate/controlplane/internal/vault"
)

// Integration statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusError    = "error"
)

// Health states.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthFailing  = "failing"
)

// Integration is one provider binding for a tenant. Limit fields are nil when
// the tenant opted out of that control.
type Integration struct {
	ID              string
	TenantID        string
	ProviderType    string
	Name            string
	Status          string
	HealthState     string
	HealthMessage   string
	BudgetLimitCents *int64
	TokenLimitMonth  *int64
	RateLimitRPM     *int
	CredentialRef    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// CreateInput carries the caller-supplied fields for a new integration.
type CreateInput struct {
	TenantID         string
	ProviderType     string
	Name             string
	CredentialRef    string
	BudgetLimitCents *int64
	TokenLimitMonth  *int64
	RateLimitRPM     *int
}

// Registry performs row-level integration operations inside a caller-owned
// scope.
type Registry struct {
	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// WithClock overrides the clock; tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

const integrationColumns = `id, tenant_id, provider_type, name, status, health_state,
	COALESCE(health_message, ''), budget_limit_cents, token_limit_month, rate_limit_rpm,
	credential_ref, created_at, updated_at, deleted_at`

func scanIntegration(scanner interface{ Scan(...any) error }) (*Integration, error) {
	var in Integration
	err := scanner.Scan(
		&in.ID, &in.TenantID, &in.ProviderType, &in.Name, &in.Status, &in.HealthState,
		&in.HealthMessage, &in.BudgetLimitCents, &in.TokenLimitMonth, &in.RateLimitRPM,
		&in.CredentialRef, &in.CreatedAt, &in.UpdatedAt, &in.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// Create validates the credential reference and inserts the integration in
// active, healthy state.
func (r *Registry) Create(ctx context.Context, sc *storage.Scope, input CreateInput) (*Integration, error) {
	if input.TenantID == "" {
		return nil, fault.MissingParam("tenant_id")
	}
	if input.ProviderType == "" {
		return nil, fault.MissingParam("provider_type")
	}
	if input.Name == "" {
		return nil, fault.MissingParam("name")
	}
	if _, err := vault.ParseRef(input.CredentialRef); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	in := &Integration{
		ID:               uuid.NewString(),
		TenantID:         input.TenantID,
		ProviderType:     input.ProviderType,
		Name:             input.Name,
		Status:           StatusActive,
		HealthState:      HealthHealthy,
		BudgetLimitCents: input.BudgetLimitCents,
		TokenLimitMonth:  input.TokenLimitMonth,
		RateLimitRPM:     input.RateLimitRPM,
		CredentialRef:    input.CredentialRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err := sc.Exec(ctx, `
		INSERT INTO integrations
			(id, tenant_id, provider_type, name, status, health_state,
			 budget_limit_cents, token_limit_month, rate_limit_rpm,
			 credential_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		in.ID, in.TenantID, in.ProviderType, in.Name, in.Status, in.HealthState,
		in.BudgetLimitCents, in.TokenLimitMonth, in.RateLimitRPM,
		in.CredentialRef, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fault.New(fault.KindPermanent, fault.CodeAlreadyExists,
				"integration %q already exists for tenant", input.Name)
		}
		return nil, err
	}
	return in, nil
}

// Get returns a live (non-tombstoned) integration.
func (r *Registry) Get(ctx context.Context, sc *storage.Scope, tenantID, id string) (*Integration, error) {
	row := sc.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id)
	in, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storage.Classify(err)
	}
	return in, nil
}

// List returns the tenant's live integrations ordered by creation.
func (r *Registry) List(ctx context.Context, sc *storage.Scope, tenantID string) ([]*Integration, error) {
	rows, err := sc.Query(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, in)
	}
	return out, storage.Classify(rows.Err())
}

// UpdateLimits replaces the quota limits; nil clears a limit.
func (r *Registry) UpdateLimits(ctx context.Context, sc *storage.Scope, tenantID, id string,
	budget, tokens *int64, rpm *int) error {
	res, err := sc.Exec(ctx, `
		UPDATE integrations
		SET budget_limit_cents = $3, token_limit_month = $4, rate_limit_rpm = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id, budget, tokens, rpm, r.now().UTC())
	if err != nil {
		return err
	}
	return r.mustHit(res, id)
}

// SetStatus transitions the integration status.
func (r *Registry) SetStatus(ctx context.Context, sc *storage.Scope, tenantID, id, status string) error {
	if status != StatusActive && status != StatusDisabled && status != StatusError {
		return fault.Invalid("unknown integration status %q", status)
	}
	res, err := sc.Exec(ctx, `
		UPDATE integrations SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id, status, r.now().UTC())
	if err != nil {
		return err
	}
	return r.mustHit(res, id)
}

// SetHealth records the probe verdict for the integration.
func (r *Registry) SetHealth(ctx context.Context, sc *storage.Scope, tenantID, id, health, message string) error {
	if health != HealthHealthy && health != HealthDegraded && health != HealthFailing {
		return fault.Invalid("unknown health state %q", health)
	}
	res, err := sc.Exec(ctx, `
		UPDATE integrations SET health_state = $3, health_message = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id, health, message, r.now().UTC())
	if err != nil {
		return err
	}
	return r.mustHit(res, id)
}

// SoftDelete tombstones the integration. Usage history keeps referencing it.
func (r *Registry) SoftDelete(ctx context.Context, sc *storage.Scope, tenantID, id string) error {
	res, err := sc.Exec(ctx, `
		UPDATE integrations SET deleted_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id, r.now().UTC())
	if err != nil {
		return err
	}
	return r.mustHit(res, id)
}

func (r *Registry) mustHit(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Classify(err)
	}
	if n == 0 {
		return fault.NotFound("integration", id)
	}
	return nil
}
