// Package tenancy manages tenants, their API keys, and the tenant context
// every request carries. The tenant is the top-level isolation unit: every
// row and every decision is scoped to exactly one.
package tenancy

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/storage"
)

// Tenant statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Tenant is the isolation root for every other entity.
type Tenant struct {
	TenantID  string
	Status    string
	CreatedAt time.Time
}

// APIKey is the stored half of a tenant credential. Only the bcrypt hash of
// the secret is persisted; the full key is shown once at mint time.
type APIKey struct {
	KeyID     string
	TenantID  string
	Name      string
	KeyHash   string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

const keyPrefix = "cpl_"

// Manager loads tenants and validates API keys against the store.
type Manager struct {
	store *storage.Store
}

func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

// GetTenant fetches a tenant row, nil when absent.
func (m *Manager) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t *Tenant
	err := m.store.RunInScope(ctx, func(sc *storage.Scope) error {
		row := sc.QueryRow(ctx,
			`SELECT tenant_id, status, created_at FROM tenants WHERE tenant_id = $1`,
			tenantID)
		var got Tenant
		if err := row.Scan(&got.TenantID, &got.Status, &got.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return storage.Classify(err)
		}
		t = &got
		return nil
	})
	return t, err
}

// LoadTenant validates that the tenant exists and is active.
func (m *Manager) LoadTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	t, err := m.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fault.NotFound("tenant", tenantID)
	}
	if t.Status != StatusActive {
		return nil, fault.New(fault.KindPermission, fault.CodeIntegrationDisabled,
			"tenant %s is %s", tenantID, t.Status)
	}
	return t, nil
}

// CreateTenant inserts a tenant in active status.
func (m *Manager) CreateTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	t := &Tenant{TenantID: tenantID, Status: StatusActive, CreatedAt: time.Now().UTC()}
	err := m.store.RunInScope(ctx, func(sc *storage.Scope) error {
		_, err := sc.Exec(ctx,
			`INSERT INTO tenants (tenant_id, status, created_at) VALUES ($1, $2, $3)`,
			t.TenantID, t.Status, t.CreatedAt)
		return err
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fault.New(fault.KindPermanent, fault.CodeAlreadyExists,
				"tenant %s already exists", tenantID)
		}
		return nil, err
	}
	return t, nil
}

// MintAPIKey creates a key with format cpl_<key_id>.<secret> and returns the
// full key exactly once. The secret half is stored only as a bcrypt hash.
func (m *Manager) MintAPIKey(ctx context.Context, tenantID, name string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		KeyID:     keyID,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	err = m.store.RunInScope(ctx, func(sc *storage.Scope) error {
		_, err := sc.Exec(ctx,
			`INSERT INTO api_keys (key_id, tenant_id, name, key_hash, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			key.KeyID, key.TenantID, key.Name, key.KeyHash, key.IsActive, key.CreatedAt)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return key, fullKey, nil
}

// ValidateAPIKey checks a presented key and returns the owning tenant.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*Tenant, error) {
	keyID, secret, err := splitKey(fullKey)
	if err != nil {
		return nil, err
	}

	var key APIKey
	found := false
	err = m.store.RunInScope(ctx, func(sc *storage.Scope) error {
		row := sc.QueryRow(ctx,
			`SELECT key_id, tenant_id, key_hash, is_active, expires_at
			 FROM api_keys WHERE key_id = $1`, keyID)
		if err := row.Scan(&key.KeyID, &key.TenantID, &key.KeyHash, &key.IsActive, &key.ExpiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return storage.Classify(err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, invalidKey()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, invalidKey()
	}
	if !key.IsActive {
		return nil, invalidKey()
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, invalidKey()
	}

	return m.LoadTenant(ctx, key.TenantID)
}

func splitKey(fullKey string) (keyID, secret string, err error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return "", "", invalidKey()
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, keyPrefix), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", invalidKey()
	}
	return parts[0], parts[1], nil
}

func invalidKey() error {
	return fault.New(fault.KindPermission, fault.CodeCredentialsInvalid, "invalid api key")
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant stamps the tenant id onto the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID extracts the tenant id from the context.
func TenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", fault.New(fault.KindPermission, fault.CodeSessionRequired, "tenant context missing")
	}
	return id, nil
}
