package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverrides is the subset of options a tenant may tune. Zero values
// mean "inherit the global setting".
type TenantOverrides struct {
	WarningThresholdPct          int `yaml:"warning_threshold_pct"`
	AnomalyThresholdPct          int `yaml:"anomaly_threshold_pct"`
	MaxIncidentsPerTenantPerHour int `yaml:"max_incidents_per_tenant_per_hour"`
	AutoResolveAfterSeconds      int `yaml:"auto_resolve_after_seconds"`
	MaxRelatedCallIDs            int `yaml:"max_related_call_ids"`
}

// TenantsFile is the on-disk shape of the tenant overrides file.
type TenantsFile struct {
	Tenants map[string]TenantOverrides `yaml:"tenants"`
}

// Manager resolves the effective configuration per tenant: global config with
// per-tenant overrides merged on top.
type Manager struct {
	global    *Config
	overrides map[string]TenantOverrides
	mu        sync.RWMutex
}

// NewManager loads the global config and, if present, the tenant overrides
// file. A missing overrides file yields a manager serving pure globals.
func NewManager(globalPath, tenantsPath string) (*Manager, error) {
	global, err := Load(globalPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{global: global, overrides: make(map[string]TenantOverrides)}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var tf TenantsFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, err
	}
	if tf.Tenants != nil {
		m.overrides = tf.Tenants
	}
	return m, nil
}

// NewManagerFromConfig wraps an already-loaded config; used by tests and by
// binaries that build their config programmatically.
func NewManagerFromConfig(global *Config) *Manager {
	return &Manager{global: global, overrides: make(map[string]TenantOverrides)}
}

// SetOverrides replaces the overrides for one tenant at runtime.
func (m *Manager) SetOverrides(tenantID string, o TenantOverrides) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[tenantID] = o
}

// Global returns the tenant-independent configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Get returns the effective config for a tenant, merging any overrides onto a
// copy of the global config. The returned value is the caller's to keep.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	if o, ok := m.overrides[tenantID]; ok {
		if o.WarningThresholdPct != 0 {
			effective.Enforcement.WarningThresholdPct = o.WarningThresholdPct
		}
		if o.AnomalyThresholdPct != 0 {
			effective.Snapshots.AnomalyThresholdPct = o.AnomalyThresholdPct
		}
		if o.MaxIncidentsPerTenantPerHour != 0 {
			effective.Incidents.MaxIncidentsPerTenantPerHour = o.MaxIncidentsPerTenantPerHour
		}
		if o.AutoResolveAfterSeconds != 0 {
			effective.Incidents.AutoResolveAfterSeconds = o.AutoResolveAfterSeconds
		}
		if o.MaxRelatedCallIDs != 0 {
			effective.Incidents.MaxRelatedCallIDs = o.MaxRelatedCallIDs
		}
	}

	return &effective
}
