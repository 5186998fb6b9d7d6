package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 80, cfg.Enforcement.WarningThresholdPct)
	assert.Equal(t, 60, cfg.Enforcement.RateLimitWindowSeconds)
	assert.Equal(t, 300, cfg.Incidents.AggregationWindowSeconds)
	assert.Equal(t, 20, cfg.Incidents.MaxIncidentsPerTenantPerHour)
	assert.Equal(t, 900, cfg.Incidents.AutoResolveAfterSeconds)
	assert.Equal(t, 50, cfg.Snapshots.AnomalyThresholdPct)
	assert.Equal(t, []int{7, 30}, cfg.Snapshots.BaselineWindowsDays)
	assert.False(t, cfg.Envelopes.LearningEnabled)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
enforcement:
  warning_threshold_pct: 90
incidents:
  max_incidents_per_tenant_per_hour: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Enforcement.WarningThresholdPct)
	assert.Equal(t, 5, cfg.Incidents.MaxIncidentsPerTenantPerHour)
	// untouched keys keep defaults
	assert.Equal(t, 60, cfg.Enforcement.RateLimitWindowSeconds)
	assert.Equal(t, 900, cfg.Incidents.AutoResolveAfterSeconds)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cfg := Defaults()
	cfg.Enforcement.WarningThresholdPct = 150
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Maintenance.LockTTLSeconds = 30
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Snapshots.BaselineWindowsDays = nil
	assert.Error(t, cfg.Validate())
}

func TestManagerTenantOverrides(t *testing.T) {
	m := NewManagerFromConfig(Defaults())
	m.SetOverrides("acme", TenantOverrides{WarningThresholdPct: 70, AnomalyThresholdPct: 25})

	acme := m.Get("acme")
	assert.Equal(t, 70, acme.Enforcement.WarningThresholdPct)
	assert.Equal(t, 25, acme.Snapshots.AnomalyThresholdPct)
	// non-overridden keys inherit
	assert.Equal(t, 20, acme.Incidents.MaxIncidentsPerTenantPerHour)

	other := m.Get("other")
	assert.Equal(t, 80, other.Enforcement.WarningThresholdPct)

	// mutation of the returned copy must not leak into the global
	acme.Enforcement.WarningThresholdPct = 1
	assert.Equal(t, 80, m.Global().Enforcement.WarningThresholdPct)
}
