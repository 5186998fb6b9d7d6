package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Incidents   IncidentsConfig   `yaml:"incidents"`
	Snapshots   SnapshotsConfig   `yaml:"snapshots"`
	Envelopes   EnvelopesConfig   `yaml:"envelopes"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Events      EventsConfig      `yaml:"events"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type EnforcementConfig struct {
	WarningThresholdPct    int `yaml:"warning_threshold_pct"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`
}

type IncidentsConfig struct {
	AggregationWindowSeconds     int `yaml:"aggregation_window_seconds"`
	MaxIncidentsPerTenantPerHour int `yaml:"max_incidents_per_tenant_per_hour"`
	IncidentCooldownSeconds      int `yaml:"incident_cooldown_seconds"`
	AutoResolveAfterSeconds      int `yaml:"auto_resolve_after_seconds"`
	MaxRelatedCallIDs            int `yaml:"max_related_call_ids"`
	SweepIntervalSeconds         int `yaml:"sweep_interval_seconds"`
}

type SnapshotsConfig struct {
	AnomalyThresholdPct int   `yaml:"anomaly_threshold_pct"`
	BaselineWindowsDays []int `yaml:"baseline_windows_days"`
	MinBaselineSamples  int   `yaml:"min_baseline_samples"`
}

type EnvelopesConfig struct {
	LearningEnabled       bool `yaml:"learning_enabled"`
	LearningWindowSize    int  `yaml:"learning_window_size"`
	ExpirySweepSeconds    int  `yaml:"expiry_sweep_seconds"`
	CoordinatorLockTTLSec int  `yaml:"coordinator_lock_ttl_seconds"`
}

type MaintenanceConfig struct {
	TaskTimeoutSeconds    int `yaml:"task_timeout_seconds"`
	LockTTLSeconds        int `yaml:"lock_ttl_seconds"`
	OutboxBatchSize       int `yaml:"outbox_batch_size"`
	DeadLetterIdleSeconds int `yaml:"dead_letter_idle_seconds"`
	RetentionDays         int `yaml:"retention_days"`
	MatviewMaxAgeSeconds  int `yaml:"matview_max_age_seconds"`
	RunIntervalSeconds    int `yaml:"run_interval_seconds"`
}

type EventsConfig struct {
	StreamName    string `yaml:"stream_name"`
	ConsumerGroup string `yaml:"consumer_group"`
	BufferSize    int    `yaml:"buffer_size"`
}

// Defaults returns the configuration every deployment starts from. Values
// mirror the recognized options and their documented defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Enforcement: EnforcementConfig{
			WarningThresholdPct:    80,
			RateLimitWindowSeconds: 60,
		},
		Incidents: IncidentsConfig{
			AggregationWindowSeconds:     300,
			MaxIncidentsPerTenantPerHour: 20,
			IncidentCooldownSeconds:      60,
			AutoResolveAfterSeconds:      900,
			MaxRelatedCallIDs:            1000,
			SweepIntervalSeconds:         60,
		},
		Snapshots: SnapshotsConfig{
			AnomalyThresholdPct: 50,
			BaselineWindowsDays: []int{7, 30},
			MinBaselineSamples:  3,
		},
		Envelopes: EnvelopesConfig{
			LearningEnabled:       false,
			LearningWindowSize:    50,
			ExpirySweepSeconds:    30,
			CoordinatorLockTTLSec: 120,
		},
		Maintenance: MaintenanceConfig{
			TaskTimeoutSeconds:    300,
			LockTTLSeconds:        300,
			OutboxBatchSize:       100,
			DeadLetterIdleSeconds: 300,
			RetentionDays:         30,
			MatviewMaxAgeSeconds:  3600,
			RunIntervalSeconds:    300,
		},
		Events: EventsConfig{
			StreamName:    "controlplane:events",
			ConsumerGroup: "shippers",
			BufferSize:    256,
		},
	}
}

// Load reads a YAML config file on top of the defaults. Keys absent from the
// file keep their default values. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would disable safety behavior.
func (c *Config) Validate() error {
	if c.Enforcement.WarningThresholdPct <= 0 || c.Enforcement.WarningThresholdPct > 100 {
		return fmt.Errorf("warning_threshold_pct must be in (0,100], got %d", c.Enforcement.WarningThresholdPct)
	}
	if c.Enforcement.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit_window_seconds must be positive, got %d", c.Enforcement.RateLimitWindowSeconds)
	}
	if c.Incidents.AggregationWindowSeconds <= 0 {
		return fmt.Errorf("aggregation_window_seconds must be positive, got %d", c.Incidents.AggregationWindowSeconds)
	}
	if c.Incidents.MaxIncidentsPerTenantPerHour <= 0 {
		return fmt.Errorf("max_incidents_per_tenant_per_hour must be positive, got %d", c.Incidents.MaxIncidentsPerTenantPerHour)
	}
	if c.Snapshots.AnomalyThresholdPct <= 0 {
		return fmt.Errorf("anomaly_threshold_pct must be positive, got %d", c.Snapshots.AnomalyThresholdPct)
	}
	if len(c.Snapshots.BaselineWindowsDays) == 0 {
		return fmt.Errorf("baseline_windows_days must not be empty")
	}
	if c.Maintenance.LockTTLSeconds < 60 || c.Maintenance.LockTTLSeconds > 600 {
		return fmt.Errorf("lock_ttl_seconds must be in [60,600], got %d", c.Maintenance.LockTTLSeconds)
	}
	if c.Maintenance.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("task_timeout_seconds must be positive, got %d", c.Maintenance.TaskTimeoutSeconds)
	}
	return nil
}
