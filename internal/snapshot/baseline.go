package snapshot

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/storage"
)

// Baseline is the historical cost mean for one entity over a trailing window.
// Exactly one row per (tenant, entity, window) carries is_current=true.
type Baseline struct {
	ID            string
	TenantID      string
	EntityType    string
	EntityID      string
	WindowDays    int
	AvgDailyCost  float64
	Stddev        float64
	MinDailyCost  float64
	MaxDailyCost  float64
	SamplesCount  int
	LowConfidence bool
	ComputedAt    time.Time
	ValidUntil    time.Time
}

type baselineKey struct {
	entityType string
	entityID   string
	windowDays int
}

// ComputeBaselines derives fresh baselines for every entity seen in the last
// N daily complete snapshots, per configured window, flipping the previous
// current rows in the same scope. Baselines with fewer than the configured
// minimum samples are kept but flagged low-confidence.
func (e *Engine) ComputeBaselines(ctx context.Context, sc *storage.Scope, tenantID string) ([]*Baseline, error) {
	cfg := e.cfg.Get(tenantID)
	now := e.now().UTC()

	var out []*Baseline
	for _, windowDays := range cfg.Snapshots.BaselineWindowsDays {
		samples, err := e.fetchDailySamples(ctx, sc, tenantID, windowDays)
		if err != nil {
			return nil, err
		}

		for key, costs := range samples {
			mean, stddev, min, max := stats(costs)
			b := &Baseline{
				ID:            uuid.NewString(),
				TenantID:      tenantID,
				EntityType:    key.entityType,
				EntityID:      key.entityID,
				WindowDays:    windowDays,
				AvgDailyCost:  mean,
				Stddev:        stddev,
				MinDailyCost:  min,
				MaxDailyCost:  max,
				SamplesCount:  len(costs),
				LowConfidence: len(costs) < cfg.Snapshots.MinBaselineSamples,
				ComputedAt:    now,
				ValidUntil:    now.Add(24 * time.Hour),
			}

			// Flip-then-insert in one scope keeps the one-current invariant.
			if _, err := sc.Exec(ctx, `
				UPDATE cost_snapshot_baselines SET is_current = FALSE
				WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
				  AND window_days = $4 AND is_current`,
				tenantID, b.EntityType, b.EntityID, b.WindowDays); err != nil {
				return nil, err
			}
			if _, err := sc.Exec(ctx, `
				INSERT INTO cost_snapshot_baselines
					(id, tenant_id, entity_type, entity_id, window_days, avg_daily_cost,
					 stddev, min_daily_cost, max_daily_cost, samples_count, low_confidence,
					 computed_at, valid_until, is_current)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,TRUE)`,
				b.ID, b.TenantID, b.EntityType, b.EntityID, b.WindowDays, b.AvgDailyCost,
				b.Stddev, b.MinDailyCost, b.MaxDailyCost, b.SamplesCount, b.LowConfidence,
				b.ComputedAt, b.ValidUntil); err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// fetchDailySamples collects per-entity daily costs from the last windowDays
// of complete daily snapshots.
func (e *Engine) fetchDailySamples(ctx context.Context, sc *storage.Scope, tenantID string, windowDays int) (map[baselineKey][]float64, error) {
	since := e.now().UTC().AddDate(0, 0, -windowDays)
	rows, err := sc.Query(ctx, `
		SELECT a.entity_type, a.entity_id, a.cost_cents
		FROM cost_snapshot_aggregates a
		JOIN cost_snapshots s ON s.id = a.snapshot_id
		WHERE s.tenant_id = $1 AND s.snapshot_type = 'daily'
		  AND s.status = 'complete' AND s.period_start >= $2
		ORDER BY s.period_start`,
		tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make(map[baselineKey][]float64)
	for rows.Next() {
		var entityType, entityID string
		var cost int64
		if err := rows.Scan(&entityType, &entityID, &cost); err != nil {
			return nil, storage.Classify(err)
		}
		key := baselineKey{entityType, entityID, windowDays}
		samples[key] = append(samples[key], float64(cost))
	}
	return samples, storage.Classify(rows.Err())
}

func (e *Engine) loadCurrentBaselines(ctx context.Context, sc *storage.Scope, tenantID string) (map[baselineKey]*Baseline, error) {
	rows, err := sc.Query(ctx, `
		SELECT id, entity_type, entity_id, window_days, avg_daily_cost, stddev,
		       samples_count, low_confidence
		FROM cost_snapshot_baselines
		WHERE tenant_id = $1 AND is_current`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[baselineKey]*Baseline)
	for rows.Next() {
		b := &Baseline{TenantID: tenantID}
		if err := rows.Scan(&b.ID, &b.EntityType, &b.EntityID, &b.WindowDays,
			&b.AvgDailyCost, &b.Stddev, &b.SamplesCount, &b.LowConfidence); err != nil {
			return nil, storage.Classify(err)
		}
		out[baselineKey{b.EntityType, b.EntityID, b.WindowDays}] = b
	}
	return out, storage.Classify(rows.Err())
}

// stats returns mean, population stddev, min, and max of the samples.
func stats(samples []float64) (mean, stddev, min, max float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	min, max = samples[0], samples[0]
	sum := 0.0
	for _, s := range samples {
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	mean = sum / float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		variance += (s - mean) * (s - mean)
	}
	stddev = math.Sqrt(variance / float64(len(samples)))
	return mean, stddev, min, max
}
