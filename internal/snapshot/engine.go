// Package snapshot computes cost snapshots: periodic rollups of usage at
// four entity levels, baselines over trailing windows, and anomaly detection
// against those baselines. Snapshot identity is (tenant, type, period_start);
// re-running converges to the same rollups and bumps the version instead of
// duplicating the row.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/metrics"
	"github.com/tollgate/controlplane/internal/storage"
	"github.com/tollgate/controlplane/internal/telemetry"
)

// Snapshot types.
const (
	TypeDaily  = "daily"
	TypeHourly = "hourly"
)

// Snapshot states; transitions are monotonic.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Snapshot is the header row for one computation.
type Snapshot struct {
	ID               string
	TenantID         string
	Type             string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Status           string
	Version          int
	RecordsProcessed int
	ComputationMS    int64
	Fingerprint      string
	CompletedAt      *time.Time
	ErrorMessage     string
}

// Aggregate is the per-entity rollup within a snapshot, annotated with the
// current baselines when present.
type Aggregate struct {
	SnapshotID      string
	EntityType      string
	EntityID        string
	Calls           int64
	TokensIn        int64
	TokensOut       int64
	CostCents       int64
	Baseline7d      *float64
	Baseline30d     *float64
	DeviationPct7d  *float64
	DeviationPct30d *float64
}

// RollupReader is the telemetry surface the engine aggregates from.
type RollupReader interface {
	FetchEntityRollups(ctx context.Context, sc *storage.Scope, tenantID string, from, to time.Time) ([]*telemetry.EntityRollup, error)
}

// Engine runs snapshot computations inside a caller-owned scope.
type Engine struct {
	rollups RollupReader
	cfg     *config.Manager
	emitter events.Emitter
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine wires the engine. Metrics may be nil in tests.
func NewEngine(rollups RollupReader, cfg *config.Manager, emitter events.Emitter, m *metrics.Metrics) *Engine {
	return &Engine{rollups: rollups, cfg: cfg, emitter: emitter, metrics: m, now: time.Now}
}

// WithClock overrides the clock; tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// PeriodEnd returns the exclusive end for a snapshot period.
func PeriodEnd(kind string, periodStart time.Time) time.Time {
	if kind == TypeHourly {
		return periodStart.Add(time.Hour)
	}
	return periodStart.Add(24 * time.Hour)
}

// Run executes one snapshot: claim the header row (version bump on re-run),
// aggregate the window, evaluate anomalies, and finalize. Uses a
// SERIALIZABLE scope; concurrent duplicates lose at the unique constraint
// and surface as transient conflicts the caller may retry.
func (e *Engine) Run(ctx context.Context, sc *storage.Scope, tenantID, kind string, periodStart time.Time) (*Snapshot, error) {
	if kind != TypeDaily && kind != TypeHourly {
		return nil, fmt.Errorf("unknown snapshot type %q", kind)
	}
	started := e.now()
	periodStart = periodStart.UTC()

	snap := &Snapshot{
		TenantID:    tenantID,
		Type:        kind,
		PeriodStart: periodStart,
		PeriodEnd:   PeriodEnd(kind, periodStart),
		Status:      StatusPending,
	}

	// Claim: the unique (tenant, type, period_start) constraint makes the
	// insert race-free; a re-run reuses the row and bumps the version.
	row := sc.QueryRow(ctx, `
		INSERT INTO cost_snapshots
			(id, tenant_id, snapshot_type, period_start, period_end, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 1, $6)
		ON CONFLICT (tenant_id, snapshot_type, period_start) DO UPDATE
		SET version = cost_snapshots.version + 1,
		    status = 'pending',
		    error_message = NULL,
		    completed_at = NULL
		RETURNING id, version`,
		uuid.NewString(), tenantID, kind, snap.PeriodStart, snap.PeriodEnd, started.UTC())
	if err := row.Scan(&snap.ID, &snap.Version); err != nil {
		return nil, storage.Classify(err)
	}

	if err := e.setStatus(ctx, sc, snap.ID, StatusRunning, ""); err != nil {
		return nil, err
	}
	snap.Status = StatusRunning

	if err := e.aggregate(ctx, sc, snap); err != nil {
		// Mark failed inside the same scope; the caller still owns the commit.
		if setErr := e.setStatus(ctx, sc, snap.ID, StatusFailed, err.Error()); setErr != nil {
			slog.Error("snapshot fail-mark failed", "snapshot_id", snap.ID, "error", setErr)
		}
		snap.Status = StatusFailed
		snap.ErrorMessage = err.Error()
		if e.metrics != nil {
			e.metrics.RecordSnapshot(kind, StatusFailed, e.now().Sub(started).Seconds())
		}
		return snap, err
	}

	elapsed := e.now().Sub(started)
	snap.ComputationMS = elapsed.Milliseconds()
	completed := e.now().UTC()
	snap.CompletedAt = &completed
	snap.Status = StatusComplete

	_, err := sc.Exec(ctx, `
		UPDATE cost_snapshots
		SET status = 'complete', records_processed = $2, computation_ms = $3,
		    fingerprint = $4, completed_at = $5
		WHERE id = $1`,
		snap.ID, snap.RecordsProcessed, snap.ComputationMS, snap.Fingerprint, completed)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordSnapshot(kind, StatusComplete, elapsed.Seconds())
	}
	e.emit("snapshot.completed", tenantID, snap.ID, map[string]any{
		"snapshot_type":     kind,
		"period_start":      periodStart.Format(time.RFC3339),
		"version":           snap.Version,
		"records_processed": snap.RecordsProcessed,
	})
	return snap, nil
}

func (e *Engine) setStatus(ctx context.Context, sc *storage.Scope, id, status, errMsg string) error {
	_, err := sc.Exec(ctx, `
		UPDATE cost_snapshots SET status = $2, error_message = NULLIF($3, '')
		WHERE id = $1`, id, status, errMsg)
	return err
}

func (e *Engine) aggregate(ctx context.Context, sc *storage.Scope, snap *Snapshot) error {
	rollups, err := e.rollups.FetchEntityRollups(ctx, sc, snap.TenantID, snap.PeriodStart, snap.PeriodEnd)
	if err != nil {
		return err
	}
	snap.RecordsProcessed = len(rollups)
	snap.Fingerprint = Fingerprint(rollups)

	baselines, err := e.loadCurrentBaselines(ctx, sc, snap.TenantID)
	if err != nil {
		return err
	}

	// Previous-version aggregates are replaced wholesale so a re-run
	// converges instead of accumulating.
	if _, err := sc.Exec(ctx,
		`DELETE FROM cost_snapshot_aggregates WHERE snapshot_id = $1`, snap.ID); err != nil {
		return err
	}

	threshold := float64(e.cfg.Get(snap.TenantID).Snapshots.AnomalyThresholdPct)

	for _, r := range rollups {
		agg := &Aggregate{
			SnapshotID: snap.ID,
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Calls:      r.Calls,
			TokensIn:   r.TokensIn,
			TokensOut:  r.TokensOut,
			CostCents:  r.CostCents,
		}
		if b, ok := baselines[baselineKey{r.EntityType, r.EntityID, 7}]; ok {
			agg.Baseline7d = &b.AvgDailyCost
			if dev, ok := DeviationPct(float64(r.CostCents), b.AvgDailyCost); ok {
				agg.DeviationPct7d = &dev
			}
		}
		if b, ok := baselines[baselineKey{r.EntityType, r.EntityID, 30}]; ok {
			agg.Baseline30d = &b.AvgDailyCost
			if dev, ok := DeviationPct(float64(r.CostCents), b.AvgDailyCost); ok {
				agg.DeviationPct30d = &dev
			}
		}

		if _, err := sc.Exec(ctx, `
			INSERT INTO cost_snapshot_aggregates
				(snapshot_id, entity_type, entity_id, calls, tokens_in, tokens_out,
				 cost_cents, baseline_7d, baseline_30d, deviation_pct_7d, deviation_pct_30d)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			agg.SnapshotID, agg.EntityType, agg.EntityID, agg.Calls, agg.TokensIn,
			agg.TokensOut, agg.CostCents, agg.Baseline7d, agg.Baseline30d,
			agg.DeviationPct7d, agg.DeviationPct30d); err != nil {
			return err
		}

		if err := e.evaluateAnomaly(ctx, sc, snap, agg, threshold); err != nil {
			return err
		}
	}
	return nil
}

// evaluateAnomaly writes an evaluation row for every aggregate that has a
// usable 7-day baseline, and an anomaly row for the subset that fired.
// Baseline 0 disables detection; a missing baseline writes nothing.
func (e *Engine) evaluateAnomaly(ctx context.Context, sc *storage.Scope, snap *Snapshot, agg *Aggregate, threshold float64) error {
	if agg.Baseline7d == nil || *agg.Baseline7d <= 0 || agg.DeviationPct7d == nil {
		return nil
	}
	deviation := *agg.DeviationPct7d
	triggered := abs(deviation) >= threshold

	if _, err := sc.Exec(ctx, `
		INSERT INTO cost_anomaly_evaluations
			(id, tenant_id, snapshot_id, entity_type, entity_id, current_cost_cents,
			 baseline_cost, deviation_pct, threshold_pct, triggered, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		uuid.NewString(), snap.TenantID, snap.ID, agg.EntityType, agg.EntityID,
		agg.CostCents, *agg.Baseline7d, deviation, threshold, triggered, e.now().UTC()); err != nil {
		return err
	}

	if !triggered {
		return nil
	}

	severity := SeverityFor(deviation)
	if _, err := sc.Exec(ctx, `
		INSERT INTO cost_anomalies
			(id, tenant_id, snapshot_id, entity_type, entity_id, deviation_pct,
			 severity, detected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		uuid.NewString(), snap.TenantID, snap.ID, agg.EntityType, agg.EntityID,
		deviation, severity, e.now().UTC()); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordAnomaly(severity)
	}
	e.emit("anomaly.detected", snap.TenantID, snap.ID, map[string]any{
		"entity_type":   agg.EntityType,
		"entity_id":     agg.EntityID,
		"deviation_pct": deviation,
		"severity":      severity,
	})
	return nil
}

func (e *Engine) emit(eventType, tenantID, subject string, data map[string]any) {
	if e.emitter == nil {
		return
	}
	ev := events.New(eventType, tenantID, events.ActorSystem, "snapshot_engine", subject, data)
	if err := e.emitter.Emit(ev); err != nil {
		slog.Error("snapshot event rejected", "event_type", eventType, "error", err)
	}
}

// FetchSnapshot reads one snapshot header, nil when absent.
func (e *Engine) FetchSnapshot(ctx context.Context, sc *storage.Scope, tenantID, kind string, periodStart time.Time) (*Snapshot, error) {
	row := sc.QueryRow(ctx, `
		SELECT id, tenant_id, snapshot_type, period_start, period_end, status, version,
		       COALESCE(records_processed, 0), COALESCE(computation_ms, 0),
		       COALESCE(fingerprint, ''), completed_at, COALESCE(error_message, '')
		FROM cost_snapshots
		WHERE tenant_id = $1 AND snapshot_type = $2 AND period_start = $3`,
		tenantID, kind, periodStart.UTC())
	var s Snapshot
	err := row.Scan(&s.ID, &s.TenantID, &s.Type, &s.PeriodStart, &s.PeriodEnd, &s.Status,
		&s.Version, &s.RecordsProcessed, &s.ComputationMS, &s.Fingerprint,
		&s.CompletedAt, &s.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storage.Classify(err)
	}
	return &s, nil
}

// DeviationPct computes the percent deviation of current from baseline.
// The second return is false when the baseline disables detection.
func DeviationPct(current, baseline float64) (float64, bool) {
	if baseline <= 0 {
		return 0, false
	}
	return (current - baseline) / baseline * 100, true
}

// Fingerprint hashes the sorted rollups so convergence of a re-run is
// directly comparable.
func Fingerprint(rollups []*telemetry.EntityRollup) string {
	sorted := make([]*telemetry.EntityRollup, len(rollups))
	copy(sorted, rollups)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].EntityType != sorted[j].EntityType {
			return sorted[i].EntityType < sorted[j].EntityType
		}
		return sorted[i].EntityID < sorted[j].EntityID
	})

	h := sha256.New()
	for _, r := range sorted {
		fmt.Fprintf(h, "%s|%s|%d|%d|%d|%d\n",
			r.EntityType, r.EntityID, r.Calls, r.TokensIn, r.TokensOut, r.CostCents)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
