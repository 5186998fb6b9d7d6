package handlers

import (
	"context"
	"time"

	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/registry"
	"github.com/tollgate/controlplane/internal/snapshot"
)

func registerSnapshots(reg *registry.Registry, d Deps) {
	write := registry.Methods{
		"run":      snapshotRun(d),
		"baseline": snapshotBaseline(d),
	}
	reg.Register(&registry.Operation{
		Name:          "snapshots.write",
		Layer:         registry.LayerEngine,
		RequiresScope: true,
		Serializable:  true,
		Handler:       write.Dispatch,
	})

	reg.Register(&registry.Operation{
		Name:          "snapshots.query",
		Layer:         registry.LayerEngine,
		RequiresScope: true,
		Handler:       snapshotsQuery(d),
	})

	reg.Register(&registry.Operation{
		Name:          "anomalies.query",
		Layer:         registry.LayerEngine,
		RequiresScope: true,
		Handler:       anomaliesQuery(d),
	})
}

func snapshotRun(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		kind, err := f.StringParam("snapshot_type")
		if err != nil {
			return nil, err
		}
		if kind != snapshot.TypeDaily && kind != snapshot.TypeHourly {
			return nil, fault.Invalid("snapshot_type must be daily or hourly")
		}
		periodStart, err := periodStartParam(f, kind)
		if err != nil {
			return nil, err
		}

		snap, err := d.Snapshots.Run(ctx, f.Scope, f.TenantID, kind, periodStart)
		if err != nil {
			return nil, err
		}
		return map[string]any{"snapshot": snap}, nil
	}
}

func snapshotBaseline(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		baselines, err := d.Snapshots.ComputeBaselines(ctx, f.Scope, f.TenantID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"baselines": baselines, "count": len(baselines)}, nil
	}
}

func snapshotsQuery(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		kind, err := f.StringParam("snapshot_type")
		if err != nil {
			return nil, err
		}
		periodStart, err := periodStartParam(f, kind)
		if err != nil {
			return nil, err
		}

		snap, err := d.Snapshots.FetchSnapshot(ctx, f.Scope, f.TenantID, kind, periodStart)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, fault.NotFound("snapshot", kind+"/"+periodStart.Format("2006-01-02"))
		}
		return map[string]any{"snapshot": snap}, nil
	}
}

func anomaliesQuery(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		from, to, err := timeRange(f)
		if err != nil {
			return nil, err
		}
		anomalies, err := d.Snapshots.FetchAnomalies(ctx, f.Scope, f.TenantID, from, to)
		if err != nil {
			return nil, err
		}
		return map[string]any{"anomalies": anomalies, "count": len(anomalies)}, nil
	}
}

// periodStartParam parses period_start, defaulting to the period containing
// now. Daily periods accept a date; hourly periods accept RFC3339.
func periodStartParam(f *registry.Frame, kind string) (time.Time, error) {
	if raw := f.OptionalString("period_start"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			return parsed.UTC(), nil
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fault.Invalid("period_start must be YYYY-MM-DD or RFC3339")
		}
		return parsed.UTC(), nil
	}

	now := time.Now().UTC()
	if kind == snapshot.TypeHourly {
		return now.Truncate(time.Hour), nil
	}
	return now.Truncate(24 * time.Hour), nil
}
