package handlers

import (
	"context"
	"time"

	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/incidents"
	"github.com/tollgate/controlplane/internal/registry"
)

func registerIncidents(reg *registry.Registry, d Deps) {
	write := registry.Methods{
		"ingest":      incidentIngest(d),
		"acknowledge": incidentAcknowledge(d),
		"resolve":     incidentResolve(d),
	}
	reg.Register(&registry.Operation{
		Name:          "incidents.write",
		Layer:         registry.LayerOrchestrator,
		RequiresScope: true,
		Handler:       write.Dispatch,
	})

	reg.Register(&registry.Operation{
		Name:          "incidents.query",
		Layer:         registry.LayerOrchestrator,
		RequiresScope: true,
		Handler:       incidentsQuery(d),
	})

	reg.Register(&registry.Operation{
		Name:          "activity.signal_feedback",
		Layer:         registry.LayerOrchestrator,
		RequiresScope: true,
		Handler:       signalFeedback(d),
	})
}

func incidentIngest(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		triggerType, err := f.StringParam("trigger_type")
		if err != nil {
			return nil, err
		}

		occurred := time.Now().UTC()
		if raw := f.OptionalString("occurred_at"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, fault.Invalid("occurred_at must be RFC3339")
			}
			occurred = parsed
		}

		inc, err := d.Incidents.Ingest(ctx, f.Scope, incidents.Signal{
			TenantID:       f.TenantID,
			TriggerType:    triggerType,
			TriggerValue:   f.OptionalString("trigger_value"),
			CallID:         f.OptionalString("call_id"),
			CostDeltaCents: f.OptionalInt64("cost_delta_cents"),
			OccurredAt:     occurred,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"incident": inc}, nil
	}
}

func incidentAcknowledge(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		id, err := f.StringParam("incident_id")
		if err != nil {
			return nil, err
		}
		by := f.OptionalString("acknowledged_by")
		if by == "" {
			by = "operator"
		}

		inc, err := d.Incidents.Acknowledge(ctx, f.Scope, f.TenantID, id, by)
		if err != nil {
			return nil, err
		}
		return map[string]any{"incident": inc}, nil
	}
}

func incidentResolve(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		id, err := f.StringParam("incident_id")
		if err != nil {
			return nil, err
		}
		by := f.OptionalString("resolved_by")
		if by == "" {
			by = "operator"
		}

		inc, err := d.Incidents.Resolve(ctx, f.Scope, f.TenantID, id, by)
		if err != nil {
			return nil, err
		}
		return map[string]any{"incident": inc}, nil
	}
}

func incidentsQuery(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		if id := f.OptionalString("incident_id"); id != "" {
			inc, err := d.IncidentRepo.Get(ctx, f.Scope, f.TenantID, id)
			if err != nil {
				return nil, err
			}
			if inc == nil {
				return nil, fault.NotFound("incident", id)
			}
			return map[string]any{"incident": inc}, nil
		}

		limit := int(f.OptionalInt64("limit"))
		list, err := d.IncidentRepo.ListOpen(ctx, f.Scope, f.TenantID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"incidents": list, "count": len(list)}, nil
	}
}

func signalFeedback(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		id, err := f.StringParam("incident_id")
		if err != nil {
			return nil, err
		}
		feedback, err := f.StringParam("feedback")
		if err != nil {
			return nil, err
		}
		by := f.OptionalString("submitted_by")
		if by == "" {
			by = "operator"
		}

		if err := d.Incidents.RecordFeedback(ctx, f.Scope, f.TenantID, id, feedback, by); err != nil {
			return nil, err
		}
		return map[string]any{"incident_id": id, "recorded": true}, nil
	}
}
