package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/envelope"
	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/registry"
)

// Control operations run against the in-memory coordinator; audit appends
// open their own scopes, so none of these hold a dispatcher transaction.
func registerControls(reg *registry.Registry, d Deps) {
	reg.Register(&registry.Operation{
		Name:    "controls.apply",
		Layer:   registry.LayerOrchestrator,
		Handler: controlsApply(d),
	})
	reg.Register(&registry.Operation{
		Name:    "controls.revert",
		Layer:   registry.LayerOrchestrator,
		Handler: controlsRevert(d),
	})
	reg.Register(&registry.Operation{
		Name:    "controls.query",
		Layer:   registry.LayerOrchestrator,
		Handler: controlsQuery(d),
	})
	reg.Register(&registry.Operation{
		Name:    "controls.killswitch.read",
		Layer:   registry.LayerOrchestrator,
		Handler: killSwitchRead(d),
	})
	reg.Register(&registry.Operation{
		Name:    "controls.killswitch.write",
		Layer:   registry.LayerOrchestrator,
		Handler: registry.Methods{"activate": killSwitchActivate(d), "rearm": killSwitchRearm(d)}.Dispatch,
	})
}

// controlsApply builds the envelope from the request, validates it, clamps
// the requested target to the declared bounds, and runs the coordination
// protocol. The parameter only moves after the coordinator accepts.
func controlsApply(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		env, target, err := envelopeFromParams(f)
		if err != nil {
			return nil, err
		}

		params := d.Envelopes.Params(f.TenantID)
		key := env.Scope.Key()
		baseline, ok := params.Get(key)
		if !ok {
			baseline = env.Baseline.Value
		}
		env.Baseline.Value = baseline

		if err := env.Validate(); err != nil {
			return nil, err
		}

		bounded := env.Bounds.Clamp(baseline, target)

		coord := d.Envelopes.Coordinator(f.TenantID)
		result, err := coord.Apply(ctx, env, func(b envelope.Baseline) error {
			params.Set(key, b.Value)
			return nil
		})
		if err != nil {
			return nil, err
		}
		params.Set(key, bounded)

		return map[string]any{
			"envelope":        env,
			"result":          result,
			"requested_value": target,
			"effective_value": bounded,
			"baseline_value":  baseline,
		}, nil
	}
}

func controlsRevert(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		id, err := f.StringParam("envelope_id")
		if err != nil {
			return nil, err
		}
		reason := f.OptionalString("reason")
		if reason == "" {
			reason = envelope.RevertManual
		}

		env, err := d.Envelopes.Coordinator(f.TenantID).Revert(ctx, id, reason)
		if err != nil {
			return nil, err
		}
		if env == nil {
			// Second revert of the same envelope is a no-op by contract.
			return map[string]any{"envelope_id": id, "reverted": false}, nil
		}
		return map[string]any{"envelope_id": id, "reverted": true, "envelope": env}, nil
	}
}

func controlsQuery(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		coord := d.Envelopes.Coordinator(f.TenantID)
		if id := f.OptionalString("envelope_id"); id != "" {
			env := coord.Get(id)
			if env == nil {
				return nil, fault.NotFound("envelope", id)
			}
			return map[string]any{"envelope": env}, nil
		}

		active := coord.Active()
		out := map[string]any{
			"envelopes":          active,
			"count":              len(active),
			"kill_switch_active": coord.KillSwitchActive(),
		}
		if suggestions := d.Envelopes.Suggestions(); len(suggestions) > 0 {
			out["suggestions"] = suggestions
		}
		return out, nil
	}
}

func killSwitchRead(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		coord := d.Envelopes.Coordinator(f.TenantID)
		return map[string]any{
			"active":           coord.KillSwitchActive(),
			"active_envelopes": len(coord.Active()),
		}, nil
	}
}

func killSwitchActivate(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		reason, err := f.StringParam("reason")
		if err != nil {
			return nil, err
		}
		triggeredBy := f.OptionalString("triggered_by")
		if triggeredBy == "" {
			triggeredBy = "operator"
		}

		ev, err := d.Envelopes.Coordinator(f.TenantID).Activate(ctx, reason, triggeredBy)
		if err != nil {
			return nil, err
		}
		return map[string]any{"event": ev}, nil
	}
}

func killSwitchRearm(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		by := f.OptionalString("triggered_by")
		if by == "" {
			by = "operator"
		}
		if err := d.Envelopes.Coordinator(f.TenantID).Rearm(ctx, by); err != nil {
			return nil, err
		}
		return map[string]any{"rearmed": true}, nil
	}
}

// envelopeFromParams assembles a proposed envelope plus the requested target
// value. Validation happens later so rejected proposals still audit.
func envelopeFromParams(f *registry.Frame) (*envelope.Envelope, float64, error) {
	class, err := f.StringParam("class")
	if err != nil {
		return nil, 0, err
	}
	subsystem, err := f.StringParam("subsystem")
	if err != nil {
		return nil, 0, err
	}
	parameter, err := f.StringParam("parameter")
	if err != nil {
		return nil, 0, err
	}
	target, err := f.Float64Param("target_value")
	if err != nil {
		return nil, 0, err
	}
	deltaType, err := f.StringParam("delta_type")
	if err != nil {
		return nil, 0, err
	}
	maxInc, err := f.Float64Param("max_increase")
	if err != nil {
		return nil, 0, err
	}
	maxDec, err := f.Float64Param("max_decrease")
	if err != nil {
		return nil, 0, err
	}
	duration, err := f.Int64Param("max_duration_seconds")
	if err != nil {
		return nil, 0, err
	}

	id := f.OptionalString("envelope_id")
	if id == "" {
		id = uuid.NewString()
	}
	refID := f.OptionalString("baseline_reference_id")
	if refID == "" {
		refID = uuid.NewString()
	}

	revertOn := []string{
		envelope.RevertPredictionExpired,
		envelope.RevertPredictionDeleted,
		envelope.RevertKillSwitch,
	}
	if raw, ok := f.Params["revert_on"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok && !contains(revertOn, s) {
				revertOn = append(revertOn, s)
			}
		}
	}

	env := &envelope.Envelope{
		ID:    id,
		Class: class,
		Scope: envelope.Scope{Subsystem: subsystem, Parameter: parameter},
		Bounds: envelope.Bounds{
			DeltaType:   deltaType,
			MaxIncrease: maxInc,
			MaxDecrease: maxDec,
		},
		Timebox: envelope.Timebox{
			MaxDurationSeconds: int(duration),
			HardExpiry:         true,
		},
		Baseline: envelope.Baseline{
			Source:      "runtime_params",
			ReferenceID: refID,
		},
		RevertOn: revertOn,
		Trigger: envelope.Trigger{
			PredictionType: f.OptionalString("prediction_type"),
		},
		Lifecycle: envelope.LifecycleProposed,
	}
	if ceiling, err := f.Float64Param("absolute_ceiling"); err == nil {
		env.Bounds.AbsoluteCeiling = ceiling
	}
	if conf, err := f.Float64Param("min_confidence"); err == nil {
		env.Trigger.MinConfidence = conf
	}
	if v, err := f.Float64Param("baseline_value"); err == nil {
		env.Baseline.Value = v
	}
	return env, target, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
