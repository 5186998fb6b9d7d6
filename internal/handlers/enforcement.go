package handlers

import (
	"context"

	"github.com/tollgate/controlplane/internal/enforcement"
	"github.com/tollgate/controlplane/internal/registry"
)

func registerEnforcement(reg *registry.Registry, d Deps) {
	reg.Register(&registry.Operation{
		Name:          "enforcement.check",
		Layer:         registry.LayerOrchestrator,
		RequiresScope: true,
		Handler:       enforcementCheck(d),
	})
}

// enforcementCheck runs the quota decision without ingesting anything. The
// decision itself rides on the success result even when it blocks; callers
// use this to pre-flight a call.
func enforcementCheck(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		integrationID, err := f.StringParam("integration_id")
		if err != nil {
			return nil, err
		}

		decision, err := d.Enforcement.Evaluate(ctx, f.Scope, enforcement.CheckRequest{
			TenantID:           f.TenantID,
			IntegrationID:      integrationID,
			EstimatedCostCents: f.OptionalInt64("estimated_cost_cents"),
			EstimatedTokens:    f.OptionalInt64("estimated_tokens"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"decision": decision}, nil
	}
}
