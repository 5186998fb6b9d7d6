package handlers

import (
	"context"

	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/integrations"
	"github.com/tollgate/controlplane/internal/registry"
)

func registerIntegrations(reg *registry.Registry, d Deps) {
	write := registry.Methods{
		"create":  integrationCreate(d),
		"update":  integrationUpdate(d),
		"disable": integrationDisable(d),
		"delete":  integrationDelete(d),
	}
	reg.Register(&registry.Operation{
		Name:          "integrations.write",
		Layer:         registry.LayerOrchestrator,
		RequiresScope: true,
		Handler:       write.Dispatch,
	})

	reg.Register(&registry.Operation{
		Name:          "integrations.query",
		Layer:         registry.LayerOrchestrator,
		RequiresScope: true,
		Handler:       integrationsQuery(d),
	})
}

func integrationCreate(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		providerType, err := f.StringParam("provider_type")
		if err != nil {
			return nil, err
		}
		name, err := f.StringParam("name")
		if err != nil {
			return nil, err
		}
		credRef, err := f.StringParam("credential_ref")
		if err != nil {
			return nil, err
		}

		input := integrations.CreateInput{
			TenantID:      f.TenantID,
			ProviderType:  providerType,
			Name:          name,
			CredentialRef: credRef,
		}
		if v := f.OptionalInt64("budget_limit_cents"); v > 0 {
			input.BudgetLimitCents = &v
		}
		if v := f.OptionalInt64("token_limit_month"); v > 0 {
			input.TokenLimitMonth = &v
		}
		if v := int(f.OptionalInt64("rate_limit_rpm")); v > 0 {
			input.RateLimitRPM = &v
		}

		integ, err := d.Integrations.Create(ctx, f.Scope, input)
		if err != nil {
			return nil, err
		}
		return map[string]any{"integration": integ}, nil
	}
}

func integrationUpdate(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		id, err := f.StringParam("integration_id")
		if err != nil {
			return nil, err
		}

		var budget, tokens *int64
		var rpm *int
		if v := f.OptionalInt64("budget_limit_cents"); v > 0 {
			budget = &v
		}
		if v := f.OptionalInt64("token_limit_month"); v > 0 {
			tokens = &v
		}
		if v := int(f.OptionalInt64("rate_limit_rpm")); v > 0 {
			rpm = &v
		}

		if err := d.Integrations.UpdateLimits(ctx, f.Scope, f.TenantID, id, budget, tokens, rpm); err != nil {
			return nil, err
		}
		integ, err := d.Integrations.Get(ctx, f.Scope, f.TenantID, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"integration": integ}, nil
	}
}

func integrationDisable(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		id, err := f.StringParam("integration_id")
		if err != nil {
			return nil, err
		}
		if err := d.Integrations.SetStatus(ctx, f.Scope, f.TenantID, id, integrations.StatusDisabled); err != nil {
			return nil, err
		}
		return map[string]any{"integration_id": id, "status": integrations.StatusDisabled}, nil
	}
}

func integrationDelete(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		id, err := f.StringParam("integration_id")
		if err != nil {
			return nil, err
		}
		if err := d.Integrations.SoftDelete(ctx, f.Scope, f.TenantID, id); err != nil {
			return nil, err
		}
		return map[string]any{"integration_id": id, "deleted": true}, nil
	}
}

func integrationsQuery(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		if id := f.OptionalString("integration_id"); id != "" {
			integ, err := d.Integrations.Get(ctx, f.Scope, f.TenantID, id)
			if err != nil {
				return nil, err
			}
			if integ == nil {
				return nil, fault.NotFound("integration", id)
			}
			return map[string]any{"integration": integ}, nil
		}

		list, err := d.Integrations.List(ctx, f.Scope, f.TenantID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"integrations": list, "count": len(list)}, nil
	}
}
