package handlers

import (
	"context"
	"time"

	"github.com/tollgate/controlplane/internal/enforcement"
	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/registry"
	"github.com/tollgate/controlplane/internal/telemetry"
)

func registerUsage(reg *registry.Registry, d Deps) {
	ingest := registry.Methods{
		"record": ingestRecord(d),
		"batch":  ingestBatch(d),
	}
	reg.Register(&registry.Operation{
		Name:            "usage.ingest",
		Layer:           registry.LayerOrchestrator,
		RequiresScope:   true,
		RequiresSession: true,
		Handler:         ingest.Dispatch,
	})

	query := registry.Methods{
		"summary":         usageSummary(d),
		"per_integration": usagePerIntegration(d),
		"history":         usageHistory(d),
		"daily":           usageDaily(d),
	}
	reg.Register(&registry.Operation{
		Name:          "usage.query",
		Layer:         registry.LayerOrchestrator,
		RequiresScope: true,
		Handler:       query.Dispatch,
	})
}

// ingestRecord gates one usage record through enforcement before writing it.
// Blocking decisions surface as governance faults; the record is only
// written when the call may proceed.
func ingestRecord(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		rec, err := usageRecordFromParams(f)
		if err != nil {
			return nil, err
		}

		decision, err := d.Enforcement.Evaluate(ctx, f.Scope, enforcement.CheckRequest{
			TenantID:           f.TenantID,
			IntegrationID:      rec.IntegrationID,
			EstimatedCostCents: rec.CostCents,
			EstimatedTokens:    rec.TokensIn + rec.TokensOut,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Result.Allows() {
			return nil, decisionFault(decision)
		}

		rec.PolicyResult = string(decision.Result)
		inserted, err := d.Telemetry.CreateUsage(ctx, f.Scope, rec)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"record_id": rec.ID,
			"inserted":  inserted, // false means the call_id replayed
			"decision":  decision,
		}, nil
	}
}

func ingestBatch(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		raw, ok := f.Params["records"].([]any)
		if !ok || len(raw) == 0 {
			return nil, fault.MissingParam("records")
		}

		recs := make([]*telemetry.UsageRecord, 0, len(raw))
		for _, item := range raw {
			params, ok := item.(map[string]any)
			if !ok {
				return nil, fault.Invalid("records entries must be objects")
			}
			sub := &registry.Frame{TenantID: f.TenantID, Params: params, SessionHandle: f.SessionHandle}
			rec, err := usageRecordFromParams(sub)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}

		// One enforcement pass per distinct integration; the batch fails
		// closed as a whole when any integration is blocked.
		var totalCost, totalTokens int64
		byIntegration := map[string]bool{}
		for _, rec := range recs {
			totalCost += rec.CostCents
			totalTokens += rec.TokensIn + rec.TokensOut
			byIntegration[rec.IntegrationID] = true
		}
		for integrationID := range byIntegration {
			decision, err := d.Enforcement.Evaluate(ctx, f.Scope, enforcement.CheckRequest{
				TenantID:           f.TenantID,
				IntegrationID:      integrationID,
				EstimatedCostCents: totalCost,
				EstimatedTokens:    totalTokens,
			})
			if err != nil {
				return nil, err
			}
			if !decision.Result.Allows() {
				return nil, decisionFault(decision)
			}
			for _, rec := range recs {
				if rec.IntegrationID == integrationID {
					rec.PolicyResult = string(decision.Result)
				}
			}
		}

		inserted, err := d.Telemetry.CreateUsageBatch(ctx, f.Scope, recs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"received": len(recs), "inserted": inserted}, nil
	}
}

func usageRecordFromParams(f *registry.Frame) (*telemetry.UsageRecord, error) {
	integrationID, err := f.StringParam("integration_id")
	if err != nil {
		return nil, err
	}
	callID, err := f.StringParam("call_id")
	if err != nil {
		return nil, err
	}
	provider, err := f.StringParam("provider")
	if err != nil {
		return nil, err
	}
	model, err := f.StringParam("model")
	if err != nil {
		return nil, err
	}

	rec := &telemetry.UsageRecord{
		TenantID:      f.TenantID,
		IntegrationID: integrationID,
		CallID:        callID,
		SessionID:     f.SessionHandle,
		AgentID:       f.OptionalString("agent_id"),
		Feature:       f.OptionalString("feature"),
		Provider:      provider,
		Model:         model,
		TokensIn:      f.OptionalInt64("tokens_in"),
		TokensOut:     f.OptionalInt64("tokens_out"),
		CostCents:     f.OptionalInt64("cost_cents"),
		ErrorCode:     f.OptionalString("error_code"),
		ErrorMessage:  f.OptionalString("error_message"),
	}
	if latency := f.OptionalInt64("latency_ms"); latency > 0 {
		rec.LatencyMS = &latency
	}
	return rec, nil
}

// decisionFault maps a blocking decision onto the governance fault carrying
// the decision's leading reason code.
func decisionFault(d *enforcement.Decision) error {
	reason := ""
	if len(d.Reasons) > 0 {
		reason = d.Reasons[0].Code
	}
	switch reason {
	case enforcement.ReasonBudgetExceeded:
		return fault.New(fault.KindResource, fault.CodeBudgetExceeded, "budget limit reached")
	case enforcement.ReasonTokenLimitExceeded:
		return fault.New(fault.KindResource, fault.CodeBudgetExceeded, "token limit reached")
	case enforcement.ReasonRateLimitExceeded:
		retryAfter := 60 * time.Second
		if v, ok := d.Metadata["retry_after_seconds"].(int); ok {
			retryAfter = time.Duration(v) * time.Second
		}
		return fault.RateLimited(retryAfter, "rate limit exceeded")
	case enforcement.ReasonIntegrationDisabled:
		return fault.New(fault.KindPermission, fault.CodeIntegrationDisabled, "integration is disabled")
	case enforcement.ReasonCredentialsInvalid:
		return fault.New(fault.KindPermission, fault.CodeCredentialsInvalid, "integration credentials are invalid")
	case enforcement.ReasonIntegrationNotFound:
		return fault.NotFound("integration", d.IntegrationID)
	default:
		return fault.New(fault.KindPermission, fault.CodeIntegrationDisabled,
			"call blocked: %s", reason)
	}
}

func usageSummary(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		from, to, err := timeRange(f)
		if err != nil {
			return nil, err
		}
		summary, err := d.Telemetry.FetchUsageSummary(ctx, f.Scope, f.TenantID, from, to)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summary": summary}, nil
	}
}

func usagePerIntegration(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		from, to, err := timeRange(f)
		if err != nil {
			return nil, err
		}
		usage, err := d.Telemetry.FetchPerIntegrationUsage(ctx, f.Scope, f.TenantID, from, to)
		if err != nil {
			return nil, err
		}
		return map[string]any{"integrations": usage}, nil
	}
}

func usageHistory(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		from, to, err := timeRange(f)
		if err != nil {
			return nil, err
		}
		limit := int(f.OptionalInt64("limit"))
		offset := int(f.OptionalInt64("offset"))
		records, err := d.Telemetry.FetchUsageHistory(ctx, f.Scope, f.TenantID, from, to, limit, offset)
		if err != nil {
			return nil, err
		}
		return map[string]any{"records": records, "count": len(records)}, nil
	}
}

func usageDaily(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, f *registry.Frame) (map[string]any, error) {
		from, to, err := timeRange(f)
		if err != nil {
			return nil, err
		}
		aggs, err := d.Telemetry.FetchDailyAggregates(ctx, f.Scope, f.TenantID, from, to)
		if err != nil {
			return nil, err
		}
		return map[string]any{"aggregates": aggs}, nil
	}
}

// timeRange parses the from/to parameters, defaulting to the last 24 hours.
func timeRange(f *registry.Frame) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now

	if raw := f.OptionalString("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fault.Invalid("from must be RFC3339")
		}
		from = parsed
	}
	if raw := f.OptionalString("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fault.Invalid("to must be RFC3339")
		}
		to = parsed
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fault.Invalid("from must precede to")
	}
	return from, to, nil
}
