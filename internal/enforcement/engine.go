// Package enforcement makes the per-call quota decision for a tenant's
// integration: status, then budget, then tokens, then rate, most-restrictive
// result wins. Policy violations fail closed; data-source errors fail open
// with the decision marked degraded.
package enforcement

import (
	"context"
	"log/slog"
	"time"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/integrations"
	"github.com/tollgate/controlplane/internal/metrics"
	"github.com/tollgate/controlplane/internal/storage"
)

// Result is the terminal decision, ordered most restrictive first. The
// ordering is load-bearing: Rank drives most-restrictive-wins.
type Result string

const (
	ResultHardBlocked Result = "HARD_BLOCKED"
	ResultBlocked     Result = "BLOCKED"
	ResultThrottled   Result = "THROTTLED"
	ResultWarned      Result = "WARNED"
	ResultAllowed     Result = "ALLOWED"
)

// Rank returns the severity rank; higher is more restrictive.
func (r Result) Rank() int {
	switch r {
	case ResultHardBlocked:
		return 4
	case ResultBlocked:
		return 3
	case ResultThrottled:
		return 2
	case ResultWarned:
		return 1
	default:
		return 0
	}
}

// Allows reports whether the call may proceed.
func (r Result) Allows() bool {
	return r == ResultAllowed || r == ResultWarned
}

// Reason codes carried on decisions.
const (
	ReasonIntegrationNotFound = "integration_not_found"
	ReasonIntegrationDisabled = "integration_disabled"
	ReasonIntegrationError    = "integration_error"
	ReasonCredentialsInvalid  = "credentials_invalid"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonBudgetWarning       = "budget_warning"
	ReasonBudgetDegraded      = "budget_degraded"
	ReasonTokenLimitExceeded  = "token_limit_exceeded"
	ReasonTokenWarning        = "token_warning"
	ReasonTokenDegraded       = "token_degraded"
	ReasonRateLimitExceeded   = "rate_limit_exceeded"
	ReasonRateDegraded        = "rate_degraded"
)

// Reason is one contributing factor on a decision.
type Reason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Decision is the ranked outcome of one quota evaluation.
type Decision struct {
	Result        Result         `json:"result"`
	TenantID      string         `json:"tenant_id"`
	IntegrationID string         `json:"integration_id"`
	Reasons       []Reason       `json:"reasons"`
	Degraded      bool           `json:"degraded"`
	EvaluatedAt   time.Time      `json:"evaluated_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CheckRequest carries the inputs of one evaluation.
type CheckRequest struct {
	TenantID           string
	IntegrationID      string
	EstimatedCostCents int64
	EstimatedTokens    int64
}

// IntegrationReader is the narrow read surface the engine needs from the
// integration registry.
type IntegrationReader interface {
	Get(ctx context.Context, sc *storage.Scope, tenantID, id string) (*integrations.Integration, error)
}

// UsageReader serves the month-to-date sums the budget and token checks need.
type UsageReader interface {
	FetchBudgetUsage(ctx context.Context, sc *storage.Scope, tenantID, integrationID string) (int64, error)
	FetchTokenUsage(ctx context.Context, sc *storage.Scope, tenantID, integrationID string) (int64, error)
}

// RateWindow is the trailing-window call counter. Observe registers the call
// and returns the window count including it, so with limit L the L-th check
// observes L and throttles while the (L-1)-th observes L-1 and passes.
type RateWindow interface {
	Observe(ctx context.Context, sc *storage.Scope, tenantID, integrationID string) (int64, error)
}

// Engine evaluates quota decisions. Stateless; all inputs arrive through the
// readers and the caller's scope.
type Engine struct {
	integrations IntegrationReader
	usage        UsageReader
	rate         RateWindow
	cfg          *config.Manager
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewEngine wires the engine. Metrics may be nil in tests.
func NewEngine(ir IntegrationReader, ur UsageReader, rw RateWindow, cfg *config.Manager, m *metrics.Metrics) *Engine {
	return &Engine{integrations: ir, usage: ur, rate: rw, cfg: cfg, metrics: m, now: time.Now}
}

// WithClock overrides the clock; tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate runs the decision algorithm in strict order. The earliest decisive
// check returns immediately; warning reasons accumulate only once every
// terminal check has passed.
func (e *Engine) Evaluate(ctx context.Context, sc *storage.Scope, req CheckRequest) (*Decision, error) {
	d := &Decision{
		Result:        ResultAllowed,
		TenantID:      req.TenantID,
		IntegrationID: req.IntegrationID,
		EvaluatedAt:   e.now().UTC(),
		Metadata:      map[string]any{},
	}

	integ, err := e.integrations.Get(ctx, sc, req.TenantID, req.IntegrationID)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return e.terminal(d, ResultHardBlocked, Reason{
			Code:    ReasonIntegrationNotFound,
			Message: "integration not found",
		}), nil
	}

	switch integ.Status {
	case integrations.StatusDisabled:
		return e.terminal(d, ResultHardBlocked, Reason{
			Code:    ReasonIntegrationDisabled,
			Message: "integration is disabled",
		}), nil
	case integrations.StatusError:
		return e.terminal(d, ResultHardBlocked, Reason{
			Code:    ReasonIntegrationError,
			Message: "integration is in error state: " + integ.HealthMessage,
		}), nil
	}

	if integ.HealthState == integrations.HealthFailing {
		return e.terminal(d, ResultHardBlocked, Reason{
			Code:    ReasonCredentialsInvalid,
			Message: "integration credentials are failing health checks",
		}), nil
	}

	cfg := e.cfg.Get(req.TenantID)
	warnPct := float64(cfg.Enforcement.WarningThresholdPct) / 100.0
	var warnings []Reason
	var degradedChecks []string

	// Budget: projected spend ≥ limit blocks (inclusive); nearing the limit
	// warns. A failed read degrades the decision instead of blocking it.
	if integ.BudgetLimitCents != nil && *integ.BudgetLimitCents > 0 {
		limit := *integ.BudgetLimitCents
		current, err := e.usage.FetchBudgetUsage(ctx, sc, req.TenantID, req.IntegrationID)
		if err != nil {
			slog.Warn("budget read degraded", "tenant_id", req.TenantID, "integration_id", req.IntegrationID, "error", err)
			d.Degraded = true
			degradedChecks = append(degradedChecks, "budget")
			warnings = append(warnings, Reason{Code: ReasonBudgetDegraded, Message: "budget usage unavailable; decision degraded"})
		} else {
			projected := current + req.EstimatedCostCents
			if projected >= limit {
				d.Metadata["budget_current_cents"] = current
				d.Metadata["budget_limit_cents"] = limit
				return e.terminal(d, ResultBlocked, Reason{
					Code:    ReasonBudgetExceeded,
					Message: "projected spend reaches the budget limit",
					Detail: map[string]any{
						"current_cents":   current,
						"projected_cents": projected,
						"limit_cents":     limit,
					},
				}), nil
			}
			if float64(current) >= warnPct*float64(limit) {
				warnings = append(warnings, Reason{
					Code:    ReasonBudgetWarning,
					Message: "spend is nearing the budget limit",
					Detail: map[string]any{
						"threshold_percent": float64(projected) / float64(limit) * 100,
					},
				})
			}
		}
	}

	// Tokens: same shape as budget.
	if integ.TokenLimitMonth != nil && *integ.TokenLimitMonth > 0 {
		limit := *integ.TokenLimitMonth
		current, err := e.usage.FetchTokenUsage(ctx, sc, req.TenantID, req.IntegrationID)
		if err != nil {
			slog.Warn("token read degraded", "tenant_id", req.TenantID, "integration_id", req.IntegrationID, "error", err)
			d.Degraded = true
			degradedChecks = append(degradedChecks, "tokens")
			warnings = append(warnings, Reason{Code: ReasonTokenDegraded, Message: "token usage unavailable; decision degraded"})
		} else {
			projected := current + req.EstimatedTokens
			if projected >= limit {
				return e.terminal(d, ResultBlocked, Reason{
					Code:    ReasonTokenLimitExceeded,
					Message: "projected tokens reach the monthly limit",
					Detail: map[string]any{
						"current_tokens":   current,
						"projected_tokens": projected,
						"limit_tokens":     limit,
					},
				}), nil
			}
			if float64(current) >= warnPct*float64(limit) {
				warnings = append(warnings, Reason{
					Code:    ReasonTokenWarning,
					Message: "token usage is nearing the monthly limit",
					Detail: map[string]any{
						"threshold_percent": float64(projected) / float64(limit) * 100,
					},
				})
			}
		}
	}

	// Rate: window-bucketed count. Brief overshoot near window edges is
	// accepted as bounded, not exact.
	if integ.RateLimitRPM != nil && *integ.RateLimitRPM > 0 {
		limit := int64(*integ.RateLimitRPM)
		window := time.Duration(cfg.Enforcement.RateLimitWindowSeconds) * time.Second
		count, err := e.rate.Observe(ctx, sc, req.TenantID, req.IntegrationID)
		if err != nil {
			slog.Warn("rate read degraded", "tenant_id", req.TenantID, "integration_id", req.IntegrationID, "error", err)
			d.Degraded = true
			degradedChecks = append(degradedChecks, "rate")
			warnings = append(warnings, Reason{Code: ReasonRateDegraded, Message: "rate window unavailable; decision degraded"})
		} else if count >= limit {
			d.Metadata["retry_after_seconds"] = int(window.Seconds())
			return e.terminal(d, ResultThrottled, Reason{
				Code:    ReasonRateLimitExceeded,
				Message: "rate limit exceeded for the current window",
				Detail: map[string]any{
					"window_count":        count,
					"limit_rpm":           limit,
					"retry_after_seconds": int(window.Seconds()),
				},
			}), nil
		}
	}

	if len(warnings) > 0 {
		d.Result = ResultWarned
		d.Reasons = warnings
	}
	if e.metrics != nil {
		e.metrics.RecordEnforcement(string(d.Result), degradedChecks)
	}
	return d, nil
}

func (e *Engine) terminal(d *Decision, result Result, reason Reason) *Decision {
	d.Result = result
	d.Reasons = []Reason{reason}
	if e.metrics != nil {
		e.metrics.RecordEnforcement(string(result), nil)
	}
	return d
}
