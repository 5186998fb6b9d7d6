package enforcement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/integrations"
	"github.com/tollgate/controlplane/internal/storage"
)

type fakeIntegrations struct {
	integ *integrations.Integration
	err   error
}

func (f *fakeIntegrations) Get(context.Context, *storage.Scope, string, string) (*integrations.Integration, error) {
	return f.integ, f.err
}

type fakeUsage struct {
	budget    int64
	budgetErr error
	tokens    int64
	tokensErr error
}

func (f *fakeUsage) FetchBudgetUsage(context.Context, *storage.Scope, string, string) (int64, error) {
	return f.budget, f.budgetErr
}

func (f *fakeUsage) FetchTokenUsage(context.Context, *storage.Scope, string, string) (int64, error) {
	return f.tokens, f.tokensErr
}

type fakeRate struct {
	count int64
	err   error
}

func (f *fakeRate) Observe(context.Context, *storage.Scope, string, string) (int64, error) {
	return f.count, f.err
}

func i64(v int64) *int64 { return &v }
func iv(v int) *int      { return &v }

func healthyIntegration() *integrations.Integration {
	return &integrations.Integration{
		ID:          "int-1",
		TenantID:    "tenant-a",
		Status:      integrations.StatusActive,
		HealthState: integrations.HealthHealthy,
	}
}

func testEngine(ir IntegrationReader, ur UsageReader, rw RateWindow) *Engine {
	return NewEngine(ir, ur, rw, config.NewManagerFromConfig(config.Defaults()), nil)
}

func evaluate(t *testing.T, e *Engine, req CheckRequest) *Decision {
	t.Helper()
	if req.TenantID == "" {
		req.TenantID = "tenant-a"
	}
	if req.IntegrationID == "" {
		req.IntegrationID = "int-1"
	}
	d, err := e.Evaluate(context.Background(), nil, req)
	require.NoError(t, err)
	return d
}

func TestUnknownIntegrationHardBlocks(t *testing.T) {
	e := testEngine(&fakeIntegrations{}, &fakeUsage{}, &fakeRate{})
	d := evaluate(t, e, CheckRequest{})
	assert.Equal(t, ResultHardBlocked, d.Result)
	assert.Equal(t, ReasonIntegrationNotFound, d.Reasons[0].Code)
	assert.False(t, d.Result.Allows())
}

func TestDisabledIntegrationHardBlocks(t *testing.T) {
	integ := healthyIntegration()
	integ.Status = integrations.StatusDisabled
	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{}, &fakeRate{})

	d := evaluate(t, e, CheckRequest{})
	assert.Equal(t, ResultHardBlocked, d.Result)
	assert.Equal(t, ReasonIntegrationDisabled, d.Reasons[0].Code)
}

func TestErrorStateIntegrationHardBlocks(t *testing.T) {
	integ := healthyIntegration()
	integ.Status = integrations.StatusError
	integ.HealthState = integrations.HealthFailing
	integ.HealthMessage = "provider rejected credentials"
	integ.BudgetLimitCents = i64(1000)

	// Budget already exhausted: the error status still decides alone.
	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{budget: 5000}, &fakeRate{})
	d := evaluate(t, e, CheckRequest{EstimatedCostCents: 100})
	assert.Equal(t, ResultHardBlocked, d.Result)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, ReasonIntegrationError, d.Reasons[0].Code)
	assert.Contains(t, d.Reasons[0].Message, "provider rejected credentials")
}

func TestFailingHealthHardBlocks(t *testing.T) {
	integ := healthyIntegration()
	integ.HealthState = integrations.HealthFailing
	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{}, &fakeRate{})

	d := evaluate(t, e, CheckRequest{})
	assert.Equal(t, ResultHardBlocked, d.Result)
	assert.Equal(t, ReasonCredentialsInvalid, d.Reasons[0].Code)
}

func TestNoLimitsAllows(t *testing.T) {
	e := testEngine(&fakeIntegrations{integ: healthyIntegration()}, &fakeUsage{}, &fakeRate{})
	d := evaluate(t, e, CheckRequest{EstimatedCostCents: 500, EstimatedTokens: 10000})
	assert.Equal(t, ResultAllowed, d.Result)
	assert.True(t, d.Result.Allows())
	assert.Empty(t, d.Reasons)
}

func TestBudgetLimitIsInclusive(t *testing.T) {
	integ := healthyIntegration()
	integ.BudgetLimitCents = i64(1000)

	// Projected exactly at the limit blocks.
	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{budget: 900}, &fakeRate{})
	d := evaluate(t, e, CheckRequest{EstimatedCostCents: 100})
	assert.Equal(t, ResultBlocked, d.Result)
	assert.Equal(t, ReasonBudgetExceeded, d.Reasons[0].Code)

	// One cent under passes (and warns, since 900 is past 80% of 1000).
	d = evaluate(t, e, CheckRequest{EstimatedCostCents: 99})
	assert.Equal(t, ResultWarned, d.Result)
	assert.Equal(t, ReasonBudgetWarning, d.Reasons[0].Code)
}

func TestTokenLimitBlocks(t *testing.T) {
	integ := healthyIntegration()
	integ.TokenLimitMonth = i64(1_000_000)
	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{tokens: 999_000}, &fakeRate{})

	d := evaluate(t, e, CheckRequest{EstimatedTokens: 2000})
	assert.Equal(t, ResultBlocked, d.Result)
	assert.Equal(t, ReasonTokenLimitExceeded, d.Reasons[0].Code)
}

func TestRateLimitBoundary(t *testing.T) {
	integ := healthyIntegration()
	integ.RateLimitRPM = iv(60)

	// Observe returns the count including this call: the 60th call in the
	// window observes 60 and throttles.
	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{}, &fakeRate{count: 60})
	d := evaluate(t, e, CheckRequest{})
	assert.Equal(t, ResultThrottled, d.Result)
	assert.Equal(t, ReasonRateLimitExceeded, d.Reasons[0].Code)
	assert.Equal(t, 60, d.Metadata["retry_after_seconds"])

	// The 59th observes 59 and passes.
	e = testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{}, &fakeRate{count: 59})
	d = evaluate(t, e, CheckRequest{})
	assert.Equal(t, ResultAllowed, d.Result)
}

func TestBudgetBlockWinsOverRate(t *testing.T) {
	integ := healthyIntegration()
	integ.BudgetLimitCents = i64(1000)
	integ.RateLimitRPM = iv(60)

	// Both checks would fire; budget is evaluated first and is more
	// restrictive, so the decision never reaches the rate window.
	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{budget: 2000}, &fakeRate{count: 100})
	d := evaluate(t, e, CheckRequest{EstimatedCostCents: 1})
	assert.Equal(t, ResultBlocked, d.Result)
	assert.Equal(t, ReasonBudgetExceeded, d.Reasons[0].Code)
}

func TestDegradedReadsFailOpen(t *testing.T) {
	integ := healthyIntegration()
	integ.BudgetLimitCents = i64(1000)
	integ.TokenLimitMonth = i64(1_000_000)
	integ.RateLimitRPM = iv(60)

	e := testEngine(&fakeIntegrations{integ: integ},
		&fakeUsage{budgetErr: errors.New("store down"), tokensErr: errors.New("store down")},
		&fakeRate{err: errors.New("redis down")})

	d := evaluate(t, e, CheckRequest{EstimatedCostCents: 100})
	assert.True(t, d.Degraded)
	assert.Equal(t, ResultWarned, d.Result)
	assert.True(t, d.Result.Allows())

	codes := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		codes = append(codes, r.Code)
	}
	assert.ElementsMatch(t, []string{ReasonBudgetDegraded, ReasonTokenDegraded, ReasonRateDegraded}, codes)
}

func TestWarningsAccumulate(t *testing.T) {
	integ := healthyIntegration()
	integ.BudgetLimitCents = i64(1000)
	integ.TokenLimitMonth = i64(1000)

	e := testEngine(&fakeIntegrations{integ: integ}, &fakeUsage{budget: 850, tokens: 900}, &fakeRate{})
	d := evaluate(t, e, CheckRequest{EstimatedCostCents: 1, EstimatedTokens: 1})
	assert.Equal(t, ResultWarned, d.Result)
	assert.Len(t, d.Reasons, 2)
}

func TestResultRankOrdering(t *testing.T) {
	ordered := []Result{ResultAllowed, ResultWarned, ResultThrottled, ResultBlocked, ResultHardBlocked}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank())
	}
	assert.True(t, ResultWarned.Allows())
	assert.False(t, ResultThrottled.Allows())
}
