package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/controlplane/internal/fault"
)

func proposed(id, class, subsystem, parameter string) *Envelope {
	return &Envelope{
		ID:    id,
		Class: class,
		Scope: Scope{Subsystem: subsystem, Parameter: parameter},
		Bounds: Bounds{
			DeltaType:   DeltaAbsolute,
			MaxIncrease: 10,
			MaxDecrease: 10,
		},
		Timebox:   Timebox{MaxDurationSeconds: 300, HardExpiry: true},
		Baseline:  Baseline{Source: "config", ReferenceID: "ref-1", Value: 100},
		RevertOn:  []string{RevertPredictionExpired, RevertPredictionDeleted, RevertKillSwitch},
		Trigger:   Trigger{PredictionType: "cost_spike", MinConfidence: 0.8},
		Lifecycle: LifecycleProposed,
	}
}

func validated(t *testing.T, id, class, subsystem, parameter string) *Envelope {
	t.Helper()
	env := proposed(id, class, subsystem, parameter)
	require.NoError(t, env.Validate())
	return env
}

func noopRevert(Baseline) error { return nil }

func testCoordinator() (*Coordinator, *MemoryRecorder) {
	rec := NewMemoryRecorder()
	return NewCoordinator("tenant-a", rec, nil, nil, nil), rec
}

func TestValidateGates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing subsystem", func(e *Envelope) { e.Scope.Subsystem = "" }},
		{"missing parameter", func(e *Envelope) { e.Scope.Parameter = "" }},
		{"adaptive bounds", func(e *Envelope) { e.Bounds.DeltaType = DeltaAdaptive }},
		{"unknown delta type", func(e *Envelope) { e.Bounds.DeltaType = "relative" }},
		{"zero duration", func(e *Envelope) { e.Timebox.MaxDurationSeconds = 0 }},
		{"missing baseline reference", func(e *Envelope) { e.Baseline.ReferenceID = "" }},
		{"missing kill switch subscription", func(e *Envelope) {
			e.RevertOn = []string{RevertPredictionExpired, RevertPredictionDeleted}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := proposed("env-1", ClassCost, "inference", "max_batch_size")
			tt.mutate(env)
			err := env.Validate()
			require.Error(t, err)
			assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))
			assert.Equal(t, LifecycleProposed, env.Lifecycle)
		})
	}
}

func TestValidateTransitionsLifecycle(t *testing.T) {
	env := proposed("env-1", ClassCost, "inference", "max_batch_size")
	require.NoError(t, env.Validate())
	assert.Equal(t, LifecycleValidated, env.Lifecycle)

	// A second validate sees the wrong lifecycle.
	require.Error(t, env.Validate())
}

func TestApplyRejectsUnvalidated(t *testing.T) {
	coord, _ := testCoordinator()
	env := proposed("env-1", ClassCost, "inference", "max_batch_size")

	_, err := coord.Apply(context.Background(), env, noopRevert)
	require.Error(t, err)
	assert.Equal(t, fault.KindProgrammer, fault.KindOf(err))
}

func TestApplyRegistersEnvelope(t *testing.T) {
	coord, rec := testCoordinator()
	env := validated(t, "env-1", ClassCost, "inference", "max_batch_size")

	res, err := coord.Apply(context.Background(), env, noopRevert)
	require.NoError(t, err)
	assert.Equal(t, "env-1", res.EnvelopeID)
	assert.Empty(t, res.PreemptedIDs)
	assert.Equal(t, LifecycleActive, env.Lifecycle)
	require.NotNil(t, coord.Get("env-1"))

	audits := rec.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, DecisionApplied, audits[0].Decision)
}

func TestSameParameterConflictRejected(t *testing.T) {
	coord, rec := testCoordinator()
	first := validated(t, "env-1", ClassExperiment, "inference", "max_batch_size")
	_, err := coord.Apply(context.Background(), first, noopRevert)
	require.NoError(t, err)

	// Higher priority does not matter: same parameter is a hard conflict.
	second := validated(t, "env-2", ClassSafety, "inference", "max_batch_size")
	_, err = coord.Apply(context.Background(), second, noopRevert)
	require.Error(t, err)
	assert.Equal(t, fault.CodeConflict, fault.CodeOf(err))
	assert.Equal(t, LifecycleActive, first.Lifecycle)

	audits := rec.Audits()
	require.Len(t, audits, 2)
	assert.Equal(t, DecisionRejected, audits[1].Decision)
	assert.Equal(t, "env-1", audits[1].ConflictingEnvelopeID)
}

func TestPriorityPreemptionWithinSubsystem(t *testing.T) {
	coord, rec := testCoordinator()
	low := validated(t, "env-low", ClassExperiment, "inference", "temperature")

	restored := false
	_, err := coord.Apply(context.Background(), low, func(b Baseline) error {
		restored = true
		assert.Equal(t, 100.0, b.Value)
		return nil
	})
	require.NoError(t, err)

	high := validated(t, "env-high", ClassSafety, "inference", "max_batch_size")
	res, err := coord.Apply(context.Background(), high, noopRevert)
	require.NoError(t, err)
	assert.Equal(t, []string{"env-low"}, res.PreemptedIDs)
	assert.True(t, restored)
	assert.Equal(t, LifecycleReverted, low.Lifecycle)
	assert.Equal(t, RevertPreempted, low.RevertReason)
	assert.Nil(t, coord.Get("env-low"))

	var preemptions int
	for _, a := range rec.Audits() {
		if a.Decision == DecisionPreempted {
			preemptions++
			assert.Equal(t, "env-high", a.PreemptingEnvelopeID)
		}
	}
	assert.Equal(t, 1, preemptions)
}

func TestEqualPriorityCoexists(t *testing.T) {
	coord, _ := testCoordinator()
	a := validated(t, "env-a", ClassCost, "inference", "temperature")
	b := validated(t, "env-b", ClassCost, "inference", "max_batch_size")

	_, err := coord.Apply(context.Background(), a, noopRevert)
	require.NoError(t, err)
	res, err := coord.Apply(context.Background(), b, noopRevert)
	require.NoError(t, err)
	assert.Empty(t, res.PreemptedIDs)
	assert.Len(t, coord.Active(), 2)
}

func TestOtherSubsystemNotPreempted(t *testing.T) {
	coord, _ := testCoordinator()
	low := validated(t, "env-low", ClassExperiment, "retrieval", "top_k")
	high := validated(t, "env-high", ClassSafety, "inference", "max_batch_size")

	_, err := coord.Apply(context.Background(), low, noopRevert)
	require.NoError(t, err)
	res, err := coord.Apply(context.Background(), high, noopRevert)
	require.NoError(t, err)
	assert.Empty(t, res.PreemptedIDs)
	assert.NotNil(t, coord.Get("env-low"))
}

func TestRevertIsIdempotent(t *testing.T) {
	coord, _ := testCoordinator()
	env := validated(t, "env-1", ClassCost, "inference", "max_batch_size")

	calls := 0
	_, err := coord.Apply(context.Background(), env, func(Baseline) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	got, err := coord.Revert(context.Background(), "env-1", RevertManual)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, LifecycleReverted, got.Lifecycle)
	assert.Equal(t, 1, calls)

	// Second revert finds nothing and restores nothing.
	got, err = coord.Revert(context.Background(), "env-1", RevertManual)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, calls)
}

func TestRevertCallbackFailureKeepsEnvelopeActive(t *testing.T) {
	coord, _ := testCoordinator()
	env := validated(t, "env-1", ClassCost, "inference", "max_batch_size")

	_, err := coord.Apply(context.Background(), env, func(Baseline) error {
		return assert.AnError
	})
	require.NoError(t, err)

	_, err = coord.Revert(context.Background(), "env-1", RevertManual)
	require.Error(t, err)
	assert.Equal(t, LifecycleActive, env.Lifecycle)
	assert.NotNil(t, coord.Get("env-1"))
}

func TestExpireDueHonorsTimebox(t *testing.T) {
	coord, _ := testCoordinator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	coord.WithClock(func() time.Time { return now })

	short := validated(t, "env-short", ClassCost, "inference", "temperature")
	short.Timebox.MaxDurationSeconds = 60
	long := validated(t, "env-long", ClassCost, "inference", "max_batch_size")
	long.Timebox.MaxDurationSeconds = 3600

	_, err := coord.Apply(context.Background(), short, noopRevert)
	require.NoError(t, err)
	_, err = coord.Apply(context.Background(), long, noopRevert)
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	expired, err := coord.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"env-short"}, expired)
	assert.Equal(t, LifecycleExpired, short.Lifecycle)
	assert.NotNil(t, coord.Get("env-long"))
}

func TestKillSwitchRevertsAllAndBlocks(t *testing.T) {
	coord, rec := testCoordinator()
	a := validated(t, "env-a", ClassCost, "inference", "temperature")
	b := validated(t, "env-b", ClassSafety, "retrieval", "top_k")

	_, err := coord.Apply(context.Background(), a, noopRevert)
	require.NoError(t, err)
	_, err = coord.Apply(context.Background(), b, noopRevert)
	require.NoError(t, err)

	ev, err := coord.Activate(context.Background(), "anomalous spend", "operator")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.ActiveEnvelopesCount)
	assert.Equal(t, "success", ev.RollbackStatus)
	assert.Empty(t, coord.Active())
	assert.True(t, coord.KillSwitchActive())
	assert.Equal(t, RevertKillSwitch, a.RevertReason)

	// New applications are blocked while tripped.
	c := validated(t, "env-c", ClassSafety, "inference", "max_batch_size")
	_, err = coord.Apply(context.Background(), c, noopRevert)
	require.Error(t, err)
	assert.Equal(t, fault.CodeKillSwitchActive, fault.CodeOf(err))

	// Activation is idempotent: nothing left to revert, event still recorded.
	ev, err = coord.Activate(context.Background(), "again", "operator")
	require.NoError(t, err)
	assert.Equal(t, 0, ev.ActiveEnvelopesCount)
	assert.Len(t, rec.KillSwitchEvents(), 2)
}

func TestRearmReenablesApplications(t *testing.T) {
	coord, rec := testCoordinator()

	_, err := coord.Activate(context.Background(), "drill", "operator")
	require.NoError(t, err)

	require.NoError(t, coord.Rearm(context.Background(), "operator"))
	assert.False(t, coord.KillSwitchActive())

	env := validated(t, "env-1", ClassCost, "inference", "max_batch_size")
	_, err = coord.Apply(context.Background(), env, noopRevert)
	require.NoError(t, err)

	// Re-arming an armed coordinator records nothing new.
	events := len(rec.KillSwitchEvents())
	require.NoError(t, coord.Rearm(context.Background(), "operator"))
	assert.Len(t, rec.KillSwitchEvents(), events)
}

func TestAuditChainIsVerifiable(t *testing.T) {
	coord, rec := testCoordinator()

	a := validated(t, "env-a", ClassExperiment, "inference", "temperature")
	_, err := coord.Apply(context.Background(), a, noopRevert)
	require.NoError(t, err)
	b := validated(t, "env-b", ClassSafety, "inference", "max_batch_size")
	_, err = coord.Apply(context.Background(), b, noopRevert)
	require.NoError(t, err)
	_, err = coord.Revert(context.Background(), "env-b", RevertManual)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(rec.Audits()), 4)
	assert.Equal(t, -1, rec.VerifyChain())

	// Tampering with any decision field breaks the chain at that link.
	rec.Audits() // copies; mutate the underlying log directly
	rec.audits[1].Reason = "doctored"
	assert.Equal(t, 1, rec.VerifyChain())
}

func TestClampBounds(t *testing.T) {
	tests := []struct {
		name     string
		bounds   Bounds
		baseline float64
		target   float64
		want     float64
	}{
		{"within absolute bounds", Bounds{DeltaType: DeltaAbsolute, MaxIncrease: 10, MaxDecrease: 5}, 100, 105, 105},
		{"clamped above", Bounds{DeltaType: DeltaAbsolute, MaxIncrease: 10, MaxDecrease: 5}, 100, 150, 110},
		{"clamped below", Bounds{DeltaType: DeltaAbsolute, MaxIncrease: 10, MaxDecrease: 5}, 100, 80, 95},
		{"percent scaling", Bounds{DeltaType: DeltaPercent, MaxIncrease: 20, MaxDecrease: 10}, 200, 300, 240},
		{"absolute ceiling wins", Bounds{DeltaType: DeltaAbsolute, MaxIncrease: 50, MaxDecrease: 5, AbsoluteCeiling: 120}, 100, 149, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.bounds.Clamp(tt.baseline, tt.target), 1e-9)
		})
	}
}

func TestObserverWindowAndSuggestions(t *testing.T) {
	o := NewObserver(true, 4)
	for i := 0; i < 6; i++ {
		o.Observe(ClassExperiment, RevertPreempted)
	}
	o.Observe(ClassCost, RevertTimeboxExpired)

	// Window trimmed to size 4: three experiment, one cost.
	sugg := o.Suggestions()
	require.Len(t, sugg, 2)
	assert.Contains(t, sugg[0], ClassExperiment)
	assert.Contains(t, sugg[0], "preemptions")
}

func TestObserverDisabledIsSilent(t *testing.T) {
	o := NewObserver(false, 10)
	o.Observe(ClassCost, RevertManual)
	assert.Nil(t, o.Suggestions())
}

func TestPoolIsolatesTenants(t *testing.T) {
	pool := NewPool(NewMemoryRecorder(), nil, nil, nil)

	ca := pool.Coordinator("tenant-a")
	cb := pool.Coordinator("tenant-b")
	assert.NotSame(t, ca, cb)
	assert.Same(t, ca, pool.Coordinator("tenant-a"))

	env := validated(t, "env-1", ClassCost, "inference", "max_batch_size")
	_, err := ca.Apply(context.Background(), env, noopRevert)
	require.NoError(t, err)

	// The other tenant's coordinator sees nothing and accepts the same key.
	assert.Empty(t, cb.Active())
	other := validated(t, "env-2", ClassCost, "inference", "max_batch_size")
	_, err = cb.Apply(context.Background(), other, noopRevert)
	require.NoError(t, err)

	pool.Params("tenant-a").Set("inference.max_batch_size", 42)
	_, ok := pool.Params("tenant-b").Get("inference.max_batch_size")
	assert.False(t, ok)
}
