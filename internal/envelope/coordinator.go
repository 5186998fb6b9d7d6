package envelope

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/metrics"
)

// RevertFunc restores the envelope's parameter to its baseline. The
// coordinator invokes it before state cleanup so observers always see the
// authoritative baseline value.
type RevertFunc func(baseline Baseline) error

// ApplyResult reports a successful application.
type ApplyResult struct {
	EnvelopeID   string   `json:"envelope_id"`
	PreemptedIDs []string `json:"preempted_ids,omitempty"`
	AppliedAt    time.Time `json:"applied_at"`
}

// Coordinator is the single authority over active envelopes. All state
// changes serialize on one mutex: active set, parameter index, kill-switch
// flag, and audit emission move together, so no interleaving can observe a
// half-applied decision. Cross-instance, one coordinator per tenant wins a
// named distributed lock; this type assumes it is the winner.
type Coordinator struct {
	tenantID string
	recorder Recorder
	emitter  events.Emitter
	metrics  *metrics.Metrics
	observer *Observer
	now      func() time.Time

	mu         sync.Mutex
	active     map[string]*Envelope
	order      []string // registration order, drives kill-switch revert order
	paramIndex map[string]string
	reverts    map[string]RevertFunc
	killSwitch bool
}

// NewCoordinator builds a coordinator for one tenant. Metrics and observer
// may be nil.
func NewCoordinator(tenantID string, recorder Recorder, emitter events.Emitter, m *metrics.Metrics, observer *Observer) *Coordinator {
	return &Coordinator{
		tenantID:   tenantID,
		recorder:   recorder,
		emitter:    emitter,
		metrics:    m,
		observer:   observer,
		now:        time.Now,
		active:     make(map[string]*Envelope),
		paramIndex: make(map[string]string),
		reverts:    make(map[string]RevertFunc),
	}
}

// WithClock overrides the clock; tests only.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Apply is the only legal entry for an envelope to take effect. The protocol
// runs under the coordinator mutex end to end: kill-switch gate, class gate,
// same-parameter conflict, priority preemption, then registration. Preemption
// and registration happen in one logical step; there is no partial success.
func (c *Coordinator) Apply(ctx context.Context, env *Envelope, revertFn RevertFunc) (*ApplyResult, error) {
	if env.Lifecycle != LifecycleValidated {
		err := fault.Programmer("apply called on %s envelope %s; envelopes must be validated first",
			env.Lifecycle, env.ID)
		slog.Error("envelope apply invariant violated", "envelope_id", env.ID, "lifecycle", env.Lifecycle)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.killSwitch {
		c.audit(ctx, &AuditRecord{
			EnvelopeID: env.ID,
			Class:      env.Class,
			Decision:   DecisionRejected,
			Reason:     "kill_switch_active",
		})
		return nil, fault.New(fault.KindPermission, fault.CodeKillSwitchActive,
			"kill switch is active; envelope %s rejected", env.ID)
	}

	if PriorityOf(env.Class) == 0 {
		c.audit(ctx, &AuditRecord{
			EnvelopeID: env.ID,
			Class:      env.Class,
			Decision:   DecisionRejected,
			Reason:     "missing_or_unknown_class",
		})
		return nil, fault.Invalid("envelope %s has no recognized class", env.ID)
	}

	// Same-parameter conflict: second envelope is rejected, never preempts.
	if ownerID, held := c.paramIndex[env.Scope.Key()]; held {
		c.audit(ctx, &AuditRecord{
			EnvelopeID:            env.ID,
			Class:                 env.Class,
			Decision:              DecisionRejected,
			Reason:                "parameter_conflict",
			ConflictingEnvelopeID: ownerID,
		})
		return nil, fault.New(fault.KindPermanent, fault.CodeConflict,
			"parameter %s already governed by envelope %s", env.Scope.Key(), ownerID)
	}

	// Priority preemption: strictly lower-priority envelopes on the same
	// subsystem yield to the incoming class.
	var preempted []string
	for _, id := range append([]string(nil), c.order...) {
		existing, ok := c.active[id]
		if !ok || existing.Scope.Subsystem != env.Scope.Subsystem {
			continue
		}
		if PriorityOf(existing.Class) < PriorityOf(env.Class) {
			if _, err := c.revertLocked(ctx, id, RevertPreempted, DecisionPreempted, env.ID); err != nil {
				return nil, err
			}
			preempted = append(preempted, id)
		}
	}

	appliedAt := c.now().UTC()
	env.Lifecycle = LifecycleActive
	env.AppliedAt = &appliedAt
	c.active[env.ID] = env
	c.order = append(c.order, env.ID)
	c.paramIndex[env.Scope.Key()] = env.ID
	c.reverts[env.ID] = revertFn

	c.audit(ctx, &AuditRecord{
		EnvelopeID: env.ID,
		Class:      env.Class,
		Decision:   DecisionApplied,
		Reason:     "coordination_check_passed",
	})
	c.emit("envelope.applied", env.ID, map[string]any{
		"class":         env.Class,
		"subsystem":     env.Scope.Subsystem,
		"parameter":     env.Scope.Parameter,
		"preempted_ids": preempted,
	})

	return &ApplyResult{EnvelopeID: env.ID, PreemptedIDs: preempted, AppliedAt: appliedAt}, nil
}

// Revert returns the envelope's parameter to its baseline and transitions it
// to reverted. Idempotent: reverting an envelope that is not active returns
// nil without error. The triggering prediction is never consulted.
func (c *Coordinator) Revert(ctx context.Context, envelopeID, reason string) (*Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revertLocked(ctx, envelopeID, reason, DecisionExpired, "")
}

// revertLocked performs the revert protocol under the held mutex. Callback
// before cleanup; baseline restored exactly; second revert finds no active
// entry and returns the nil sentinel.
func (c *Coordinator) revertLocked(ctx context.Context, envelopeID, reason, decision, preemptingID string) (*Envelope, error) {
	env, ok := c.active[envelopeID]
	if !ok {
		return nil, nil
	}

	if fn := c.reverts[envelopeID]; fn != nil {
		if err := fn(env.Baseline); err != nil {
			// The callback owns restoring the baseline; a failed restore is
			// surfaced, the envelope stays active, and the caller decides.
			return nil, fault.Wrap(err, fault.KindTransient, fault.CodeServiceError,
				"revert callback failed for envelope %s", envelopeID)
		}
	}

	revertedAt := c.now().UTC()
	env.Lifecycle = LifecycleReverted
	if decision == DecisionExpired && reason == RevertTimeboxExpired {
		env.Lifecycle = LifecycleExpired
	}
	env.RevertedAt = &revertedAt
	env.RevertReason = reason

	delete(c.active, envelopeID)
	delete(c.reverts, envelopeID)
	delete(c.paramIndex, env.Scope.Key())
	for i, id := range c.order {
		if id == envelopeID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	c.audit(ctx, &AuditRecord{
		EnvelopeID:           envelopeID,
		Class:                env.Class,
		Decision:             decision,
		Reason:               reason,
		PreemptingEnvelopeID: preemptingID,
	})
	c.emit("envelope.reverted", envelopeID, map[string]any{
		"class":          env.Class,
		"reason":         reason,
		"baseline_value": env.Baseline.Value,
	})
	if c.observer != nil {
		c.observer.Observe(env.Class, reason)
	}
	return env, nil
}

// ExpireDue reverts every active envelope whose timebox has elapsed. The
// expiry sweep is what makes hard_expiry fire without manual intervention.
func (c *Coordinator) ExpireDue(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for _, id := range append([]string(nil), c.order...) {
		env, ok := c.active[id]
		if !ok || env.AppliedAt == nil {
			continue
		}
		deadline := env.AppliedAt.Add(time.Duration(env.Timebox.MaxDurationSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		if _, err := c.revertLocked(ctx, id, RevertTimeboxExpired, DecisionExpired, ""); err != nil {
			return expired, err
		}
		expired = append(expired, id)
	}
	return expired, nil
}

// Activate engages the kill switch: flip the flag first, then revert every
// active envelope in registration order, then record the event. Fail-safe:
// any error leaves the flag set. Idempotent: a second activation reverts
// nothing but still records an event.
func (c *Coordinator) Activate(ctx context.Context, reason, triggeredBy string) (*KillSwitchEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.order)
	c.killSwitch = true
	if c.metrics != nil {
		c.metrics.SetKillSwitch(true)
	}

	rollback := "success"
	for _, id := range append([]string(nil), c.order...) {
		if _, err := c.revertLocked(ctx, id, RevertKillSwitch, DecisionExpired, ""); err != nil {
			slog.Error("kill switch revert failed", "envelope_id", id, "error", err)
			rollback = "partial"
		}
	}

	completedAt := c.now().UTC()
	ev := &KillSwitchEvent{
		EventID:              uuid.NewString(),
		TriggeredBy:          triggeredBy,
		TriggerReason:        reason,
		ActivatedAt:          completedAt,
		RollbackStatus:       rollback,
		RollbackCompletedAt:  &completedAt,
		ActiveEnvelopesCount: count,
	}
	if err := c.recorder.AppendKillSwitchEvent(ctx, ev); err != nil {
		slog.Error("kill switch event append failed", "error", err)
	}
	c.emit("killswitch.activated", ev.EventID, map[string]any{
		"trigger_reason":         reason,
		"triggered_by":           triggeredBy,
		"active_envelopes_count": count,
		"rollback_status":        rollback,
	})
	return ev, nil
}

// Rearm re-enables envelope application after a kill-switch activation.
// Explicit and audited; never implicit.
func (c *Coordinator) Rearm(ctx context.Context, by string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.killSwitch {
		return nil
	}
	c.killSwitch = false
	if c.metrics != nil {
		c.metrics.SetKillSwitch(false)
	}

	rearmedAt := c.now().UTC()
	ev := &KillSwitchEvent{
		EventID:             uuid.NewString(),
		TriggeredBy:         by,
		TriggerReason:       "rearm",
		ActivatedAt:         rearmedAt,
		RollbackStatus:      "rearmed",
		RollbackCompletedAt: &rearmedAt,
	}
	if err := c.recorder.AppendKillSwitchEvent(ctx, ev); err != nil {
		slog.Error("rearm event append failed", "error", err)
	}
	c.emit("killswitch.rearmed", ev.EventID, map[string]any{"rearmed_by": by})
	return nil
}

// KillSwitchActive reports whether applications are currently blocked.
func (c *Coordinator) KillSwitchActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killSwitch
}

// Active returns the active envelopes in registration order.
func (c *Coordinator) Active() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Envelope, 0, len(c.order))
	for _, id := range c.order {
		if env, ok := c.active[id]; ok {
			out = append(out, env)
		}
	}
	return out
}

// Get returns the active envelope with the given id, nil when absent.
func (c *Coordinator) Get(envelopeID string) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[envelopeID]
}

// audit stamps and appends one record; the mutex is already held so audit
// order matches decision order exactly.
func (c *Coordinator) audit(ctx context.Context, rec *AuditRecord) {
	rec.AuditID = uuid.NewString()
	rec.Timestamp = c.now().UTC()
	rec.ActiveCount = len(c.order)
	if err := c.recorder.AppendAudit(ctx, rec); err != nil {
		slog.Error("coordination audit append failed",
			"envelope_id", rec.EnvelopeID, "decision", rec.Decision, "error", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCoordination(rec.Decision, rec.Class, rec.ActiveCount)
	}
}

func (c *Coordinator) emit(eventType, subject string, data map[string]any) {
	if c.emitter == nil {
		return
	}
	ev := events.New(eventType, c.tenantID, events.ActorSystem, "envelope_coordinator", subject, data)
	if err := c.emitter.Emit(ev); err != nil {
		slog.Error("coordination event rejected", "event_type", eventType, "error", err)
	}
}
