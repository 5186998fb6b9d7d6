// Package envelope coordinates bounded, auditable, reversible overrides of
// runtime parameters. Every application passes one coordination check; every
// decision appends one audit record; the kill switch reverts everything and
// blocks new applications until re-armed.
package envelope

import (
	"math"
	"time"

	"github.com/tollgate/controlplane/internal/fault"
)

// Classes, in global priority order. The order is immutable at build time;
// a higher-priority class preempts lower ones within the same subsystem.
const (
	ClassSafety      = "safety"
	ClassCost        = "cost"
	ClassPerformance = "performance"
	ClassReliability = "reliability"
	ClassExperiment  = "experiment"
)

// classPriority maps a class to its rank; higher wins.
var classPriority = map[string]int{
	ClassSafety:      5,
	ClassCost:        4,
	ClassPerformance: 3,
	ClassReliability: 2,
	ClassExperiment:  1,
}

// PriorityOf returns the rank for a class, 0 for unknown.
func PriorityOf(class string) int { return classPriority[class] }

// Lifecycle states. Transitions are proposed → validated → active →
// (reverted | expired), never backwards.
const (
	LifecycleProposed  = "proposed"
	LifecycleValidated = "validated"
	LifecycleActive    = "active"
	LifecycleReverted  = "reverted"
	LifecycleExpired   = "expired"
)

// Revert reasons every envelope must at least subscribe to.
const (
	RevertPredictionExpired = "PREDICTION_EXPIRED"
	RevertPredictionDeleted = "PREDICTION_DELETED"
	RevertKillSwitch        = "KILL_SWITCH"
	RevertPreempted         = "PREEMPTED"
	RevertManual            = "MANUAL"
	RevertTimeboxExpired    = "TIMEBOX_EXPIRED"
)

// Delta types for bounds. Adaptive bounds are rejected at validation.
const (
	DeltaAbsolute = "absolute"
	DeltaPercent  = "percent"
	DeltaAdaptive = "adaptive"
)

// Scope names the single parameter an envelope may move.
type Scope struct {
	Subsystem string `json:"subsystem"`
	Parameter string `json:"parameter"`
}

// Key is the parameter index key, subsystem.parameter.
func (s Scope) Key() string { return s.Subsystem + "." + s.Parameter }

// Bounds limit how far the parameter may move from its baseline.
type Bounds struct {
	DeltaType       string  `json:"delta_type"`
	MaxIncrease     float64 `json:"max_increase"`
	MaxDecrease     float64 `json:"max_decrease"`
	AbsoluteCeiling float64 `json:"absolute_ceiling"`
}

// Timebox limits how long an envelope may stay active.
type Timebox struct {
	MaxDurationSeconds int  `json:"max_duration_seconds"`
	HardExpiry         bool `json:"hard_expiry"`
}

// Baseline is the authoritative pre-envelope value, referenced by version so
// a revert restores exactly what was displaced.
type Baseline struct {
	Source      string  `json:"source"`
	ReferenceID string  `json:"reference_id"`
	Value       float64 `json:"value"`
}

// Trigger is the prediction that motivated the envelope. Reverting never
// requires the trigger to still exist.
type Trigger struct {
	PredictionType string  `json:"prediction_type"`
	MinConfidence  float64 `json:"min_confidence"`
}

// Envelope is one bounded, time-limited parameter override.
type Envelope struct {
	ID           string     `json:"envelope_id"`
	Class        string     `json:"class"`
	Scope        Scope      `json:"scope"`
	Bounds       Bounds     `json:"bounds"`
	Timebox      Timebox    `json:"timebox"`
	Baseline     Baseline   `json:"baseline"`
	RevertOn     []string   `json:"revert_on"`
	Trigger      Trigger    `json:"trigger"`
	Lifecycle    string     `json:"lifecycle"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	RevertedAt   *time.Time `json:"reverted_at,omitempty"`
	RevertReason string     `json:"revert_reason,omitempty"`
}

// revertsOn reports whether the envelope subscribes to a revert reason.
func (e *Envelope) revertsOn(reason string) bool {
	for _, r := range e.RevertOn {
		if r == reason {
			return true
		}
	}
	return false
}

// Validate enforces the hard gates and transitions proposed → validated.
// Every rule failure is a permanent validation fault; nothing downstream
// sees an envelope that did not pass.
func (e *Envelope) Validate() error {
	if e.Lifecycle != LifecycleProposed {
		return fault.Programmer("validate called on %s envelope %s", e.Lifecycle, e.ID)
	}
	if e.ID == "" {
		return fault.Invalid("envelope missing id")
	}

	// V1: exactly one non-empty target parameter.
	if e.Scope.Subsystem == "" || e.Scope.Parameter == "" {
		return fault.Invalid("envelope %s must target exactly one subsystem.parameter", e.ID)
	}

	// V2: finite numeric bounds; adaptive bounds rejected.
	if e.Bounds.DeltaType == DeltaAdaptive {
		return fault.Invalid("envelope %s declares adaptive bounds; only fixed bounds are accepted", e.ID)
	}
	if e.Bounds.DeltaType != DeltaAbsolute && e.Bounds.DeltaType != DeltaPercent {
		return fault.Invalid("envelope %s has unknown delta type %q", e.ID, e.Bounds.DeltaType)
	}
	if !finite(e.Bounds.MaxIncrease) || !finite(e.Bounds.MaxDecrease) {
		return fault.Invalid("envelope %s bounds must be finite numbers", e.ID)
	}

	// V3: positive duration; hard expiry is honored by the expiry sweep.
	if e.Timebox.MaxDurationSeconds <= 0 {
		return fault.Invalid("envelope %s max_duration_seconds must be positive", e.ID)
	}

	// V4: versioned baseline reference.
	if e.Baseline.ReferenceID == "" {
		return fault.Invalid("envelope %s baseline must carry a reference_id", e.ID)
	}

	// V5: mandatory revert subscriptions.
	for _, required := range []string{RevertPredictionExpired, RevertPredictionDeleted, RevertKillSwitch} {
		if !e.revertsOn(required) {
			return fault.Invalid("envelope %s revert_on must include %s", e.ID, required)
		}
	}

	e.Lifecycle = LifecycleValidated
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
