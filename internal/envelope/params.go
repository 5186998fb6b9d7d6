package envelope

import (
	"sync"
)

// ParamStore is the runtime parameter table envelopes act on. One store per
// tenant; the coordinator's revert callbacks write baselines back through it.
type ParamStore struct {
	mu     sync.RWMutex
	values map[string]float64
}

func NewParamStore() *ParamStore {
	return &ParamStore{values: make(map[string]float64)}
}

// Get returns the current value and whether the parameter is set.
func (p *ParamStore) Get(key string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Set writes the parameter value.
func (p *ParamStore) Set(key string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Clamp bounds a target value relative to the baseline: no further than
// MaxIncrease above or MaxDecrease below, and never past the absolute
// ceiling when one is set. Percent bounds scale off the baseline.
func (b Bounds) Clamp(baseline, target float64) float64 {
	maxInc, maxDec := b.MaxIncrease, b.MaxDecrease
	if b.DeltaType == DeltaPercent {
		maxInc = baseline * b.MaxIncrease / 100
		maxDec = baseline * b.MaxDecrease / 100
	}
	if target > baseline+maxInc {
		target = baseline + maxInc
	}
	if target < baseline-maxDec {
		target = baseline - maxDec
	}
	if b.AbsoluteCeiling > 0 && target > b.AbsoluteCeiling {
		target = b.AbsoluteCeiling
	}
	return target
}
