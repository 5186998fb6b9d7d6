package envelope

import (
	"fmt"
	"sort"
	"sync"
)

// Observer keeps a rolling window of revert reasons per class and produces
// advisory suggestions. Output is strictly observational; nothing here is
// ever applied automatically, and with learning disabled Observe is a no-op.
type Observer struct {
	mu         sync.Mutex
	enabled    bool
	windowSize int
	window     []observation
}

type observation struct {
	class  string
	reason string
}

// NewObserver builds an observer. enabled mirrors the learning_enabled
// configuration flag, false by default.
func NewObserver(enabled bool, windowSize int) *Observer {
	if windowSize <= 0 {
		windowSize = 50
	}
	return &Observer{enabled: enabled, windowSize: windowSize}
}

// Observe records one revert. Silently short-circuits when learning is off.
func (o *Observer) Observe(class, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled {
		return
	}
	o.window = append(o.window, observation{class: class, reason: reason})
	if len(o.window) > o.windowSize {
		o.window = o.window[len(o.window)-o.windowSize:]
	}
}

// Suggestions summarizes rollback frequency per class in observational
// language. Empty when learning is off or nothing was observed.
func (o *Observer) Suggestions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled || len(o.window) == 0 {
		return nil
	}

	counts := make(map[string]int)
	preemptions := make(map[string]int)
	for _, obs := range o.window {
		counts[obs.class]++
		if obs.reason == RevertPreempted {
			preemptions[obs.class]++
		}
	}

	classes := make([]string, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool {
		if counts[classes[i]] != counts[classes[j]] {
			return counts[classes[i]] > counts[classes[j]]
		}
		return classes[i] < classes[j]
	})

	var out []string
	for _, class := range classes {
		total := counts[class]
		pct := float64(total) / float64(len(o.window)) * 100
		s := fmt.Sprintf(
			"rollback frequency suggests %s envelopes account for %.0f%% of recent reverts (%d of %d)",
			class, pct, total, len(o.window))
		if p := preemptions[class]; p > 0 {
			s += fmt.Sprintf("; %d were preemptions, which may indicate contention with higher-priority classes", p)
		}
		out = append(out, s)
	}
	return out
}
