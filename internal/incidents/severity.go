package incidents

// Severities, least to most severe.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityEngine selects incident severity from current counts. Bands are
// monotonic over calls affected; escalation only ever raises severity.
type SeverityEngine struct{}

// For maps calls affected onto a severity band.
func (SeverityEngine) For(callsAffected int64) string {
	switch {
	case callsAffected < 10:
		return SeverityLow
	case callsAffected < 100:
		return SeverityMedium
	case callsAffected < 500:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Escalate returns the new severity when counts warrant a raise, or the
// current severity unchanged. Never de-escalates.
func (s SeverityEngine) Escalate(current string, callsAffected int64) (string, bool) {
	proposed := s.For(callsAffected)
	if severityRank[proposed] > severityRank[current] {
		return proposed, true
	}
	return current, false
}
