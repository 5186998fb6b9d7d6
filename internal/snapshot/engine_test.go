package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tollgate/controlplane/internal/telemetry"
)

func TestDeviationPct(t *testing.T) {
	dev, ok := DeviationPct(150, 100)
	assert.True(t, ok)
	assert.InDelta(t, 50, dev, 1e-9)

	dev, ok = DeviationPct(50, 100)
	assert.True(t, ok)
	assert.InDelta(t, -50, dev, 1e-9)

	// Zero or negative baselines disable detection instead of dividing.
	_, ok = DeviationPct(100, 0)
	assert.False(t, ok)
	_, ok = DeviationPct(100, -5)
	assert.False(t, ok)
}

func TestSeverityBandsAreMonotonic(t *testing.T) {
	tests := []struct {
		deviation float64
		want      string
	}{
		{0, SeverityLow},
		{99.9, SeverityLow},
		{100, SeverityMedium},
		{199.9, SeverityMedium},
		{200, SeverityHigh},
		{399.9, SeverityHigh},
		{400, SeverityCritical},
		{1500, SeverityCritical},
		// Bands act on magnitude; a collapse in spend is as loud as a spike.
		{-250, SeverityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFor(tt.deviation), "deviation %v", tt.deviation)
	}
}

func TestPeriodEnd(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(time.Hour), PeriodEnd(TypeHourly, start))
	assert.Equal(t, start.Add(24*time.Hour), PeriodEnd(TypeDaily, start))
}

func TestFingerprintIsOrderInsensitive(t *testing.T) {
	a := &telemetry.EntityRollup{EntityType: "integration", EntityID: "int-1", Calls: 10, CostCents: 500}
	b := &telemetry.EntityRollup{EntityType: "integration", EntityID: "int-2", Calls: 3, CostCents: 120}
	c := &telemetry.EntityRollup{EntityType: "feature", EntityID: "chat", Calls: 13, CostCents: 620}

	first := Fingerprint([]*telemetry.EntityRollup{a, b, c})
	second := Fingerprint([]*telemetry.EntityRollup{c, b, a})
	assert.Equal(t, first, second)

	// Any changed figure yields a different fingerprint.
	changed := &telemetry.EntityRollup{EntityType: "integration", EntityID: "int-1", Calls: 10, CostCents: 501}
	assert.NotEqual(t, first, Fingerprint([]*telemetry.EntityRollup{changed, b, c}))
}

func TestStats(t *testing.T) {
	mean, stddev, min, max := stats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5, mean, 1e-9)
	assert.InDelta(t, 2, stddev, 1e-9)
	assert.Equal(t, 2.0, min)
	assert.Equal(t, 9.0, max)

	mean, stddev, min, max = stats(nil)
	assert.Zero(t, mean)
	assert.Zero(t, stddev)
	assert.Zero(t, min)
	assert.Zero(t, max)
}
