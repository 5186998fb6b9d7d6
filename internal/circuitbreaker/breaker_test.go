package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(failingConfig("redis"))
	boom := errors.New("redis down")

	for i := 0; i < 3; i++ {
		_, err := b.Execute(func() (any, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, b.State())

	_, err := b.Execute(func() (any, error) { return "unreached", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New(failingConfig("redis"))
	boom := errors.New("redis down")

	for i := 0; i < 3; i++ {
		b.Execute(func() (any, error) { return nil, boom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err := b.Execute(func() (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(failingConfig("redis"))
	boom := errors.New("still down")

	for i := 0; i < 3; i++ {
		b.Execute(func() (any, error) { return nil, boom })
	}
	time.Sleep(25 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.Execute(func() (any, error) { return nil, boom })
	assert.Equal(t, StateOpen, b.State())
}

func TestDoWithFallbackRoutesShortCircuit(t *testing.T) {
	b := New(failingConfig("redis"))
	boom := errors.New("redis down")

	for i := 0; i < 3; i++ {
		b.Execute(func() (any, error) { return nil, boom })
	}
	require.Equal(t, StateOpen, b.State())

	got, err := DoWithFallback(b,
		func() (int64, error) { return 0, errors.New("unreached") },
		func(cause error) (int64, error) {
			assert.ErrorIs(t, cause, ErrCircuitOpen)
			return 42, nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
}

func TestDoWithFallbackPassesPrimaryResult(t *testing.T) {
	b := New(nil)
	got, err := DoWithFallback(b,
		func() (string, error) { return "primary", nil },
		func(error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "primary", got)
}

func TestFailureRatio(t *testing.T) {
	var c Counts
	assert.Zero(t, c.FailureRatio())

	c.onFailure()
	c.onSuccess()
	c.onFailure()
	c.onFailure()
	assert.InDelta(t, 0.75, c.FailureRatio(), 1e-9)
	assert.Equal(t, uint32(2), c.ConsecutiveFailures)
}
