package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	f := Wrap(cause, KindTransient, CodeServiceError, "store unavailable")

	require.ErrorIs(t, f, cause)
	assert.True(t, f.Retryable())
	assert.Contains(t, f.Error(), "connection reset")
	assert.Contains(t, f.Error(), "transient")
}

func TestAsThroughWrappedChain(t *testing.T) {
	f := RateLimited(60*time.Second, "rate limit exceeded")
	wrapped := fmt.Errorf("dispatch: %w", f)

	got := As(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeRateLimited, got.Code)
	assert.Equal(t, 60*time.Second, got.RetryAfter)
	assert.Equal(t, KindResource, got.Kind)
}

func TestCodeOfUnclassified(t *testing.T) {
	assert.Equal(t, CodeServiceError, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeNotFound, CodeOf(NotFound("integration", "int-1")))
}

func TestKindOfDefaultsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("io timeout")))
	assert.True(t, IsRetryable(errors.New("io timeout")))
	assert.False(t, IsRetryable(Invalid("bad input")))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		f    *Fault
		kind Kind
		code string
	}{
		{"missing param", MissingParam("tenant_id"), KindPermanent, CodeMissingParam},
		{"invalid", Invalid("class required"), KindPermanent, CodeValidationError},
		{"conflict", Conflict("parameter owned"), KindPermanent, CodeConflict},
		{"programmer", Programmer("apply before validate"), KindProgrammer, CodeServiceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.f.Kind)
			assert.Equal(t, tt.code, tt.f.Code)
		})
	}
}
