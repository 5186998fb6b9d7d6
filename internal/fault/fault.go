// Package fault defines the error taxonomy shared by every component of the
// control plane. All errors crossing a component boundary are classified into
// one of five kinds so callers can decide whether to retry, surface, or page.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindTransient errors are retry-eligible: store timeouts, lock
	// contention, transport hiccups.
	KindTransient Kind = iota
	// KindPermanent errors must not be retried: invalid input, unknown
	// operation, validation failure, already-resolved state.
	KindPermanent
	// KindResource errors signal quota or rate exhaustion and may carry a
	// retry-after hint.
	KindResource
	// KindPermission errors signal governance refusals: kill switch active,
	// integration disabled, credentials invalid.
	KindPermission
	// KindProgrammer errors are invariant violations. They are logged at the
	// highest severity and surface as SERVICE_ERROR; they are never swallowed.
	KindProgrammer
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindResource:
		return "resource"
	case KindPermission:
		return "permission"
	case KindProgrammer:
		return "programmer"
	default:
		return "unknown"
	}
}

// Wire error codes surfaced on operation results.
const (
	CodeUnknownOperation    = "UNKNOWN_OPERATION"
	CodeUnknownMethod       = "UNKNOWN_METHOD"
	CodeMissingParam        = "MISSING_PARAM"
	CodeSessionRequired     = "SESSION_REQUIRED"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeAlreadyExists       = "ALREADY_EXISTS"
	CodeAlreadyResolved     = "ALREADY_RESOLVED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeBudgetExceeded      = "BUDGET_EXCEEDED"
	CodeIntegrationDisabled = "INTEGRATION_DISABLED"
	CodeCredentialsInvalid  = "CREDENTIALS_INVALID"
	CodeKillSwitchActive    = "KILL_SWITCH_ACTIVE"
	CodeConflict            = "CONFLICT"
	CodeServiceError        = "SERVICE_ERROR"
)

// Fault is the typed error carried across component boundaries. Code is the
// machine-readable classification; Message is human-readable and must never
// contain secrets.
type Fault struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", f.Code, f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s (%s): %s", f.Code, f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// Retryable reports whether the caller may retry the failed call.
func (f *Fault) Retryable() bool { return f.Kind == KindTransient }

// New builds a fault with an explicit kind and wire code.
func New(kind Kind, code, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new fault so errors.Is/As keep working through it.
func Wrap(err error, kind Kind, code, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// Transient marks an error retry-eligible with the SERVICE_ERROR wire code.
func Transient(err error, format string, args ...any) *Fault {
	return Wrap(err, KindTransient, CodeServiceError, format, args...)
}

// Invalid builds a permanent validation fault.
func Invalid(format string, args ...any) *Fault {
	return New(KindPermanent, CodeValidationError, format, args...)
}

// MissingParam builds the fault for an absent required parameter.
func MissingParam(name string) *Fault {
	return New(KindPermanent, CodeMissingParam, "missing required parameter %q", name)
}

// NotFound builds the fault for an absent entity.
func NotFound(entity, id string) *Fault {
	return New(KindPermanent, CodeNotFound, "%s %s not found", entity, id)
}

// Conflict builds the fault for a uniqueness or coordination conflict.
func Conflict(format string, args ...any) *Fault {
	return New(KindPermanent, CodeConflict, format, args...)
}

// RateLimited builds a resource fault carrying a retry-after hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Fault {
	f := New(KindResource, CodeRateLimited, format, args...)
	f.RetryAfter = retryAfter
	return f
}

// Programmer marks an invariant violation.
func Programmer(format string, args ...any) *Fault {
	return New(KindProgrammer, CodeServiceError, format, args...)
}

// As extracts a *Fault from an error chain, or nil.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// CodeOf returns the wire code for any error: the fault's own code when
// classified, SERVICE_ERROR otherwise.
func CodeOf(err error) string {
	if f := As(err); f != nil {
		return f.Code
	}
	return CodeServiceError
}

// KindOf returns the taxonomy kind for any error. Unclassified errors are
// treated as transient so callers err on the side of retrying infrastructure
// noise rather than dropping work.
func KindOf(err error) Kind {
	if f := As(err); f != nil {
		return f.Kind
	}
	return KindTransient
}

// IsRetryable reports whether an arbitrary error is retry-eligible.
func IsRetryable(err error) bool { return KindOf(err) == KindTransient }
