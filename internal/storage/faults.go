package storage

import (
	"context"
	"database/sql"
	"errors"
	"net"

	"github.com/lib/pq"

	"github.com/tollgate/controlplane/internal/fault"
)

// Classify maps a raw store error onto the shared taxonomy. Serialization
// failures, deadlocks, cancelled statements, and connection drops are
// transient; unique violations surface as conflicts carrying the constraint
// name; everything else is permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if f := fault.As(err); f != nil {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Transient(err, "store call cancelled")
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fault.Transient(err, "store connection gone")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Transient(err, "store network error")
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fault.Transient(err, "store serialization conflict")
		case "55P03": // lock_not_available
			return fault.Transient(err, "store row lock held")
		case "57014": // query_canceled
			return fault.Transient(err, "store statement cancelled")
		case "23505": // unique_violation
			return fault.Wrap(err, fault.KindPermanent, fault.CodeConflict,
				"uniqueness violated on %s", pqErr.Constraint)
		}
		switch pqErr.Code.Class() {
		case "08": // connection exceptions
			return fault.Transient(err, "store connection failure")
		case "23": // other integrity violations
			return fault.Wrap(err, fault.KindPermanent, fault.CodeValidationError,
				"integrity violation: %s", pqErr.Message)
		}
		return fault.Wrap(err, fault.KindPermanent, fault.CodeServiceError,
			"store error %s", pqErr.Code)
	}

	return fault.Wrap(err, fault.KindPermanent, fault.CodeServiceError, "store error")
}

// IsUniqueViolation reports whether err is a classified or raw unique
// constraint conflict.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	if f := fault.As(err); f != nil {
		return f.Code == fault.CodeConflict
	}
	return false
}
