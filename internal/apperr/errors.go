// Package apperr defines the error taxonomy shared by all authority
// components. Handlers map these onto HTTP status codes; everything else
// wraps them with context via fmt.Errorf and %w.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Never retried.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound marks an unknown entity id or token string.
	ErrNotFound = errors.New("not found")

	// ErrExpired marks a token presented after its expires_at.
	ErrExpired = errors.New("token expired")

	// ErrRevoked marks a token that has been revoked.
	ErrRevoked = errors.New("token revoked")

	// ErrRequestExpired marks an approve/deny attempt on a delegation
	// request whose expiration_time has passed.
	ErrRequestExpired = errors.New("delegation request expired")

	// ErrCycleDetected marks a delegation that would put an agent into
	// its own ancestor chain.
	ErrCycleDetected = errors.New("delegation cycle detected")

	// ErrConflict marks a unique-constraint or version conflict that
	// persisted through all retries. Never silently masked.
	ErrConflict = errors.New("conflict")

	// ErrStorage marks an entity store failure.
	ErrStorage = errors.New("storage error")

	// ErrAgentInactive marks an operation on a suspended or revoked agent.
	ErrAgentInactive = errors.New("agent is not active")
)

// PartialError reports that the primary effect of an operation succeeded
// but required bookkeeping (audit entry, agent access log) could not be
// completed. Callers must treat the operation as successful and surface
// the warning.
type PartialError struct {
	Op  string
	Err error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s succeeded but bookkeeping failed: %v", e.Op, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// IsPartial reports whether err is (or wraps) a PartialError.
func IsPartial(err error) bool {
	var pe *PartialError
	return errors.As(err, &pe)
}
