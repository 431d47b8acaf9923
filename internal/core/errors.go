package core

import "fmt"

// ValidationError reports a malformed period key, account reference or
// otherwise unusable input.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// NotFoundError reports a missing aggregate or history for a period.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found for %s", e.Kind, e.Key)
}

// ConcurrencyError reports that a closure is already pending. HolderID
// identifies who holds the live lock so the caller can surface
// "closure already in progress by X".
type ConcurrencyError struct {
	HolderID  string
	PeriodKey string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("closure already in progress by %s (period %s)", e.HolderID, e.PeriodKey)
}

// RetryExhaustedError reports that archival failed after all closure
// attempts. Carries the full diagnostic context for the caller.
type RetryExhaustedError struct {
	PeriodKey string
	Attempts  int
	LastErr   error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("closure of %s failed after %d attempts: %v", e.PeriodKey, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// AuthorizationError reports a privileged operation attempted without
// the elevated flag.
type AuthorizationError struct {
	ActorID string
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s is not allowed to %s", e.ActorID, e.Action)
}
