package store

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidScope        = errors.New("invalid scope")
	ErrInvalidDate         = errors.New("invalid date")
	ErrSpecialistNotFound  = errors.New("specialist not found")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenExhausted      = errors.New("token exhausted")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrEntryNotFound       = errors.New("entry not found")
	ErrEntryTerminal       = errors.New("entry terminal")
	ErrAggregateConflict   = errors.New("aggregate conflict")
	ErrCallInProgress      = errors.New("call in progress")
	ErrNoneWaiting         = errors.New("no entry waiting")
	ErrNoneCalled          = errors.New("no entry called")
	ErrTerminalState       = errors.New("terminal state violation")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrIdempotencyMismatch = errors.New("idempotency key mismatch")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidRequest, "invalid_request"},
	{ErrInvalidScope, "invalid_scope"},
	{ErrInvalidDate, "invalid_date"},
	{ErrSpecialistNotFound, "specialist_not_found"},
	{ErrTokenNotFound, "token_not_found"},
	{ErrTokenExpired, "token_expired"},
	{ErrTokenExhausted, "token_exhausted"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrEntryNotFound, "entry_not_found"},
	{ErrEntryTerminal, "entry_terminal"},
	{ErrAggregateConflict, "aggregate_conflict"},
	{ErrCallInProgress, "call_in_progress"},
	{ErrNoneWaiting, "none_waiting"},
	{ErrNoneCalled, "none_called"},
	{ErrTerminalState, "terminal_state_violation"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrIdempotencyMismatch, "idempotency_mismatch"},
}

// Errorf wraps a sentinel with a human readable reason.
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the machine readable code for a business error, or
// "internal_error" when err is not one of the sentinels above.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal_error"
}

// IsBusiness reports whether err is an expected queue outcome rather than an
// infrastructure failure.
func IsBusiness(err error) bool {
	return Kind(err) != "internal_error"
}
