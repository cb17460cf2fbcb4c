package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicate marks a write rejected because the record already exists.
	// Re-delivery of a batch maps onto this instead of failing the RPC.
	ErrDuplicate = errors.New("already exists")
	// ErrUnavailable marks a transient transport failure toward a backing
	// service. The collector treats it as batch-fatal, the client retries it.
	ErrUnavailable = errors.New("unavailable")
)

// Is re-exports errors.Is so callers don't need both this package and the
// stdlib errors imported.
func Is(err, target error) bool { return errors.Is(err, target) }
