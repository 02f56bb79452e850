package service

import "errors"

var (
	// ErrDuplicateEvent is returned by the store when the unique index on
	// event_id rejects an insert. Callers treat it as a successful no-op.
	ErrDuplicateEvent = errors.New("event already persisted")

	// ErrCoordinatorUnavailable is returned when the coordinator cannot be
	// reached and single-flight cannot be established. Retryable; nothing
	// has been written.
	ErrCoordinatorUnavailable = errors.New("coordinator unavailable")

	// ErrStoreUnavailable is returned on transient store failures
	// (connection, timeout). Retryable; the claim has been released.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrStoreFatal is returned on non-retryable store failures (schema,
	// authentication, value errors). The event is lost.
	ErrStoreFatal = errors.New("event store rejected event")
)

// IsRetryable reports whether the caller may redeliver the event.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCoordinatorUnavailable) || errors.Is(err, ErrStoreUnavailable)
}
