package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/event-dedup-gateway/internal/model"
	"github.com/fairyhunter13/event-dedup-gateway/internal/service"
)

// PoolInterface defines the database operations needed by the repository.
// This allows for easier testing with mocks.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// EventRepository persists event rows using pgx. The unique index on
// event_id is the authoritative dedup key; this repository is the only
// writer and it is insert-only.
type EventRepository struct {
	pool PoolInterface
}

// NewEventRepository creates a new EventRepository with the given pool.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// NewEventRepositoryWithPool creates a new EventRepository with a custom
// pool interface. This is primarily used for testing.
func NewEventRepositoryWithPool(pool PoolInterface) *EventRepository {
	return &EventRepository{pool: pool}
}

// Insert persists one event row. processed_at is assigned by the server.
// Returns:
//   - nil on success
//   - service.ErrDuplicateEvent when the event_id unique constraint fired
//   - service.ErrStoreUnavailable on connection/timeout errors (retryable)
//   - service.ErrStoreFatal on schema, authentication, and value errors
func (r *EventRepository) Insert(ctx context.Context, event *model.Event) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO events (event_id, event_type, payload) VALUES ($1, $2, $3)`,
		event.EventID, event.EventType, event.Payload)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return service.ErrDuplicateEvent
		}
		if transientPgCode(pgErr.Code) {
			return fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%w: %v", service.ErrStoreFatal, err)
	}

	if isTransportError(err) {
		return fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", service.ErrStoreFatal, err)
}

// transientPgCode reports whether a server-side error class is eligible for
// retry: connection exceptions (08), insufficient resources (53), operator
// intervention (57), system errors (58), and serialization/deadlock
// failures (40001, 40P01).
func transientPgCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"),
		strings.HasPrefix(code, "53"),
		strings.HasPrefix(code, "57"),
		strings.HasPrefix(code, "58"):
		return true
	case code == "40001", code == "40P01":
		return true
	}
	return false
}

// isTransportError classifies client-side failures that never reached the
// server, or where the reply was lost: timeouts, cancellations, and
// network errors. These are retryable.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
