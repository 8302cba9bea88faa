package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned for an unknown contract, event or alert id.
	ErrNotFound = errors.New("lifecycle: not found")
	// ErrInvalidTransition is returned when an event is not reachable from the current state.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrConflict signals an optimistic-concurrency mismatch or a reused idempotency key.
	ErrConflict = errors.New("lifecycle: conflict")
	// ErrDuplicateEvent signals an idempotency key that was already applied. Callers of
	// the service never see it; it is turned into a replayed Result.
	ErrDuplicateEvent = errors.New("lifecycle: duplicate event")
	// ErrLeaseHeld signals that another holder owns the sweep lease.
	ErrLeaseHeld = errors.New("lifecycle: lease held")
	// ErrStoreUnavailable wraps transient infrastructure failures.
	ErrStoreUnavailable = errors.New("lifecycle: store unavailable")
	// ErrInvalidPayload is returned when event data does not match its event type.
	ErrInvalidPayload = errors.New("lifecycle: invalid payload")
	// ErrProjectionDrift is returned when the materialized status disagrees with the log.
	ErrProjectionDrift = errors.New("lifecycle: projection drift")
)

// Reason maps err onto the taxonomy reason surfaced at the system boundary.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate_event"
	case errors.Is(err, ErrLeaseHeld):
		return "lease_held"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrProjectionDrift):
		return "projection_drift"
	default:
		return "store_unavailable"
	}
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// WrapStore tags infrastructure failures so callers can tell them apart from
// domain errors. Errors that already carry a taxonomy sentinel pass through.
// pkg prefixes the message the way every package in the module does.
func WrapStore(pkg, op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{ErrNotFound, ErrInvalidTransition, ErrConflict, ErrDuplicateEvent, ErrLeaseHeld, ErrInvalidPayload, ErrProjectionDrift, ErrStoreUnavailable} {
		if errors.Is(err, domain) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%s: %s: %w: %w", pkg, op, ErrConflict, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %s: %w", pkg, op, err)
	}
	return fmt.Errorf("%s: %s: %w: %w", pkg, op, ErrStoreUnavailable, err)
}

func unavailable(op string, err error) error {
	return WrapStore("lifecycle", op, err)
}
