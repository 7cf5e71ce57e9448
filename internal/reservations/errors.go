package reservations

import "errors"

var (
	// ErrNoSlot means the slot lost a capacity race and cannot hold
	// one more reservation.
	ErrNoSlot = errors.New("reservations: slot over capacity")

	// ErrLockTimeout means the advisory locks stayed busy past their
	// budget; the operation may be retried.
	ErrLockTimeout = errors.New("reservations: slot locks busy")

	// ErrNotFound is returned when no reservation matches.
	ErrNotFound = errors.New("reservations: reservation not found")

	// ErrAlreadyCancelled is returned by Cancel when the reservation
	// was cancelled earlier; callers usually treat it as success.
	ErrAlreadyCancelled = errors.New("reservations: already cancelled")
)
