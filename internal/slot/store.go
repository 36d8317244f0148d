package slot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("slot not found")
	ErrConflict = errors.New("slot version conflict")
)

// Store is the authoritative state of bookable slots. Mutations use
// compare-and-swap on the slot version so that of N concurrent reserves on
// the same slot exactly one succeeds and the rest observe ErrConflict.
type Store interface {
	// Create registers a new open slot. Capacity configuration lives outside
	// the core; this is its entry point.
	Create(ctx context.Context, s Slot) (*Slot, error)

	Get(ctx context.Context, key Key) (*Slot, error)

	// Reserve transitions open -> reserved iff the stored version matches
	// expectedVersion. Returns ErrConflict on a lost race or a non-open slot.
	Reserve(ctx context.Context, key Key, appointmentID uuid.UUID, expectedVersion int64) (*Slot, error)

	// Release transitions reserved -> open under the same version check.
	Release(ctx context.Context, key Key, expectedVersion int64) (*Slot, error)

	// SwapReserve releases oldKey and reserves newKey for the appointment as
	// one atomic unit. No observer sees a half-swapped pair; on ErrConflict
	// neither slot changed.
	SwapReserve(ctx context.Context, oldKey, newKey Key, appointmentID uuid.UUID) error

	// Query returns a snapshot of the provider's slots overlapping [from, to),
	// ordered by start time. No side effects.
	Query(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error)

	// QueryOpen returns open slots across all providers in [from, to),
	// ordered by start time. Feeds slot suggestion.
	QueryOpen(ctx context.Context, from, to time.Time) ([]Slot, error)
}
