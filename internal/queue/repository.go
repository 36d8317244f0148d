package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("queue entry not found")
	ErrNoHistory     = errors.New("no consultation history for provider")
)

// PositionUpdate renumbers one entry during a queue reshuffle.
type PositionUpdate struct {
	ID       uuid.UUID
	Position int
}

// Repository contains the queue's DB interactions. Mutations for one
// provider are always issued under that provider's lock, but readers are
// not, so every mutation that renumbers must be atomic per call: a reader
// must never observe the queue between an insert or delete and the position
// shifts that go with it.
type Repository interface {
	// Insert writes the entry and applies the displaced neighbours' new
	// positions as one atomic unit.
	Insert(ctx context.Context, e Entry, displaced []PositionUpdate) (*Entry, error)

	Get(ctx context.Context, id uuid.UUID) (*Entry, error)

	// ListActive returns the provider's waiting/called/in-consultation
	// entries, ordered by position with out-of-ordering entries last.
	ListActive(ctx context.Context, providerID uuid.UUID) ([]Entry, error)

	CountActive(ctx context.Context, providerID uuid.UUID) (int, error)

	// UpdateStatus transitions from -> to, stamping at into the matching
	// timestamp column. Fails with ErrEntryNotFound when the entry is
	// missing or not in the expected state.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to EntryStatus, at time.Time) (*Entry, error)

	SetPositions(ctx context.Context, updates []PositionUpdate) error

	// Delete removes an entry outright (cancellation or no-show walk-out)
	// and applies the remaining entries' closed-gap positions in the same
	// atomic unit. Completed entries are never deleted; they feed the
	// duration average.
	Delete(ctx context.Context, id uuid.UUID, remaining []PositionUpdate) error
}

// DurationSource supplies the average consultation duration per provider.
// Implementations return ErrNoHistory when nothing has completed yet.
type DurationSource interface {
	Average(ctx context.Context, providerID uuid.UUID) (time.Duration, error)
}

// FixedDuration is a DurationSource that always answers the same value.
type FixedDuration time.Duration

func (d FixedDuration) Average(ctx context.Context, providerID uuid.UUID) (time.Duration, error) {
	return time.Duration(d), nil
}
