package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps queue state in process with the same semantics as
// the Postgres repository. Backs tests and single-node runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[uuid.UUID]Entry)}
}

func (r *MemoryRepository) Insert(ctx context.Context, e Entry, displaced []PositionUpdate) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range displaced {
		if _, ok := r.entries[u.ID]; !ok {
			return nil, ErrEntryNotFound
		}
	}

	r.entries[e.ID] = e
	r.applyPositionsLocked(displaced)

	out := e
	return &out, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

func (r *MemoryRepository) ListActive(ctx context.Context, providerID uuid.UUID) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Entry
	for _, e := range r.entries {
		if e.ProviderID != providerID {
			continue
		}
		switch e.Status {
		case StatusWaiting, StatusCalled, StatusInConsultation:
			result = append(result, e)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		pi, pj := result[i].Position, result[j].Position
		if (pi == 0) != (pj == 0) {
			return pj == 0 // positioned entries first
		}
		return pi < pj
	})
	return result, nil
}

func (r *MemoryRepository) CountActive(ctx context.Context, providerID uuid.UUID) (int, error) {
	entries, _ := r.ListActive(ctx, providerID)
	return len(entries), nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to EntryStatus, at time.Time) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Status != from {
		return nil, ErrEntryNotFound
	}

	e.Status = to
	stamp := at
	switch to {
	case StatusCalled:
		e.CalledAt = &stamp
	case StatusInConsultation:
		e.StartedAt = &stamp
	case StatusCompleted:
		e.CompletedAt = &stamp
	}
	r.entries[id] = e

	out := e
	return &out, nil
}

func (r *MemoryRepository) SetPositions(ctx context.Context, updates []PositionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range updates {
		if _, ok := r.entries[u.ID]; !ok {
			return ErrEntryNotFound
		}
	}
	r.applyPositionsLocked(updates)
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id uuid.UUID, remaining []PositionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return ErrEntryNotFound
	}
	for _, u := range remaining {
		if _, ok := r.entries[u.ID]; !ok {
			return ErrEntryNotFound
		}
	}

	delete(r.entries, id)
	r.applyPositionsLocked(remaining)
	return nil
}

func (r *MemoryRepository) applyPositionsLocked(updates []PositionUpdate) {
	for _, u := range updates {
		e := r.entries[u.ID]
		e.Position = u.Position
		r.entries[u.ID] = e
	}
}

// Average implements DurationSource over completed entries kept in memory.
func (r *MemoryRepository) Average(ctx context.Context, providerID uuid.UUID) (time.Duration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total time.Duration
	count := 0
	for _, e := range r.entries {
		if e.ProviderID != providerID || e.Status != StatusCompleted {
			continue
		}
		if e.StartedAt == nil || e.CompletedAt == nil {
			continue
		}
		total += e.CompletedAt.Sub(*e.StartedAt)
		count++
	}

	if count == 0 {
		return 0, ErrNoHistory
	}
	return total / time.Duration(count), nil
}
