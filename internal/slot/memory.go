package slot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps slot state in process. It backs tests and single-node
// runs and honours the same version semantics as the Postgres store.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[Key]*Slot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[Key]*Slot)}
}

func (m *MemoryStore) Create(ctx context.Context, s Slot) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.State == "" {
		s.State = StateOpen
	}

	stored := s
	m.slots[s.Key()] = &stored

	out := stored
	return &out, nil
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.slots[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, key Key, appointmentID uuid.UUID, expectedVersion int64) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State != StateOpen || s.Version != expectedVersion {
		return nil, ErrConflict
	}

	apptID := appointmentID
	s.State = StateReserved
	s.AppointmentID = &apptID
	s.Version++
	s.UpdatedAt = time.Now()

	out := *s
	return &out, nil
}

func (m *MemoryStore) Release(ctx context.Context, key Key, expectedVersion int64) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State != StateReserved || s.Version != expectedVersion {
		return nil, ErrConflict
	}

	s.State = StateOpen
	s.AppointmentID = nil
	s.Version++
	s.UpdatedAt = time.Now()

	out := *s
	return &out, nil
}

func (m *MemoryStore) SwapReserve(ctx context.Context, oldKey, newKey Key, appointmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldSlot, ok := m.slots[oldKey]
	if !ok {
		return ErrNotFound
	}
	newSlot, ok := m.slots[newKey]
	if !ok {
		return ErrNotFound
	}

	if newSlot.State != StateOpen {
		return ErrConflict
	}
	if oldSlot.State != StateReserved || oldSlot.AppointmentID == nil || *oldSlot.AppointmentID != appointmentID {
		return ErrConflict
	}

	now := time.Now()
	apptID := appointmentID

	newSlot.State = StateReserved
	newSlot.AppointmentID = &apptID
	newSlot.Version++
	newSlot.UpdatedAt = now

	oldSlot.State = StateOpen
	oldSlot.AppointmentID = nil
	oldSlot.Version++
	oldSlot.UpdatedAt = now

	return nil
}

func (m *MemoryStore) Query(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Slot
	for _, s := range m.slots {
		if s.ProviderID != providerID {
			continue
		}
		if !s.Start.Before(to) || !s.End.After(from) {
			continue
		}
		result = append(result, *s)
	}

	sortByStart(result)
	return result, nil
}

func (m *MemoryStore) QueryOpen(ctx context.Context, from, to time.Time) ([]Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Slot
	for _, s := range m.slots {
		if s.State != StateOpen {
			continue
		}
		if s.Start.Before(from) || s.End.After(to) {
			continue
		}
		result = append(result, *s)
	}

	sortByStart(result)
	return result, nil
}

func sortByStart(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Start.Equal(slots[j].Start) {
			return slots[i].ProviderID.String() < slots[j].ProviderID.String()
		}
		return slots[i].Start.Before(slots[j].Start)
	})
}
