package slot

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateOpen     State = "open"
	StateReserved State = "reserved"
	StateBlocked  State = "blocked"
)

// Key identifies a slot by provider and start time.
type Key struct {
	ProviderID uuid.UUID
	Start      time.Time
}

// Slot is one bookable interval on a provider's calendar. Version increments
// on every state transition and drives the optimistic reserve/release checks.
type Slot struct {
	ProviderID    uuid.UUID
	Start         time.Time
	End           time.Time
	State         State
	Version       int64
	AppointmentID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Slot) Key() Key {
	return Key{ProviderID: s.ProviderID, Start: s.Start}
}

func (s *Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}
