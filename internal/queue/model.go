package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/scheduling"
)

type EntryStatus string

const (
	StatusWaiting        EntryStatus = "waiting"
	StatusCalled         EntryStatus = "called"
	StatusInConsultation EntryStatus = "in_consultation"
	StatusCompleted      EntryStatus = "completed"
)

// Entry is one checked-in appointment in a provider's queue. Position is
// contiguous 1..N across the provider's waiting and called entries; entries
// in consultation or completed leave the ordering and carry position 0.
type Entry struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	ProviderID    uuid.UUID
	PatientID     uuid.UUID
	Priority      scheduling.Priority
	Position      int
	Status        EntryStatus
	CheckInTime   time.Time
	CalledAt      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// InOrdering reports whether the entry occupies a queue position.
func (e *Entry) InOrdering() bool {
	return e.Status == StatusWaiting || e.Status == StatusCalled
}
