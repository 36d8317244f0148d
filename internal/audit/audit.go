package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ActionBook       = "APPOINTMENT_BOOKED"
	ActionCancel     = "APPOINTMENT_CANCELLED"
	ActionReschedule = "APPOINTMENT_RESCHEDULED"
	ActionNoShow     = "APPOINTMENT_NO_SHOW"
	ActionCheckIn    = "QUEUE_CHECKED_IN"
	ActionRemove     = "QUEUE_REMOVED"
	ActionAdvance    = "QUEUE_ADVANCED"
)

// Event is the trail record emitted on every state-changing operation.
// Resource IDs are opaque; no patient-identifying content beyond them.
type Event struct {
	ActorID      uuid.UUID
	Action       string
	ResourceType string
	ResourceID   uuid.UUID
	At           time.Time
}

// Recorder persists audit events. Failures are logged by implementations and
// never fail the operation that produced the event.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards events. Used by tests and the simulator.
type Nop struct{}

func (Nop) Record(ctx context.Context, ev Event) {}
