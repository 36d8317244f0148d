package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/slot"
)

type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityNormal, PriorityHigh, PriorityEmergency:
		return Priority(s), true
	case "":
		return PriorityNormal, true
	}
	return "", false
}

type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeProcedure    AppointmentType = "procedure"
)

// Duration is the minimum slot length the appointment type requires.
func (t AppointmentType) Duration() time.Duration {
	switch t {
	case TypeFollowUp:
		return 15 * time.Minute
	case TypeProcedure:
		return 45 * time.Minute
	default:
		return 30 * time.Minute
	}
}

func ParseAppointmentType(s string) (AppointmentType, bool) {
	switch AppointmentType(s) {
	case TypeConsultation, TypeFollowUp, TypeProcedure:
		return AppointmentType(s), true
	case "":
		return TypeConsultation, true
	}
	return "", false
}

type Status string

const (
	StatusScheduled      Status = "scheduled"
	StatusCheckedIn      Status = "checked_in"
	StatusInConsultation Status = "in_consultation"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusNoShow         Status = "no_show"
)

// Role of the actor driving a cancellation or reschedule. Receptionists are
// exempt from the patient cancellation window.
type Role string

const (
	RolePatient      Role = "patient"
	RoleReceptionist Role = "receptionist"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Appointment binds a patient to exactly one current slot. Rescheduling
// replaces the slot reference; cancellation is a status, never a deletion.
type Appointment struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	SlotStart  time.Time
	SlotEnd    time.Time
	Type       AppointmentType
	Priority   Priority
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (a *Appointment) SlotKey() slot.Key {
	return slot.Key{ProviderID: a.ProviderID, Start: a.SlotStart}
}
