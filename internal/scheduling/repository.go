package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the scheduler.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)

	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// UpdateAppointmentStatus transitions status from -> to, failing with
	// ErrAppointmentNotFound when the appointment is missing or not in the
	// expected state.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	// UpdateAppointmentSlot rebinds the appointment to a new slot reference.
	UpdateAppointmentSlot(ctx context.Context, id, providerID uuid.UUID, start, end time.Time) (*Appointment, error)

	// FindNoShowCandidates returns scheduled appointments whose slot fully
	// elapsed before now. Feeds the no-show sweeper.
	FindNoShowCandidates(ctx context.Context, now time.Time) ([]Appointment, error)
}
