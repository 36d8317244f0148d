package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careflow/scheduling-core/internal/audit"
	"github.com/careflow/scheduling-core/internal/metrics"
	"github.com/careflow/scheduling-core/internal/notify"
	"github.com/careflow/scheduling-core/internal/slot"
)

var (
	ErrSlotUnavailable         = errors.New("slot is no longer available")
	ErrInvalidSlot             = errors.New("slot does not exist")
	ErrSlotInPast              = errors.New("slot start is in the past")
	ErrWindowClosed            = errors.New("cancellation window has closed")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// QueueLengths reports the current active queue depth per provider. Used to
// break ties for emergency suggestions. Implemented by the queue manager.
type QueueLengths interface {
	Len(ctx context.Context, providerID uuid.UUID) (int, error)
}

// Service orchestrates booking, cancellation, rescheduling and slot
// suggestion on top of the slot store. It is the only mutation path for
// slots and appointments.
type Service struct {
	repo     Repository
	slots    slot.Store
	queues   QueueLengths
	auditor  audit.Recorder
	notifier *notify.Dispatcher
	metrics  *metrics.Metrics
	log      zerolog.Logger

	cancellationWindow time.Duration
	now                func() time.Time
}

type ServiceOption func(*Service)

// WithClock overrides the time source. Tests pin it.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithQueueLengths(q QueueLengths) ServiceOption {
	return func(s *Service) { s.queues = q }
}

func NewService(
	repo Repository,
	slots slot.Store,
	auditor audit.Recorder,
	notifier *notify.Dispatcher,
	cancellationWindow time.Duration,
	log zerolog.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		repo:               repo,
		slots:              slots,
		auditor:            auditor,
		notifier:           notifier,
		log:                log,
		cancellationWindow: cancellationWindow,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book reserves the slot and creates the appointment as one logical unit.
// The reserve uses the slot's version as a compare-and-swap, so of N
// concurrent bookings for one slot exactly one wins; the appointment insert
// failing afterwards releases the reservation again.
func (s *Service) Book(ctx context.Context, patientID uuid.UUID, key slot.Key, apptType AppointmentType, priority Priority) (*Appointment, error) {
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	current, err := s.slots.Get(ctx, key)
	if err != nil {
		if errors.Is(err, slot.ErrNotFound) {
			return nil, ErrInvalidSlot
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if current.Start.Before(s.now()) {
		return nil, ErrSlotInPast
	}
	if current.State != slot.StateOpen {
		s.metrics.ObserveBooking("conflict")
		return nil, ErrSlotUnavailable
	}

	apptID := uuid.New()

	reserved, err := s.slots.Reserve(ctx, key, apptID, current.Version)
	if err != nil {
		if errors.Is(err, slot.ErrConflict) {
			s.metrics.ObserveBooking("conflict")
			return nil, ErrSlotUnavailable
		}
		if errors.Is(err, slot.ErrNotFound) {
			return nil, ErrInvalidSlot
		}
		s.metrics.ObserveBooking("error")
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	created, err := s.repo.CreateAppointment(ctx, Appointment{
		ID:         apptID,
		PatientID:  patientID,
		ProviderID: key.ProviderID,
		SlotStart:  reserved.Start,
		SlotEnd:    reserved.End,
		Type:       apptType,
		Priority:   priority,
		Status:     StatusScheduled,
	})
	if err != nil {
		// Compensate: the reservation must not outlive a failed insert.
		if _, relErr := s.slots.Release(ctx, key, reserved.Version); relErr != nil {
			s.log.Error().Err(relErr).
				Str("appointment_id", apptID.String()).
				Msg("release after failed appointment insert")
		}
		s.metrics.ObserveBooking("error")
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.metrics.ObserveBooking("booked")
	s.auditor.Record(ctx, audit.Event{
		ActorID:      patientID,
		Action:       audit.ActionBook,
		ResourceType: "appointment",
		ResourceID:   created.ID,
		At:           s.now(),
	})

	if priority == PriorityEmergency {
		s.notifier.Publish(notify.Event{
			Type:          notify.EventEmergency,
			ProviderID:    created.ProviderID,
			PatientID:     created.PatientID,
			AppointmentID: created.ID,
		})
	}

	return created, nil
}

// Cancel releases the slot and marks the appointment cancelled. Patients
// must cancel at least the configured window before the slot start; the
// boundary is inclusive. Receptionists are exempt.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID, actor Role, actorID uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.Status != StatusScheduled {
		return ErrInvalidStatusTransition
	}

	if actor == RolePatient {
		cutoff := appt.SlotStart.Add(-s.cancellationWindow)
		if s.now().After(cutoff) {
			s.metrics.ObserveCancellation("window_closed")
			return ErrWindowClosed
		}
	}

	if err := s.releaseSlot(ctx, appt); err != nil {
		s.metrics.ObserveCancellation("error")
		return err
	}

	if _, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusScheduled, StatusCancelled); err != nil {
		s.metrics.ObserveCancellation("error")
		return fmt.Errorf("mark cancelled: %w", err)
	}

	s.metrics.ObserveCancellation("cancelled")
	s.auditor.Record(ctx, audit.Event{
		ActorID:      actorID,
		Action:       audit.ActionCancel,
		ResourceType: "appointment",
		ResourceID:   appt.ID,
		At:           s.now(),
	})

	return nil
}

// Reschedule swaps the reservation from the current slot to newKey. On
// conflict the original reservation is untouched and the caller sees the
// error; there is never a half-moved state.
func (s *Service) Reschedule(ctx context.Context, appointmentID uuid.UUID, newKey slot.Key, actorID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusScheduled {
		return nil, ErrInvalidStatusTransition
	}

	newSlot, err := s.slots.Get(ctx, newKey)
	if err != nil {
		if errors.Is(err, slot.ErrNotFound) {
			return nil, ErrInvalidSlot
		}
		return nil, fmt.Errorf("load new slot: %w", err)
	}
	if newSlot.Start.Before(s.now()) {
		return nil, ErrSlotInPast
	}

	oldKey := appt.SlotKey()

	if err := s.slots.SwapReserve(ctx, oldKey, newKey, appt.ID); err != nil {
		if errors.Is(err, slot.ErrConflict) || errors.Is(err, slot.ErrNotFound) {
			s.metrics.ObserveReschedule("conflict")
			return nil, ErrSlotUnavailable
		}
		s.metrics.ObserveReschedule("error")
		return nil, fmt.Errorf("swap reservation: %w", err)
	}

	updated, err := s.repo.UpdateAppointmentSlot(ctx, appt.ID, newKey.ProviderID, newSlot.Start, newSlot.End)
	if err != nil {
		// Compensate: move the reservation back so slot and appointment agree.
		if swapErr := s.slots.SwapReserve(ctx, newKey, oldKey, appt.ID); swapErr != nil {
			s.log.Error().Err(swapErr).
				Str("appointment_id", appt.ID.String()).
				Msg("swap back after failed slot update")
		}
		s.metrics.ObserveReschedule("error")
		return nil, fmt.Errorf("update appointment slot: %w", err)
	}

	s.metrics.ObserveReschedule("rescheduled")
	s.auditor.Record(ctx, audit.Event{
		ActorID:      actorID,
		Action:       audit.ActionReschedule,
		ResourceType: "appointment",
		ResourceID:   updated.ID,
		At:           s.now(),
	})

	return updated, nil
}

// GetAppointment is a snapshot read for callers resynchronizing state.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

// QuerySlots returns the provider's slot snapshot for a time range.
func (s *Service) QuerySlots(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]slot.Slot, error) {
	return s.slots.Query(ctx, providerID, from, to)
}

// MarkNoShows transitions scheduled appointments whose slot has fully
// elapsed to no-show. The slot itself has already passed, so nothing is
// released. Called by the sweep worker.
func (s *Service) MarkNoShows(ctx context.Context) (int, error) {
	candidates, err := s.repo.FindNoShowCandidates(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("find no-show candidates: %w", err)
	}

	marked := 0
	for _, appt := range candidates {
		if _, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusScheduled, StatusNoShow); err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				continue // raced with a check-in or cancellation
			}
			s.log.Error().Err(err).
				Str("appointment_id", appt.ID.String()).
				Msg("mark no-show")
			continue
		}
		marked++
		s.auditor.Record(ctx, audit.Event{
			ActorID:      appt.ProviderID,
			Action:       audit.ActionNoShow,
			ResourceType: "appointment",
			ResourceID:   appt.ID,
			At:           s.now(),
		})
	}

	return marked, nil
}

func (s *Service) releaseSlot(ctx context.Context, appt *Appointment) error {
	key := appt.SlotKey()

	current, err := s.slots.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load slot for release: %w", err)
	}
	if current.State != slot.StateReserved || current.AppointmentID == nil || *current.AppointmentID != appt.ID {
		// Slot already moved on; nothing to release.
		return nil
	}

	if _, err := s.slots.Release(ctx, key, current.Version); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}
