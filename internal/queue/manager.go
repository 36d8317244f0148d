package queue

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
	redisclient "github.com/careflow/scheduling-core/internal/redis"
	"github.com/careflow/scheduling-core/internal/scheduling"
)

var (
	ErrEmptyQueue        = errors.New("no waiting entries for provider")
	ErrInvalidTransition = errors.New("invalid queue entry transition")
	ErrQueueBusy         = errors.New("queue is busy, please retry")
)

// AppointmentSource is the slice of the scheduling repository the queue
// needs to hand appointments across the check-in boundary.
type AppointmentSource interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to scheduling.Status) (*scheduling.Appointment, error)
}

// Manager owns all queue entry mutation. Every mutation for a provider runs
// under that provider's lock, so renumbering never interleaves with another
// check-in or removal for the same provider; different providers proceed
// independently.
type Manager struct {
	repo         Repository
	appointments AppointmentSource
	locker       redisclient.Locker
	auditor      audit.Recorder
	notifier     *notify.Dispatcher
	metrics      *metrics.Metrics
	durations    DurationSource
	log          zerolog.Logger

	defaultConsultation time.Duration
	now                 func() time.Time
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mx *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// WithDurationSource plugs in the historical consultation-duration feed.
// Without one the manager always answers with the configured default.
func WithDurationSource(src DurationSource) ManagerOption {
	return func(m *Manager) { m.durations = src }
}

func NewManager(
	repo Repository,
	appointments AppointmentSource,
	locker redisclient.Locker,
	auditor audit.Recorder,
	notifier *notify.Dispatcher,
	defaultConsultation time.Duration,
	log zerolog.Logger,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		repo:                repo,
		appointments:        appointments,
		locker:              locker,
		auditor:             auditor,
		notifier:            notifier,
		log:                 log,
		defaultConsultation: defaultConsultation,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func providerLockKey(providerID uuid.UUID) string {
	return fmt.Sprintf("queue:%s", providerID)
}

// CheckIn appends the appointment to its provider's queue. Emergency
// entries jump ahead of every waiting entry but stay behind entries already
// called or in consultation; everyone displaced is renumbered atomically.
func (m *Manager) CheckIn(ctx context.Context, appointmentID uuid.UUID) (*Entry, error) {
	appt, err := m.appointments.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status != scheduling.StatusScheduled {
		return nil, ErrInvalidTransition
	}

	var created *Entry
	var displaced []Entry

	err = m.locker.WithLock(ctx, providerLockKey(appt.ProviderID), func(lockCtx context.Context) error {
		ordering, err := m.activeOrdering(lockCtx, appt.ProviderID)
		if err != nil {
			return err
		}

		insertAt := len(ordering)
		if appt.Priority == scheduling.PriorityEmergency {
			insertAt = 0
			for _, e := range ordering {
				if e.Status != StatusWaiting {
					insertAt++
					continue
				}
				break
			}
		}

		entry := Entry{
			ID:            uuid.New(),
			AppointmentID: appt.ID,
			ProviderID:    appt.ProviderID,
			PatientID:     appt.PatientID,
			Priority:      appt.Priority,
			Position:      insertAt + 1,
			Status:        StatusWaiting,
			CheckInTime:   m.now(),
		}

		// Everyone at or behind the insertion point shifts back one place.
		// The insert and the shifts land in a single repository call so an
		// unlocked reader never sees two entries at one position.
		shifts := make([]PositionUpdate, 0, len(ordering)-insertAt)
		moved := make([]Entry, 0, len(ordering)-insertAt)
		for i, e := range ordering[insertAt:] {
			e.Position = insertAt + 2 + i
			shifts = append(shifts, PositionUpdate{ID: e.ID, Position: e.Position})
			moved = append(moved, e)
		}

		inserted, err := m.repo.Insert(lockCtx, entry, shifts)
		if err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}

		if _, err := m.appointments.UpdateAppointmentStatus(lockCtx, appt.ID, scheduling.StatusScheduled, scheduling.StatusCheckedIn); err != nil {
			// Compensate: the entry must not exist without a checked-in
			// appointment. Restoring the shifted positions rides the delete.
			restore := make([]PositionUpdate, 0, len(moved))
			for _, e := range ordering[insertAt:] {
				restore = append(restore, PositionUpdate{ID: e.ID, Position: e.Position})
			}
			if delErr := m.repo.Delete(lockCtx, inserted.ID, restore); delErr != nil {
				m.log.Error().Err(delErr).
					Str("queue_entry_id", inserted.ID.String()).
					Msg("delete entry after failed check-in transition")
			}
			return fmt.Errorf("mark checked in: %w", err)
		}

		created = inserted
		displaced = moved
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrQueueBusy
		}
		return nil, err
	}

	m.auditor.Record(ctx, audit.Event{
		ActorID:      appt.PatientID,
		Action:       audit.ActionCheckIn,
		ResourceType: "queue_entry",
		ResourceID:   created.ID,
		At:           m.now(),
	})
	m.publishDepth(ctx, appt.ProviderID)

	m.publishMoved(displaced)
	m.notifier.Publish(notify.Event{
		Type:          notify.EventPositionChanged,
		ProviderID:    appt.ProviderID,
		PatientID:     appt.PatientID,
		AppointmentID: appt.ID,
		QueueEntryID:  created.ID,
		Position:      created.Position,
	})

	if appt.Priority == scheduling.PriorityEmergency {
		m.notifier.Publish(notify.Event{
			Type:          notify.EventEmergency,
			ProviderID:    appt.ProviderID,
			PatientID:     appt.PatientID,
			AppointmentID: appt.ID,
			QueueEntryID:  created.ID,
			Position:      created.Position,
		})
	}

	return created, nil
}

// Remove deletes the entry and closes the gap, preserving the relative
// order of everyone else.
func (m *Manager) Remove(ctx context.Context, entryID, actorID uuid.UUID) error {
	entry, err := m.repo.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if !entry.InOrdering() {
		return ErrInvalidTransition
	}

	var moved []Entry

	err = m.locker.WithLock(ctx, providerLockKey(entry.ProviderID), func(lockCtx context.Context) error {
		// Re-check under the lock: the entry may have entered consultation
		// since the unlocked read.
		current, err := m.repo.Get(lockCtx, entryID)
		if err != nil {
			return err
		}
		if !current.InOrdering() {
			return ErrInvalidTransition
		}

		ordering, err := m.activeOrdering(lockCtx, current.ProviderID)
		if err != nil {
			return err
		}
		remaining := make([]Entry, 0, len(ordering))
		for _, e := range ordering {
			if e.ID != current.ID {
				remaining = append(remaining, e)
			}
		}

		updates, movedNow := planRenumber(remaining)
		if err := m.repo.Delete(lockCtx, current.ID, updates); err != nil {
			return err
		}
		moved = movedNow
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return ErrQueueBusy
		}
		return err
	}

	m.publishMoved(moved)
	m.auditor.Record(ctx, audit.Event{
		ActorID:      actorID,
		Action:       audit.ActionRemove,
		ResourceType: "queue_entry",
		ResourceID:   entry.ID,
		At:           m.now(),
	})
	m.publishDepth(ctx, entry.ProviderID)

	return nil
}

// Advance promotes the front waiting entry to called and tells the next
// waiting patient they are now first in line.
func (m *Manager) Advance(ctx context.Context, providerID uuid.UUID) (*Entry, error) {
	var called *Entry

	err := m.locker.WithLock(ctx, providerLockKey(providerID), func(lockCtx context.Context) error {
		ordering, err := m.activeOrdering(lockCtx, providerID)
		if err != nil {
			return err
		}

		var front *Entry
		var next *Entry
		for i := range ordering {
			if ordering[i].Status != StatusWaiting {
				continue
			}
			if front == nil {
				front = &ordering[i]
				continue
			}
			next = &ordering[i]
			break
		}
		if front == nil {
			return ErrEmptyQueue
		}

		updated, err := m.repo.UpdateStatus(lockCtx, front.ID, StatusWaiting, StatusCalled, m.now())
		if err != nil {
			return fmt.Errorf("call front entry: %w", err)
		}
		called = updated

		m.notifier.Publish(notify.Event{
			Type:          notify.EventCalled,
			ProviderID:    providerID,
			PatientID:     updated.PatientID,
			AppointmentID: updated.AppointmentID,
			QueueEntryID:  updated.ID,
			Position:      updated.Position,
		})
		if next != nil {
			m.notifier.Publish(notify.Event{
				Type:          notify.EventNextInLine,
				ProviderID:    providerID,
				PatientID:     next.PatientID,
				AppointmentID: next.AppointmentID,
				QueueEntryID:  next.ID,
				Position:      next.Position,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrQueueBusy
		}
		return nil, err
	}

	m.auditor.Record(ctx, audit.Event{
		ActorID:      providerID,
		Action:       audit.ActionAdvance,
		ResourceType: "queue_entry",
		ResourceID:   called.ID,
		At:           m.now(),
	})

	return called, nil
}

// StartConsultation moves a called entry into consultation. The entry
// leaves the ordering and everyone behind shifts forward.
func (m *Manager) StartConsultation(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	entry, err := m.repo.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	var updated *Entry
	var moved []Entry

	err = m.locker.WithLock(ctx, providerLockKey(entry.ProviderID), func(lockCtx context.Context) error {
		e, err := m.repo.UpdateStatus(lockCtx, entryID, StatusCalled, StatusInConsultation, m.now())
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return ErrInvalidTransition
			}
			return err
		}

		ordering, err := m.activeOrdering(lockCtx, entry.ProviderID)
		if err != nil {
			return err
		}
		shifts, movedNow := planRenumber(ordering)

		// The entry's position reset and the shift of everyone behind it
		// commit together.
		if err := m.repo.SetPositions(lockCtx, append([]PositionUpdate{{ID: e.ID, Position: 0}}, shifts...)); err != nil {
			return err
		}
		e.Position = 0
		updated = e
		moved = movedNow
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrQueueBusy
		}
		return nil, err
	}

	m.publishMoved(moved)

	if _, err := m.appointments.UpdateAppointmentStatus(ctx, updated.AppointmentID, scheduling.StatusCheckedIn, scheduling.StatusInConsultation); err != nil {
		m.log.Error().Err(err).
			Str("appointment_id", updated.AppointmentID.String()).
			Msg("mark appointment in consultation")
	}

	return updated, nil
}

// Complete closes out a consultation. The entry is retained for the
// duration average but no longer participates in the ordering.
func (m *Manager) Complete(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	updated, err := m.repo.UpdateStatus(ctx, entryID, StatusInConsultation, StatusCompleted, m.now())
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	if _, err := m.appointments.UpdateAppointmentStatus(ctx, updated.AppointmentID, scheduling.StatusInConsultation, scheduling.StatusCompleted); err != nil {
		m.log.Error().Err(err).
			Str("appointment_id", updated.AppointmentID.String()).
			Msg("mark appointment completed")
	}

	m.publishDepth(ctx, updated.ProviderID)
	return updated, nil
}

// EstimateWait is (position - 1) x the provider's average consultation
// duration, never negative. The average comes from the history source with
// a fixed fallback.
func (m *Manager) EstimateWait(ctx context.Context, entryID uuid.UUID) (time.Duration, error) {
	entry, err := m.repo.Get(ctx, entryID)
	if err != nil {
		return 0, err
	}
	if !entry.InOrdering() || entry.Position <= 1 {
		return 0, nil
	}

	avg := m.defaultConsultation
	if m.durations != nil {
		if d, err := m.durations.Average(ctx, entry.ProviderID); err == nil && d > 0 {
			avg = d
		} else if err != nil && !errors.Is(err, ErrNoHistory) {
			m.log.Warn().Err(err).
				Str("provider_id", entry.ProviderID.String()).
				Msg("duration source unavailable, using default")
		}
	}

	wait := time.Duration(entry.Position-1) * avg
	m.metrics.ObserveWaitEstimate(wait.Minutes())
	return wait, nil
}

// List returns a read-only snapshot of the provider's active queue.
func (m *Manager) List(ctx context.Context, providerID uuid.UUID) ([]Entry, error) {
	return m.repo.ListActive(ctx, providerID)
}

// Len implements scheduling.QueueLengths.
func (m *Manager) Len(ctx context.Context, providerID uuid.UUID) (int, error) {
	return m.repo.CountActive(ctx, providerID)
}

// activeOrdering returns the provider's positioned entries sorted by
// position, excluding in-consultation entries.
func (m *Manager) activeOrdering(ctx context.Context, providerID uuid.UUID) ([]Entry, error) {
	entries, err := m.repo.ListActive(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}

	ordering := entries[:0:0]
	for _, e := range entries {
		if e.InOrdering() {
			ordering = append(ordering, e)
		}
	}
	return ordering, nil
}

// planRenumber assigns contiguous positions 1..N in the given order,
// returning the updates to persist and the entries that moved.
func planRenumber(ordering []Entry) ([]PositionUpdate, []Entry) {
	var updates []PositionUpdate
	var moved []Entry

	for i := range ordering {
		want := i + 1
		if ordering[i].Position == want {
			continue
		}
		ordering[i].Position = want
		updates = append(updates, PositionUpdate{ID: ordering[i].ID, Position: want})
		moved = append(moved, ordering[i])
	}
	return updates, moved
}

func (m *Manager) publishMoved(moved []Entry) {
	for _, e := range moved {
		m.notifier.Publish(notify.Event{
			Type:          notify.EventPositionChanged,
			ProviderID:    e.ProviderID,
			PatientID:     e.PatientID,
			AppointmentID: e.AppointmentID,
			QueueEntryID:  e.ID,
			Position:      e.Position,
		})
	}
}

func (m *Manager) publishDepth(ctx context.Context, providerID uuid.UUID) {
	depth, err := m.repo.CountActive(ctx, providerID)
	if err != nil {
		m.log.Warn().Err(err).Msg("count active queue entries")
		return
	}
	m.metrics.SetQueueDepth(providerID.String(), depth)
}
