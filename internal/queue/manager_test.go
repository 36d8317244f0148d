package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/scheduling-core/internal/audit"
	"github.com/careflow/scheduling-core/internal/notify"
	redisclient "github.com/careflow/scheduling-core/internal/redis"
	"github.com/careflow/scheduling-core/internal/scheduling"
)

type managerFixture struct {
	mgr      *Manager
	repo     *MemoryRepository
	appts    *scheduling.MemoryRepository
	notifier *notify.Dispatcher
	now      time.Time

	providerID uuid.UUID
}

func newManagerFixture(t *testing.T, opts ...ManagerOption) *managerFixture {
	t.Helper()

	f := &managerFixture{
		repo:       NewMemoryRepository(),
		appts:      scheduling.NewMemoryRepository(),
		notifier:   notify.NewDispatcher(64, zerolog.Nop()),
		now:        time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		providerID: uuid.New(),
	}

	opts = append([]ManagerOption{WithClock(func() time.Time { return f.now })}, opts...)
	f.mgr = NewManager(
		f.repo,
		f.appts,
		redisclient.NewLocalLocker(),
		audit.Nop{},
		f.notifier,
		15*time.Minute,
		zerolog.Nop(),
		opts...,
	)
	return f
}

// rebuildWithDurations swaps in a duration source that needs the fixture's
// own repository, which does not exist yet when options are first applied.
func (f *managerFixture) rebuildWithDurations(src DurationSource) {
	f.mgr = NewManager(
		f.repo,
		f.appts,
		redisclient.NewLocalLocker(),
		audit.Nop{},
		f.notifier,
		15*time.Minute,
		zerolog.Nop(),
		WithClock(func() time.Time { return f.now }),
		WithDurationSource(src),
	)
}

func (f *managerFixture) addScheduledAppointment(t *testing.T, priority scheduling.Priority) *scheduling.Appointment {
	t.Helper()

	patientID := uuid.New()
	f.appts.AddPatient(scheduling.Patient{ID: patientID, Name: "Queue Patient"})

	appt, err := f.appts.CreateAppointment(context.Background(), scheduling.Appointment{
		ID:         uuid.New(),
		PatientID:  patientID,
		ProviderID: f.providerID,
		SlotStart:  f.now.Add(time.Hour),
		SlotEnd:    f.now.Add(90 * time.Minute),
		Type:       scheduling.TypeConsultation,
		Priority:   priority,
		Status:     scheduling.StatusScheduled,
	})
	require.NoError(t, err)
	return appt
}

func (f *managerFixture) checkIn(t *testing.T, priority scheduling.Priority) *Entry {
	t.Helper()
	appt := f.addScheduledAppointment(t, priority)
	entry, err := f.mgr.CheckIn(context.Background(), appt.ID)
	require.NoError(t, err)
	return entry
}

func (f *managerFixture) positions(t *testing.T) map[uuid.UUID]int {
	t.Helper()
	entries, err := f.mgr.List(context.Background(), f.providerID)
	require.NoError(t, err)
	got := make(map[uuid.UUID]int, len(entries))
	for _, e := range entries {
		got[e.ID] = e.Position
	}
	return got
}

func assertContiguous(t *testing.T, entries []Entry) {
	t.Helper()
	want := 1
	for _, e := range entries {
		if !e.InOrdering() {
			continue
		}
		assert.Equal(t, want, e.Position, "positions must be contiguous 1..N")
		want++
	}
}

func TestCheckInAppendsAtTail(t *testing.T) {
	f := newManagerFixture(t)

	first := f.checkIn(t, scheduling.PriorityNormal)
	second := f.checkIn(t, scheduling.PriorityNormal)
	third := f.checkIn(t, scheduling.PriorityNormal)

	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, 3, third.Position)

	appt, err := f.appts.GetAppointmentByID(context.Background(), first.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusCheckedIn, appt.Status)
}

func TestCheckInRejectsNonScheduled(t *testing.T) {
	f := newManagerFixture(t)

	entry := f.checkIn(t, scheduling.PriorityNormal)

	// Already checked in: a second check-in must not create a duplicate.
	_, err := f.mgr.CheckIn(context.Background(), entry.AppointmentID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.mgr.CheckIn(context.Background(), uuid.New())
	assert.ErrorIs(t, err, scheduling.ErrAppointmentNotFound)
}

func TestEmergencyCheckInJumpsWaitingEntries(t *testing.T) {
	f := newManagerFixture(t)

	a := f.checkIn(t, scheduling.PriorityNormal)
	b := f.checkIn(t, scheduling.PriorityNormal)
	c := f.checkIn(t, scheduling.PriorityNormal)

	em := f.checkIn(t, scheduling.PriorityEmergency)
	assert.Equal(t, 1, em.Position)

	got := f.positions(t)
	assert.Equal(t, 2, got[a.ID])
	assert.Equal(t, 3, got[b.ID])
	assert.Equal(t, 4, got[c.ID])
}

func TestEmergencyCheckInStaysBehindCalledEntry(t *testing.T) {
	f := newManagerFixture(t)

	called := f.checkIn(t, scheduling.PriorityNormal)
	waiting := f.checkIn(t, scheduling.PriorityNormal)

	_, err := f.mgr.Advance(context.Background(), f.providerID)
	require.NoError(t, err)

	em := f.checkIn(t, scheduling.PriorityEmergency)

	got := f.positions(t)
	assert.Equal(t, 1, got[called.ID], "already-called patient keeps the front")
	assert.Equal(t, 2, got[em.ID])
	assert.Equal(t, 3, got[waiting.ID])
}

func TestRemoveClosesGap(t *testing.T) {
	f := newManagerFixture(t)

	a := f.checkIn(t, scheduling.PriorityNormal)
	b := f.checkIn(t, scheduling.PriorityNormal)
	c := f.checkIn(t, scheduling.PriorityNormal)

	require.NoError(t, f.mgr.Remove(context.Background(), b.ID, uuid.New()))

	got := f.positions(t)
	assert.Equal(t, 1, got[a.ID])
	assert.Equal(t, 2, got[c.ID], "entry behind the removal shifts forward")
	assert.NotContains(t, got, b.ID)

	err := f.mgr.Remove(context.Background(), b.ID, uuid.New())
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestAdvanceCallsFrontAndNotifiesNext(t *testing.T) {
	f := newManagerFixture(t)

	first := f.checkIn(t, scheduling.PriorityNormal)
	second := f.checkIn(t, scheduling.PriorityNormal)

	sub := f.notifier.Subscribe(f.providerID)
	defer sub.Unsubscribe()

	called, err := f.mgr.Advance(context.Background(), f.providerID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, called.ID)
	assert.Equal(t, StatusCalled, called.Status)
	require.NotNil(t, called.CalledAt)

	ev := <-sub.C
	assert.Equal(t, notify.EventCalled, ev.Type)
	assert.Equal(t, first.ID, ev.QueueEntryID)

	ev = <-sub.C
	assert.Equal(t, notify.EventNextInLine, ev.Type)
	assert.Equal(t, second.ID, ev.QueueEntryID)
}

func TestAdvanceEmptyQueue(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.mgr.Advance(context.Background(), f.providerID)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestStartConsultationLeavesOrdering(t *testing.T) {
	f := newManagerFixture(t)

	front := f.checkIn(t, scheduling.PriorityNormal)
	behind := f.checkIn(t, scheduling.PriorityNormal)

	_, err := f.mgr.Advance(context.Background(), f.providerID)
	require.NoError(t, err)

	started, err := f.mgr.StartConsultation(context.Background(), front.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInConsultation, started.Status)
	assert.Zero(t, started.Position, "in-consultation entries leave the ordering")

	got := f.positions(t)
	assert.Equal(t, 1, got[behind.ID])

	appt, err := f.appts.GetAppointmentByID(context.Background(), front.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusInConsultation, appt.Status)

	// Waiting entries cannot skip the called state.
	_, err = f.mgr.StartConsultation(context.Background(), behind.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteFinishesConsultation(t *testing.T) {
	f := newManagerFixture(t)

	entry := f.checkIn(t, scheduling.PriorityNormal)
	_, err := f.mgr.Advance(context.Background(), f.providerID)
	require.NoError(t, err)
	_, err = f.mgr.StartConsultation(context.Background(), entry.ID)
	require.NoError(t, err)

	f.now = f.now.Add(20 * time.Minute)

	done, err := f.mgr.Complete(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	appt, err := f.appts.GetAppointmentByID(context.Background(), entry.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusCompleted, appt.Status)

	n, err := f.mgr.Len(context.Background(), f.providerID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimateWaitScalesWithPosition(t *testing.T) {
	f := newManagerFixture(t, WithDurationSource(FixedDuration(10*time.Minute)))

	first := f.checkIn(t, scheduling.PriorityNormal)
	f.checkIn(t, scheduling.PriorityNormal)
	third := f.checkIn(t, scheduling.PriorityNormal)

	wait, err := f.mgr.EstimateWait(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Zero(t, wait, "front of the queue has no wait")

	wait, err = f.mgr.EstimateWait(context.Background(), third.ID)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, wait)
}

func TestEstimateWaitFallsBackWithoutHistory(t *testing.T) {
	f := newManagerFixture(t)
	f.rebuildWithDurations(f.repo) // memory repo: no completed entries yet

	f.checkIn(t, scheduling.PriorityNormal)
	second := f.checkIn(t, scheduling.PriorityNormal)

	wait, err := f.mgr.EstimateWait(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, wait, "default consultation length fills in")
}

func TestEstimateWaitUsesCompletedHistory(t *testing.T) {
	f := newManagerFixture(t)
	f.rebuildWithDurations(f.repo)

	// One full consultation of 30 minutes builds the history.
	first := f.checkIn(t, scheduling.PriorityNormal)
	_, err := f.mgr.Advance(context.Background(), f.providerID)
	require.NoError(t, err)
	_, err = f.mgr.StartConsultation(context.Background(), first.ID)
	require.NoError(t, err)
	f.now = f.now.Add(30 * time.Minute)
	_, err = f.mgr.Complete(context.Background(), first.ID)
	require.NoError(t, err)

	f.checkIn(t, scheduling.PriorityNormal)
	second := f.checkIn(t, scheduling.PriorityNormal)

	wait, err := f.mgr.EstimateWait(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, wait)
}

func TestConcurrentCheckInsStayContiguous(t *testing.T) {
	f := newManagerFixture(t)

	const patients = 12

	appts := make([]*scheduling.Appointment, patients)
	for i := range appts {
		appts[i] = f.addScheduledAppointment(t, scheduling.PriorityNormal)
	}

	var wg sync.WaitGroup
	for i := 0; i < patients; i++ {
		wg.Add(1)
		go func(apptID uuid.UUID) {
			defer wg.Done()
			_, err := f.mgr.CheckIn(context.Background(), apptID)
			assert.NoError(t, err)
		}(appts[i].ID)
	}
	wg.Wait()

	entries, err := f.mgr.List(context.Background(), f.providerID)
	require.NoError(t, err)
	require.Len(t, entries, patients)
	assertContiguous(t, entries)
}

func TestUnlockedReadersSeeContiguousPositions(t *testing.T) {
	f := newManagerFixture(t)

	// List takes no provider lock, so it must never catch a renumbering
	// half-applied: no duplicate positions during an emergency insert, no
	// gap during a removal.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			entries, err := f.mgr.List(context.Background(), f.providerID)
			if err != nil {
				t.Errorf("list: %v", err)
				return
			}
			want := 1
			for _, e := range entries {
				if !e.InOrdering() {
					continue
				}
				if e.Position != want {
					t.Errorf("reader observed position %d where %d was expected", e.Position, want)
					return
				}
				want++
			}
		}
	}()

	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		priority := scheduling.PriorityNormal
		if i%3 == 0 {
			priority = scheduling.PriorityEmergency
		}
		ids = append(ids, f.checkIn(t, priority).ID)
	}
	for _, id := range ids[:4] {
		require.NoError(t, f.mgr.Remove(context.Background(), id, uuid.New()))
	}

	close(stop)
	wg.Wait()
}

// slipIntoConsultation flips the entry's status right after the first Get,
// mimicking a consultation that starts between Remove's unlocked read and
// its locked critical section.
type slipIntoConsultation struct {
	Repository
	once sync.Once
	flip func()
}

func (r *slipIntoConsultation) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := r.Repository.Get(ctx, id)
	r.once.Do(r.flip)
	return e, err
}

func TestRemoveRechecksStatusUnderLock(t *testing.T) {
	f := newManagerFixture(t)

	entry := f.checkIn(t, scheduling.PriorityNormal)
	_, err := f.mgr.Advance(context.Background(), f.providerID)
	require.NoError(t, err)

	racing := &slipIntoConsultation{
		Repository: f.repo,
		flip: func() {
			_, err := f.repo.UpdateStatus(context.Background(), entry.ID, StatusCalled, StatusInConsultation, f.now)
			require.NoError(t, err)
		},
	}
	mgr := NewManager(
		racing,
		f.appts,
		redisclient.NewLocalLocker(),
		audit.Nop{},
		f.notifier,
		15*time.Minute,
		zerolog.Nop(),
	)

	err = mgr.Remove(context.Background(), entry.ID, uuid.New())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.repo.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInConsultation, got.Status, "in-consultation entries are never removed")
}

func TestCheckInRejectsCancelledAppointment(t *testing.T) {
	f := newManagerFixture(t)

	survivor := f.checkIn(t, scheduling.PriorityNormal)

	appt := f.addScheduledAppointment(t, scheduling.PriorityNormal)
	_, err := f.appts.UpdateAppointmentStatus(context.Background(), appt.ID, scheduling.StatusScheduled, scheduling.StatusCancelled)
	require.NoError(t, err)

	_, err = f.mgr.CheckIn(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	entries, err := f.mgr.List(context.Background(), f.providerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, survivor.ID, entries[0].ID)
	assert.Equal(t, 1, entries[0].Position)
}
