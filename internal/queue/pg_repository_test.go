package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/careflow/scheduling-core/internal/scheduling"
)

var entryCols = []string{"id", "appointment_id", "provider_id", "patient_id", "priority", "position", "status", "check_in_time", "called_at", "started_at", "completed_at"}

func TestPgRepositoryUpdateStatusStampsTimestamp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := NewPgRepository(mock)

	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery("UPDATE queue_entries").
		WithArgs(id, StatusCalled, StatusWaiting, now).
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow(id, uuid.New(), uuid.New(), uuid.New(), scheduling.PriorityNormal, 1, StatusCalled, now, &now, (*time.Time)(nil), (*time.Time)(nil)))

	entry, err := repo.UpdateStatus(context.Background(), id, StatusWaiting, StatusCalled, now)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if entry.Status != StatusCalled || entry.CalledAt == nil {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgRepositoryUpdateStatusWrongStateIsNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := NewPgRepository(mock)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery("UPDATE queue_entries").
		WithArgs(id, StatusCalled, StatusWaiting, now).
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.UpdateStatus(context.Background(), id, StatusWaiting, StatusCalled, now)
	if err != ErrEntryNotFound {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgRepositoryInsertShiftsDisplacedInOneTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := NewPgRepository(mock)

	e := Entry{
		ID:            uuid.New(),
		AppointmentID: uuid.New(),
		ProviderID:    uuid.New(),
		PatientID:     uuid.New(),
		Priority:      scheduling.PriorityEmergency,
		Position:      1,
		Status:        StatusWaiting,
		CheckInTime:   time.Now(),
	}
	displacedID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO queue_entries").
		WithArgs(e.ID, e.AppointmentID, e.ProviderID, e.PatientID, e.Priority, e.Position, e.Status, e.CheckInTime).
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow(e.ID, e.AppointmentID, e.ProviderID, e.PatientID, e.Priority, e.Position, e.Status, e.CheckInTime, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil)))
	mock.ExpectExec("UPDATE queue_entries").
		WithArgs(displacedID, 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback() // deferred rollback after commit is a no-op

	inserted, err := repo.Insert(context.Background(), e, []PositionUpdate{{ID: displacedID, Position: 2}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.Position != 1 {
		t.Fatalf("unexpected position: %d", inserted.Position)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgRepositoryDeleteClosesGapInOneTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := NewPgRepository(mock)

	id := uuid.New()
	behind := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM queue_entries").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("UPDATE queue_entries").
		WithArgs(behind, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback() // deferred rollback after commit is a no-op

	if err := repo.Delete(context.Background(), id, []PositionUpdate{{ID: behind, Position: 1}}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgRepositorySetPositionsSingleTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := NewPgRepository(mock)

	a, b := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queue_entries").
		WithArgs(a, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE queue_entries").
		WithArgs(b, 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback() // deferred rollback after commit is a no-op

	err = repo.SetPositions(context.Background(), []PositionUpdate{
		{ID: a, Position: 1},
		{ID: b, Position: 2},
	})
	if err != nil {
		t.Fatalf("set positions: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgRepositorySetPositionsAbortsOnMissingEntry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := NewPgRepository(mock)

	a, b := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queue_entries").
		WithArgs(a, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = repo.SetPositions(context.Background(), []PositionUpdate{
		{ID: a, Position: 1},
		{ID: b, Position: 2},
	})
	if err != ErrEntryNotFound {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgDurationSourceNoHistory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	src := NewPgDurationSource(mock, 20)
	providerID := uuid.New()

	mock.ExpectQuery("SELECT EXTRACT").
		WithArgs(providerID, 20).
		WillReturnRows(pgxmock.NewRows([]string{"extract"}).AddRow((*float64)(nil)))

	_, err = src.Average(context.Background(), providerID)
	if err != ErrNoHistory {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestPgDurationSourceAverages(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	src := NewPgDurationSource(mock, 20)
	providerID := uuid.New()

	avg := 900.0 // seconds
	mock.ExpectQuery("SELECT EXTRACT").
		WithArgs(providerID, 20).
		WillReturnRows(pgxmock.NewRows([]string{"extract"}).AddRow(&avg))

	got, err := src.Average(context.Background(), providerID)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if got != 15*time.Minute {
		t.Fatalf("expected 15m, got %s", got)
	}
}
