package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careflow/scheduling-core/internal/db"
)

const entryColumns = `id, appointment_id, provider_id, patient_id, priority, position, status, check_in_time, called_at, started_at, completed_at`

type PgRepository struct {
	pool db.PgxPool
}

func NewPgRepository(pool db.PgxPool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry

	err := row.Scan(
		&e.ID,
		&e.AppointmentID,
		&e.ProviderID,
		&e.PatientID,
		&e.Priority,
		&e.Position,
		&e.Status,
		&e.CheckInTime,
		&e.CalledAt,
		&e.StartedAt,
		&e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	return &e, nil
}

// Insert writes the entry and shifts the displaced neighbours in the same
// transaction, so a concurrent ListActive never sees two entries at one
// position.
func (r *PgRepository) Insert(ctx context.Context, e Entry, displaced []PositionUpdate) (*Entry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (id, appointment_id, provider_id, patient_id, priority, position, status, check_in_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+entryColumns+`
	`, e.ID, e.AppointmentID, e.ProviderID, e.PatientID, e.Priority, e.Position, e.Status, e.CheckInTime)

	inserted, err := scanEntry(row)
	if err != nil {
		return nil, err
	}

	if err := applyPositions(ctx, tx, displaced); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (r *PgRepository) ListActive(ctx context.Context, providerID uuid.UUID) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE provider_id = $1
		  AND status IN ('waiting', 'called', 'in_consultation')
		ORDER BY CASE WHEN position = 0 THEN 1 ELSE 0 END, position
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CountActive(ctx context.Context, providerID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE provider_id = $1
		  AND status IN ('waiting', 'called', 'in_consultation')
	`, providerID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to EntryStatus, at time.Time) (*Entry, error) {
	column := ""
	switch to {
	case StatusCalled:
		column = "called_at"
	case StatusInConsultation:
		column = "started_at"
	case StatusCompleted:
		column = "completed_at"
	}

	query := `
		UPDATE queue_entries
		SET status = $2
	`
	args := []any{id, to, from}
	if column != "" {
		query += `, ` + column + ` = $4`
		args = append(args, at)
	}
	query += `
		WHERE id = $1
		  AND status = $3
		RETURNING ` + entryColumns

	row := r.pool.QueryRow(ctx, query, args...)
	return scanEntry(row)
}

func applyPositions(ctx context.Context, tx pgx.Tx, updates []PositionUpdate) error {
	for _, u := range updates {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_entries
			SET position = $2
			WHERE id = $1
		`, u.ID, u.Position)
		if err != nil {
			return fmt.Errorf("set position: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrEntryNotFound
		}
	}
	return nil
}

// SetPositions applies all renumber updates in one transaction so a
// provider's ordering is never partially rewritten.
func (r *PgRepository) SetPositions(ctx context.Context, updates []PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin renumber: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyPositions(ctx, tx, updates); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Delete removes the entry and closes the gap it leaves in the same
// transaction.
func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID, remaining []PositionUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM queue_entries
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}

	if err := applyPositions(ctx, tx, remaining); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// PgDurationSource derives a provider's average consultation duration from
// its most recent completed entries.
type PgDurationSource struct {
	pool   db.PgxPool
	window int
}

func NewPgDurationSource(pool db.PgxPool, window int) *PgDurationSource {
	if window <= 0 {
		window = 20
	}
	return &PgDurationSource{pool: pool, window: window}
}

func (s *PgDurationSource) Average(ctx context.Context, providerID uuid.UUID) (time.Duration, error) {
	var seconds *float64
	err := s.pool.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM AVG(completed_at - started_at))
		FROM (
			SELECT started_at, completed_at
			FROM queue_entries
			WHERE provider_id = $1
			  AND status = 'completed'
			  AND started_at IS NOT NULL
			  AND completed_at IS NOT NULL
			ORDER BY completed_at DESC
			LIMIT $2
		) recent
	`, providerID, s.window).Scan(&seconds)
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return 0, ErrNoHistory
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}
