package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careflow/scheduling-core/internal/db"
)

const slotColumns = `provider_id, start_time, end_time, state, version, appointment_id, created_at, updated_at`

type PgStore struct {
	pool db.PgxPool
}

func NewPgStore(pool db.PgxPool) *PgStore {
	return &PgStore{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*Slot, error) {
	var s Slot
	var appointmentID *uuid.UUID

	err := row.Scan(
		&s.ProviderID,
		&s.Start,
		&s.End,
		&s.State,
		&s.Version,
		&appointmentID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.AppointmentID = appointmentID
	return &s, nil
}

func (st *PgStore) Create(ctx context.Context, s Slot) (*Slot, error) {
	row := st.pool.QueryRow(ctx, `
		INSERT INTO slots (provider_id, start_time, end_time, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, now(), now())
		RETURNING `+slotColumns+`
	`, s.ProviderID, s.Start, s.End, s.State)
	return scanSlot(row)
}

func (st *PgStore) Get(ctx context.Context, key Key) (*Slot, error) {
	row := st.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1 AND start_time = $2
	`, key.ProviderID, key.Start)
	return scanSlot(row)
}

func (st *PgStore) Reserve(ctx context.Context, key Key, appointmentID uuid.UUID, expectedVersion int64) (*Slot, error) {
	row := st.pool.QueryRow(ctx, `
		UPDATE slots
		SET state = 'reserved',
		    appointment_id = $3,
		    version = version + 1,
		    updated_at = now()
		WHERE provider_id = $1
		  AND start_time = $2
		  AND state = 'open'
		  AND version = $4
		RETURNING `+slotColumns+`
	`, key.ProviderID, key.Start, appointmentID, expectedVersion)

	s, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, st.conflictOrMissing(ctx, key)
		}
		return nil, err
	}
	return s, nil
}

func (st *PgStore) Release(ctx context.Context, key Key, expectedVersion int64) (*Slot, error) {
	row := st.pool.QueryRow(ctx, `
		UPDATE slots
		SET state = 'open',
		    appointment_id = NULL,
		    version = version + 1,
		    updated_at = now()
		WHERE provider_id = $1
		  AND start_time = $2
		  AND state = 'reserved'
		  AND version = $3
		RETURNING `+slotColumns+`
	`, key.ProviderID, key.Start, expectedVersion)

	s, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, st.conflictOrMissing(ctx, key)
		}
		return nil, err
	}
	return s, nil
}

// SwapReserve runs both conditional updates in one transaction so the old
// slot opening and the new slot reservation become visible together or not
// at all.
func (st *PgStore) SwapReserve(ctx context.Context, oldKey, newKey Key, appointmentID uuid.UUID) error {
	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin swap: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET state = 'reserved',
		    appointment_id = $3,
		    version = version + 1,
		    updated_at = now()
		WHERE provider_id = $1
		  AND start_time = $2
		  AND state = 'open'
	`, newKey.ProviderID, newKey.Start, appointmentID)
	if err != nil {
		return fmt.Errorf("reserve new slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	tag, err = tx.Exec(ctx, `
		UPDATE slots
		SET state = 'open',
		    appointment_id = NULL,
		    version = version + 1,
		    updated_at = now()
		WHERE provider_id = $1
		  AND start_time = $2
		  AND state = 'reserved'
		  AND appointment_id = $3
	`, oldKey.ProviderID, oldKey.Start, appointmentID)
	if err != nil {
		return fmt.Errorf("release old slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	return tx.Commit(ctx)
}

func (st *PgStore) Query(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	rows, err := st.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSlots(rows)
}

func (st *PgStore) QueryOpen(ctx context.Context, from, to time.Time) ([]Slot, error) {
	rows, err := st.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE state = 'open'
		  AND start_time >= $1
		  AND end_time <= $2
		ORDER BY start_time
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSlots(rows)
}

func collectSlots(rows pgx.Rows) ([]Slot, error) {
	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// conflictOrMissing distinguishes a lost race from an unknown key after a
// conditional update matched no rows.
func (st *PgStore) conflictOrMissing(ctx context.Context, key Key) error {
	if _, err := st.Get(ctx, key); err != nil {
		return err
	}
	return ErrConflict
}
