package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/scheduling-core/internal/db"
)

type PgRecorder struct {
	pool db.PgxPool
	log  zerolog.Logger
}

func NewPgRecorder(pool db.PgxPool, log zerolog.Logger) *PgRecorder {
	return &PgRecorder{pool: pool, log: log}
}

func (r *PgRecorder) Record(ctx context.Context, ev Event) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_events (actor_id, action, resource_type, resource_id, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.ActorID, ev.Action, ev.ResourceType, ev.ResourceID, nullableTime(ev.At))
	if err != nil {
		r.log.Error().Err(err).
			Str("action", ev.Action).
			Str("resource_id", ev.ResourceID.String()).
			Msg("insert audit event")
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
