package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/careflow/scheduling-core/internal/notify"
	"github.com/careflow/scheduling-core/internal/queue"
	"github.com/careflow/scheduling-core/internal/scheduling"
)

type RouterConfig struct {
	Scheduler  *scheduling.Service
	Queue      *queue.Manager
	Dispatcher *notify.Dispatcher
	PgPool     *pgxpool.Pool
	Redis      *redis.Client
	Logger     zerolog.Logger
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health and metrics
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	// Scheduling
	r.Post("/appointments", bookAppointmentHandler(cfg.Scheduler))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Scheduler))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Scheduler))
	r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Scheduler))
	r.Get("/slots", querySlotsHandler(cfg.Scheduler))
	r.Get("/slots/suggestions", suggestSlotsHandler(cfg.Scheduler))

	// Queue
	r.Post("/queue/checkin", checkInHandler(cfg.Queue))
	r.Get("/providers/{providerID}/queue", listQueueHandler(cfg.Queue))
	r.Post("/providers/{providerID}/queue/advance", advanceQueueHandler(cfg.Queue))
	r.Post("/queue/{id}/remove", removeEntryHandler(cfg.Queue))
	r.Post("/queue/{id}/start", startConsultationHandler(cfg.Queue))
	r.Post("/queue/{id}/complete", completeConsultationHandler(cfg.Queue))
	r.Get("/queue/{id}/wait", waitEstimateHandler(cfg.Queue))

	// Real-time events
	r.Handle("/events", NewEventStreamHandler(cfg.Dispatcher, cfg.Logger))

	return r
}
