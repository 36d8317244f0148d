package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/careflow/scheduling-core/internal/api"
	"github.com/careflow/scheduling-core/internal/audit"
	"github.com/careflow/scheduling-core/internal/config"
	"github.com/careflow/scheduling-core/internal/db"
	"github.com/careflow/scheduling-core/internal/metrics"
	"github.com/careflow/scheduling-core/internal/notify"
	"github.com/careflow/scheduling-core/internal/queue"
	redisclient "github.com/careflow/scheduling-core/internal/redis"
	"github.com/careflow/scheduling-core/internal/scheduling"
	"github.com/careflow/scheduling-core/internal/slot"
)

const version = "0.3.0"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api-server").Logger()
	logger.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configured")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.Connect(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.New(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	mx := metrics.New(prometheus.DefaultRegisterer)
	dispatcher := notify.NewDispatcher(cfg.SubscriberBuffer, logger, notify.WithDropCounter(mx.ObserveDroppedEvent))
	auditor := audit.NewPgRecorder(pgPool, logger)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)

	slotStore := slot.NewPgStore(pgPool)
	schedRepo := scheduling.NewPgRepository(pgPool)
	queueRepo := queue.NewPgRepository(pgPool)

	queueMgr := queue.NewManager(
		queueRepo,
		schedRepo,
		locker,
		auditor,
		dispatcher,
		cfg.DefaultConsultation,
		logger,
		queue.WithMetrics(mx),
		queue.WithDurationSource(queue.NewPgDurationSource(pgPool, 20)),
	)

	scheduler := scheduling.NewService(
		schedRepo,
		slotStore,
		auditor,
		dispatcher,
		cfg.CancellationWindow,
		logger,
		scheduling.WithMetrics(mx),
		scheduling.WithQueueLengths(queueMgr),
	)

	router := api.NewRouter(api.RouterConfig{
		Scheduler:  scheduler,
		Queue:      queueMgr,
		Dispatcher: dispatcher,
		PgPool:     pgPool,
		Redis:      rdb,
		Logger:     logger,
		Env:        cfg.Env,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
