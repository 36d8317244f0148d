package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/scheduling-core/internal/audit"
	"github.com/careflow/scheduling-core/internal/config"
	"github.com/careflow/scheduling-core/internal/db"
	"github.com/careflow/scheduling-core/internal/notify"
	"github.com/careflow/scheduling-core/internal/scheduling"
	"github.com/careflow/scheduling-core/internal/slot"
)

// The no-show sweeper marks scheduled appointments whose slot fully elapsed
// without a check-in. The slot itself has already passed, so nothing needs
// releasing.
func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "noshow-worker").Logger()
	logger.Info().Msg("noshow-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("configured")

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

	scheduler := scheduling.NewService(
		scheduling.NewPgRepository(pgPool),
		slot.NewPgStore(pgPool),
		audit.NewPgRecorder(pgPool, logger),
		notify.NewDispatcher(cfg.SubscriberBuffer, logger),
		cfg.CancellationWindow,
		logger,
	)

	// Run once at startup
	runOnce(rootCtx, scheduler, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping no-show sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, scheduler, logger)
		}
	}
}

func runOnce(ctx context.Context, scheduler *scheduling.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	marked, err := scheduler.MarkNoShows(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("no-show sweep error")
		return
	}
	logger.Info().Int("marked", marked).Dur("took", time.Since(start)).Msg("no-show sweep complete")
}
