package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/config"
	"github.com/hackgods/doctor-appointment-booking/internal/db"
	"github.com/hackgods/doctor-appointment-booking/internal/logging"
	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("", "info")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "invariant-auditor").Logger()

	if cfg.StoreBackend != config.BackendPostgres {
		logger.Error().Str("store", cfg.StoreBackend).Msg("auditor needs the postgres backend")
		os.Exit(1)
	}
	logger.Info().Dur("interval", cfg.AuditInterval).Msg("invariant auditor starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.WithApplicationName("invariant-auditor"), db.WithMaxConns(2))
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("booking")
		srv := &http.Server{Addr: cfg.Addr(), Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics listener")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	auditor := appointment.NewAuditor(appointment.NewPgRepository(pgPool, cfg.ClinicTimezone), logger, m)

	// Run once at startup
	runOnce(rootCtx, auditor, logger)

	ticker := time.NewTicker(cfg.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping auditor")
			return
		case <-ticker.C:
			runOnce(rootCtx, auditor, logger)
		}
	}
}

func runOnce(ctx context.Context, auditor *appointment.Auditor, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	found, err := auditor.RunOnce(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("audit run error")
		return
	}
	logger.Info().
		Int("double_bookings", len(found)).
		Dur("elapsed", time.Since(start)).
		Msg("audit run complete")
}
