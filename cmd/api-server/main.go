package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/doctor-appointment-booking/internal/api"
	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/availability"
	"github.com/hackgods/doctor-appointment-booking/internal/booking"
	"github.com/hackgods/doctor-appointment-booking/internal/config"
	"github.com/hackgods/doctor-appointment-booking/internal/db"
	"github.com/hackgods/doctor-appointment-booking/internal/logging"
	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
	redisclient "github.com/hackgods/doctor-appointment-booking/internal/redis"
	"github.com/hackgods/doctor-appointment-booking/internal/seeddata"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "api-server",
		Short: "Doctor appointment booking API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var demoDoctors, demoPatients int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg, demoDoctors, demoPatients)
		},
	}
	cmd.Flags().IntVar(&demoDoctors, "demo-doctors", 5, "doctors to generate for the memory backend")
	cmd.Flags().IntVar(&demoPatients, "demo-patients", 20, "patients to generate for the memory backend")
	return cmd
}

func runServer(cfg config.Config, demoDoctors, demoPatients int) error {
	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreBackend).
		Str("timezone", cfg.ClinicTimezone.String()).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo        appointment.Repository
		storePinger api.Pinger
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.WithApplicationName("api-server"))
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		defer pgPool.Close()
		logger.Info().Msg("connected to Postgres")
		repo = appointment.NewPgRepository(pgPool, cfg.ClinicTimezone)
		storePinger = pgPool
	default:
		mem := appointment.NewMemoryRepository(cfg.ClinicTimezone)
		seedMemory(mem, demoDoctors, demoPatients, logger)
		repo = mem
	}

	var (
		locker      redisclient.Locker
		cachePinger api.Pinger
	)
	if cfg.RedisAddr != "" {
		redisCtx, cancelRedis := context.WithTimeout(rootCtx, 5*time.Second)
		rdb, err := redisclient.NewRedisClient(redisCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		cancelRedis()
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing redis")
			}
		}()
		logger.Info().Msg("connected to Redis")
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
		cachePinger = pingRedis(rdb)
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, committing without slot lock")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("booking")
	}

	provider := availability.ProviderSource(repo)
	if cfg.ProviderScheduleFile != "" {
		file, err := availability.LoadFileSource(cfg.ProviderScheduleFile)
		if err != nil {
			return err
		}
		logger.Info().
			Str("path", cfg.ProviderScheduleFile).
			Int("doctors", len(file.Doctors())).
			Msg("loaded provider schedules")
		provider = availability.FirstOf(file, repo)
	}

	catalog := availability.NewCatalog(provider,
		availability.WithRetryBudget(cfg.AvailabilityAttempts, cfg.AvailabilityTimeout),
		availability.WithCatalogLogger(logger),
		availability.WithCatalogMetrics(m),
	)
	resolverOpts := []availability.ResolverOption{availability.WithResolverLogger(logger)}
	if cfg.MinBookingNotice > 0 {
		resolverOpts = append(resolverOpts, availability.WithMinNotice(time.Now, cfg.ClinicTimezone, cfg.MinBookingNotice))
	}
	resolver := availability.NewResolver(catalog, availability.NewBookedIndex(repo), resolverOpts...)

	committer := appointment.NewCommitter(repo, locker, cfg.ClinicTimezone, logger, m)
	sessions := booking.NewSessions(booking.Deps{
		Doctors:   repo,
		Resolver:  resolver,
		Committer: committer,
		Log:       logger,
		Metrics:   m,
	}, cfg.SessionTTL)
	go sessions.Run(rootCtx, time.Minute)

	var limiter *api.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.Run(rootCtx, time.Minute, cfg.SessionTTL)
	}

	router := api.NewRouter(api.RouterConfig{
		Repo:           repo,
		Resolver:       resolver,
		Sessions:       sessions,
		Lifecycle:      appointment.NewLifecycle(repo, logger),
		Location:       cfg.ClinicTimezone,
		Log:            logger,
		Metrics:        m,
		JWTSecret:      cfg.JWTSecret,
		RateLimiter:    limiter,
		StorePinger:    storePinger,
		CachePinger:    cachePinger,
		Backend:        cfg.StoreBackend,
		Env:            cfg.Env,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func pingRedis(rdb *redis.Client) api.PingFunc {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// seedMemory fills an in-memory store so the API is usable without Postgres.
// Demo doctors keep the default slot length so the template grid lines up.
func seedMemory(repo *appointment.MemoryRepository, doctors, patients int, logger zerolog.Logger) {
	faker := gofakeit.New(0)
	for i := 0; i < doctors; i++ {
		d := seeddata.Doctor(faker)
		d.SlotMinutes = appointment.DefaultSlotMinutes
		repo.AddDoctor(d)
		logger.Info().Str("doctor_id", d.ID.String()).Str("name", d.Name).Msg("demo doctor")
	}
	for i := 0; i < patients; i++ {
		p := seeddata.Patient(faker, i)
		repo.AddPatient(p)
		logger.Debug().Str("patient_id", p.ID.String()).Msg("demo patient")
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	withPool := func(fn func(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("POSTGRES_DSN")
			if dsn == "" {
				return errors.New("POSTGRES_DSN is required")
			}
			logger := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.ConnectPostgres(ctx, dsn, db.WithApplicationName("migrate"), db.WithMaxConns(1))
			if err != nil {
				return err
			}
			defer pool.Close()
			return fn(ctx, pool, logger)
		}
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withPool(func(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
			n, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", n).Msg("migrations complete")
			return nil
		}),
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they ran",
		RunE: withPool(func(ctx context.Context, pool *pgxpool.Pool, _ zerolog.Logger) error {
			statuses, err := db.NewMigrator(pool).Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied " + s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%03d  %-30s %s\n", s.Version, s.Name, state)
			}
			return nil
		}),
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role string
		id   string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is required")
			}
			actor := appointment.Actor{Role: appointment.Role(role)}
			if !actor.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if actor.Role != appointment.RoleAdmin {
				parsed, err := uuid.Parse(id)
				if err != nil {
					return fmt.Errorf("--id must be a valid UUID: %w", err)
				}
				actor.ID = parsed
			}
			tok, err := api.IssueToken(secret, actor, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(appointment.RolePatient), "patient, doctor or admin")
	cmd.Flags().StringVar(&id, "id", "", "patient or doctor id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
