package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/db"
	"github.com/hackgods/doctor-appointment-booking/internal/logging"
	"github.com/hackgods/doctor-appointment-booking/internal/seeddata"
)

type seedConfig struct {
	PostgresDSN    string
	Doctors        int
	Patients       int
	ScheduledShare float64 // share of doctors given their own working hours
	TimeOffDays    int     // upcoming weekdays each scheduled doctor takes off
	Seed           int64
}

func loadSeedConfig() seedConfig {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("seed.doctors", 40)
	v.SetDefault("seed.patients", 2000)
	v.SetDefault("seed.scheduled_share", 0.5)
	v.SetDefault("seed.time_off_days", 2)
	v.SetDefault("seed.random", 0)

	return seedConfig{
		PostgresDSN:    v.GetString("postgres_dsn"),
		Doctors:        v.GetInt("seed.doctors"),
		Patients:       v.GetInt("seed.patients"),
		ScheduledShare: v.GetFloat64("seed.scheduled_share"),
		TimeOffDays:    v.GetInt("seed.time_off_days"),
		Seed:           v.GetInt64("seed.random"),
	}
}

func main() {
	logger := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	logger.Info().Msg("seed starting")

	cfg := loadSeedConfig()
	if cfg.PostgresDSN == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.WithApplicationName("seed"), db.WithMaxConns(4))
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(cfg.Seed))
	if cfg.Seed == 0 {
		faker = gofakeit.New(uint64(time.Now().UnixNano()))
	}

	if err := seedDoctors(context.Background(), pool, faker, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	if err := seedPatients(context.Background(), pool, faker, cfg.Patients, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

// scheduleShapes are the working patterns handed to doctors with their own
// hours. Minutes since midnight.
var scheduleShapes = [][][2]int{
	{{9 * 60, 13 * 60}},
	{{8 * 60, 12 * 60}, {14 * 60, 17 * 60}},
	{{12 * 60, 19 * 60}},
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, cfg seedConfig, logger zerolog.Logger) error {
	logger.Info().Int("count", cfg.Doctors).Msg("seeding doctors")

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		today := appointment.DateOf(time.Now())
		for i := 0; i < cfg.Doctors; i++ {
			doc := seeddata.Doctor(faker)
			id := doc.ID

			_, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, name, specialty, consultation_price, slot_minutes, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now(), now())
			`, id, doc.Name, doc.Specialty, doc.ConsultationPrice, doc.SlotMinutes)
			if err != nil {
				return fmt.Errorf("insert doctor: %w", err)
			}

			if faker.Float64Range(0, 1) >= cfg.ScheduledShare {
				continue
			}

			shape := scheduleShapes[faker.Number(0, len(scheduleShapes)-1)]
			for _, day := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
				if faker.Number(0, 4) == 0 {
					continue
				}
				for _, w := range shape {
					_, err := tx.Exec(ctx, `
						INSERT INTO doctor_working_hours (doctor_id, weekday, start_minute, end_minute)
						VALUES ($1, $2, $3, $4)
					`, id, int(day), w[0], w[1])
					if err != nil {
						return fmt.Errorf("insert working hours: %w", err)
					}
				}
			}

			for _, d := range pickDays(faker, today, cfg.TimeOffDays) {
				_, err := tx.Exec(ctx, `
					INSERT INTO doctor_time_off (doctor_id, day) VALUES ($1, $2)
					ON CONFLICT DO NOTHING
				`, id, d.At(0, time.UTC))
				if err != nil {
					return fmt.Errorf("insert time off: %w", err)
				}
			}
		}
		logger.Info().Msg("doctors seeded")
		return nil
	})
}

// pickDays returns n weekdays from the next four weeks. Repeats collapse on insert.
func pickDays(faker *gofakeit.Faker, from appointment.Date, n int) []appointment.Date {
	upcoming := make([]appointment.Date, 0, 20)
	for d := from; len(upcoming) < 20; d = d.AddDays(1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			upcoming = append(upcoming, d)
		}
	}
	out := make([]appointment.Date, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, upcoming[faker.Number(0, len(upcoming)-1)])
	}
	return out
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		rows := make([][]any, 0, end-offset)
		for i := offset; i < end; i++ {
			p := seeddata.Patient(faker, i)
			rows = append(rows, []any{p.ID, p.Name, *p.Email})
		}

		_, err := pool.CopyFrom(ctx,
			pgx.Identifier{"patients"},
			[]string{"id", "name", "email"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy patients: %w", err)
		}

		logger.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return nil
}
