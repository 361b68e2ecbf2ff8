package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hackgods/doctor-appointment-booking/internal/api"
	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/db"
	"github.com/hackgods/doctor-appointment-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	PostgresDSN  string
	JWTSecret    string
	Rounds       int           // contested slots to race for
	Racers       int           // patients per slot
	PatientLimit int           // patients loaded from the store
	Timeout      time.Duration // per HTTP call
}

func loadConfig() SimConfig {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("sim.api_base_url", "http://localhost:8080")
	v.SetDefault("sim.rounds", 20)
	v.SetDefault("sim.racers", 8)
	v.SetDefault("sim.patient_limit", 500)
	v.SetDefault("sim.timeout", 10*time.Second)

	return SimConfig{
		APIBaseURL:   strings.TrimRight(v.GetString("sim.api_base_url"), "/"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		JWTSecret:    v.GetString("jwt_secret"),
		Rounds:       v.GetInt("sim.rounds"),
		Racers:       v.GetInt("sim.racers"),
		PatientLimit: v.GetInt("sim.patient_limit"),
		Timeout:      v.GetDuration("sim.timeout"),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to sign simulator tokens")
	}
	if cfg.Rounds <= 0 {
		return errors.New("SIM_ROUNDS must be > 0")
	}
	if cfg.Racers < 2 {
		return errors.New("SIM_RACERS must be at least 2 to contend for a slot")
	}
	return nil
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[p95Index(len(latencies))]
	return avg, min, max, p50, p95
}

func p95Index(n int) int {
	i := n * 95 / 100
	if i >= n {
		i = n - 1
	}
	return i
}

type Metrics struct {
	Setup   OperationMetrics // start, doctor, date, slot
	Confirm OperationMetrics
}

type RoundResult struct {
	DoctorID uuid.UUID
	Date     string
	Start    string
	Accepted int
	Conflict int
	Other    int
}

type Simulator struct {
	config   SimConfig
	patients []uuid.UUID
	client   *http.Client
	admin    string
	log      zerolog.Logger
	metrics  Metrics
	rounds   []RoundResult
}

func main() {
	logger := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	logger.Info().Msg("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().Int("rounds", cfg.Rounds).Int("racers", cfg.Racers).Str("api", cfg.APIBaseURL).Msg("config")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.WithApplicationName("simulate"), db.WithMaxConns(2))
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	patients, err := loadPatients(ctx, pgPool, cfg.PatientLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("load patients")
	}
	logger.Info().Int("patients", len(patients)).Msg("loaded patients")

	admin, err := api.IssueToken(cfg.JWTSecret, appointment.System, time.Hour)
	if err != nil {
		logger.Fatal().Err(err).Msg("issue admin token")
	}

	sim := &Simulator{
		config:   cfg,
		patients: patients,
		client:   &http.Client{Timeout: cfg.Timeout},
		admin:    admin,
		log:      logger,
	}

	if err := sim.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}

	breaches, err := appointment.NewPgRepository(pgPool, time.UTC).FindDoubleBookings(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("check double bookings")
	}
	sim.PrintReport(breaches)
	if len(breaches) > 0 {
		os.Exit(2)
	}
}

func loadPatients(ctx context.Context, pool *pgxpool.Pool, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM patients ORDER BY random() LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no patients loaded, run cmd/seed first")
	}
	return out, nil
}

func (s *Simulator) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// target finds a doctor, date and slot with free capacity to fight over.
func (s *Simulator) target(ctx context.Context, rng *rand.Rand) (api.DoctorResponse, string, string, error) {
	var doctors []api.DoctorResponse
	if _, err := s.call(ctx, http.MethodGet, "/doctors", s.admin, nil, &doctors); err != nil {
		return api.DoctorResponse{}, "", "", err
	}
	if len(doctors) == 0 {
		return api.DoctorResponse{}, "", "", errors.New("no doctors, run cmd/seed first")
	}

	for _, i := range rng.Perm(len(doctors)) {
		d := doctors[i]
		var dates []api.BookableDate
		if _, err := s.call(ctx, http.MethodGet, "/doctors/"+d.ID.String()+"/dates?days=10", s.admin, nil, &dates); err != nil {
			return api.DoctorResponse{}, "", "", err
		}
		for _, bd := range dates {
			if bd.Available == 0 {
				continue
			}
			var avail api.AvailabilityResponse
			if _, err := s.call(ctx, http.MethodGet, "/doctors/"+d.ID.String()+"/availability?date="+bd.Date, s.admin, nil, &avail); err != nil {
				return api.DoctorResponse{}, "", "", err
			}
			if len(avail.Slots) > 0 {
				return d, bd.Date, avail.Slots[rng.Intn(len(avail.Slots))].Start, nil
			}
		}
	}
	return api.DoctorResponse{}, "", "", errors.New("no free slot left to contend for")
}

// race walks one patient's session to confirmation and reports the outcome
// kind of the confirm call.
func (s *Simulator) race(ctx context.Context, patientID uuid.UUID, doctorID uuid.UUID, date, start string, ready *sync.WaitGroup, gate <-chan struct{}) string {
	arrived := sync.OnceFunc(ready.Done)
	defer arrived()

	token, err := api.IssueToken(s.config.JWTSecret, appointment.Actor{Role: appointment.RolePatient, ID: patientID}, time.Hour)
	if err != nil {
		return "error"
	}

	setupStart := time.Now()
	var sess api.SessionResponse
	code, err := s.call(ctx, http.MethodPost, "/bookings", token, nil, &sess)
	if err != nil || code != http.StatusCreated {
		s.metrics.Setup.Record(time.Since(setupStart), false, false)
		return "error"
	}
	base := "/bookings/" + sess.ID.String()
	steps := []struct {
		path string
		body any
	}{
		{base + "/doctor", api.SelectDoctorRequest{DoctorID: doctorID.String()}},
		{base + "/date", api.SelectDateRequest{Date: date}},
		{base + "/slot", api.SelectSlotRequest{Start: start}},
	}
	for _, step := range steps {
		code, err := s.call(ctx, http.MethodPost, step.path, token, step.body, nil)
		if err != nil || code != http.StatusOK {
			// someone committed before this racer reached the slot
			conflict := code == http.StatusConflict
			s.metrics.Setup.Record(time.Since(setupStart), false, conflict)
			if conflict {
				return "slot_just_taken"
			}
			return "error"
		}
	}
	s.metrics.Setup.Record(time.Since(setupStart), true, false)

	arrived()
	<-gate

	confirmStart := time.Now()
	code, err = s.call(ctx, http.MethodPost, base+"/confirm", token, api.ConfirmBookingRequest{
		Type:   string(appointment.TypeInPerson),
		Reason: "Simulated visit",
	}, &sess)
	latency := time.Since(confirmStart)
	if err != nil {
		s.metrics.Confirm.Record(latency, false, false)
		return "error"
	}
	s.metrics.Confirm.Record(latency, code == http.StatusCreated, code == http.StatusConflict)
	if sess.Outcome == nil {
		return "error"
	}
	return sess.Outcome.Kind
}

func (s *Simulator) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for round := 0; round < s.config.Rounds; round++ {
		doctor, date, start, err := s.target(ctx, rng)
		if err != nil {
			return err
		}

		result := RoundResult{DoctorID: doctor.ID, Date: date, Start: start}
		outcomes := make(chan string, s.config.Racers)
		gate := make(chan struct{})
		var ready, done sync.WaitGroup

		for i := 0; i < s.config.Racers; i++ {
			patient := s.patients[rng.Intn(len(s.patients))]
			ready.Add(1)
			done.Add(1)
			go func() {
				defer done.Done()
				outcomes <- s.race(ctx, patient, doctor.ID, date, start, &ready, gate)
			}()
		}

		// Everyone who reached the confirm step fires at once.
		go func() {
			ready.Wait()
			close(gate)
		}()
		done.Wait()
		close(outcomes)

		for kind := range outcomes {
			switch kind {
			case "accepted":
				result.Accepted++
			case "conflict", "slot_just_taken":
				result.Conflict++
			default:
				result.Other++
			}
		}
		s.rounds = append(s.rounds, result)
		s.log.Info().
			Int("round", round+1).
			Str("doctor_id", doctor.ID.String()).
			Str("slot", date+" "+start).
			Int("accepted", result.Accepted).
			Int("conflict", result.Conflict).
			Int("other", result.Other).
			Msg("round complete")
	}
	return nil
}

func (s *Simulator) PrintReport(breaches []appointment.DoubleBooking) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SLOT RACE REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Rounds: %d\n", len(s.rounds))
	fmt.Printf("Racers per slot: %d\n", s.config.Racers)
	fmt.Println()

	var accepted, conflict, other, multi int
	for _, r := range s.rounds {
		accepted += r.Accepted
		conflict += r.Conflict
		other += r.Other
		if r.Accepted > 1 {
			multi++
		}
	}
	fmt.Printf("Accepted: %d\n", accepted)
	fmt.Printf("Conflicts: %d\n", conflict)
	fmt.Printf("Other: %d\n", other)
	fmt.Printf("Rounds with more than one winner: %d\n", multi)
	fmt.Printf("Double bookings in store: %d\n", len(breaches))
	fmt.Println()

	printOperationReport("Session setup", &s.metrics.Setup)
	printOperationReport("Confirm", &s.metrics.Confirm)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
