package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/api"
	"github.com/hackgods/clinic-queue/internal/app"
	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Tenant       string
	Duration     time.Duration
	Workers      int
	Doctors      int
	Patients     int
	SlotCapacity int
	Day          time.Time
}

// DataPool holds the ids the workers pick from.
type DataPool struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID
	Slots    map[uuid.UUID][]uuid.UUID // by doctor

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict || status == http.StatusServiceUnavailable:
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
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     zerolog.Logger
	metrics map[string]*OperationMetrics
}

var operations = []string{"book", "check-in", "start", "complete", "cancel", "no-show", "emergency", "delay", "queue"}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLog := app.NewLogger(config.Config{Env: "dev"}, "simulate")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := app.NewLogger(baseCfg, "simulate")

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("doctors", cfg.Doctors).
		Str("date", cfg.Day.Format(appointment.DayLayout)).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dataPool, err := loadDataPool(ctx, baseCfg, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}

	sim := &Simulator{
		config:  cfg,
		pool:    dataPool,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger,
		metrics: make(map[string]*OperationMetrics, len(operations)),
	}
	for _, op := range operations {
		sim.metrics[op] = &OperationMetrics{}
	}

	if err := sim.Setup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("setup slots")
	}

	sim.Run()
	sim.PrintReport()

	violations := sim.Verify(context.Background())
	for _, v := range violations {
		fmt.Println("VIOLATION:", v)
	}
	if len(violations) > 0 {
		os.Exit(1)
	}
	fmt.Println("all invariants hold")
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Tenant:       getEnv("SIM_TENANT", base.DefaultTenant),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		Doctors:      getInt("SIM_DOCTORS", 5),
		Patients:     getInt("SIM_PATIENTS", 500),
		SlotCapacity: getInt("SIM_SLOT_CAPACITY", 8),
		Day:          appointment.DayOf(time.Now(), base.Location()),
	}
	if raw := os.Getenv("SIM_DATE"); raw != "" {
		if d, err := appointment.ParseDay(raw); err == nil {
			cfg.Day = d
		}
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Doctors <= 0 || cfg.Patients <= 0 {
		return fmt.Errorf("SIM_DOCTORS and SIM_PATIENTS must be > 0")
	}
	if !db.ValidTenant(cfg.Tenant) {
		return fmt.Errorf("SIM_TENANT %q is not a valid tenant id", cfg.Tenant)
	}
	return nil
}

// loadDataPool reads seeded clinicians and patients when the server is backed
// by Postgres. Against an in-memory server any ids will do.
func loadDataPool(ctx context.Context, base config.Config, cfg SimConfig, logger zerolog.Logger) (*DataPool, error) {
	dp := &DataPool{Slots: make(map[uuid.UUID][]uuid.UUID)}

	if base.StoreDriver != config.StorePostgres {
		for i := 0; i < cfg.Doctors; i++ {
			dp.Doctors = append(dp.Doctors, uuid.New())
		}
		for i := 0; i < cfg.Patients; i++ {
			dp.Patients = append(dp.Patients, uuid.New())
		}
		return dp, nil
	}

	pool, err := db.ConnectPostgres(ctx, base.PostgresDSN, 2)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	schema, err := db.SchemaFor(cfg.Tenant)
	if err != nil {
		return nil, err
	}
	load := func(table string, limit int) ([]uuid.UUID, error) {
		q := fmt.Sprintf(`SELECT id FROM %s ORDER BY created_at LIMIT $1`, pgx.Identifier{schema, table}.Sanitize())
		rows, err := pool.Query(ctx, q, limit)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", table, err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", table, err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("no %s found in %s, run the seed first", table, schema)
		}
		return ids, nil
	}

	if dp.Doctors, err = load("clinicians", cfg.Doctors); err != nil {
		return nil, err
	}
	if dp.Patients, err = load("patients", cfg.Patients); err != nil {
		return nil, err
	}
	logger.Info().Int("doctors", len(dp.Doctors)).Int("patients", len(dp.Patients)).Msg("data pool loaded")
	return dp, nil
}

// Setup makes sure every doctor has bookable slots on the simulated day.
func (s *Simulator) Setup(ctx context.Context) error {
	for _, doctor := range s.pool.Doctors {
		status, body, err := s.call(ctx, http.MethodGet, s.dayPath(doctor, "/slots"), nil)
		if err != nil || status != http.StatusOK {
			return fmt.Errorf("list slots for %s: status %d: %v", doctor, status, err)
		}
		var slots []api.SlotResponse
		if err := json.Unmarshal(body, &slots); err != nil {
			return err
		}

		if len(slots) == 0 {
			req := api.CreateSlotsRequest{Slots: []api.SlotSpecRequest{
				{Name: "Morning", Start: "09:00", End: "12:00", MaxCapacity: s.config.SlotCapacity},
				{Name: "Afternoon", Start: "14:00", End: "17:00", MaxCapacity: s.config.SlotCapacity},
			}}
			status, body, err = s.call(ctx, http.MethodPost, s.dayPath(doctor, "/slots"), req)
			if err != nil || status != http.StatusCreated {
				return fmt.Errorf("create slots for %s: status %d: %s", doctor, status, body)
			}
			if err := json.Unmarshal(body, &slots); err != nil {
				return err
			}
		}
		for _, sl := range slots {
			s.pool.Slots[doctor] = append(s.pool.Slots[doctor], sl.ID)
		}
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < 0.35:
			s.doBook(ctx, rng)
		case r < 0.50:
			s.doAction(ctx, rng, "check-in", nil)
		case r < 0.60:
			s.doAction(ctx, rng, "start", nil)
		case r < 0.70:
			s.doAction(ctx, rng, "complete", api.CompleteRequest{})
		case r < 0.76:
			s.doAction(ctx, rng, "cancel", api.CancelRequest{Reason: "patient called"})
		case r < 0.80:
			s.doAction(ctx, rng, "no-show", nil)
		case r < 0.83:
			s.doEmergency(ctx, rng)
		case r < 0.84:
			s.doDelay(ctx, rng)
		default:
			s.doQueue(ctx, rng)
		}
	}
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand) {
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	slots := s.pool.Slots[doctor]
	slot := slots[rng.Intn(len(slots))]

	hour := 9 + rng.Intn(3)
	if rng.Intn(2) == 1 {
		hour = 14 + rng.Intn(3)
	}
	scheduled := s.config.Day.Add(time.Duration(hour)*time.Hour + time.Duration(rng.Intn(4)*15)*time.Minute)
	slotID := slot.String()

	req := api.CreateAppointmentRequest{
		DoctorID:    doctor.String(),
		PatientID:   s.pool.Patients[rng.Intn(len(s.pool.Patients))].String(),
		ScheduledAt: scheduled,
		SlotID:      &slotID,
	}
	start := time.Now()
	status, body, err := s.call(ctx, http.MethodPost, "/v1/appointments", req)
	if err != nil {
		return
	}
	s.metrics["book"].Record(time.Since(start), status)

	if status == http.StatusCreated {
		var appt api.AppointmentResponse
		if json.Unmarshal(body, &appt) == nil {
			s.pool.AddAppointment(appt.ID)
		}
	}
}

func (s *Simulator) doAction(ctx context.Context, rng *rand.Rand, action string, body any) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodPost, "/v1/appointments/"+id.String()+"/"+action, body)
	if err != nil {
		return
	}
	s.metrics[action].Record(time.Since(start), status)
}

func (s *Simulator) doEmergency(ctx context.Context, rng *rand.Rand) {
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	req := api.EmergencyRequest{
		PatientID:   s.pool.Patients[rng.Intn(len(s.pool.Patients))].String(),
		Reason:      "acute symptoms",
		DesiredTime: s.config.Day.Add(time.Duration(9+rng.Intn(8)) * time.Hour),
	}
	start := time.Now()
	status, body, err := s.call(ctx, http.MethodPost, s.dayPath(doctor, "/emergencies"), req)
	if err != nil {
		return
	}
	s.metrics["emergency"].Record(time.Since(start), status)

	if status == http.StatusCreated {
		var resp api.EmergencyResponse
		if json.Unmarshal(body, &resp) == nil {
			s.pool.AddAppointment(resp.Appointment.ID)
		}
	}
}

func (s *Simulator) doDelay(ctx context.Context, rng *rand.Rand) {
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodPost, s.dayPath(doctor, "/delay"),
		api.DelayRequest{DelayMinutes: 5 + rng.Intn(10), Reason: "running late"})
	if err != nil {
		return
	}
	s.metrics["delay"].Record(time.Since(start), status)
}

func (s *Simulator) doQueue(ctx context.Context, rng *rand.Rand) {
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodGet, s.dayPath(doctor, "/queue"), nil)
	if err != nil {
		return
	}
	s.metrics["queue"].Record(time.Since(start), status)
}

// Verify checks capacity and queue-position invariants for every simulated
// doctor once the load has stopped.
func (s *Simulator) Verify(ctx context.Context) []string {
	var violations []string
	for _, doctor := range s.pool.Doctors {
		status, body, err := s.call(ctx, http.MethodGet, s.dayPath(doctor, "/slots"), nil)
		if err != nil || status != http.StatusOK {
			violations = append(violations, fmt.Sprintf("doctor %s: list slots failed: %d %v", doctor, status, err))
			continue
		}
		var slots []api.SlotResponse
		_ = json.Unmarshal(body, &slots)
		for _, sl := range slots {
			if sl.CurrentBookings > sl.MaxCapacity {
				violations = append(violations, fmt.Sprintf("slot %s overbooked: %d/%d", sl.ID, sl.CurrentBookings, sl.MaxCapacity))
			}
		}

		status, body, err = s.call(ctx, http.MethodGet, s.dayPath(doctor, "/queue"), nil)
		if err != nil || status != http.StatusOK {
			violations = append(violations, fmt.Sprintf("doctor %s: queue failed: %d %v", doctor, status, err))
			continue
		}
		var view api.QueueViewResponse
		_ = json.Unmarshal(body, &view)

		seenRoutine := false
		for i, e := range view.Entries {
			if e.Position != i+1 {
				violations = append(violations, fmt.Sprintf("doctor %s: entry %d has position %d", doctor, i+1, e.Position))
			}
			if e.Appointment.Emergency && seenRoutine {
				violations = append(violations, fmt.Sprintf("doctor %s: emergency %s queued behind a routine appointment", doctor, e.Appointment.ID))
			}
			if !e.Appointment.Emergency {
				seenRoutine = true
			}
		}
	}
	return violations
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Doctors: %d\n", len(s.pool.Doctors))
	fmt.Println()

	for _, op := range operations {
		printOperationReport(op, s.metrics[op])
	}
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

func (s *Simulator) dayPath(doctor uuid.UUID, suffix string) string {
	return "/v1/doctors/" + doctor.String() + "/days/" + s.config.Day.Format(appointment.DayLayout) + suffix
}

func (s *Simulator) call(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", s.config.Tenant)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}
