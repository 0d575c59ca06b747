package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/app"
	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type seedConfig struct {
	Tenant            string
	Doctors           int
	PatientsPerDoctor int
	SlotCapacity      int
	Day               time.Time
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := app.NewLogger(config.Config{Env: "dev"}, "seed")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := app.NewLogger(cfg, "seed")

	if cfg.StoreDriver != config.StorePostgres {
		logger.Fatal().Msg("seed writes to Postgres, set STORE_DRIVER=postgres")
	}

	sc, err := loadSeedConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid seed config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer rt.Close()

	if err := rt.Migrate(ctx, sc.Tenant); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	faker := gofakeit.New(0)
	svc := rt.Service()
	tenantCtx := db.WithTenant(ctx, sc.Tenant)

	for i := 0; i < sc.Doctors; i++ {
		if err := seedDoctor(tenantCtx, rt.Pool, svc, faker, sc, logger); err != nil {
			logger.Fatal().Err(err).Msg("seed failed")
		}
	}

	logger.Info().
		Str("tenant_id", sc.Tenant).
		Int("doctors", sc.Doctors).
		Str("date", sc.Day.Format(appointment.DayLayout)).
		Msg("seed complete")
}

func loadSeedConfig(cfg config.Config) (seedConfig, error) {
	sc := seedConfig{
		Tenant:            getEnv("SEED_TENANT", cfg.DefaultTenant),
		Doctors:           getInt("SEED_DOCTORS", 10),
		PatientsPerDoctor: getInt("SEED_PATIENTS_PER_DOCTOR", 16),
		SlotCapacity:      getInt("SEED_SLOT_CAPACITY", 10),
	}

	day := appointment.DayOf(time.Now(), cfg.Location())
	if raw := os.Getenv("SEED_DATE"); raw != "" {
		parsed, err := appointment.ParseDay(raw)
		if err != nil {
			return seedConfig{}, err
		}
		day = parsed
	}
	sc.Day = day

	if sc.Doctors <= 0 || sc.PatientsPerDoctor < 0 {
		return seedConfig{}, fmt.Errorf("SEED_DOCTORS must be > 0 and SEED_PATIENTS_PER_DOCTOR >= 0")
	}
	if sc.SlotCapacity < appointment.MinSlotCapacity || sc.SlotCapacity > appointment.MaxSlotCapacity {
		return seedConfig{}, fmt.Errorf("SEED_SLOT_CAPACITY must be between %d and %d", appointment.MinSlotCapacity, appointment.MaxSlotCapacity)
	}
	return sc, nil
}

// seedDoctor registers one clinician with a morning and an afternoon slot and
// books patients into them through the engine.
func seedDoctor(ctx context.Context, pool *pgxpool.Pool, svc *appointment.Service, faker *gofakeit.Faker, sc seedConfig, logger zerolog.Logger) error {
	schema, err := db.SchemaFor(sc.Tenant)
	if err != nil {
		return err
	}

	doctorID := uuid.New()
	now := time.Now()
	_, err = pool.CopyFrom(ctx,
		pgx.Identifier{schema, "clinicians"},
		[]string{"id", "name", "specialty", "created_at", "updated_at"},
		pgx.CopyFromRows([][]any{{doctorID, "Dr. " + faker.Name(), faker.RandomString(specialties), now, now}}),
	)
	if err != nil {
		return fmt.Errorf("insert clinician: %w", err)
	}

	patients := make([]uuid.UUID, sc.PatientsPerDoctor)
	rows := make([][]any, 0, sc.PatientsPerDoctor)
	for i := range patients {
		patients[i] = uuid.New()
		rows = append(rows, []any{patients[i], faker.Name(), faker.Email(), faker.Phone(), now, now})
	}
	if _, err := pool.CopyFrom(ctx,
		pgx.Identifier{schema, "patients"},
		[]string{"id", "name", "email", "phone", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("insert patients: %w", err)
	}

	slots, err := svc.CreateSlots(ctx, doctorID, sc.Day, []appointment.SlotSpec{
		{Name: "Morning", Start: "09:00", End: "12:00", MaxCapacity: sc.SlotCapacity},
		{Name: "Afternoon", Start: "14:00", End: "17:00", MaxCapacity: sc.SlotCapacity},
	})
	if err != nil {
		return fmt.Errorf("create slots: %w", err)
	}

	booked := 0
	for i, patientID := range patients {
		slot := slots[i%len(slots)]
		if slot.CurrentBookings >= slot.MaxCapacity {
			continue
		}
		offset := time.Duration(faker.Number(0, 11)) * 15 * time.Minute
		_, err := svc.CreateAppointment(ctx, appointment.NewAppointment{
			DoctorID:        doctorID,
			PatientID:       patientID,
			ScheduledAt:     slot.StartTime.Add(offset),
			DurationMinutes: faker.RandomInt([]int{10, 15, 20, 30}),
			SlotID:          &slot.ID,
		})
		if err != nil {
			logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("booking skipped")
			continue
		}
		slots[i%len(slots)].CurrentBookings++
		booked++
	}

	logger.Info().
		Str("doctor_id", doctorID.String()).
		Int("patients", len(patients)).
		Int("booked", booked).
		Msg("doctor seeded")
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
