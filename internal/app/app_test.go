package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment/memstore"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

func memoryConfig() config.Config {
	return config.Config{
		Env:         "test",
		LogLevel:    "debug",
		StoreDriver: config.StoreMemory,
		LockBackend: config.LockLocal,
		NoShowGrace: 30 * time.Minute,
	}
}

func TestOpenMemoryRuntime(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rt.Close()

	if rt.Pool != nil || rt.Redis != nil {
		t.Fatal("memory runtime should not hold external clients")
	}
	if _, ok := rt.Store.(*memstore.Store); !ok {
		t.Fatalf("expected memstore, got %T", rt.Store)
	}
	if _, ok := rt.Locker.(*redisclient.LocalLocker); !ok {
		t.Fatalf("expected local locker, got %T", rt.Locker)
	}
	if err := rt.Migrate(context.Background(), "clinic_a"); err != nil {
		t.Fatalf("Migrate on memory store: %v", err)
	}
	if rt.Outbox != rt.Store.(*memstore.Store) {
		t.Fatal("memory store must double as the outbox")
	}
}

func TestDispatcherOptionsFollowConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.NotifierBuffer, cfg.NotifierWorkers, cfg.NotifierAttempts = 16, 3, 5
	cfg.NotifierBackoff = 50 * time.Millisecond
	rt, err := Open(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rt.Close()

	opts := rt.DispatcherOptions(rt.Outbox)
	if opts.Buffer != 16 || opts.Workers != 3 || opts.Attempts != 5 || opts.Backoff != 50*time.Millisecond {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.Outbox == nil || rt.DispatcherOptions(nil).Outbox != nil {
		t.Fatal("outbox must be passed through as given")
	}
}

func TestRuntimeServiceUsesStore(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	svc := rt.Service()

	ctx := db.WithTenant(context.Background(), "clinic_a")
	doctor := uuid.New()
	slots, err := svc.ListSlots(ctx, doctor, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots, got %d", len(slots))
	}
}

func TestNewLoggerLevel(t *testing.T) {
	cfg := memoryConfig()
	cfg.LogLevel = "warn"
	if got := NewLogger(cfg, "test").GetLevel(); got != zerolog.WarnLevel {
		t.Fatalf("level: got %s", got)
	}
	cfg.LogLevel = "nonsense"
	if got := NewLogger(cfg, "test").GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("fallback level: got %s", got)
	}
}
