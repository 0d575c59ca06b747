// Package app wires configuration into the engine's runtime dependencies:
// the store, the queue locker and the external clients behind them.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/appointment/memstore"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/notify"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

// NewLogger builds the process logger. Development gets the console writer.
func NewLogger(cfg config.Config, component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("component", component).Logger()
}

// Runtime holds the connections a process owns. Pool and Redis are nil when
// the configuration does not call for them.
type Runtime struct {
	Config config.Config
	Log    zerolog.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Store  appointment.Store
	Outbox appointment.Outbox
	Locker redisclient.Locker
}

// Open connects to whatever the configuration names and picks the matching
// store and locker.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := memstore.New()
		rt.Store, rt.Outbox = mem, mem
		log.Warn().Msg("using in-memory store, data is lost on restart")
	default:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection error: %w", err)
		}
		rt.Pool = pool
		pg := appointment.NewPgStore(pool)
		rt.Store, rt.Outbox = pg, pg
		log.Info().Msg("connected to Postgres")
	}

	switch cfg.LockBackend {
	case config.LockLocal:
		rt.Locker = redisclient.NewLocalLocker()
		log.Warn().Msg("using process-local queue locks, run a single instance only")
	default:
		rdb, err := redisclient.NewRedisClient(cfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
		rt.Redis = rdb
		rt.Locker = redisclient.NewRedisQueueLocker(rdb, cfg.LockTTL, cfg.LockWait)
		log.Info().Msg("connected to Redis")
	}

	return rt, nil
}

// DispatcherOptions maps the notifier settings onto the dispatcher. Pass the
// outbox only when the sinks reach every consumer, otherwise acknowledged
// events would never be re-sent to the ones that missed them.
func (rt *Runtime) DispatcherOptions(outbox appointment.Outbox) notify.Options {
	return notify.Options{
		Buffer:   rt.Config.NotifierBuffer,
		Workers:  rt.Config.NotifierWorkers,
		Attempts: rt.Config.NotifierAttempts,
		Backoff:  rt.Config.NotifierBackoff,
		Outbox:   outbox,
	}
}

// Service builds the engine on top of the runtime.
func (rt *Runtime) Service(opts ...appointment.Option) *appointment.Service {
	opts = append([]appointment.Option{appointment.WithLogger(rt.Log)}, opts...)
	return appointment.NewService(rt.Store, rt.Locker, rt.Config, opts...)
}

// Migrate brings every tenant schema up to date. It is a no-op for the
// in-memory store.
func (rt *Runtime) Migrate(ctx context.Context, tenants ...string) error {
	if rt.Pool == nil {
		return nil
	}
	migrator := db.NewMigrator(rt.Pool)
	for _, tenant := range tenants {
		n, err := migrator.Up(ctx, tenant)
		if err != nil {
			return fmt.Errorf("migrate tenant %s: %w", tenant, err)
		}
		rt.Log.Info().Str("tenant_id", tenant).Int("applied", n).Msg("migrations applied")
	}
	return nil
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Log.Error().Err(err).Msg("error closing redis")
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
