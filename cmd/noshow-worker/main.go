package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/app"
	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/notify"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := app.NewLogger(config.Config{Env: "dev"}, "noshow-worker")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := app.NewLogger(cfg, "noshow-worker")
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("grace", cfg.NoShowGrace).
		Strs("tenants", cfg.Tenants).
		Msg("no-show worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer rt.Close()

	// Without Redis the worker cannot reach the api-server hubs, so its events
	// stay pending for the api-server's outbox relay.
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	var outbox appointment.Outbox
	if rt.Redis != nil {
		sinks = append(sinks, notify.NewPublishSink(redisclient.NewPublisher(rt.Redis, cfg.EventsChannel)))
		outbox = rt.Outbox
	}
	dispatcher := notify.NewDispatcher(logger, rt.DispatcherOptions(outbox), sinks...)
	defer dispatcher.Close()
	svc := rt.Service(appointment.WithNotifier(dispatcher))

	// Run once at startup
	runOnce(rootCtx, svc, cfg.Tenants, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping no-show worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg.Tenants, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, tenants []string, logger zerolog.Logger) {
	for _, tenant := range tenants {
		runCtx, cancel := context.WithTimeout(db.WithTenant(ctx, tenant), 20*time.Second)
		start := time.Now()
		marked, err := svc.SweepNoShows(runCtx)
		cancel()
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenant).Msg("no-show sweep failed")
			continue
		}
		logger.Info().
			Str("tenant_id", tenant).
			Int("marked", marked).
			Dur("took", time.Since(start)).
			Msg("no-show sweep complete")
	}
}
