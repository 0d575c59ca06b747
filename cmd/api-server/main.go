package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-queue/internal/api"
	"github.com/hackgods/clinic-queue/internal/app"
	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/notify"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
	"github.com/hackgods/clinic-queue/internal/websocket"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := app.NewLogger(config.Config{Env: "dev"}, "api-server")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := app.NewLogger(cfg, "api-server")
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer rt.Close()

	if err := rt.Migrate(rootCtx, cfg.Tenants...); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	hub := websocket.NewHub(logger)

	// With Redis every instance publishes its changes and relays the shared
	// channel into its own hub; without it the hub is fed directly.
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if rt.Redis != nil {
		pub := redisclient.NewPublisher(rt.Redis, cfg.EventsChannel)
		sinks = append(sinks, notify.NewPublishSink(pub))
		go func() {
			if err := pub.Subscribe(rootCtx, notify.Relay(hub, logger)); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	} else {
		sinks = append(sinks, notify.NewHubSink(hub))
	}
	dispatcher := notify.NewDispatcher(logger, rt.DispatcherOptions(rt.Outbox), sinks...)
	defer dispatcher.Close()

	relay := notify.NewOutboxRelay(rt.Outbox, dispatcher, cfg.Tenants, cfg.OutboxGrace, cfg.OutboxBatch, logger)
	go relay.Run(rootCtx, cfg.OutboxInterval)

	svc := rt.Service(appointment.WithNotifier(dispatcher))

	router := api.NewRouter(api.RouterConfig{
		Service:         svc,
		Hub:             hub,
		Dependencies:    dependencies(rt),
		Logger:          logger,
		DefaultTenant:   cfg.DefaultTenant,
		ConflictRetries: cfg.ConflictRetries,
		Env:             cfg.Env,
		Version:         version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-rootCtx.Done()

	logger.Info().Msg("shutting down api-server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

func dependencies(rt *app.Runtime) []api.Dependency {
	var deps []api.Dependency
	if rt.Pool != nil {
		deps = append(deps, api.Dependency{Name: "postgres", Critical: true, Ping: rt.Pool.Ping})
	}
	if rt.Redis != nil {
		rdb := rt.Redis
		// Queue locks live in Redis, so writes stall without it.
		deps = append(deps, api.Dependency{Name: "redis", Critical: true, Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return deps
}
