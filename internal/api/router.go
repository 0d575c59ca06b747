package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/websocket"
)

type RouterConfig struct {
	Service         *appointment.Service
	Hub             *websocket.Hub // nil disables /ws
	Dependencies    []Dependency
	Logger          zerolog.Logger
	DefaultTenant   string
	ConflictRetries int
	Env             string
	Version         string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	d := deps{svc: cfg.Service, log: cfg.Logger, retries: cfg.ConflictRetries}

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(cfg.DefaultTenant))

		if cfg.Hub != nil {
			r.Handle("/ws", websocket.NewHandler(cfg.Hub))
		}

		r.Route("/v1", func(r chi.Router) {
			r.Route("/doctors/{doctorID}/days/{date}", func(r chi.Router) {
				r.Post("/slots", createSlotsHandler(d))
				r.Get("/slots", listSlotsHandler(d))
				r.Post("/delay", delayHandler(d))
				r.Post("/emergencies", emergencyHandler(d))
				r.Get("/queue", queueViewHandler(d))
				r.Post("/queue/recompute", recomputeQueueHandler(d))
			})

			// Slot endpoints
			r.Post("/slots/activation", slotActivationHandler(d))
			r.Patch("/slots/{id}", updateSlotHandler(d))
			r.Delete("/slots/{id}", deleteSlotHandler(d))
			r.Post("/slots/{id}/bookings", bookSlotHandler(d))

			// Appointment endpoints
			svc := cfg.Service
			r.Post("/appointments", createAppointmentHandler(d))
			r.Get("/appointments/{id}", getAppointmentHandler(d))
			r.Delete("/appointments/{id}", deleteAppointmentHandler(d))
			r.Delete("/appointments/{id}/booking", releaseSlotHandler(d))
			r.Post("/appointments/{id}/check-in", actionHandler(d, http.StatusOK, simpleAction(svc.CheckIn)))
			r.Post("/appointments/{id}/start", actionHandler(d, http.StatusOK, simpleAction(svc.Start)))
			r.Post("/appointments/{id}/complete", actionHandler(d, http.StatusOK, completeAction(svc)))
			r.Post("/appointments/{id}/no-show", actionHandler(d, http.StatusOK, simpleAction(svc.MarkNoShow)))
			r.Post("/appointments/{id}/cancel", actionHandler(d, http.StatusOK, cancelAction(svc)))
			r.Post("/appointments/{id}/reschedule", actionHandler(d, http.StatusCreated, rescheduleAction(svc)))
		})
	})

	return r
}
