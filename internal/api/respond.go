package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleError maps engine errors onto HTTP responses.
func handleError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var (
		verr *appointment.ValidationError
		ite  *appointment.IllegalTransitionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      "validation_failed",
			Details:    err.Error(),
			Violations: verr.Violations,
		})
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &ite):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:           "illegal_transition",
			Details:         err.Error(),
			CurrentStatus:   string(ite.Current),
			AttemptedStatus: string(ite.Attempted),
		})
	case errors.Is(err, appointment.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", err.Error())
	case errors.Is(err, appointment.ErrSlotInactive):
		writeError(w, http.StatusConflict, "slot_inactive", err.Error())
	case errors.Is(err, appointment.ErrCapacityBelowBooked):
		writeError(w, http.StatusConflict, "capacity_below_bookings", err.Error())
	case errors.Is(err, appointment.ErrSlotHasBookings):
		writeError(w, http.StatusConflict, "slot_has_bookings", err.Error())
	case errors.Is(err, appointment.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "concurrency_conflict", "the queue is busy, please retry shortly")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "the operation timed out")
	default:
		log.Error().Err(err).Msg("unhandled engine error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
