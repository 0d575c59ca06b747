package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
)

// deps is what every handler closes over.
type deps struct {
	svc     *appointment.Service
	log     zerolog.Logger
	retries int
}

// retry re-runs fn while it fails with a concurrency conflict. Conflicts roll
// the whole transaction back, so a rerun sees fresh state.
func (d deps) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !appointment.IsRetryable(err) || attempt >= d.retries {
			return err
		}
		d.log.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying after concurrency conflict")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func dayParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	day, err := appointment.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be formatted as YYYY-MM-DD")
		return time.Time{}, false
	}
	return day, true
}

func queueParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, time.Time, bool) {
	doctorID, ok := uuidParam(w, r, "doctorID", "invalid_doctor_id")
	if !ok {
		return uuid.Nil, time.Time{}, false
	}
	day, ok := dayParam(w, r)
	return doctorID, day, ok
}

// optionalUUID parses a nullable id from a request body.
func optionalUUID(w http.ResponseWriter, raw *string, field string) (*uuid.UUID, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return nil, false
	}
	return &id, true
}

func createSlotsHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, day, ok := queueParams(w, r)
		if !ok {
			return
		}
		var req CreateSlotsRequest
		if !decodeBody(w, r, &req) {
			return
		}

		specs := make([]appointment.SlotSpec, 0, len(req.Slots))
		for _, s := range req.Slots {
			specs = append(specs, appointment.SlotSpec{
				Name:        s.Name,
				Start:       s.Start,
				End:         s.End,
				MaxCapacity: s.MaxCapacity,
			})
		}

		var slots []appointment.DoctorSlot
		err := d.retry(r.Context(), func() error {
			var err error
			slots, err = d.svc.CreateSlots(r.Context(), doctorID, day, specs)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSlotResponses(slots))
	}
}

func listSlotsHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, day, ok := queueParams(w, r)
		if !ok {
			return
		}
		slots, err := d.svc.ListSlots(r.Context(), doctorID, day)
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponses(slots))
	}
}

func updateSlotHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_slot_id")
		if !ok {
			return
		}
		var req UpdateSlotRequest
		if !decodeBody(w, r, &req) {
			return
		}
		patch := appointment.SlotPatch{
			Name:        req.Name,
			Start:       req.Start,
			End:         req.End,
			MaxCapacity: req.MaxCapacity,
			Active:      req.Active,
		}

		var slot *appointment.DoctorSlot
		err := d.retry(r.Context(), func() error {
			var err error
			slot, err = d.svc.UpdateSlot(r.Context(), id, patch)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponse(*slot))
	}
}

func deleteSlotHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_slot_id")
		if !ok {
			return
		}
		err := d.retry(r.Context(), func() error {
			return d.svc.DeleteSlot(r.Context(), id)
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func slotActivationHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SlotActivationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Active == nil {
			writeError(w, http.StatusBadRequest, "invalid_active", "active is required")
			return
		}
		ids := make([]uuid.UUID, 0, len(req.SlotIDs))
		for _, raw := range req.SlotIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_ids must contain valid UUIDs")
				return
			}
			ids = append(ids, id)
		}

		var slots []appointment.DoctorSlot
		err := d.retry(r.Context(), func() error {
			var err error
			slots, err = d.svc.BulkSetActive(r.Context(), ids, *req.Active)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponses(slots))
	}
}

func bookSlotHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := uuidParam(w, r, "id", "invalid_slot_id")
		if !ok {
			return
		}
		var req BookSlotRequest
		if !decodeBody(w, r, &req) {
			return
		}
		apptID, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}

		var booking *appointment.SlotBooking
		err = d.retry(r.Context(), func() error {
			var err error
			booking, err = d.svc.BookSlot(r.Context(), slotID, apptID)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, BookingResponse{
			SlotID:        booking.SlotID,
			AppointmentID: booking.AppointmentID,
			BookingOrder:  booking.BookingOrder,
		})
	}
}

func releaseSlotHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		err := d.retry(r.Context(), func() error {
			return d.svc.ReleaseSlot(r.Context(), id)
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createAppointmentHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		slotID, ok := optionalUUID(w, req.SlotID, "slot_id")
		if !ok {
			return
		}

		in := appointment.NewAppointment{
			DoctorID:        doctorID,
			PatientID:       patientID,
			ScheduledAt:     req.ScheduledAt,
			DurationMinutes: req.DurationMinutes,
			SlotID:          slotID,
		}
		var appt *appointment.Appointment
		err = d.retry(r.Context(), func() error {
			var err error
			appt, err = d.svc.CreateAppointment(r.Context(), in)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		appt, err := d.svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func deleteAppointmentHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		err := d.retry(r.Context(), func() error {
			return d.svc.DeleteAppointment(r.Context(), id)
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type appointmentAction func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)

// actionHandler serves the POST /appointments/{id}/<action> family. A nil
// result from decode aborts the request after it wrote its own error.
func actionHandler(d deps, status int, decode func(w http.ResponseWriter, r *http.Request) (appointmentAction, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		act, ok := decode(w, r)
		if !ok {
			return
		}

		var appt *appointment.Appointment
		err := d.retry(r.Context(), func() error {
			var err error
			appt, err = act(r.Context(), id)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, status, toAppointmentResponse(appt))
	}
}

func simpleAction(fn func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)) func(http.ResponseWriter, *http.Request) (appointmentAction, bool) {
	return func(http.ResponseWriter, *http.Request) (appointmentAction, bool) {
		return func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
			return fn(ctx, id)
		}, true
	}
}

func completeAction(svc *appointment.Service) func(http.ResponseWriter, *http.Request) (appointmentAction, bool) {
	return func(w http.ResponseWriter, r *http.Request) (appointmentAction, bool) {
		var req CompleteRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return nil, false
		}
		notes := appointment.ConsultationNotes{
			Diagnosis:    req.Diagnosis,
			Prescription: req.Prescription,
			Notes:        req.Notes,
		}
		return func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
			return svc.Complete(ctx, id, notes)
		}, true
	}
}

func cancelAction(svc *appointment.Service) func(http.ResponseWriter, *http.Request) (appointmentAction, bool) {
	return func(w http.ResponseWriter, r *http.Request) (appointmentAction, bool) {
		var req CancelRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return nil, false
		}
		return func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
			return svc.Cancel(ctx, id, req.Reason)
		}, true
	}
}

func rescheduleAction(svc *appointment.Service) func(http.ResponseWriter, *http.Request) (appointmentAction, bool) {
	return func(w http.ResponseWriter, r *http.Request) (appointmentAction, bool) {
		var req RescheduleRequest
		if !decodeBody(w, r, &req) {
			return nil, false
		}
		slotID, ok := optionalUUID(w, req.SlotID, "slot_id")
		if !ok {
			return nil, false
		}
		in := appointment.RescheduleInput{ScheduledAt: req.ScheduledAt, SlotID: slotID}
		return func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
			return svc.Reschedule(ctx, id, in)
		}, true
	}
}

func delayHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, day, ok := queueParams(w, r)
		if !ok {
			return
		}
		var req DelayRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var shifted []appointment.Appointment
		err := d.retry(r.Context(), func() error {
			var err error
			shifted, err = d.svc.ApplyDelay(r.Context(), doctorID, day, req.DelayMinutes, req.Reason)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponses(shifted))
	}
}

func emergencyHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, day, ok := queueParams(w, r)
		if !ok {
			return
		}
		var req EmergencyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var patientID uuid.UUID
		if req.PatientID != "" {
			id, err := uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			patientID = id
		}
		apptID, ok := optionalUUID(w, req.AppointmentID, "appointment_id")
		if !ok {
			return
		}

		desired := req.DesiredTime
		if !desired.IsZero() && !appointment.DayOf(desired, d.svc.Location()).Equal(day) {
			writeError(w, http.StatusBadRequest, "invalid_desired_time", "desired_time must fall on "+day.Format(appointment.DayLayout))
			return
		}

		in := appointment.EmergencyInput{
			DoctorID:      doctorID,
			PatientID:     patientID,
			AppointmentID: apptID,
			Reason:        req.Reason,
			DesiredTime:   desired,
		}
		var (
			appt    *appointment.Appointment
			created bool
		)
		err := d.retry(r.Context(), func() error {
			var err error
			appt, created, err = d.svc.PromoteToEmergency(r.Context(), in)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, EmergencyResponse{Appointment: toAppointmentResponse(appt), Created: created})
	}
}

func queueViewHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, day, ok := queueParams(w, r)
		if !ok {
			return
		}
		view, err := d.svc.GetQueueView(r.Context(), doctorID, day)
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toQueueViewResponse(view))
	}
}

func recomputeQueueHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, day, ok := queueParams(w, r)
		if !ok {
			return
		}
		var ordered []appointment.Appointment
		err := d.retry(r.Context(), func() error {
			var err error
			ordered, err = d.svc.RecomputeQueue(r.Context(), doctorID, day)
			return err
		})
		if err != nil {
			handleError(w, d.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponses(ordered))
	}
}
