package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/api"
	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/appointment/memstore"
	"github.com/hackgods/clinic-queue/internal/config"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

const day = "2025-01-10"

func at(h, m int) time.Time {
	return time.Date(2025, 1, 10, h, m, 0, 0, time.UTC)
}

// flakyLocker refuses the first n acquisitions.
type flakyLocker struct {
	refuse int32
	calls  atomic.Int32
	inner  redisclient.Locker
}

func (l *flakyLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if l.calls.Add(1) <= l.refuse {
		return redisclient.ErrLockNotAcquired
	}
	return l.inner.WithLock(ctx, key, fn)
}

type testServer struct {
	*httptest.Server
	doctor uuid.UUID
}

func newServer(t *testing.T, locker redisclient.Locker, retries int, deps ...api.Dependency) *testServer {
	t.Helper()
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}
	cfg := config.Config{NoShowGrace: 30 * time.Minute, WaitAlertThreshold: 30 * time.Minute}
	svc := appointment.NewService(memstore.New(), locker, cfg,
		appointment.WithClock(func() time.Time { return at(8, 0) }))

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Service:         svc,
		Dependencies:    deps,
		Logger:          zerolog.Nop(),
		DefaultTenant:   "clinic_a",
		ConflictRetries: retries,
		Env:             "test",
		Version:         "dev",
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, doctor: uuid.New()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) (int, []byte, http.Header) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, resp.Header
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func (s *testServer) dayPath(suffix string) string {
	return "/v1/doctors/" + s.doctor.String() + "/days/" + day + suffix
}

func (s *testServer) createSlot(t *testing.T, capacity int) api.SlotResponse {
	t.Helper()
	status, body, _ := s.do(t, http.MethodPost, s.dayPath("/slots"), api.CreateSlotsRequest{
		Slots: []api.SlotSpecRequest{{Name: "Morning", Start: "09:00", End: "12:00", MaxCapacity: capacity}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create slot: status %d: %s", status, body)
	}
	return decode[[]api.SlotResponse](t, body)[0]
}

func (s *testServer) book(t *testing.T, slotID *uuid.UUID, scheduled time.Time) (int, []byte) {
	t.Helper()
	req := api.CreateAppointmentRequest{
		DoctorID:    s.doctor.String(),
		PatientID:   uuid.NewString(),
		ScheduledAt: scheduled,
	}
	if slotID != nil {
		id := slotID.String()
		req.SlotID = &id
	}
	status, body, _ := s.do(t, http.MethodPost, "/v1/appointments", req)
	return status, body
}

func TestHealthEndpoints(t *testing.T) {
	down := errors.New("down")
	srv := newServer(t, nil, 0,
		api.Dependency{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }},
		api.Dependency{Name: "redis", Ping: func(context.Context) error { return down }},
	)

	status, _, _ := srv.do(t, http.MethodGet, "/health/live", nil)
	if status != http.StatusOK {
		t.Fatalf("live: got %d", status)
	}

	status, body, _ := srv.do(t, http.MethodGet, "/health/ready", nil)
	ready := decode[api.ReadinessResponse](t, body)
	if status != http.StatusOK || ready.Status != "degraded" || ready.Dependencies["redis"] != "down" {
		t.Fatalf("ready: got %d %+v", status, ready)
	}

	critical := newServer(t, nil, 0,
		api.Dependency{Name: "postgres", Critical: true, Ping: func(context.Context) error { return down }})
	status, body, _ = critical.do(t, http.MethodGet, "/health/ready", nil)
	if status != http.StatusServiceUnavailable || decode[api.ReadinessResponse](t, body).Status != "error" {
		t.Fatalf("critical down: got %d %s", status, body)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newServer(t, nil, 0)
	_, _, h := srv.do(t, http.MethodGet, "/health/live", nil, "X-Request-ID", "req-123")
	if got := h.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID: got %q", got)
	}
	_, _, h = srv.do(t, http.MethodGet, "/health/live", nil)
	if h.Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestInvalidTenantRejected(t *testing.T) {
	srv := newServer(t, nil, 0)
	status, body, _ := srv.do(t, http.MethodGet, srv.dayPath("/slots"), nil, "X-Tenant-ID", "bad-tenant;drop")
	if status != http.StatusBadRequest || decode[api.ErrorResponse](t, body).Error != "invalid_tenant" {
		t.Fatalf("got %d %s", status, body)
	}
}

func TestBadPathParams(t *testing.T) {
	srv := newServer(t, nil, 0)

	status, body, _ := srv.do(t, http.MethodGet, "/v1/doctors/not-a-uuid/days/"+day+"/queue", nil)
	if status != http.StatusBadRequest || decode[api.ErrorResponse](t, body).Error != "invalid_doctor_id" {
		t.Fatalf("doctor: got %d %s", status, body)
	}

	status, body, _ = srv.do(t, http.MethodGet, "/v1/doctors/"+srv.doctor.String()+"/days/10-01-2025/queue", nil)
	if status != http.StatusBadRequest || decode[api.ErrorResponse](t, body).Error != "invalid_date" {
		t.Fatalf("date: got %d %s", status, body)
	}

	status, _, _ = srv.do(t, http.MethodGet, "/v1/appointments/"+uuid.NewString(), nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing appointment: got %d", status)
	}
}

func TestCreateSlotsValidationListsEveryViolation(t *testing.T) {
	srv := newServer(t, nil, 0)
	status, body, _ := srv.do(t, http.MethodPost, srv.dayPath("/slots"), api.CreateSlotsRequest{
		Slots: []api.SlotSpecRequest{
			{Name: "", Start: "09:00", End: "08:00", MaxCapacity: 0},
		},
	})
	if status != http.StatusBadRequest {
		t.Fatalf("got %d %s", status, body)
	}
	resp := decode[api.ErrorResponse](t, body)
	if resp.Error != "validation_failed" || len(resp.Violations) < 3 {
		t.Fatalf("expected several violations, got %+v", resp)
	}
}

func TestBookingFlowAndSlotFull(t *testing.T) {
	srv := newServer(t, nil, 0)
	slot := srv.createSlot(t, 1)

	status, body := srv.book(t, &slot.ID, at(9, 0))
	if status != http.StatusCreated {
		t.Fatalf("first booking: %d %s", status, body)
	}
	first := decode[api.AppointmentResponse](t, body)
	if first.BookingOrder == nil || *first.BookingOrder != 1 || first.QueuePosition == nil || *first.QueuePosition != 1 {
		t.Fatalf("unexpected first booking: %+v", first)
	}

	status, body = srv.book(t, &slot.ID, at(9, 15))
	if status != http.StatusConflict || decode[api.ErrorResponse](t, body).Error != "slot_full" {
		t.Fatalf("second booking: %d %s", status, body)
	}

	status, body, _ = srv.do(t, http.MethodGet, srv.dayPath("/slots"), nil)
	slots := decode[[]api.SlotResponse](t, body)
	if status != http.StatusOK || len(slots) != 1 || slots[0].CurrentBookings != 1 || slots[0].SeatsLeft != 0 {
		t.Fatalf("slots after booking: %d %+v", status, slots)
	}

	status, _, _ = srv.do(t, http.MethodDelete, "/v1/appointments/"+first.ID.String()+"/booking", nil)
	if status != http.StatusNoContent {
		t.Fatalf("release: got %d", status)
	}
	status, body = srv.book(t, &slot.ID, at(9, 15))
	if status != http.StatusCreated {
		t.Fatalf("booking after release: %d %s", status, body)
	}
}

func TestLifecycleAndIllegalTransition(t *testing.T) {
	srv := newServer(t, nil, 0)
	_, body := srv.book(t, nil, at(9, 0))
	appt := decode[api.AppointmentResponse](t, body)
	base := "/v1/appointments/" + appt.ID.String()

	for _, step := range []struct {
		action string
		want   string
	}{
		{"/check-in", "checked-in"},
		{"/start", "in-progress"},
	} {
		status, body, _ := srv.do(t, http.MethodPost, base+step.action, nil)
		if status != http.StatusOK || decode[api.AppointmentResponse](t, body).Status != step.want {
			t.Fatalf("%s: %d %s", step.action, status, body)
		}
	}

	diagnosis := "flu"
	status, body, _ := srv.do(t, http.MethodPost, base+"/complete", api.CompleteRequest{Diagnosis: &diagnosis})
	done := decode[api.AppointmentResponse](t, body)
	if status != http.StatusOK || done.Status != "completed" || done.Diagnosis == nil || *done.Diagnosis != "flu" {
		t.Fatalf("complete: %d %s", status, body)
	}
	if done.QueuePosition != nil {
		t.Fatalf("completed appointment kept position %d", *done.QueuePosition)
	}

	status, body, _ = srv.do(t, http.MethodPost, base+"/cancel", api.CancelRequest{Reason: "late"})
	resp := decode[api.ErrorResponse](t, body)
	if status != http.StatusConflict || resp.Error != "illegal_transition" ||
		resp.CurrentStatus != "completed" || resp.AttemptedStatus != "cancelled" {
		t.Fatalf("cancel completed: %d %s", status, body)
	}
}

func TestRescheduleReturnsReplacement(t *testing.T) {
	srv := newServer(t, nil, 0)
	_, body := srv.book(t, nil, at(9, 0))
	orig := decode[api.AppointmentResponse](t, body)

	status, body, _ := srv.do(t, http.MethodPost, "/v1/appointments/"+orig.ID.String()+"/reschedule",
		api.RescheduleRequest{ScheduledAt: at(11, 0)})
	if status != http.StatusCreated {
		t.Fatalf("reschedule: %d %s", status, body)
	}
	next := decode[api.AppointmentResponse](t, body)
	if next.ID == orig.ID || next.Status != "scheduled" || !next.ScheduledAt.Equal(at(11, 0)) {
		t.Fatalf("unexpected replacement: %+v", next)
	}

	_, body, _ = srv.do(t, http.MethodGet, "/v1/appointments/"+orig.ID.String(), nil)
	old := decode[api.AppointmentResponse](t, body)
	if old.Status != "rescheduled" || old.RescheduledTo == nil || *old.RescheduledTo != next.ID {
		t.Fatalf("original not linked: %+v", old)
	}
}

func TestQueueViewDelayAndEmergency(t *testing.T) {
	srv := newServer(t, nil, 0)
	_, body := srv.book(t, nil, at(9, 0))
	first := decode[api.AppointmentResponse](t, body)
	srv.book(t, nil, at(9, 15))

	status, body, _ := srv.do(t, http.MethodPost, srv.dayPath("/delay"), api.DelayRequest{DelayMinutes: 20, Reason: "surgery overran"})
	shifted := decode[[]api.AppointmentResponse](t, body)
	if status != http.StatusOK || len(shifted) != 2 || !shifted[0].ScheduledAt.Equal(at(9, 20)) {
		t.Fatalf("delay: %d %s", status, body)
	}

	status, body, _ = srv.do(t, http.MethodPost, srv.dayPath("/emergencies"), api.EmergencyRequest{
		PatientID:   uuid.NewString(),
		Reason:      "chest pain",
		DesiredTime: at(10, 0),
	})
	em := decode[api.EmergencyResponse](t, body)
	if status != http.StatusCreated || !em.Created || em.Appointment.QueuePosition == nil || *em.Appointment.QueuePosition != 1 {
		t.Fatalf("emergency: %d %s", status, body)
	}

	status, body, _ = srv.do(t, http.MethodGet, srv.dayPath("/queue"), nil)
	view := decode[api.QueueViewResponse](t, body)
	if status != http.StatusOK || len(view.Entries) != 3 {
		t.Fatalf("queue: %d %s", status, body)
	}
	if view.Entries[0].Priority != "emergency" || view.Entries[1].Appointment.ID != first.ID {
		t.Fatalf("unexpected order: %+v", view.Entries)
	}
	for i, e := range view.Entries {
		if e.Position != i+1 {
			t.Fatalf("entry %d has position %d", i, e.Position)
		}
	}

	status, body, _ = srv.do(t, http.MethodPost, srv.dayPath("/emergencies"), api.EmergencyRequest{
		PatientID:   uuid.NewString(),
		Reason:      "fall",
		DesiredTime: at(10, 0).AddDate(0, 0, 1),
	})
	if status != http.StatusBadRequest || decode[api.ErrorResponse](t, body).Error != "invalid_desired_time" {
		t.Fatalf("other-day emergency: %d %s", status, body)
	}
}

func TestSlotAdministration(t *testing.T) {
	srv := newServer(t, nil, 0)
	slot := srv.createSlot(t, 2)
	srv.book(t, &slot.ID, at(9, 0))

	capacity := 0
	status, body, _ := srv.do(t, http.MethodPatch, "/v1/slots/"+slot.ID.String(), api.UpdateSlotRequest{MaxCapacity: &capacity})
	if status != http.StatusBadRequest {
		t.Fatalf("capacity 0: %d %s", status, body)
	}

	status, body, _ = srv.do(t, http.MethodDelete, "/v1/slots/"+slot.ID.String(), nil)
	if status != http.StatusConflict || decode[api.ErrorResponse](t, body).Error != "slot_has_bookings" {
		t.Fatalf("delete booked slot: %d %s", status, body)
	}

	inactive := false
	status, body, _ = srv.do(t, http.MethodPost, "/v1/slots/activation", api.SlotActivationRequest{
		SlotIDs: []string{slot.ID.String()},
		Active:  &inactive,
	})
	if status != http.StatusOK || decode[[]api.SlotResponse](t, body)[0].Active {
		t.Fatalf("deactivate: %d %s", status, body)
	}

	status, body = srv.book(t, &slot.ID, at(9, 30))
	if status != http.StatusConflict || decode[api.ErrorResponse](t, body).Error != "slot_inactive" {
		t.Fatalf("book inactive: %d %s", status, body)
	}
}

func TestTenantIsolation(t *testing.T) {
	srv := newServer(t, nil, 0)
	_, body := srv.book(t, nil, at(9, 0))
	appt := decode[api.AppointmentResponse](t, body)

	status, _, _ := srv.do(t, http.MethodGet, "/v1/appointments/"+appt.ID.String(), nil, "X-Tenant-ID", "clinic_b")
	if status != http.StatusNotFound {
		t.Fatalf("other tenant saw the appointment: %d", status)
	}
	status, _, _ = srv.do(t, http.MethodGet, "/v1/appointments/"+appt.ID.String(), nil, "X-Tenant-ID", "clinic_a")
	if status != http.StatusOK {
		t.Fatalf("own tenant: %d", status)
	}
}

func TestConflictRetries(t *testing.T) {
	t.Run("retried until the lock frees", func(t *testing.T) {
		locker := &flakyLocker{refuse: 2, inner: redisclient.NewLocalLocker()}
		srv := newServer(t, locker, 3)
		status, body := srv.book(t, nil, at(9, 0))
		if status != http.StatusCreated {
			t.Fatalf("got %d %s", status, body)
		}
		if got := locker.calls.Load(); got != 3 {
			t.Fatalf("expected 3 lock attempts, got %d", got)
		}
	})

	t.Run("exhausted retries surface as 503", func(t *testing.T) {
		locker := &flakyLocker{refuse: 100, inner: redisclient.NewLocalLocker()}
		srv := newServer(t, locker, 1)
		status, body := srv.book(t, nil, at(9, 0))
		if status != http.StatusServiceUnavailable || decode[api.ErrorResponse](t, body).Error != "concurrency_conflict" {
			t.Fatalf("got %d %s", status, body)
		}
		if got := locker.calls.Load(); got != 2 {
			t.Fatalf("expected 2 lock attempts, got %d", got)
		}
	})
}

func TestInvalidBody(t *testing.T) {
	srv := newServer(t, nil, 0)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/appointments", bytes.NewBufferString("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d", resp.StatusCode)
	}
}
