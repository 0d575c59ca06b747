package appointment_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/appointment/memstore"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

const testTenant = "clinic_a"

var serviceDay = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return time.Date(2025, 1, 10, h, m, 0, 0, time.UTC)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []appointment.ChangeEvent
}

func (n *recordingNotifier) Notify(_ context.Context, events []appointment.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

func (n *recordingNotifier) ofType(eventType string) []appointment.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []appointment.ChangeEvent
	for _, ev := range n.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type env struct {
	svc      *appointment.Service
	store    *memstore.Store
	clock    *fakeClock
	notifier *recordingNotifier
	ctx      context.Context
	doctor   uuid.UUID
}

func newEnv(t *testing.T, opts ...memstore.Option) *env {
	t.Helper()
	store := memstore.New(opts...)
	clock := &fakeClock{t: at(8, 0)}
	notifier := &recordingNotifier{}
	cfg := config.Config{
		NoShowGrace:        30 * time.Minute,
		WaitAlertThreshold: 30 * time.Minute,
	}
	svc := appointment.NewService(store, redisclient.NewLocalLocker(), cfg,
		appointment.WithClock(clock.Now),
		appointment.WithNotifier(notifier),
	)
	return &env{
		svc:      svc,
		store:    store,
		clock:    clock,
		notifier: notifier,
		ctx:      db.WithTenant(context.Background(), testTenant),
		doctor:   uuid.New(),
	}
}

func (e *env) slot(t *testing.T, name, start, end string, capacity int) appointment.DoctorSlot {
	t.Helper()
	slots, err := e.svc.CreateSlots(e.ctx, e.doctor, serviceDay, []appointment.SlotSpec{
		{Name: name, Start: start, End: end, MaxCapacity: capacity},
	})
	if err != nil {
		t.Fatalf("create slot %s: %v", name, err)
	}
	return slots[0]
}

func (e *env) book(t *testing.T, scheduled time.Time, slotID *uuid.UUID) *appointment.Appointment {
	t.Helper()
	a, err := e.svc.CreateAppointment(e.ctx, appointment.NewAppointment{
		DoctorID:    e.doctor,
		PatientID:   uuid.New(),
		ScheduledAt: scheduled,
		SlotID:      slotID,
	})
	if err != nil {
		t.Fatalf("create appointment at %s: %v", scheduled.Format("15:04"), err)
	}
	return a
}

func (e *env) get(t *testing.T, id uuid.UUID) *appointment.Appointment {
	t.Helper()
	a, err := e.svc.GetAppointment(e.ctx, id)
	if err != nil {
		t.Fatalf("get appointment %s: %v", id, err)
	}
	return a
}

func (e *env) getSlot(t *testing.T, id uuid.UUID) *appointment.DoctorSlot {
	t.Helper()
	sl, err := e.svc.GetSlot(e.ctx, id)
	if err != nil {
		t.Fatalf("get slot %s: %v", id, err)
	}
	return sl
}

func position(t *testing.T, a *appointment.Appointment) int {
	t.Helper()
	if a.QueuePosition == nil {
		t.Fatalf("appointment %s has no queue position", a.ID)
	}
	return *a.QueuePosition
}

// assertInvariants checks capacity bounds, contiguous unique positions for
// active appointments and emergency precedence for the env's doctor/day.
func (e *env) assertInvariants(t *testing.T) {
	t.Helper()

	slots, err := e.svc.ListSlots(e.ctx, e.doctor, serviceDay)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	for _, sl := range slots {
		if sl.CurrentBookings < 0 || sl.CurrentBookings > sl.MaxCapacity {
			t.Fatalf("slot %s: current_bookings %d outside 0..%d", sl.Name, sl.CurrentBookings, sl.MaxCapacity)
		}
	}

	appts, err := e.svc.ListDay(e.ctx, e.doctor, serviceDay)
	if err != nil {
		t.Fatalf("list day: %v", err)
	}
	var positions []int
	maxEmergency, minRoutine := 0, int(^uint(0)>>1)
	for _, a := range appts {
		if !a.Status.Active() {
			if a.QueuePosition != nil {
				t.Fatalf("%s appointment %s still has position %d", a.Status, a.ID, *a.QueuePosition)
			}
			continue
		}
		p := position(t, &a)
		positions = append(positions, p)
		if a.Emergency && p > maxEmergency {
			maxEmergency = p
		}
		if !a.Emergency && p < minRoutine {
			minRoutine = p
		}
	}
	sort.Ints(positions)
	for i, p := range positions {
		if p != i+1 {
			t.Fatalf("positions not contiguous from 1: %v", positions)
		}
	}
	if maxEmergency > 0 && maxEmergency > minRoutine {
		t.Fatalf("emergency at position %d behind routine appointment at %d", maxEmergency, minRoutine)
	}
}
