package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/websocket"
)

type recordingSink struct {
	mu     sync.Mutex
	events []appointment.ChangeEvent
	block  chan struct{}
	err    error
	fails  int // calls to refuse before accepting
	calls  int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, events []appointment.ChangeEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fails > 0 {
		s.fails--
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, events...)
	return s.err
}

func (s *recordingSink) setFails(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = n
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testEvent(eventType string) appointment.ChangeEvent {
	after := appointment.StatusCheckedIn
	return appointment.ChangeEvent{
		Entity:      appointment.EntityAppointment,
		ID:          uuid.New(),
		EventType:   eventType,
		AfterStatus: &after,
		TenantID:    "clinic_a",
		DoctorID:    uuid.New(),
		ServiceDate: "2025-01-10",
		OccurredAt:  time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	d := NewDispatcher(zerolog.Nop(), Options{Buffer: 8, Workers: 2}, a, b)

	d.Notify(context.Background(), []appointment.ChangeEvent{testEvent("x"), testEvent("y")})
	d.Notify(context.Background(), []appointment.ChangeEvent{testEvent("z")})
	d.Close()

	if a.count() != 3 || b.count() != 3 {
		t.Fatalf("expected 3 events per sink, got %d and %d", a.count(), b.count())
	}
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(zerolog.New(&buf), Options{Buffer: 1, Workers: 1}, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			d.Notify(context.Background(), []appointment.ChangeEvent{testEvent("x")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stuck sink")
	}

	close(sink.block)
	d.Close()

	if !strings.Contains(buf.String(), "notifier queue full") {
		t.Fatalf("expected a drop warning, log was %q", buf.String())
	}
}

func TestDispatcher_SinkErrorIsLoggedNotPropagated(t *testing.T) {
	var buf bytes.Buffer
	failing := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}
	d := NewDispatcher(zerolog.New(&buf), Options{Buffer: 4, Workers: 1}, failing, healthy)

	d.Notify(context.Background(), []appointment.ChangeEvent{testEvent("x")})
	d.Close()

	if healthy.count() != 1 {
		t.Fatalf("healthy sink must still receive the event")
	}
	if !strings.Contains(buf.String(), "broker down") {
		t.Fatalf("expected delivery error in log, got %q", buf.String())
	}
}

func TestDispatcher_NotifyAfterClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(zerolog.Nop(), Options{Buffer: 4, Workers: 1}, sink)
	d.Close()
	d.Close()

	d.Notify(context.Background(), []appointment.ChangeEvent{testEvent("x")})
	if sink.count() != 0 {
		t.Fatal("closed dispatcher must drop events")
	}
}

type ackRecorder struct {
	mu      sync.Mutex
	tenants []string
	seqs    []int64
}

func (o *ackRecorder) PendingEvents(context.Context, time.Time, int) ([]appointment.ChangeEvent, error) {
	return nil, nil
}

func (o *ackRecorder) MarkDelivered(ctx context.Context, seqs []int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tenants = append(o.tenants, db.TenantFromContext(ctx))
	o.seqs = append(o.seqs, seqs...)
	return nil
}

func TestDispatcher_RetriesFailingSinkUntilDelivered(t *testing.T) {
	flaky := &recordingSink{fails: 2}
	acks := &ackRecorder{}
	d := NewDispatcher(zerolog.Nop(), Options{Buffer: 4, Attempts: 3, Backoff: time.Millisecond, Outbox: acks}, flaky)

	ev := testEvent("x")
	ev.Seq = 41
	d.Notify(context.Background(), []appointment.ChangeEvent{ev})
	d.Close()

	if flaky.calls != 3 || flaky.count() != 1 {
		t.Fatalf("expected delivery on the third call, got %d calls and %d events", flaky.calls, flaky.count())
	}
	if len(acks.seqs) != 1 || acks.seqs[0] != 41 || acks.tenants[0] != "clinic_a" {
		t.Fatalf("expected event 41 acknowledged for clinic_a, got %v %v", acks.seqs, acks.tenants)
	}
}

func TestDispatcher_ExhaustedRetriesLeaveEventsPending(t *testing.T) {
	failing := &recordingSink{fails: 10}
	acks := &ackRecorder{}
	d := NewDispatcher(zerolog.Nop(), Options{Attempts: 2, Backoff: time.Millisecond, Outbox: acks}, failing)

	ev := testEvent("x")
	ev.Seq = 7
	if err := d.Deliver(context.Background(), []appointment.ChangeEvent{ev}); err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	d.Close()

	if failing.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", failing.calls)
	}
	if len(acks.seqs) != 0 {
		t.Fatalf("undelivered events must not be acknowledged, got %v", acks.seqs)
	}
}

func TestDispatcher_CloseCutsBackoffShort(t *testing.T) {
	failing := &recordingSink{fails: 100}
	d := NewDispatcher(zerolog.Nop(), Options{Attempts: 100, Backoff: time.Hour}, failing)
	d.Notify(context.Background(), []appointment.ChangeEvent{testEvent("x")})

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited out the retry backoff")
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	tenants  []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, tenant string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants = append(p.tenants, tenant)
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestPublishSink_RelayRoundTrip(t *testing.T) {
	pub := &fakePublisher{}
	ev := testEvent(appointment.EventAppointmentTransition)

	if err := NewPublishSink(pub).Deliver(context.Background(), []appointment.ChangeEvent{ev}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(pub.tenants) != 1 || pub.tenants[0] != "clinic_a" {
		t.Fatalf("expected publish on clinic_a, got %v", pub.tenants)
	}

	hub := websocket.NewHub(zerolog.Nop())
	client := websocket.NewClient("clinic_a", nil)
	client.Topics = []string{websocket.QueueTopic(ev.DoctorID, ev.ServiceDate)}
	hub.Register(client)

	Relay(hub, zerolog.Nop())("clinic_a", pub.payloads[0])

	select {
	case msg := <-client.Send:
		var got websocket.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != ev.EventType || got.EntityID != ev.ID.String() {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("relayed event not broadcast")
	}
}

func TestHubSink_BroadcastsOnQueueTopic(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	ev := testEvent(appointment.EventSlotBooked)
	client := websocket.NewClient("clinic_a", nil)
	client.Topics = []string{websocket.QueueTopic(ev.DoctorID, "2025-01-10")}
	hub.Register(client)

	if err := NewHubSink(hub).Deliver(context.Background(), []appointment.ChangeEvent{ev}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	select {
	case <-client.Send:
	case <-time.After(time.Second):
		t.Fatal("event not broadcast")
	}
}

func TestLogSink_WritesEventType(t *testing.T) {
	var buf bytes.Buffer
	if err := NewLogSink(zerolog.New(&buf)).Deliver(context.Background(), []appointment.ChangeEvent{testEvent("slot.booked")}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(buf.String(), `"message":"slot.booked"`) || !strings.Contains(buf.String(), `"after_status":"checked-in"`) {
		t.Fatalf("unexpected log line %q", buf.String())
	}
}
