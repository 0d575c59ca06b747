package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/db"
)

func newTestClient(tenant string, topics ...string) *Client {
	c := NewClient(tenant, nil)
	c.Topics = topics
	return c
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient("clinic_a", "queue:x:2025-01-10")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if n := hub.TopicCount("clinic_a", "queue:x:2025-01-10"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}

	// A second unregister must not panic on the closed channel.
	hub.Unregister(client)
}

func TestHub_BroadcastIsTenantScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	topic := QueueTopic(uuid.New(), "2025-01-10")

	same := newTestClient("clinic_a", topic)
	other := newTestClient("clinic_b", topic)
	hub.Register(same)
	hub.Register(other)

	hub.Broadcast("clinic_a", Event{Type: "appointment.status_changed", Topic: topic, Timestamp: time.Now()})

	select {
	case msg := <-same.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "appointment.status_changed" {
			t.Fatalf("unexpected event type %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("client of another tenant received the event")
	default:
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient("clinic_a")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"a", "b", "a"}})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"a"}})
	if hub.TopicCount("clinic_a", "a") != 0 || hub.TopicCount("clinic_a", "b") != 1 {
		t.Fatalf("unexpected subscriptions: %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"c"}})
	if hub.TopicCount("clinic_a", "c") != 0 {
		t.Fatal("unknown action must be ignored")
	}
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient("clinic_a", "t")
	client.Send = make(chan []byte, 1)
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast("clinic_a", Event{Topic: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient("clinic_a", "t")
			hub.Register(c)
			hub.Broadcast("clinic_a", Event{Topic: "t"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_SubscribeOverWebSocket(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r.WithContext(db.WithTenant(r.Context(), "clinic_a")))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	topic := QueueTopic(uuid.New(), "2025-01-10")
	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{topic}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("clinic_a", topic) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("clinic_a", Event{Type: "slot.booked", Topic: topic, EntityID: "s1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "slot.booked" || got.EntityID != "s1" {
		t.Fatalf("unexpected event %+v", got)
	}
}
