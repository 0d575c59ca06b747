package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/websocket"
)

// LogSink writes one structured line per event.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, events []appointment.ChangeEvent) error {
	for _, ev := range events {
		e := s.log.Info().
			Str("tenant_id", ev.TenantID).
			Str("entity", ev.Entity).
			Str("entity_id", ev.ID.String()).
			Str("doctor_id", ev.DoctorID.String()).
			Str("service_date", ev.ServiceDate)
		if ev.BeforeStatus != nil {
			e = e.Str("before_status", string(*ev.BeforeStatus))
		}
		if ev.AfterStatus != nil {
			e = e.Str("after_status", string(*ev.AfterStatus))
		}
		e.Msg(ev.EventType)
	}
	return nil
}

// HubSink broadcasts straight into the local WebSocket hub. It is used when
// there is no Redis to fan events out across instances.
type HubSink struct {
	hub *websocket.Hub
}

func NewHubSink(hub *websocket.Hub) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Deliver(_ context.Context, events []appointment.ChangeEvent) error {
	var errs []error
	for _, ev := range events {
		msg, err := HubEvent(ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.hub.Broadcast(ev.TenantID, msg)
	}
	return errors.Join(errs...)
}

// HubEvent converts a change event into the message dashboards receive on
// the event's queue topic.
func HubEvent(ev appointment.ChangeEvent) (websocket.Event, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return websocket.Event{}, fmt.Errorf("encode %s event: %w", ev.EventType, err)
	}
	return websocket.Event{
		Type:      ev.EventType,
		Topic:     websocket.QueueTopic(ev.DoctorID, ev.ServiceDate),
		Entity:    ev.Entity,
		EntityID:  ev.ID.String(),
		Timestamp: ev.OccurredAt,
		Data:      data,
	}, nil
}

// Publisher is the pub/sub transport, see redisclient.Publisher.
type Publisher interface {
	Publish(ctx context.Context, tenant string, payload []byte) error
}

// PublishSink publishes every event on its tenant's channel.
type PublishSink struct {
	pub Publisher
}

func NewPublishSink(pub Publisher) *PublishSink {
	return &PublishSink{pub: pub}
}

func (s *PublishSink) Name() string { return "redis" }

func (s *PublishSink) Deliver(ctx context.Context, events []appointment.ChangeEvent) error {
	var errs []error
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s event: %w", ev.EventType, err))
			continue
		}
		if err := s.pub.Publish(ctx, ev.TenantID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Relay returns a pub/sub handler that rebroadcasts events published by any
// instance into the local hub.
func Relay(hub *websocket.Hub, log zerolog.Logger) func(tenant string, payload []byte) {
	return func(tenant string, payload []byte) {
		var ev appointment.ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenant).Msg("discarding malformed event")
			return
		}
		msg, err := HubEvent(ev)
		if err != nil {
			log.Warn().Err(err).Msg("discarding event")
			return
		}
		hub.Broadcast(tenant, msg)
	}
}
