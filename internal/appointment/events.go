package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	EntityAppointment = "appointment"
	EntitySlot        = "slot"
)

const (
	EventAppointmentCreated     = "appointment.created"
	EventAppointmentTransition  = "appointment.status_changed"
	EventAppointmentRescheduled = "appointment.rescheduled"
	EventAppointmentDeleted     = "appointment.deleted"
	EventAppointmentDelayed     = "appointment.delayed"
	EventAppointmentEmergency   = "appointment.emergency"
	EventQueuePositionChanged   = "appointment.queue_position_changed"
	EventSlotCreated            = "slot.created"
	EventSlotUpdated            = "slot.updated"
	EventSlotDeleted            = "slot.deleted"
	EventSlotBooked             = "slot.booked"
	EventSlotReleased           = "slot.released"
	EventSlotActivation         = "slot.activation_changed"
)

// ChangeEvent describes one committed state change for downstream delivery.
// Seq is the event's outbox sequence, assigned when the event is persisted.
type ChangeEvent struct {
	Seq          int64              `json:"seq,omitempty"`
	Entity       string             `json:"entity"`
	ID           uuid.UUID          `json:"id"`
	EventType    string             `json:"event_type"`
	BeforeStatus *AppointmentStatus `json:"before_status,omitempty"`
	AfterStatus  *AppointmentStatus `json:"after_status,omitempty"`
	Payload      map[string]any     `json:"payload,omitempty"`
	TenantID     string             `json:"tenant_id"`
	DoctorID     uuid.UUID          `json:"doctor_id"`
	ServiceDate  string             `json:"service_date"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

// Notifier receives committed change events. Implementations must not block
// the caller on delivery and must not report delivery failures back. Events
// a notifier could not deliver stay pending in the Outbox.
type Notifier interface {
	Notify(ctx context.Context, events []ChangeEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, []ChangeEvent) {}

// eventBuffer collects the events of one transaction.
type eventBuffer struct {
	tenant string
	now    time.Time
	events []ChangeEvent
}

func (b *eventBuffer) appointment(a *Appointment, eventType string, before *AppointmentStatus, payload map[string]any) {
	after := a.Status
	b.events = append(b.events, ChangeEvent{
		Entity:       EntityAppointment,
		ID:           a.ID,
		EventType:    eventType,
		BeforeStatus: before,
		AfterStatus:  &after,
		Payload:      payload,
		TenantID:     b.tenant,
		DoctorID:     a.DoctorID,
		ServiceDate:  a.ServiceDate.Format(DayLayout),
		OccurredAt:   b.now,
	})
}

func (b *eventBuffer) transition(a *Appointment, from AppointmentStatus, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["appointment_id"] = a.ID.String()
	payload["from_status"] = string(from)
	payload["to_status"] = string(a.Status)
	payload["timestamp"] = b.now
	b.appointment(a, EventAppointmentTransition, &from, payload)
}

func (b *eventBuffer) slot(s *DoctorSlot, eventType string, payload map[string]any) {
	b.events = append(b.events, ChangeEvent{
		Entity:      EntitySlot,
		ID:          s.ID,
		EventType:   eventType,
		Payload:     payload,
		TenantID:    b.tenant,
		DoctorID:    s.DoctorID,
		ServiceDate: s.Date.Format(DayLayout),
		OccurredAt:  b.now,
	})
}
