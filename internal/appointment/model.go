package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusCheckedIn   AppointmentStatus = "checked-in"
	StatusInProgress  AppointmentStatus = "in-progress"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusNoShow      AppointmentStatus = "no-show"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// Active reports whether an appointment in this status belongs to the
// doctor's live queue.
func (s AppointmentStatus) Active() bool {
	switch s {
	case StatusScheduled, StatusCheckedIn, StatusInProgress:
		return true
	}
	return false
}

// Terminal statuses have no outgoing transitions.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

func (s AppointmentStatus) Valid() bool {
	return s.Active() || s.Terminal()
}

const (
	MinSlotCapacity = 1
	MaxSlotCapacity = 50
)

type DoctorSlot struct {
	ID               uuid.UUID
	DoctorID         uuid.UUID
	Date             time.Time // UTC midnight of the service day
	Name             string
	StartTime        time.Time
	EndTime          time.Time
	MaxCapacity      int
	CurrentBookings  int
	NextBookingOrder int
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SeatsLeft is the number of bookings the slot can still take.
func (s DoctorSlot) SeatsLeft() int {
	if s.CurrentBookings >= s.MaxCapacity {
		return 0
	}
	return s.MaxCapacity - s.CurrentBookings
}

type SlotBooking struct {
	SlotID        uuid.UUID
	AppointmentID uuid.UUID
	BookingOrder  int
	CreatedAt     time.Time
}

type Appointment struct {
	ID                 uuid.UUID
	DoctorID           uuid.UUID
	PatientID          uuid.UUID
	ServiceDate        time.Time
	ScheduledAt        time.Time
	DurationMinutes    int
	Status             AppointmentStatus
	PatientCheckedIn   bool
	CheckedInAt        *time.Time
	ActualStartTime    *time.Time
	ActualEndTime      *time.Time
	EstimatedStartTime *time.Time
	QueuePosition      *int
	Emergency          bool
	EmergencyReason    *string
	DelayMinutes       int
	DelayReason        *string
	SlotID             *uuid.UUID
	Diagnosis          *string
	Prescription       *string
	Notes              *string
	CancellationReason *string
	RescheduledTo      *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// BookingOrder is read from the slot ledger; it is never written through
	// the appointment row.
	BookingOrder *int
}

// Operation inputs.

type SlotSpec struct {
	Name        string
	Start       string // "15:04" in the clinic time zone
	End         string
	MaxCapacity int
}

type SlotPatch struct {
	Name        *string
	Start       *string
	End         *string
	MaxCapacity *int
	Active      *bool
}

type NewAppointment struct {
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
	SlotID          *uuid.UUID
}

type ConsultationNotes struct {
	Diagnosis    *string
	Prescription *string
	Notes        *string
}

type RescheduleInput struct {
	ScheduledAt time.Time
	SlotID      *uuid.UUID
}

type EmergencyInput struct {
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
	AppointmentID *uuid.UUID
	Reason        string
	DesiredTime   time.Time
}

const DefaultDurationMinutes = 15
