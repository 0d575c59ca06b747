package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/appointment"
)

type SlotSpecRequest struct {
	Name        string `json:"name"`
	Start       string `json:"start"`
	End         string `json:"end"`
	MaxCapacity int    `json:"max_capacity"`
}

type CreateSlotsRequest struct {
	Slots []SlotSpecRequest `json:"slots"`
}

type UpdateSlotRequest struct {
	Name        *string `json:"name"`
	Start       *string `json:"start"`
	End         *string `json:"end"`
	MaxCapacity *int    `json:"max_capacity"`
	Active      *bool   `json:"active"`
}

type SlotActivationRequest struct {
	SlotIDs []string `json:"slot_ids"`
	Active  *bool    `json:"active"`
}

type BookSlotRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type CreateAppointmentRequest struct {
	DoctorID        string    `json:"doctor_id"`
	PatientID       string    `json:"patient_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	SlotID          *string   `json:"slot_id"`
}

type CompleteRequest struct {
	Diagnosis    *string `json:"diagnosis"`
	Prescription *string `json:"prescription"`
	Notes        *string `json:"notes"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	SlotID      *string   `json:"slot_id"`
}

type DelayRequest struct {
	DelayMinutes int    `json:"delay_minutes"`
	Reason       string `json:"reason"`
}

type EmergencyRequest struct {
	PatientID     string    `json:"patient_id"`
	AppointmentID *string   `json:"appointment_id"`
	Reason        string    `json:"reason"`
	DesiredTime   time.Time `json:"desired_time"`
}

type SlotResponse struct {
	ID              uuid.UUID `json:"id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	Date            string    `json:"date"`
	Name            string    `json:"name"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	MaxCapacity     int       `json:"max_capacity"`
	CurrentBookings int       `json:"current_bookings"`
	SeatsLeft       int       `json:"seats_left"`
	Active          bool      `json:"active"`
}

type BookingResponse struct {
	SlotID        uuid.UUID `json:"slot_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	BookingOrder  int       `json:"booking_order"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	ServiceDate        string     `json:"service_date"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	DurationMinutes    int        `json:"duration_minutes"`
	Status             string     `json:"status"`
	PatientCheckedIn   bool       `json:"patient_checked_in"`
	CheckedInAt        *time.Time `json:"checked_in_at,omitempty"`
	ActualStartTime    *time.Time `json:"actual_start_time,omitempty"`
	ActualEndTime      *time.Time `json:"actual_end_time,omitempty"`
	EstimatedStartTime *time.Time `json:"estimated_start_time,omitempty"`
	QueuePosition      *int       `json:"queue_position"`
	Emergency          bool       `json:"emergency"`
	EmergencyReason    *string    `json:"emergency_reason,omitempty"`
	DelayMinutes       int        `json:"delay_minutes"`
	DelayReason        *string    `json:"delay_reason,omitempty"`
	SlotID             *uuid.UUID `json:"slot_id,omitempty"`
	BookingOrder       *int       `json:"booking_order,omitempty"`
	Diagnosis          *string    `json:"diagnosis,omitempty"`
	Prescription       *string    `json:"prescription,omitempty"`
	Notes              *string    `json:"notes,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	RescheduledTo      *uuid.UUID `json:"rescheduled_to,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type EmergencyResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Created     bool                `json:"created"`
}

type QueueEntryResponse struct {
	Position              int                 `json:"position"`
	WaitingMinutes        int                 `json:"waiting_minutes"`
	ProjectedStart        time.Time           `json:"projected_start"`
	EstimatedDelayMinutes int                 `json:"estimated_delay_minutes"`
	Priority              string              `json:"priority"`
	Appointment           AppointmentResponse `json:"appointment"`
}

type QueueViewResponse struct {
	DoctorID    uuid.UUID            `json:"doctor_id"`
	Date        string               `json:"date"`
	GeneratedAt time.Time            `json:"generated_at"`
	Entries     []QueueEntryResponse `json:"entries"`
	Completed   int                  `json:"completed"`
	NoShows     int                  `json:"no_shows"`
	Cancelled   int                  `json:"cancelled"`
}

type ErrorResponse struct {
	Error           string                       `json:"error"`
	Details         string                       `json:"details,omitempty"`
	Violations      []appointment.FieldViolation `json:"violations,omitempty"`
	CurrentStatus   string                       `json:"current_status,omitempty"`
	AttemptedStatus string                       `json:"attempted_status,omitempty"`
}

func toSlotResponse(s appointment.DoctorSlot) SlotResponse {
	return SlotResponse{
		ID:              s.ID,
		DoctorID:        s.DoctorID,
		Date:            s.Date.Format(appointment.DayLayout),
		Name:            s.Name,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		MaxCapacity:     s.MaxCapacity,
		CurrentBookings: s.CurrentBookings,
		SeatsLeft:       s.SeatsLeft(),
		Active:          s.Active,
	}
}

func toSlotResponses(slots []appointment.DoctorSlot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		DoctorID:           a.DoctorID,
		PatientID:          a.PatientID,
		ServiceDate:        a.ServiceDate.Format(appointment.DayLayout),
		ScheduledAt:        a.ScheduledAt,
		DurationMinutes:    a.DurationMinutes,
		Status:             string(a.Status),
		PatientCheckedIn:   a.PatientCheckedIn,
		CheckedInAt:        a.CheckedInAt,
		ActualStartTime:    a.ActualStartTime,
		ActualEndTime:      a.ActualEndTime,
		EstimatedStartTime: a.EstimatedStartTime,
		QueuePosition:      a.QueuePosition,
		Emergency:          a.Emergency,
		EmergencyReason:    a.EmergencyReason,
		DelayMinutes:       a.DelayMinutes,
		DelayReason:        a.DelayReason,
		SlotID:             a.SlotID,
		BookingOrder:       a.BookingOrder,
		Diagnosis:          a.Diagnosis,
		Prescription:       a.Prescription,
		Notes:              a.Notes,
		CancellationReason: a.CancellationReason,
		RescheduledTo:      a.RescheduledTo,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toAppointmentResponses(appts []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	return out
}

func toQueueViewResponse(v *appointment.QueueView) QueueViewResponse {
	resp := QueueViewResponse{
		DoctorID:    v.DoctorID,
		Date:        v.Date.Format(appointment.DayLayout),
		GeneratedAt: v.GeneratedAt,
		Entries:     make([]QueueEntryResponse, 0, len(v.Entries)),
		Completed:   v.Completed,
		NoShows:     v.NoShows,
		Cancelled:   v.Cancelled,
	}
	for i := range v.Entries {
		e := &v.Entries[i]
		resp.Entries = append(resp.Entries, QueueEntryResponse{
			Position:              e.Position,
			WaitingMinutes:        e.WaitingMinutes,
			ProjectedStart:        e.ProjectedStart,
			EstimatedDelayMinutes: e.EstimatedDelayMinutes,
			Priority:              string(e.Priority),
			Appointment:           toAppointmentResponse(&e.Appointment),
		})
	}
	return resp
}
