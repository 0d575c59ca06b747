package appointment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PromoteToEmergency moves a patient to the front of the doctor's queue. The
// patient's active appointment for that day is promoted in place; when there
// is none a slot-less emergency appointment is created. Capacity is not
// checked. It reports whether a new appointment was created.
func (s *Service) PromoteToEmergency(ctx context.Context, in EmergencyInput) (*Appointment, bool, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	verr := &ValidationError{}
	if in.Reason == "" {
		verr.add("reason", "is required")
	}
	if in.DesiredTime.IsZero() {
		verr.add("desired_time", "is required")
	}
	if in.AppointmentID == nil {
		if in.DoctorID == uuid.Nil {
			verr.add("doctor_id", "is required")
		}
		if in.PatientID == uuid.Nil {
			verr.add("patient_id", "is required")
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, false, err
	}

	doctorID := in.DoctorID
	day := DayOf(in.DesiredTime, s.loc)
	if in.AppointmentID != nil {
		apptDoctor, apptDay, err := s.appointmentQueue(ctx, *in.AppointmentID)
		if err != nil {
			return nil, false, err
		}
		if doctorID != uuid.Nil && doctorID != apptDoctor {
			return nil, false, invalid("doctor_id", "appointment belongs to another doctor")
		}
		if !sameDay(day, apptDay) {
			return nil, false, invalid("desired_time", "must fall on the appointment's date %s", apptDay.Format(DayLayout))
		}
		doctorID = apptDoctor
	}

	var result *Appointment
	var created bool
	err := s.mutate(ctx, "promote_emergency", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		created = false
		target, err := s.emergencyTarget(ctx, tx, in, doctorID, day)
		if err != nil {
			return err
		}

		if target == nil {
			created = true
			target = &Appointment{
				ID:              uuid.New(),
				DoctorID:        doctorID,
				PatientID:       in.PatientID,
				ServiceDate:     day,
				DurationMinutes: DefaultDurationMinutes,
				Status:          StatusScheduled,
				CreatedAt:       ev.now,
			}
		}
		target.Emergency = true
		target.EmergencyReason = &in.Reason
		target.ScheduledAt = in.DesiredTime
		target.DelayMinutes = 0
		target.DelayReason = nil
		target.EstimatedStartTime = timePtr(in.DesiredTime)
		target.UpdatedAt = ev.now

		if created {
			err = tx.InsertAppointment(ctx, target)
		} else {
			err = tx.UpdateAppointment(ctx, target)
		}
		if err != nil {
			return fmt.Errorf("save emergency appointment: %w", err)
		}
		ev.appointment(target, EventAppointmentEmergency, nil, map[string]any{
			"patient_id":   target.PatientID.String(),
			"reason":       in.Reason,
			"desired_time": in.DesiredTime,
			"created":      created,
		})

		positions, err := s.recompute(ctx, tx, ev, doctorID, day)
		if err != nil {
			return err
		}
		result = withPosition(target, positions)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *Service) emergencyTarget(ctx context.Context, tx Tx, in EmergencyInput, doctorID uuid.UUID, day time.Time) (*Appointment, error) {
	if in.AppointmentID != nil {
		a, err := tx.GetAppointment(ctx, *in.AppointmentID)
		if err != nil {
			return nil, err
		}
		if !a.Status.Active() {
			return nil, invalid("appointment_id", "appointment is %s and cannot be promoted", a.Status)
		}
		if in.PatientID != uuid.Nil && in.PatientID != a.PatientID {
			return nil, invalid("patient_id", "does not match the appointment's patient")
		}
		return a, nil
	}

	a, err := tx.FindActiveForPatient(ctx, doctorID, in.PatientID, day)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find patient appointment: %w", err)
	}
	return a, nil
}
