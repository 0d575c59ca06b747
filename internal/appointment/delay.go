package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const MaxDelayMinutes = 720

// ApplyDelay shifts every remaining appointment of a doctor/day by minutes in
// a single transaction. Either all of them move or none does.
func (s *Service) ApplyDelay(ctx context.Context, doctorID uuid.UUID, day time.Time, minutes int, reason string) ([]Appointment, error) {
	verr := &ValidationError{}
	if doctorID == uuid.Nil {
		verr.add("doctor_id", "is required")
	}
	if minutes < 1 || minutes > MaxDelayMinutes {
		verr.add("delay_minutes", "must be between 1 and %d", MaxDelayMinutes)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	day = truncDay(day)
	shift := time.Duration(minutes) * time.Minute

	var affected []Appointment
	err := s.mutate(ctx, "apply_delay", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		affected = affected[:0]
		appts, err := tx.ListDay(ctx, doctorID, day)
		if err != nil {
			return fmt.Errorf("list appointments: %w", err)
		}

		for i := range appts {
			a := &appts[i]
			if a.Status.Terminal() {
				continue
			}
			a.ScheduledAt = a.ScheduledAt.Add(shift)
			if a.EstimatedStartTime != nil {
				a.EstimatedStartTime = timePtr(a.EstimatedStartTime.Add(shift))
			} else {
				a.EstimatedStartTime = timePtr(a.ScheduledAt)
			}
			a.DelayMinutes += minutes
			if reason != "" {
				a.DelayReason = &reason
			}
			a.UpdatedAt = ev.now
			if err := tx.UpdateAppointment(ctx, a); err != nil {
				return fmt.Errorf("delay appointment %s: %w", a.ID, err)
			}
			ev.appointment(a, EventAppointmentDelayed, nil, map[string]any{
				"patient_id":           a.PatientID.String(),
				"scheduled_at":         a.ScheduledAt,
				"estimated_start_time": *a.EstimatedStartTime,
				"added_minutes":        minutes,
				"delay_minutes":        a.DelayMinutes,
				"reason":               reason,
			})
			affected = append(affected, *a)
		}

		positions, err := s.recompute(ctx, tx, ev, doctorID, day)
		if err != nil {
			return err
		}
		for i := range affected {
			withPosition(&affected[i], positions)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}
