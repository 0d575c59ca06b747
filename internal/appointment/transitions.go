package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxDurationMinutes = 480

// CreateAppointment books a new scheduled appointment, seating it in a slot
// in the same transaction when one is given.
func (s *Service) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	verr := &ValidationError{}
	if in.DoctorID == uuid.Nil {
		verr.add("doctor_id", "is required")
	}
	if in.PatientID == uuid.Nil {
		verr.add("patient_id", "is required")
	}
	if in.ScheduledAt.IsZero() {
		verr.add("scheduled_at", "is required")
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = DefaultDurationMinutes
	}
	if in.DurationMinutes < 1 || in.DurationMinutes > maxDurationMinutes {
		verr.add("duration_minutes", "must be between 1 and %d", maxDurationMinutes)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	day := DayOf(in.ScheduledAt, s.loc)
	var created *Appointment
	err := s.mutate(ctx, "create_appointment", in.DoctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		a := &Appointment{
			ID:                 uuid.New(),
			DoctorID:           in.DoctorID,
			PatientID:          in.PatientID,
			ServiceDate:        day,
			ScheduledAt:        in.ScheduledAt,
			DurationMinutes:    in.DurationMinutes,
			Status:             StatusScheduled,
			EstimatedStartTime: timePtr(in.ScheduledAt),
			CreatedAt:          ev.now,
			UpdatedAt:          ev.now,
		}
		if err := tx.InsertAppointment(ctx, a); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		ev.appointment(a, EventAppointmentCreated, nil, map[string]any{
			"patient_id":   a.PatientID.String(),
			"scheduled_at": a.ScheduledAt,
		})

		if in.SlotID != nil {
			if _, err := s.bookInTx(ctx, tx, ev, *in.SlotID, a); err != nil {
				return err
			}
		}

		positions, err := s.recompute(ctx, tx, ev, a.DoctorID, day)
		if err != nil {
			return err
		}
		created = withPosition(a, positions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var a *Appointment
	err := s.read(ctx, func(tx Tx) error {
		var err error
		a, err = tx.GetAppointment(ctx, id)
		return err
	})
	return a, err
}

// ListDay returns every appointment of a doctor/day, terminal ones included.
func (s *Service) ListDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	day = truncDay(day)
	var appts []Appointment
	err := s.read(ctx, func(tx Tx) error {
		var err error
		appts, err = tx.ListDay(ctx, doctorID, day)
		return err
	})
	return appts, err
}

type transitionFunc func(ctx context.Context, tx Tx, ev *eventBuffer, a *Appointment) (payload map[string]any, err error)

// transition moves one appointment to status to, applies the side effects in
// apply and recomputes its queue, all in one transaction.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, to AppointmentStatus, apply transitionFunc) (*Appointment, error) {
	return s.transitionAcross(ctx, op, id, to, nil, apply)
}

// transitionAcross is transition that also holds the queues of the
// appointment's doctor on the extra days.
func (s *Service) transitionAcross(ctx context.Context, op string, id uuid.UUID, to AppointmentStatus, extra []time.Time, apply transitionFunc) (*Appointment, error) {
	doctorID, day, err := s.appointmentQueue(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *Appointment
	err = s.mutateQueues(ctx, op, doctorID, append([]time.Time{day}, extra...), func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if to == StatusCheckedIn && a.Status == StatusCheckedIn {
			result = a
			return nil
		}
		if err := checkTransition(a, to); err != nil {
			return err
		}

		from := a.Status
		a.Status = to
		a.UpdatedAt = ev.now
		var payload map[string]any
		if apply != nil {
			if payload, err = apply(ctx, tx, ev, a); err != nil {
				return err
			}
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		ev.transition(a, from, payload)

		positions, err := s.recompute(ctx, tx, ev, doctorID, day)
		if err != nil {
			return err
		}
		result = withPosition(a, positions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CheckIn records the patient's arrival. Checking in twice is a no-op.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "check_in", id, StatusCheckedIn, func(_ context.Context, _ Tx, ev *eventBuffer, a *Appointment) (map[string]any, error) {
		a.PatientCheckedIn = true
		a.CheckedInAt = timePtr(ev.now)
		return nil, nil
	})
}

func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "start", id, StatusInProgress, func(_ context.Context, _ Tx, ev *eventBuffer, a *Appointment) (map[string]any, error) {
		a.ActualStartTime = timePtr(ev.now)
		return nil, nil
	})
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, notes ConsultationNotes) (*Appointment, error) {
	return s.transition(ctx, "complete", id, StatusCompleted, func(_ context.Context, _ Tx, ev *eventBuffer, a *Appointment) (map[string]any, error) {
		a.ActualEndTime = timePtr(ev.now)
		if notes.Diagnosis != nil {
			a.Diagnosis = notes.Diagnosis
		}
		if notes.Prescription != nil {
			a.Prescription = notes.Prescription
		}
		if notes.Notes != nil {
			a.Notes = notes.Notes
		}
		return nil, nil
	})
}

// MarkNoShow removes the appointment from the queue. Its seat stays consumed.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "mark_no_show", id, StatusNoShow, nil)
}

// Cancel frees the appointment's seat and removes it from the queue.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, "cancel", id, StatusCancelled, func(ctx context.Context, tx Tx, ev *eventBuffer, a *Appointment) (map[string]any, error) {
		a.CancellationReason = strPtr(reason)
		if err := s.releaseInTx(ctx, tx, ev, a); err != nil {
			return nil, err
		}
		return map[string]any{"reason": reason}, nil
	})
}

// Reschedule retires a scheduled appointment and books its replacement. The
// original seat is released and the replacement is seated in in.SlotID when
// given. It returns the replacement.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, in RescheduleInput) (*Appointment, error) {
	if in.ScheduledAt.IsZero() {
		return nil, invalid("scheduled_at", "is required")
	}

	newDay := DayOf(in.ScheduledAt, s.loc)
	var replacement *Appointment
	_, err := s.transitionAcross(ctx, "reschedule", id, StatusRescheduled, []time.Time{newDay}, func(ctx context.Context, tx Tx, ev *eventBuffer, orig *Appointment) (map[string]any, error) {
		if err := s.releaseInTx(ctx, tx, ev, orig); err != nil {
			return nil, err
		}

		next := &Appointment{
			ID:                 uuid.New(),
			DoctorID:           orig.DoctorID,
			PatientID:          orig.PatientID,
			ServiceDate:        newDay,
			ScheduledAt:        in.ScheduledAt,
			DurationMinutes:    orig.DurationMinutes,
			Status:             StatusScheduled,
			EstimatedStartTime: timePtr(in.ScheduledAt),
			CreatedAt:          ev.now,
			UpdatedAt:          ev.now,
		}
		if err := tx.InsertAppointment(ctx, next); err != nil {
			return nil, fmt.Errorf("insert appointment: %w", err)
		}
		if in.SlotID != nil {
			if _, err := s.bookInTx(ctx, tx, ev, *in.SlotID, next); err != nil {
				return nil, err
			}
		}
		orig.RescheduledTo = &next.ID
		ev.appointment(next, EventAppointmentRescheduled, nil, map[string]any{
			"rescheduled_from": orig.ID.String(),
			"patient_id":       next.PatientID.String(),
			"scheduled_at":     next.ScheduledAt,
		})

		if !sameDay(newDay, orig.ServiceDate) {
			positions, err := s.recompute(ctx, tx, ev, next.DoctorID, newDay)
			if err != nil {
				return nil, err
			}
			replacement = withPosition(next, positions)
		} else {
			replacement = next
		}
		return map[string]any{"rescheduled_to": next.ID.String()}, nil
	})
	if err != nil {
		return nil, err
	}

	// Same-day replacements were positioned by the recompute that closed the
	// transaction; read the committed row back.
	if replacement.QueuePosition == nil {
		return s.GetAppointment(ctx, replacement.ID)
	}
	return replacement, nil
}

// DeleteAppointment is the administrative same-day correction: the row is
// removed outright after its seat is released.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	doctorID, day, err := s.appointmentQueue(ctx, id)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "delete_appointment", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := s.releaseInTx(ctx, tx, ev, a); err != nil {
			return err
		}
		if err := tx.DeleteAppointment(ctx, id); err != nil {
			return fmt.Errorf("delete appointment: %w", err)
		}
		before := a.Status
		ev.appointment(a, EventAppointmentDeleted, &before, map[string]any{"patient_id": a.PatientID.String()})
		_, err = s.recompute(ctx, tx, ev, doctorID, day)
		return err
	})
}

// SweepNoShows marks scheduled appointments whose start passed more than the
// configured grace period ago as no-show. Appointments that moved on in the
// meantime are skipped.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.NoShowGrace)

	var overdue []Appointment
	err := s.read(ctx, func(tx Tx) error {
		var err error
		overdue, err = tx.ListOverdueScheduled(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("find overdue appointments: %w", err)
	}

	marked := 0
	for _, a := range overdue {
		if _, err := s.MarkNoShow(ctx, a.ID); err != nil {
			if errors.Is(err, ErrIllegalTransition) || isNotFound(err) {
				continue
			}
			s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to mark no-show")
			continue
		}
		marked++
	}
	return marked, nil
}
