package appointment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateSlots registers a doctor's bookable windows for one day. Every
// violation across the whole batch is reported together and nothing is
// created unless all slots are valid.
func (s *Service) CreateSlots(ctx context.Context, doctorID uuid.UUID, day time.Time, specs []SlotSpec) ([]DoctorSlot, error) {
	if doctorID == uuid.Nil {
		return nil, invalid("doctor_id", "is required")
	}
	if len(specs) == 0 {
		return nil, invalid("slots", "at least one slot is required")
	}
	day = truncDay(day)

	var created []DoctorSlot
	err := s.mutate(ctx, "create_slots", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		existing, err := tx.ListSlots(ctx, doctorID, day)
		if err != nil {
			return fmt.Errorf("list slots: %w", err)
		}

		verr := &ValidationError{}
		candidates := make([]DoctorSlot, 0, len(specs))
		for i, spec := range specs {
			field := fmt.Sprintf("slots[%d]", i)
			sl, ok := s.buildSlot(verr, field, doctorID, day, spec)
			if !ok {
				continue
			}
			checkConflicts(verr, field, sl, existing)
			checkConflicts(verr, field, sl, candidates)
			candidates = append(candidates, sl)
		}
		if err := verr.orNil(); err != nil {
			return err
		}

		now := s.now()
		for i := range candidates {
			candidates[i].ID = uuid.New()
			candidates[i].Active = true
			candidates[i].NextBookingOrder = 1
			candidates[i].CreatedAt = now
			candidates[i].UpdatedAt = now
		}
		if err := tx.InsertSlots(ctx, candidates); err != nil {
			return fmt.Errorf("insert slots: %w", err)
		}
		for i := range candidates {
			ev.slot(&candidates[i], EventSlotCreated, slotPayload(&candidates[i]))
		}
		created = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// buildSlot validates the static fields of one spec.
func (s *Service) buildSlot(verr *ValidationError, field string, doctorID uuid.UUID, day time.Time, spec SlotSpec) (DoctorSlot, bool) {
	ok := true
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		verr.add(field+".name", "is required")
		ok = false
	}
	if spec.MaxCapacity < MinSlotCapacity || spec.MaxCapacity > MaxSlotCapacity {
		verr.add(field+".max_capacity", "must be between %d and %d", MinSlotCapacity, MaxSlotCapacity)
		ok = false
	}
	start, err := clockOn(day, spec.Start, s.loc)
	if err != nil {
		verr.add(field+".start", "must be HH:MM")
		ok = false
	}
	end, err2 := clockOn(day, spec.End, s.loc)
	if err2 != nil {
		verr.add(field+".end", "must be HH:MM")
		ok = false
	}
	if err == nil && err2 == nil && !end.After(start) {
		verr.add(field+".end", "must be after start")
		ok = false
	}
	return DoctorSlot{
		DoctorID:    doctorID,
		Date:        day,
		Name:        name,
		StartTime:   start,
		EndTime:     end,
		MaxCapacity: spec.MaxCapacity,
	}, ok
}

// checkConflicts reports name clashes and overlapping [start,end) windows.
func checkConflicts(verr *ValidationError, field string, sl DoctorSlot, others []DoctorSlot) {
	for _, o := range others {
		if o.ID == sl.ID && sl.ID != uuid.Nil {
			continue
		}
		if strings.EqualFold(o.Name, sl.Name) {
			verr.add(field+".name", "%q is already used on this date", sl.Name)
		}
		if sl.StartTime.Before(o.EndTime) && o.StartTime.Before(sl.EndTime) {
			verr.add(field+".start", "overlaps slot %q (%s-%s)", o.Name,
				o.StartTime.Format("15:04"), o.EndTime.Format("15:04"))
		}
	}
}

func slotPayload(sl *DoctorSlot) map[string]any {
	return map[string]any{
		"name":             sl.Name,
		"start_time":       sl.StartTime,
		"end_time":         sl.EndTime,
		"max_capacity":     sl.MaxCapacity,
		"current_bookings": sl.CurrentBookings,
		"active":           sl.Active,
	}
}

// BookSlot seats an existing appointment in a slot. The capacity check and
// the increment happen under the slot row lock of one transaction.
func (s *Service) BookSlot(ctx context.Context, slotID, appointmentID uuid.UUID) (*SlotBooking, error) {
	doctorID, day, err := s.slotQueue(ctx, slotID)
	if err != nil {
		return nil, err
	}

	var booking *SlotBooking
	err = s.mutate(ctx, "book_slot", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		a, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		booking, err = s.bookInTx(ctx, tx, ev, slotID, a)
		if err != nil {
			return err
		}
		_, err = s.recompute(ctx, tx, ev, doctorID, day)
		return err
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

func (s *Service) bookInTx(ctx context.Context, tx Tx, ev *eventBuffer, slotID uuid.UUID, a *Appointment) (*SlotBooking, error) {
	sl, err := tx.GetSlotForUpdate(ctx, slotID)
	if err != nil {
		return nil, err
	}

	verr := &ValidationError{}
	if !a.Status.Active() {
		verr.add("appointment_id", "appointment is %s", a.Status)
	}
	if a.SlotID != nil {
		verr.add("appointment_id", "appointment is already booked into slot %s", *a.SlotID)
	}
	if a.DoctorID != sl.DoctorID {
		verr.add("slot_id", "slot belongs to another doctor")
	}
	if !sameDay(a.ServiceDate, sl.Date) {
		verr.add("slot_id", "slot is on %s, appointment on %s", sl.Date.Format(DayLayout), a.ServiceDate.Format(DayLayout))
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	if !sl.Active {
		return nil, &SlotInactiveError{SlotID: sl.ID}
	}
	if sl.CurrentBookings >= sl.MaxCapacity {
		return nil, &SlotFullError{SlotID: sl.ID, MaxCapacity: sl.MaxCapacity}
	}

	order := sl.NextBookingOrder
	if order < 1 {
		order = 1
	}
	sl.NextBookingOrder = order + 1
	sl.CurrentBookings++
	sl.UpdatedAt = ev.now
	if err := tx.UpdateSlot(ctx, sl); err != nil {
		return nil, fmt.Errorf("update slot: %w", err)
	}

	booking := SlotBooking{SlotID: sl.ID, AppointmentID: a.ID, BookingOrder: order, CreatedAt: ev.now}
	if err := tx.InsertBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}

	a.SlotID = &sl.ID
	a.BookingOrder = &order
	a.UpdatedAt = ev.now
	if err := tx.UpdateAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	ev.slot(sl, EventSlotBooked, map[string]any{
		"appointment_id":   a.ID.String(),
		"booking_order":    order,
		"current_bookings": sl.CurrentBookings,
		"max_capacity":     sl.MaxCapacity,
	})
	return &booking, nil
}

// ReleaseSlot frees the seat held by an appointment. It is an administrative
// operation; cancellation, deletion and rescheduling call it internally.
func (s *Service) ReleaseSlot(ctx context.Context, appointmentID uuid.UUID) error {
	doctorID, day, err := s.appointmentQueue(ctx, appointmentID)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "release_slot", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		a, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := s.releaseInTx(ctx, tx, ev, a); err != nil {
			return err
		}
		_, err = s.recompute(ctx, tx, ev, doctorID, day)
		return err
	})
}

// releaseInTx is a no-op for appointments without a booking.
func (s *Service) releaseInTx(ctx context.Context, tx Tx, ev *eventBuffer, a *Appointment) error {
	if a.SlotID == nil {
		return nil
	}
	booking, err := tx.GetBooking(ctx, a.ID)
	if err != nil {
		if isNotFound(err) {
			a.SlotID, a.BookingOrder = nil, nil
			return tx.UpdateAppointment(ctx, a)
		}
		return fmt.Errorf("load booking: %w", err)
	}

	sl, err := tx.GetSlotForUpdate(ctx, booking.SlotID)
	if err != nil {
		return err
	}
	if sl.CurrentBookings > 0 {
		sl.CurrentBookings--
	}
	sl.UpdatedAt = ev.now
	if err := tx.UpdateSlot(ctx, sl); err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if err := tx.DeleteBooking(ctx, a.ID); err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}

	a.SlotID, a.BookingOrder = nil, nil
	a.UpdatedAt = ev.now
	if err := tx.UpdateAppointment(ctx, a); err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}

	ev.slot(sl, EventSlotReleased, map[string]any{
		"appointment_id":   a.ID.String(),
		"booking_order":    booking.BookingOrder,
		"current_bookings": sl.CurrentBookings,
	})
	return nil
}

// UpdateSlot edits a slot. Capacity can never drop below the seats already
// booked.
func (s *Service) UpdateSlot(ctx context.Context, slotID uuid.UUID, patch SlotPatch) (*DoctorSlot, error) {
	doctorID, day, err := s.slotQueue(ctx, slotID)
	if err != nil {
		return nil, err
	}

	var updated *DoctorSlot
	err = s.mutate(ctx, "update_slot", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		sl, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}

		spec := SlotSpec{
			Name:        sl.Name,
			Start:       sl.StartTime.In(s.loc).Format("15:04"),
			End:         sl.EndTime.In(s.loc).Format("15:04"),
			MaxCapacity: sl.MaxCapacity,
		}
		if patch.Name != nil {
			spec.Name = *patch.Name
		}
		if patch.Start != nil {
			spec.Start = *patch.Start
		}
		if patch.End != nil {
			spec.End = *patch.End
		}
		if patch.MaxCapacity != nil {
			spec.MaxCapacity = *patch.MaxCapacity
		}

		verr := &ValidationError{}
		next, ok := s.buildSlot(verr, "slot", sl.DoctorID, sl.Date, spec)
		if ok {
			next.ID = sl.ID
			others, err := tx.ListSlots(ctx, sl.DoctorID, sl.Date)
			if err != nil {
				return fmt.Errorf("list slots: %w", err)
			}
			checkConflicts(verr, "slot", next, others)
		}
		if err := verr.orNil(); err != nil {
			return err
		}
		if next.MaxCapacity < sl.CurrentBookings {
			return &CapacityBelowBookingsError{SlotID: sl.ID, Requested: next.MaxCapacity, CurrentBookings: sl.CurrentBookings}
		}

		sl.Name = next.Name
		sl.StartTime = next.StartTime
		sl.EndTime = next.EndTime
		sl.MaxCapacity = next.MaxCapacity
		if patch.Active != nil {
			sl.Active = *patch.Active
		}
		sl.UpdatedAt = ev.now
		if err := tx.UpdateSlot(ctx, sl); err != nil {
			return fmt.Errorf("update slot: %w", err)
		}
		ev.slot(sl, EventSlotUpdated, slotPayload(sl))
		updated = sl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSlot removes a slot that holds no bookings. Slots with bookings can
// only be deactivated.
func (s *Service) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	doctorID, day, err := s.slotQueue(ctx, slotID)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "delete_slot", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		sl, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if sl.CurrentBookings > 0 {
			return &SlotHasBookingsError{SlotID: sl.ID, CurrentBookings: sl.CurrentBookings}
		}
		if err := tx.DeleteSlot(ctx, slotID); err != nil {
			return fmt.Errorf("delete slot: %w", err)
		}
		ev.slot(sl, EventSlotDeleted, map[string]any{"name": sl.Name})
		return nil
	})
}

// BulkSetActive flips the active flag of many slots at once. Slots already in
// the requested state are left untouched and produce no event.
func (s *Service) BulkSetActive(ctx context.Context, slotIDs []uuid.UUID, active bool) ([]DoctorSlot, error) {
	if len(slotIDs) == 0 {
		return nil, invalid("slot_ids", "at least one slot id is required")
	}

	var result []DoctorSlot
	err := s.commit(ctx, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		result = result[:0]
		seen := make(map[uuid.UUID]bool, len(slotIDs))
		for _, id := range slotIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			sl, err := tx.GetSlotForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if sl.Active != active {
				sl.Active = active
				sl.UpdatedAt = ev.now
				if err := tx.UpdateSlot(ctx, sl); err != nil {
					return fmt.Errorf("update slot: %w", err)
				}
				ev.slot(sl, EventSlotActivation, map[string]any{"active": active})
			}
			result = append(result, *sl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*DoctorSlot, error) {
	var sl *DoctorSlot
	err := s.read(ctx, func(tx Tx) error {
		var err error
		sl, err = tx.GetSlot(ctx, id)
		return err
	})
	return sl, err
}

func (s *Service) ListSlots(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]DoctorSlot, error) {
	day = truncDay(day)
	var slots []DoctorSlot
	err := s.read(ctx, func(tx Tx) error {
		var err error
		slots, err = tx.ListSlots(ctx, doctorID, day)
		return err
	})
	return slots, err
}
