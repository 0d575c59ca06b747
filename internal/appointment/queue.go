package appointment

import (
	"bytes"
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// OrderQueue returns the active appointments of one doctor/day in queue
// order: emergencies first by scheduled time, then everyone else by queue
// time. Appointments seated in the same slot keep their booking order: in
// booking order they take the slot's scheduled times from earliest to latest.
// Booking order, creation order and finally the id break any remaining tie so
// the result is deterministic.
func OrderQueue(appts []Appointment) []Appointment {
	active := make([]Appointment, 0, len(appts))
	for _, a := range appts {
		if a.Status.Active() {
			active = append(active, a)
		}
	}
	at := queueTimes(active)
	sort.SliceStable(active, func(i, j int) bool {
		return queueLess(&active[i], &active[j], at)
	})
	return active
}

// queueTimes maps every appointment to the time it queues at.
func queueTimes(appts []Appointment) map[uuid.UUID]time.Time {
	at := make(map[uuid.UUID]time.Time, len(appts))
	bySlot := make(map[uuid.UUID][]*Appointment)
	for i := range appts {
		a := &appts[i]
		at[a.ID] = a.ScheduledAt
		if !a.Emergency && a.SlotID != nil && a.BookingOrder != nil {
			bySlot[*a.SlotID] = append(bySlot[*a.SlotID], a)
		}
	}
	for _, seated := range bySlot {
		times := make([]time.Time, len(seated))
		for i, a := range seated {
			times[i] = a.ScheduledAt
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		sort.SliceStable(seated, func(i, j int) bool { return *seated[i].BookingOrder < *seated[j].BookingOrder })
		for i, a := range seated {
			at[a.ID] = times[i]
		}
	}
	return at
}

func queueLess(a, b *Appointment, at map[uuid.UUID]time.Time) bool {
	if a.Emergency != b.Emergency {
		return a.Emergency
	}
	if ta, tb := at[a.ID], at[b.ID]; !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if !a.Emergency {
		if ao, bo := bookingKey(a), bookingKey(b); ao != bo {
			return ao < bo
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// bookingKey sorts slot-bound appointments ahead of unbound ones at equal
// times.
func bookingKey(a *Appointment) int {
	if a.SlotID == nil || a.BookingOrder == nil {
		return math.MaxInt
	}
	return *a.BookingOrder
}

// AssignPositions numbers an ordered queue from 1.
func AssignPositions(ordered []Appointment) map[uuid.UUID]int {
	positions := make(map[uuid.UUID]int, len(ordered))
	for i, a := range ordered {
		positions[a.ID] = i + 1
	}
	return positions
}

// RecomputeQueue rebuilds every queue position of a doctor/day. Calling it
// again without an intervening mutation writes the same positions.
func (s *Service) RecomputeQueue(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	var ordered []Appointment
	err := s.mutate(ctx, "recompute_queue", doctorID, day, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
		positions, err := s.recompute(ctx, tx, ev, doctorID, day)
		if err != nil {
			return err
		}
		ordered, err = s.listActive(ctx, tx, doctorID, day, positions)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ordered, nil
}

// recompute is the single writer of queue_position. It must run inside the
// transaction of the mutation that triggered it.
func (s *Service) recompute(ctx context.Context, tx Tx, ev *eventBuffer, doctorID uuid.UUID, day time.Time) (map[uuid.UUID]int, error) {
	appts, err := tx.ListDay(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}

	positions := AssignPositions(OrderQueue(appts))
	if err := tx.SetQueuePositions(ctx, doctorID, day, positions); err != nil {
		return nil, err
	}

	for i := range appts {
		a := &appts[i]
		before := a.QueuePosition
		after, inQueue := positions[a.ID]
		if before == nil && !inQueue {
			continue
		}
		if before != nil && inQueue && *before == after {
			continue
		}
		payload := map[string]any{"before_position": nil, "after_position": nil}
		if before != nil {
			payload["before_position"] = *before
		}
		if inQueue {
			payload["after_position"] = after
		}
		ev.appointment(a, EventQueuePositionChanged, nil, payload)
	}
	return positions, nil
}

// listActive reloads the queue after a recompute, in position order.
func (s *Service) listActive(ctx context.Context, tx Tx, doctorID uuid.UUID, day time.Time, positions map[uuid.UUID]int) ([]Appointment, error) {
	appts, err := tx.ListDay(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}
	ordered := make([]Appointment, len(positions))
	for _, a := range appts {
		pos, ok := positions[a.ID]
		if !ok {
			continue
		}
		p := pos
		a.QueuePosition = &p
		ordered[pos-1] = a
	}
	return ordered, nil
}

// withPosition copies the recomputed position onto an appointment returned
// to the caller.
func withPosition(a *Appointment, positions map[uuid.UUID]int) *Appointment {
	if pos, ok := positions[a.ID]; ok {
		p := pos
		a.QueuePosition = &p
	} else {
		a.QueuePosition = nil
	}
	return a
}
