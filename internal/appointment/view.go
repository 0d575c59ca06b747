package appointment

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityElevated  Priority = "elevated"
	PriorityRoutine   Priority = "routine"
)

// QueueEntry is one active appointment annotated with metrics derived at
// query time. None of the metrics are persisted.
type QueueEntry struct {
	Appointment           Appointment
	Position              int
	WaitingMinutes        int
	ProjectedStart        time.Time
	EstimatedDelayMinutes int
	Priority              Priority
}

type QueueView struct {
	DoctorID    uuid.UUID
	Date        time.Time
	GeneratedAt time.Time
	Entries     []QueueEntry
	Completed   int
	NoShows     int
	Cancelled   int
}

// GetQueueView reads the materialized queue of a doctor/day for dashboards.
func (s *Service) GetQueueView(ctx context.Context, doctorID uuid.UUID, day time.Time) (*QueueView, error) {
	appts, err := s.ListDay(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}
	return BuildQueueView(doctorID, truncDay(day), appts, s.now(), s.cfg.WaitAlertThreshold), nil
}

// BuildQueueView orders appts by their persisted positions and projects
// start times by walking the queue from now.
func BuildQueueView(doctorID uuid.UUID, day time.Time, appts []Appointment, now time.Time, alertAfter time.Duration) *QueueView {
	view := &QueueView{DoctorID: doctorID, Date: day, GeneratedAt: now}

	active := make([]Appointment, 0, len(appts))
	for _, a := range appts {
		switch a.Status {
		case StatusCompleted:
			view.Completed++
		case StatusNoShow:
			view.NoShows++
		case StatusCancelled:
			view.Cancelled++
		}
		if a.Status.Active() {
			active = append(active, a)
		}
	}

	// Rows not yet positioned sort after positioned ones.
	at := queueTimes(active)
	sort.SliceStable(active, func(i, j int) bool {
		pi, pj := active[i].QueuePosition, active[j].QueuePosition
		switch {
		case pi != nil && pj != nil:
			return *pi < *pj
		case pi != nil:
			return true
		case pj != nil:
			return false
		}
		return queueLess(&active[i], &active[j], at)
	})

	cursor := now
	for i, a := range active {
		entry := QueueEntry{Appointment: a, Position: i + 1}
		if a.QueuePosition != nil {
			entry.Position = *a.QueuePosition
		}

		duration := time.Duration(a.DurationMinutes) * time.Minute
		if a.Status == StatusInProgress && a.ActualStartTime != nil {
			entry.ProjectedStart = *a.ActualStartTime
			if end := a.ActualStartTime.Add(duration); end.After(cursor) {
				cursor = end
			}
		} else {
			entry.ProjectedStart = cursor
			if a.ScheduledAt.After(cursor) {
				entry.ProjectedStart = a.ScheduledAt
			}
			cursor = entry.ProjectedStart.Add(duration)
		}

		original := a.ScheduledAt.Add(-time.Duration(a.DelayMinutes) * time.Minute)
		if d := entry.ProjectedStart.Sub(original); d > 0 {
			entry.EstimatedDelayMinutes = int(d / time.Minute)
		}
		entry.WaitingMinutes = waitingMinutes(a, now)
		entry.Priority = classify(a, entry.WaitingMinutes, alertAfter)
		view.Entries = append(view.Entries, entry)
	}
	return view
}

func waitingMinutes(a Appointment, now time.Time) int {
	if a.CheckedInAt == nil {
		return 0
	}
	until := now
	if a.ActualStartTime != nil {
		until = *a.ActualStartTime
	}
	if d := until.Sub(*a.CheckedInAt); d > 0 {
		return int(d / time.Minute)
	}
	return 0
}

func classify(a Appointment, waiting int, alertAfter time.Duration) Priority {
	if a.Emergency {
		return PriorityEmergency
	}
	if alertAfter > 0 && a.Status == StatusCheckedIn && time.Duration(waiting)*time.Minute >= alertAfter {
		return PriorityElevated
	}
	return PriorityRoutine
}
