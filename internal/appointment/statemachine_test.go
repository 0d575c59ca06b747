package appointment_test

import (
	"testing"

	"github.com/hackgods/clinic-queue/internal/appointment"
)

func TestCanTransition(t *testing.T) {
	all := []appointment.AppointmentStatus{
		appointment.StatusScheduled,
		appointment.StatusCheckedIn,
		appointment.StatusInProgress,
		appointment.StatusCompleted,
		appointment.StatusCancelled,
		appointment.StatusNoShow,
		appointment.StatusRescheduled,
	}
	legal := map[[2]appointment.AppointmentStatus]bool{
		{appointment.StatusScheduled, appointment.StatusCheckedIn}:    true,
		{appointment.StatusScheduled, appointment.StatusInProgress}:   true,
		{appointment.StatusScheduled, appointment.StatusNoShow}:       true,
		{appointment.StatusScheduled, appointment.StatusCancelled}:    true,
		{appointment.StatusScheduled, appointment.StatusRescheduled}:  true,
		{appointment.StatusCheckedIn, appointment.StatusInProgress}:   true,
		{appointment.StatusCheckedIn, appointment.StatusNoShow}:       true,
		{appointment.StatusCheckedIn, appointment.StatusCancelled}:    true,
		{appointment.StatusInProgress, appointment.StatusCompleted}:   true,
		{appointment.StatusInProgress, appointment.StatusCancelled}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]appointment.AppointmentStatus{from, to}]
			if got := appointment.CanTransition(from, to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status   appointment.AppointmentStatus
		active   bool
		terminal bool
	}{
		{appointment.StatusScheduled, true, false},
		{appointment.StatusCheckedIn, true, false},
		{appointment.StatusInProgress, true, false},
		{appointment.StatusCompleted, false, true},
		{appointment.StatusCancelled, false, true},
		{appointment.StatusNoShow, false, true},
		{appointment.StatusRescheduled, false, true},
		{"waiting", false, false},
	}
	for _, tt := range tests {
		if tt.status.Active() != tt.active || tt.status.Terminal() != tt.terminal {
			t.Errorf("%s: active=%v terminal=%v", tt.status, tt.status.Active(), tt.status.Terminal())
		}
		if tt.status.Valid() != (tt.active || tt.terminal) {
			t.Errorf("%s: unexpected Valid()", tt.status)
		}
	}
}
