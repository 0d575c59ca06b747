package appointment

// transitions lists the legal target statuses for every source status.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:  {StatusCheckedIn, StatusInProgress, StatusNoShow, StatusCancelled, StatusRescheduled},
	StatusCheckedIn:  {StatusInProgress, StatusNoShow, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal state machine move.
func CanTransition(from, to AppointmentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(a *Appointment, to AppointmentStatus) error {
	if !CanTransition(a.Status, to) {
		return &IllegalTransitionError{AppointmentID: a.ID, Current: a.Status, Attempted: to}
	}
	return nil
}
