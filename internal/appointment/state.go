package appointment

import (
	"time"

	"github.com/google/uuid"
)

func (a *Appointment) requireState(op string, allowed ...State) error {
	for _, s := range allowed {
		if a.State == s {
			return nil
		}
	}
	return &Error{
		Kind:    KindInvalidState,
		Code:    ErrInvalidStatusTransition.Code,
		Message: "cannot " + op + " appointment in state " + string(a.State),
	}
}

// CanAdmit reports whether the appointment may enter a queue.
func (a *Appointment) CanAdmit() error {
	return a.requireState("admit", StateNotStarted)
}

// Admit places a not-started appointment at the given queue position.
func (a *Appointment) Admit(queueID uuid.UUID, position int64, now time.Time) error {
	if err := a.CanAdmit(); err != nil {
		return err
	}
	a.State = StateInQueue
	a.QueueID = &queueID
	a.QueuePosition = position
	a.UpdatedAt = now
	return nil
}

func (a *Appointment) Start(now time.Time) error {
	if err := a.requireState("start", StateInQueue); err != nil {
		return err
	}
	if a.QueueID == nil {
		return ErrNotInQueue
	}
	a.State = StateInProgress
	a.ActualStartAt = &now
	a.ExpectedStartAt = &now
	a.UpdatedAt = now
	return nil
}

func (a *Appointment) Complete(now time.Time) error {
	if err := a.requireState("complete", StateInProgress); err != nil {
		return err
	}
	a.State = StateCompleted
	if a.ActualStartAt != nil {
		d := now.Sub(*a.ActualStartAt)
		a.ActualDuration = &d
	}
	a.leaveQueue(now)
	return nil
}

// Terminate is the staff-initiated stop.
func (a *Appointment) Terminate(now time.Time) error {
	if err := a.requireState("terminate", StateNotStarted, StateInQueue, StateInProgress); err != nil {
		return err
	}
	a.State = StateTerminated
	if a.ActualStartAt != nil {
		d := now.Sub(*a.ActualStartAt)
		a.ActualDuration = &d
	}
	a.leaveQueue(now)
	return nil
}

// Cancel is the patient-initiated withdrawal.
func (a *Appointment) Cancel(now time.Time) error {
	if err := a.requireState("cancel", StateNotStarted, StateInQueue); err != nil {
		return err
	}
	a.State = StateCancelled
	a.leaveQueue(now)
	return nil
}

// Expire terminates an appointment still in progress and reports whether it
// did. Any other state is left untouched.
func (a *Appointment) Expire(now time.Time) bool {
	if a.State != StateInProgress {
		return false
	}
	_ = a.Terminate(now)
	return true
}

// RemoveFromQueue drops queue membership without touching the state.
func (a *Appointment) RemoveFromQueue(now time.Time) error {
	if a.QueueID == nil {
		return ErrNotInQueue
	}
	a.leaveQueue(now)
	return nil
}

// Reschedule moves the scheduled start of an appointment that has not been
// called yet.
func (a *Appointment) Reschedule(at, now time.Time) error {
	if err := a.requireState("reschedule", StateNotStarted, StateInQueue); err != nil {
		return err
	}
	a.ScheduledStartAt = at
	a.UpdatedAt = now
	return nil
}

func (a *Appointment) leaveQueue(now time.Time) {
	a.QueueID = nil
	a.QueuePosition = 0
	a.ExpectedStartAt = nil
	a.UpdatedAt = now
}

// SameQueue reports whether both appointments sit in the same queue.
func SameQueue(a, b *Appointment) bool {
	return a.QueueID != nil && b.QueueID != nil && *a.QueueID == *b.QueueID
}
