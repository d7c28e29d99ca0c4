package appointment

import (
	"errors"
	"fmt"
)

// ErrorKind is the taxonomy every rejected operation maps to.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindInvalidState ErrorKind = "invalid_state"
	KindConflict     ErrorKind = "conflict"
	KindValidation   ErrorKind = "validation_error"
	KindUnexpected   ErrorKind = "unexpected"
)

// Error is a typed domain error. Two errors match under errors.Is when their
// codes are equal, so freshly built errors still match the sentinels below.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code, format string, args ...any) error {
	return newError(KindNotFound, code, format, args...)
}

func InvalidState(code, format string, args ...any) error {
	return newError(KindInvalidState, code, format, args...)
}

func Conflict(code, format string, args ...any) error {
	return newError(KindConflict, code, format, args...)
}

func Validation(code, format string, args ...any) error {
	return newError(KindValidation, code, format, args...)
}

// Unexpected wraps an infrastructure failure.
func Unexpected(op string, err error) error {
	return &Error{Kind: KindUnexpected, Code: "unexpected", Message: op, Err: err}
}

// KindOf returns the taxonomy kind of err. Untyped errors are Unexpected.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// CodeOf returns the machine readable code carried by err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "unexpected"
}

var (
	ErrAppointmentNotFound    = &Error{Kind: KindNotFound, Code: "appointment_not_found", Message: "appointment not found"}
	ErrTicketNotFound         = &Error{Kind: KindNotFound, Code: "ticket_not_found", Message: "ticket not found"}
	ErrQueueNotFound          = &Error{Kind: KindNotFound, Code: "queue_not_found", Message: "queue not found"}
	ErrDepartmentNotFound     = &Error{Kind: KindNotFound, Code: "department_not_found", Message: "department not found"}
	ErrTestRequiredNotFound   = &Error{Kind: KindNotFound, Code: "test_required_not_found", Message: "test required not found"}
	ErrMedicalHistoryNotFound = &Error{Kind: KindNotFound, Code: "medical_history_not_found", Message: "medical history not found"}

	ErrInvalidStatusTransition = &Error{Kind: KindInvalidState, Code: "invalid_status_transition", Message: "invalid status transition"}
	ErrOutsideAdmissionWindow  = &Error{Kind: KindInvalidState, Code: "outside_admission_window", Message: "appointment is outside its admission window"}
	ErrNotInQueue              = &Error{Kind: KindInvalidState, Code: "not_in_queue", Message: "appointment is not in a queue"}
	ErrDifferentQueues         = &Error{Kind: KindInvalidState, Code: "different_queues", Message: "appointments are in different queues"}
	ErrTicketClosed            = &Error{Kind: KindInvalidState, Code: "ticket_closed", Message: "ticket is closed"}
	ErrChainCycle              = &Error{Kind: KindUnexpected, Code: "chain_cycle", Message: "appointment chain contains a cycle"}

	ErrSlotTaken              = &Error{Kind: KindConflict, Code: "slot_taken", Message: "another appointment already occupies this slot"}
	ErrClinicVisitComplete    = &Error{Kind: KindConflict, Code: "clinic_visit_complete", Message: "ticket already has a complete clinic visit; open a new ticket"}
	ErrTestRequiredUsed       = &Error{Kind: KindConflict, Code: "test_required_used", Message: "test required has already been used"}
	ErrMedicalHistoryExists   = &Error{Kind: KindConflict, Code: "medical_history_exists", Message: "ticket already has a medical history"}
	ErrQueueBusy              = &Error{Kind: KindConflict, Code: "queue_busy", Message: "queue is being updated, please retry"}
	ErrFirstClinicAppointment = &Error{Kind: KindConflict, Code: "first_clinic_appointment_set", Message: "ticket already has a first clinic appointment"}
)
