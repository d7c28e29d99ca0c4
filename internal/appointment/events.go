package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentAdmitted    = "APPOINTMENT_ADMITTED"
	EventAppointmentRemoved     = "APPOINTMENT_REMOVED_FROM_QUEUE"
	EventAppointmentsSwapped    = "APPOINTMENTS_SWAPPED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentStarted     = "APPOINTMENT_STARTED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentTerminated  = "APPOINTMENT_TERMINATED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentExpired     = "APPOINTMENT_EXPIRED"
	EventOutcomeRecorded        = "CLINIC_OUTCOME_RECORDED"
	EventResultRecorded         = "TEST_RESULT_RECORDED"
	EventMedicalHistoryCreated  = "MEDICAL_HISTORY_CREATED"
	EventTicketClosed           = "TICKET_CLOSED"
)

// NewEvent builds an audit row. A payload that cannot be encoded is dropped
// rather than failing the operation.
func NewEvent(eventType string, appointmentID uuid.UUID, payload map[string]any, at time.Time) EventLog {
	ev := EventLog{EventType: eventType, CreatedAt: at}
	if appointmentID != uuid.Nil {
		id := appointmentID
		ev.AppointmentID = &id
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
