package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentStore interface {
	AppointmentGetter
	CreateAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	// SetExpectedStart only touches the queue estimate so background
	// recalculation never overwrites a concurrent state change.
	SetExpectedStart(ctx context.Context, id uuid.UUID, at *time.Time) error
	ListAppointmentsByTicket(ctx context.Context, ticketID uuid.UUID) ([]Appointment, error)
	// ListQueueMembers returns appointments holding the queue, by position.
	ListQueueMembers(ctx context.Context, queueID uuid.UUID) ([]Appointment, error)
	// ListActiveInDepartment returns active appointments scheduled in [from, to).
	ListActiveInDepartment(ctx context.Context, departmentID uuid.UUID, from, to time.Time) ([]Appointment, error)
	// QueueSnapshot lists in-queue and in-progress members of a queue,
	// in-progress first then by position.
	QueueSnapshot(ctx context.Context, queueID uuid.UUID, limit, offset int) (Page, error)
}

type TicketStore interface {
	GetTicketByID(ctx context.Context, id uuid.UUID) (*Ticket, error)
	CreateTicket(ctx context.Context, t *Ticket) error
	UpdateTicket(ctx context.Context, t *Ticket) error
}

type QueueStore interface {
	GetQueueByID(ctx context.Context, id uuid.UUID) (*Queue, error)
	GetQueueByDepartment(ctx context.Context, departmentID uuid.UUID) (*Queue, error)
	CreateQueue(ctx context.Context, q *Queue) error
}

type TestRequiredStore interface {
	GetTestRequiredByID(ctx context.Context, id uuid.UUID) (*TestRequired, error)
	CreateTestRequired(ctx context.Context, tr *TestRequired) error
	ListTestsRequired(ctx context.Context, clinicAppointmentID uuid.UUID) ([]TestRequired, error)
	// MarkTestRequiredUsed flips used from false to true, failing with
	// ErrTestRequiredUsed when it was already set.
	MarkTestRequiredUsed(ctx context.Context, id uuid.UUID) error
}

type MedicalHistoryStore interface {
	GetMedicalHistoryByTicket(ctx context.Context, ticketID uuid.UUID) (*MedicalHistory, error)
	// CreateMedicalHistory fails with ErrMedicalHistoryExists on a second
	// record for the same ticket.
	CreateMedicalHistory(ctx context.Context, mh *MedicalHistory) error
}

// DepartmentDirectory is the read-only department data source.
type DepartmentDirectory interface {
	GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error)
	GetOperatingWindow(ctx context.Context, id uuid.UUID) (OperatingWindow, error)
}

type EventLogger interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all storage interactions needed by the core.
type Repository interface {
	AppointmentStore
	TicketStore
	QueueStore
	TestRequiredStore
	MedicalHistoryStore
	DepartmentDirectory
	EventLogger

	// InTx runs fn as one atomic unit of work. Calling InTx on the
	// transactional repository joins the running transaction.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
