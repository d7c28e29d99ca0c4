package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the appointment variants and the department types that
// serve them.
type Kind string

const (
	KindClinic     Kind = "clinic"
	KindMedicalLab Kind = "medical_lab"
	KindRadiology  Kind = "radiology"
)

func (k Kind) Valid() bool {
	switch k {
	case KindClinic, KindMedicalLab, KindRadiology:
		return true
	}
	return false
}

// IsTest reports whether the kind is one of the dependent test variants.
func (k Kind) IsTest() bool {
	return k == KindMedicalLab || k == KindRadiology
}

type State string

const (
	StateNotStarted State = "not_started"
	StateInQueue    State = "in_queue"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateTerminated State = "terminated"
	StateCancelled  State = "cancelled"
)

// Terminal states are retained for audit and never left.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminated || s == StateCancelled
}

// Active states occupy a department slot.
func (s State) Active() bool {
	return s == StateNotStarted || s == StateInQueue || s == StateInProgress
}

type TicketState string

const (
	TicketActive TicketState = "active"
	TicketClosed TicketState = "closed"
)

// ClinicDetails holds the clinic-only part of an appointment, including the
// re-examination chain pointers.
type ClinicDetails struct {
	Diagnosis                   *string
	ReExaminationNeeded         *bool
	ReExaminationAppointmentID  *uuid.UUID
	PreExaminationAppointmentID *uuid.UUID
	PrescriptionID              *uuid.UUID
	DiseaseID                   *uuid.UUID
}

// TestDetails holds the lab/radiology part of an appointment.
type TestDetails struct {
	TestID              uuid.UUID
	ClinicAppointmentID *uuid.UUID
	TestRequiredID      *uuid.UUID
	Result              json.RawMessage
}

type Appointment struct {
	ID    uuid.UUID
	Kind  Kind
	State State

	TicketID      uuid.UUID
	QueueID       *uuid.UUID
	QueuePosition int64

	DepartmentID   uuid.UUID
	DepartmentName string
	HospitalID     uuid.UUID
	HospitalName   string
	EmployeeName   string

	ScheduledStartAt time.Time
	ActualStartAt    *time.Time
	ExpectedStartAt  *time.Time
	ExpectedDuration time.Duration
	ActualDuration   *time.Duration

	Clinic *ClinicDetails
	Test   *TestDetails

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// records.
func (a Appointment) Clone() Appointment {
	c := a
	c.QueueID = cloneID(a.QueueID)
	c.ActualStartAt = cloneTime(a.ActualStartAt)
	c.ExpectedStartAt = cloneTime(a.ExpectedStartAt)
	if a.ActualDuration != nil {
		d := *a.ActualDuration
		c.ActualDuration = &d
	}
	if a.Clinic != nil {
		cd := *a.Clinic
		if a.Clinic.Diagnosis != nil {
			s := *a.Clinic.Diagnosis
			cd.Diagnosis = &s
		}
		if a.Clinic.ReExaminationNeeded != nil {
			b := *a.Clinic.ReExaminationNeeded
			cd.ReExaminationNeeded = &b
		}
		cd.ReExaminationAppointmentID = cloneID(a.Clinic.ReExaminationAppointmentID)
		cd.PreExaminationAppointmentID = cloneID(a.Clinic.PreExaminationAppointmentID)
		cd.PrescriptionID = cloneID(a.Clinic.PrescriptionID)
		cd.DiseaseID = cloneID(a.Clinic.DiseaseID)
		c.Clinic = &cd
	}
	if a.Test != nil {
		td := *a.Test
		td.ClinicAppointmentID = cloneID(a.Test.ClinicAppointmentID)
		td.TestRequiredID = cloneID(a.Test.TestRequiredID)
		if a.Test.Result != nil {
			td.Result = append(json.RawMessage(nil), a.Test.Result...)
		}
		c.Test = &td
	}
	return c
}

type Ticket struct {
	ID                       uuid.UUID
	PatientID                uuid.UUID
	HospitalID               uuid.UUID
	State                    TicketState
	FirstClinicAppointmentID *uuid.UUID
	CreatedAt                time.Time
	UpdatedAt                time.Time
	ClosedAt                 *time.Time
}

type Queue struct {
	ID                   uuid.UUID
	DepartmentID         uuid.UUID
	Kind                 Kind
	PeriodPerAppointment time.Duration
	CreatedAt            time.Time
}

type TestRequired struct {
	ID                  uuid.UUID
	TestID              uuid.UUID
	TestName            string
	Kind                Kind
	ClinicAppointmentID uuid.UUID
	TicketID            uuid.UUID
	PatientNationalID   string
	Used                bool
	CreatedAt           time.Time
}

type MedicalHistory struct {
	ID                       uuid.UUID
	PatientID                uuid.UUID
	TicketID                 uuid.UUID
	FinalDiagnosis           string
	FirstClinicAppointmentID *uuid.UUID
	CreatedAt                time.Time
}

// Department is the directory entry for a clinic, lab or radiology center.
// OpensAt and ClosesAt are offsets from local midnight.
type Department struct {
	ID                   uuid.UUID
	Kind                 Kind
	Name                 string
	HospitalID           uuid.UUID
	HospitalName         string
	EmployeeName         string
	OpensAt              time.Duration
	ClosesAt             time.Duration
	PeriodPerAppointment time.Duration
	Capacity             int
	Location             *time.Location
}

// OperatingWindow is the slice of directory data the queue engine needs.
type OperatingWindow struct {
	OpensAt              time.Duration
	ClosesAt             time.Duration
	PeriodPerAppointment time.Duration
	Location             *time.Location
}

func (d Department) OperatingWindow() OperatingWindow {
	return OperatingWindow{
		OpensAt:              d.OpensAt,
		ClosesAt:             d.ClosesAt,
		PeriodPerAppointment: d.PeriodPerAppointment,
		Location:             d.Location,
	}
}

// OpeningOn returns the instant the department opens on the calendar day of t.
func (w OperatingWindow) OpeningOn(t time.Time) time.Time {
	loc := w.Location
	if loc == nil {
		loc = t.Location()
	}
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(w.OpensAt)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Page is one page of a filtered listing together with the total match count.
type Page struct {
	Items []Appointment
	Total int
}

func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
