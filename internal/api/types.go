package api

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/ticket"
)

var testKinds = []any{string(appointment.KindMedicalLab), string(appointment.KindRadiology)}

type OpenTicketRequest struct {
	PatientID  string `json:"patient_id"`
	HospitalID string `json:"hospital_id"`
}

func (r OpenTicketRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PatientID, validation.Required, is.UUID),
		validation.Field(&r.HospitalID, validation.Required, is.UUID),
	)
}

type ClinicAppointmentRequest struct {
	DepartmentID            string    `json:"department_id"`
	ScheduledStartAt        time.Time `json:"scheduled_start_at"`
	ExpectedDurationMinutes int       `json:"expected_duration_minutes"`
}

func (r ClinicAppointmentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DepartmentID, validation.Required, is.UUID),
		validation.Field(&r.ScheduledStartAt, validation.Required),
		validation.Field(&r.ExpectedDurationMinutes, validation.Min(0), validation.Max(24*60)),
	)
}

type DependentAppointmentRequest struct {
	Kind                    string    `json:"kind"`
	DepartmentID            string    `json:"department_id"`
	ScheduledStartAt        time.Time `json:"scheduled_start_at"`
	ExpectedDurationMinutes int       `json:"expected_duration_minutes"`
	TicketID                string    `json:"ticket_id,omitempty"`
	TestID                  string    `json:"test_id,omitempty"`
	TestRequiredID          string    `json:"test_required_id,omitempty"`
}

func (r DependentAppointmentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.Required, validation.In(testKinds...)),
		validation.Field(&r.DepartmentID, validation.Required, is.UUID),
		validation.Field(&r.ScheduledStartAt, validation.Required),
		validation.Field(&r.ExpectedDurationMinutes, validation.Min(0), validation.Max(24*60)),
		validation.Field(&r.TicketID, is.UUID),
		validation.Field(&r.TestID, is.UUID),
		validation.Field(&r.TestRequiredID, is.UUID),
	)
}

func (r DependentAppointmentRequest) booking() ticket.DependentBooking {
	return ticket.DependentBooking{
		Kind:             appointment.Kind(r.Kind),
		DepartmentID:     uuid.MustParse(r.DepartmentID),
		ScheduledStartAt: r.ScheduledStartAt,
		ExpectedDuration: time.Duration(r.ExpectedDurationMinutes) * time.Minute,
		TicketID:         optionalUUID(r.TicketID),
		TestID:           optionalUUID(r.TestID),
		TestRequiredID:   optionalUUID(r.TestRequiredID),
	}
}

type RescheduleRequest struct {
	DepartmentID     string    `json:"department_id"`
	ScheduledStartAt time.Time `json:"scheduled_start_at"`
}

func (r RescheduleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DepartmentID, validation.Required, is.UUID),
		validation.Field(&r.ScheduledStartAt, validation.Required),
	)
}

type SwapRequest struct {
	FirstAppointmentID  string `json:"first_appointment_id"`
	SecondAppointmentID string `json:"second_appointment_id"`
}

func (r SwapRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FirstAppointmentID, validation.Required, is.UUID),
		validation.Field(&r.SecondAppointmentID, validation.Required, is.UUID),
	)
}

type OrderedTestRequest struct {
	TestID   string `json:"test_id"`
	TestName string `json:"test_name"`
	Kind     string `json:"kind"`
}

func (r OrderedTestRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TestID, validation.Required, is.UUID),
		validation.Field(&r.TestName, validation.Length(0, 200)),
		validation.Field(&r.Kind, validation.Required, validation.In(testKinds...)),
	)
}

type ClinicOutcomeRequest struct {
	Diagnosis           *string              `json:"diagnosis,omitempty"`
	ReExaminationNeeded *bool                `json:"re_examination_needed,omitempty"`
	PrescriptionID      string               `json:"prescription_id,omitempty"`
	DiseaseID           string               `json:"disease_id,omitempty"`
	PatientNationalID   string               `json:"patient_national_id,omitempty"`
	TestsRequired       []OrderedTestRequest `json:"tests_required,omitempty"`
}

func (r ClinicOutcomeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PrescriptionID, is.UUID),
		validation.Field(&r.DiseaseID, is.UUID),
		validation.Field(&r.PatientNationalID, validation.Length(0, 32)),
		validation.Field(&r.TestsRequired),
	)
}

func (r ClinicOutcomeRequest) outcome(id uuid.UUID) ticket.ClinicOutcome {
	o := ticket.ClinicOutcome{
		AppointmentID:       id,
		Diagnosis:           r.Diagnosis,
		ReExaminationNeeded: r.ReExaminationNeeded,
		PrescriptionID:      optionalUUID(r.PrescriptionID),
		DiseaseID:           optionalUUID(r.DiseaseID),
		PatientNationalID:   r.PatientNationalID,
	}
	for _, t := range r.TestsRequired {
		o.TestsRequired = append(o.TestsRequired, ticket.OrderedTest{
			TestID:   uuid.MustParse(t.TestID),
			TestName: t.TestName,
			Kind:     appointment.Kind(t.Kind),
		})
	}
	return o
}

type TestResultRequest struct {
	Result json.RawMessage `json:"result"`
}

func (r TestResultRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Result, validation.Required),
	)
}

func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	Kind             string     `json:"kind"`
	State            string     `json:"state"`
	TicketID         uuid.UUID  `json:"ticket_id"`
	QueueID          *uuid.UUID `json:"queue_id,omitempty"`
	QueuePosition    int64      `json:"queue_position,omitempty"`
	DepartmentID     uuid.UUID  `json:"department_id"`
	DepartmentName   string     `json:"department_name"`
	HospitalID       uuid.UUID  `json:"hospital_id"`
	HospitalName     string     `json:"hospital_name"`
	EmployeeName     string     `json:"employee_name,omitempty"`
	ScheduledStartAt time.Time  `json:"scheduled_start_at"`
	ActualStartAt    *time.Time `json:"actual_start_at,omitempty"`
	ExpectedStartAt  *time.Time `json:"expected_start_at,omitempty"`
	ExpectedMinutes  float64    `json:"expected_duration_minutes"`
	ActualMinutes    *float64   `json:"actual_duration_minutes,omitempty"`

	Diagnosis                   *string    `json:"diagnosis,omitempty"`
	ReExaminationNeeded         *bool      `json:"re_examination_needed,omitempty"`
	ReExaminationAppointmentID  *uuid.UUID `json:"re_examination_appointment_id,omitempty"`
	PreExaminationAppointmentID *uuid.UUID `json:"pre_examination_appointment_id,omitempty"`
	PrescriptionID              *uuid.UUID `json:"prescription_id,omitempty"`
	DiseaseID                   *uuid.UUID `json:"disease_id,omitempty"`

	TestID              *uuid.UUID      `json:"test_id,omitempty"`
	ClinicAppointmentID *uuid.UUID      `json:"clinic_appointment_id,omitempty"`
	TestRequiredID      *uuid.UUID      `json:"test_required_id,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:               a.ID,
		Kind:             string(a.Kind),
		State:            string(a.State),
		TicketID:         a.TicketID,
		QueueID:          a.QueueID,
		QueuePosition:    a.QueuePosition,
		DepartmentID:     a.DepartmentID,
		DepartmentName:   a.DepartmentName,
		HospitalID:       a.HospitalID,
		HospitalName:     a.HospitalName,
		EmployeeName:     a.EmployeeName,
		ScheduledStartAt: a.ScheduledStartAt,
		ActualStartAt:    a.ActualStartAt,
		ExpectedStartAt:  a.ExpectedStartAt,
		ExpectedMinutes:  a.ExpectedDuration.Minutes(),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
	if a.ActualDuration != nil {
		m := a.ActualDuration.Minutes()
		resp.ActualMinutes = &m
	}
	if c := a.Clinic; c != nil {
		resp.Diagnosis = c.Diagnosis
		resp.ReExaminationNeeded = c.ReExaminationNeeded
		resp.ReExaminationAppointmentID = c.ReExaminationAppointmentID
		resp.PreExaminationAppointmentID = c.PreExaminationAppointmentID
		resp.PrescriptionID = c.PrescriptionID
		resp.DiseaseID = c.DiseaseID
	}
	if t := a.Test; t != nil {
		testID := t.TestID
		resp.TestID = &testID
		resp.ClinicAppointmentID = t.ClinicAppointmentID
		resp.TestRequiredID = t.TestRequiredID
		resp.Result = t.Result
	}
	return resp
}

func toAppointmentResponses(items []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}

type TicketResponse struct {
	ID                       uuid.UUID               `json:"id"`
	PatientID                uuid.UUID               `json:"patient_id"`
	HospitalID               uuid.UUID               `json:"hospital_id"`
	State                    string                  `json:"state"`
	FirstClinicAppointmentID *uuid.UUID              `json:"first_clinic_appointment_id,omitempty"`
	CreatedAt                time.Time               `json:"created_at"`
	ClosedAt                 *time.Time              `json:"closed_at,omitempty"`
	Appointments             []AppointmentResponse   `json:"appointments,omitempty"`
	MedicalHistory           *MedicalHistoryResponse `json:"medical_history,omitempty"`
}

type MedicalHistoryResponse struct {
	ID             uuid.UUID `json:"id"`
	FinalDiagnosis string    `json:"final_diagnosis"`
	CreatedAt      time.Time `json:"created_at"`
}

func toTicketResponse(t appointment.Ticket) TicketResponse {
	return TicketResponse{
		ID:                       t.ID,
		PatientID:                t.PatientID,
		HospitalID:               t.HospitalID,
		State:                    string(t.State),
		FirstClinicAppointmentID: t.FirstClinicAppointmentID,
		CreatedAt:                t.CreatedAt,
		ClosedAt:                 t.ClosedAt,
	}
}

type TestRequiredResponse struct {
	ID       uuid.UUID `json:"id"`
	TestID   uuid.UUID `json:"test_id"`
	TestName string    `json:"test_name"`
	Kind     string    `json:"kind"`
	Used     bool      `json:"used"`
}

type ClinicOutcomeResponse struct {
	Appointment   AppointmentResponse    `json:"appointment"`
	TestsRequired []TestRequiredResponse `json:"tests_required"`
}

type SwapResponse struct {
	First  AppointmentResponse `json:"first"`
	Second AppointmentResponse `json:"second"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
