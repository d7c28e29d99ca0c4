package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/ticket"
	"github.com/hackgods/hospital-patient-flow/pkg/pagination"
)

// QueueService is the queue engine as seen by the HTTP layer.
type QueueService interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Admit(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Remove(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Swap(ctx context.Context, firstID, secondID uuid.UUID) (*appointment.Appointment, *appointment.Appointment, error)
	Reschedule(ctx context.Context, id, departmentID uuid.UUID, at time.Time) (*appointment.Appointment, error)
	Start(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Terminate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetQueueSnapshot(ctx context.Context, departmentID uuid.UUID, p pagination.Params) (appointment.Page, error)
}

// TicketService covers tickets, bookings and clinical outcomes.
type TicketService interface {
	OpenTicket(ctx context.Context, patientID, hospitalID uuid.UUID) (*appointment.Ticket, error)
	GetTicket(ctx context.Context, id uuid.UUID) (*ticket.Detail, error)
	CreateClinicAppointment(ctx context.Context, b ticket.ClinicBooking) (*appointment.Appointment, error)
	CreateDependentAppointment(ctx context.Context, b ticket.DependentBooking) (*appointment.Appointment, error)
	RecordClinicOutcome(ctx context.Context, o ticket.ClinicOutcome) (*appointment.Appointment, []appointment.TestRequired, error)
	RecordTestResult(ctx context.Context, id uuid.UUID, result json.RawMessage) (*appointment.Appointment, error)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func openTicketHandler(svc TicketService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenTicketRequest
		if !decode(w, r, &req) {
			return
		}

		t, err := svc.OpenTicket(r.Context(), uuid.MustParse(req.PatientID), uuid.MustParse(req.HospitalID))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toTicketResponse(*t))
	}
}

func getTicketHandler(svc TicketService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		d, err := svc.GetTicket(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		resp := toTicketResponse(d.Ticket)
		resp.Appointments = toAppointmentResponses(d.Appointments)
		if mh := d.MedicalHistory; mh != nil {
			resp.MedicalHistory = &MedicalHistoryResponse{
				ID:             mh.ID,
				FinalDiagnosis: mh.FinalDiagnosis,
				CreatedAt:      mh.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createClinicAppointmentHandler(svc TicketService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticketID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req ClinicAppointmentRequest
		if !decode(w, r, &req) {
			return
		}

		a, err := svc.CreateClinicAppointment(r.Context(), ticket.ClinicBooking{
			TicketID:         ticketID,
			DepartmentID:     uuid.MustParse(req.DepartmentID),
			ScheduledStartAt: req.ScheduledStartAt,
			ExpectedDuration: time.Duration(req.ExpectedDurationMinutes) * time.Minute,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(*a))
	}
}

func createDependentAppointmentHandler(svc TicketService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DependentAppointmentRequest
		if !decode(w, r, &req) {
			return
		}

		a, err := svc.CreateDependentAppointment(r.Context(), req.booking())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(*a))
	}
}

func getAppointmentHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		a, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*a))
	}
}

// transitionHandler serves the single-appointment operations that take no
// body: admit, start, complete, terminate, cancel and queue removal.
func transitionHandler(op func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		a, err := op(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*a))
	}
}

func rescheduleHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decode(w, r, &req) {
			return
		}

		a, err := svc.Reschedule(r.Context(), id, uuid.MustParse(req.DepartmentID), req.ScheduledStartAt)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*a))
	}
}

func swapHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SwapRequest
		if !decode(w, r, &req) {
			return
		}

		a, b, err := svc.Swap(r.Context(), uuid.MustParse(req.FirstAppointmentID), uuid.MustParse(req.SecondAppointmentID))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SwapResponse{
			First:  toAppointmentResponse(*a),
			Second: toAppointmentResponse(*b),
		})
	}
}

func queueSnapshotHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deptID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		p := pagination.FromRequest(r)

		page, err := svc.GetQueueSnapshot(r.Context(), deptID, p)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pagination.NewResponse(toAppointmentResponses(page.Items), page.Total, p))
	}
}

func clinicOutcomeHandler(svc TicketService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req ClinicOutcomeRequest
		if !decode(w, r, &req) {
			return
		}

		a, tests, err := svc.RecordClinicOutcome(r.Context(), req.outcome(id))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		resp := ClinicOutcomeResponse{
			Appointment:   toAppointmentResponse(*a),
			TestsRequired: make([]TestRequiredResponse, 0, len(tests)),
		}
		for _, t := range tests {
			resp.TestsRequired = append(resp.TestsRequired, TestRequiredResponse{
				ID:       t.ID,
				TestID:   t.TestID,
				TestName: t.TestName,
				Kind:     string(t.Kind),
				Used:     t.Used,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func testResultHandler(svc TicketService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req TestResultRequest
		if !decode(w, r, &req) {
			return
		}

		a, err := svc.RecordTestResult(r.Context(), id, req.Result)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*a))
	}
}
