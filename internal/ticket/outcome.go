package ticket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

// OrderedTest is a follow-up test the clinician orders during a visit.
type OrderedTest struct {
	TestID   uuid.UUID
	TestName string
	Kind     appointment.Kind
}

// ClinicOutcome is what the clinician records for a clinic visit. Nil fields
// are left unchanged.
type ClinicOutcome struct {
	AppointmentID       uuid.UUID
	Diagnosis           *string
	ReExaminationNeeded *bool
	PrescriptionID      *uuid.UUID
	DiseaseID           *uuid.UUID
	PatientNationalID   string
	TestsRequired       []OrderedTest
}

// RecordClinicOutcome stores the clinician's decision for an in-progress or
// completed clinic visit and creates the ordered test records. Recording on
// an already completed visit re-runs the closure evaluation.
func (m *Manager) RecordClinicOutcome(ctx context.Context, o ClinicOutcome) (*appointment.Appointment, []appointment.TestRequired, error) {
	for _, t := range o.TestsRequired {
		if !t.Kind.IsTest() || t.TestID == uuid.Nil {
			return nil, nil, appointment.Validation("invalid_test_required", "ordered tests need a test id and a medical_lab or radiology kind")
		}
	}

	appt, err := m.repo.GetAppointmentByID(ctx, o.AppointmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load appointment: %w", err)
	}

	var (
		updated *appointment.Appointment
		ordered []appointment.TestRequired
	)
	err = m.withTicket(ctx, appt.TicketID, func(ctx context.Context) error {
		return m.repo.InTx(ctx, func(ctx context.Context, tx appointment.Repository) error {
			now := m.clock.Now()

			a, err := tx.GetAppointmentByID(ctx, o.AppointmentID)
			if err != nil {
				return fmt.Errorf("load appointment: %w", err)
			}
			if a.Kind != appointment.KindClinic || a.Clinic == nil {
				return appointment.Validation("not_clinic_appointment", "appointment %s is not a clinic visit", a.ID)
			}
			if a.State != appointment.StateInProgress && a.State != appointment.StateCompleted {
				return appointment.InvalidState(appointment.ErrInvalidStatusTransition.Code, "cannot record an outcome for appointment in state %s", a.State)
			}

			if o.Diagnosis != nil {
				a.Clinic.Diagnosis = o.Diagnosis
			}
			if o.ReExaminationNeeded != nil {
				a.Clinic.ReExaminationNeeded = o.ReExaminationNeeded
			}
			if o.PrescriptionID != nil {
				a.Clinic.PrescriptionID = o.PrescriptionID
			}
			if o.DiseaseID != nil {
				a.Clinic.DiseaseID = o.DiseaseID
			}
			a.UpdatedAt = now
			if err := tx.UpdateAppointment(ctx, a); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}

			for _, t := range o.TestsRequired {
				tr := appointment.TestRequired{
					ID:                  uuid.New(),
					TestID:              t.TestID,
					TestName:            t.TestName,
					Kind:                t.Kind,
					ClinicAppointmentID: a.ID,
					TicketID:            a.TicketID,
					PatientNationalID:   o.PatientNationalID,
					CreatedAt:           now,
				}
				if err := tx.CreateTestRequired(ctx, &tr); err != nil {
					return fmt.Errorf("create test required: %w", err)
				}
				ordered = append(ordered, tr)
			}

			updated = a
			return tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventOutcomeRecorded, a.ID, map[string]any{
				"re_examination_needed": a.Clinic.ReExaminationNeeded,
				"tests_required":        len(ordered),
			}, now))
		})
	})
	if err != nil {
		return nil, nil, err
	}

	if updated.State == appointment.StateCompleted {
		m.evaluateAsync(updated.TicketID)
	}
	return updated, ordered, nil
}

// RecordTestResult stores the result payload of a lab or radiology
// appointment.
func (m *Manager) RecordTestResult(ctx context.Context, id uuid.UUID, result json.RawMessage) (*appointment.Appointment, error) {
	if len(result) == 0 || !json.Valid(result) {
		return nil, appointment.Validation("invalid_result", "result must be a JSON document")
	}

	var updated *appointment.Appointment
	err := m.repo.InTx(ctx, func(ctx context.Context, tx appointment.Repository) error {
		now := m.clock.Now()

		a, err := tx.GetAppointmentByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		if !a.Kind.IsTest() || a.Test == nil {
			return appointment.Validation("not_test_appointment", "appointment %s is not a lab or radiology appointment", a.ID)
		}
		if a.State != appointment.StateInProgress && a.State != appointment.StateCompleted {
			return appointment.InvalidState(appointment.ErrInvalidStatusTransition.Code, "cannot record a result for appointment in state %s", a.State)
		}

		a.Test.Result = append(json.RawMessage(nil), result...)
		a.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		updated = a
		return tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventResultRecorded, a.ID, nil, now))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
