package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

// Closure reports what an evaluation decided.
type Closure string

const (
	ClosureNone            Closure = "none"
	ClosureAwaitingOutcome Closure = "awaiting_outcome"
	ClosureReExamination   Closure = "re_examination_expected"
	ClosureClosed          Closure = "closed"
)

// OnAppointmentCompleted re-evaluates the ticket of a completed appointment.
func (m *Manager) OnAppointmentCompleted(ctx context.Context, appt appointment.Appointment) error {
	if _, err := m.EvaluateMedicalHistoryClosure(ctx, appt.TicketID); err != nil {
		return fmt.Errorf("evaluate closure after %s completed: %w", appt.ID, err)
	}
	return nil
}

// EvaluateMedicalHistoryClosure decides whether the clinical work of a ticket
// is done. A lab or radiology only ticket closes as soon as it has an
// appointment. Otherwise the chain tail decides: no decision yet stops, tests
// ordered by a tail that did not ask for a re-examination turn the flag on,
// and a tail without re-examination closes the ticket with one medical
// history. Running it again on a closed ticket changes nothing.
func (m *Manager) EvaluateMedicalHistoryClosure(ctx context.Context, ticketID uuid.UUID) (Closure, error) {
	result := ClosureNone

	err := m.withTicket(ctx, ticketID, func(ctx context.Context) error {
		return m.repo.InTx(ctx, func(ctx context.Context, tx appointment.Repository) error {
			now := m.clock.Now()

			t, err := tx.GetTicketByID(ctx, ticketID)
			if err != nil {
				return fmt.Errorf("load ticket: %w", err)
			}
			if t.State == appointment.TicketClosed {
				result = ClosureClosed
				return nil
			}

			if t.FirstClinicAppointmentID == nil {
				appts, err := tx.ListAppointmentsByTicket(ctx, ticketID)
				if err != nil {
					return fmt.Errorf("list ticket appointments: %w", err)
				}
				if len(appts) == 0 {
					return nil
				}
				result = ClosureClosed
				return m.closeTicket(ctx, tx, t, "", now)
			}

			tail, err := appointment.ChainTail(ctx, tx, *t.FirstClinicAppointmentID)
			if err != nil {
				return err
			}
			if tail.Clinic == nil || tail.Clinic.ReExaminationNeeded == nil {
				result = ClosureAwaitingOutcome
				return nil
			}
			if *tail.Clinic.ReExaminationNeeded {
				result = ClosureReExamination
				return nil
			}

			// Used records still count: the tests were ordered even if already booked.
			tests, err := tx.ListTestsRequired(ctx, tail.ID)
			if err != nil {
				return fmt.Errorf("list tests required: %w", err)
			}
			if len(tests) > 0 {
				needed := true
				tail.Clinic.ReExaminationNeeded = &needed
				tail.UpdatedAt = now
				if err := tx.UpdateAppointment(ctx, tail); err != nil {
					return fmt.Errorf("flag re-examination: %w", err)
				}
				result = ClosureReExamination
				return nil
			}

			diagnosis := ""
			if tail.Clinic.Diagnosis != nil {
				diagnosis = *tail.Clinic.Diagnosis
			}
			result = ClosureClosed
			return m.closeTicket(ctx, tx, t, diagnosis, now)
		})
	})
	if err != nil {
		return ClosureNone, err
	}

	if result == ClosureClosed || result == ClosureReExamination {
		m.log.Info().Str("ticket_id", ticketID.String()).Str("closure", string(result)).Msg("ticket evaluated")
	}
	return result, nil
}

// closeTicket writes the medical history once and then closes the ticket.
func (m *Manager) closeTicket(ctx context.Context, tx appointment.Repository, t *appointment.Ticket, diagnosis string, now time.Time) error {
	_, err := tx.GetMedicalHistoryByTicket(ctx, t.ID)
	switch {
	case errors.Is(err, appointment.ErrMedicalHistoryNotFound):
		mh := &appointment.MedicalHistory{
			ID:                       uuid.New(),
			PatientID:                t.PatientID,
			TicketID:                 t.ID,
			FinalDiagnosis:           diagnosis,
			FirstClinicAppointmentID: t.FirstClinicAppointmentID,
			CreatedAt:                now,
		}
		if err := tx.CreateMedicalHistory(ctx, mh); err != nil && !errors.Is(err, appointment.ErrMedicalHistoryExists) {
			return fmt.Errorf("create medical history: %w", err)
		}
		if err := tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventMedicalHistoryCreated, uuid.Nil, map[string]any{
			"ticket_id":          t.ID.String(),
			"medical_history_id": mh.ID.String(),
		}, now)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load medical history: %w", err)
	}

	t.State = appointment.TicketClosed
	t.ClosedAt = &now
	t.UpdatedAt = now
	if err := tx.UpdateTicket(ctx, t); err != nil {
		return fmt.Errorf("close ticket: %w", err)
	}
	return tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventTicketClosed, uuid.Nil, map[string]any{
		"ticket_id": t.ID.String(),
	}, now))
}

// evaluateAsync runs a closure evaluation detached from the caller. Failures
// are logged only.
func (m *Manager) evaluateAsync(ticketID uuid.UUID) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.backgroundTimeout)
		defer cancel()

		if _, err := m.EvaluateMedicalHistoryClosure(ctx, ticketID); err != nil {
			m.log.Error().Err(err).Str("ticket_id", ticketID.String()).Msg("medical history evaluation failed")
		}
	}()
}
