package ticket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/clock"
	redisclient "github.com/hackgods/hospital-patient-flow/internal/redis"
)

var (
	ErrTicketHasClinicChain = &appointment.Error{Kind: appointment.KindInvalidState, Code: "ticket_has_clinic_chain", Message: "ticket already has a clinic appointment; book tests through a test required record"}
	ErrBookingMode          = &appointment.Error{Kind: appointment.KindValidation, Code: "invalid_booking_mode", Message: "provide either ticket and test, or a test required record"}
	ErrKindMismatch         = &appointment.Error{Kind: appointment.KindValidation, Code: "kind_mismatch", Message: "department does not serve this appointment kind"}
)

// Manager owns the ticket lifecycle: booking into the clinic chain, dependent
// test appointments and the medical history closure.
type Manager struct {
	repo   appointment.Repository
	locker redisclient.Locker
	clock  clock.Clock
	log    zerolog.Logger

	backgroundTimeout time.Duration
	wg                sync.WaitGroup
}

func NewManager(repo appointment.Repository, locker redisclient.Locker, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		repo:              repo,
		locker:            locker,
		clock:             o.Clock,
		log:               o.Logger.With().Str("component", "ticket").Logger(),
		backgroundTimeout: o.BackgroundTimeout,
	}
}

// Wait blocks until background closure evaluations have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// withTicket serializes work on one ticket. Department locks, when needed,
// are always taken inside it.
func (m *Manager) withTicket(ctx context.Context, ticketID uuid.UUID, fn func(ctx context.Context) error) error {
	err := m.locker.WithLock(ctx, redisclient.TicketKey(ticketID), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return appointment.Conflict("ticket_busy", "ticket %s is being updated, please retry", ticketID)
	}
	return err
}

func (m *Manager) withDepartmentTx(ctx context.Context, departmentID uuid.UUID, fn func(ctx context.Context, tx appointment.Repository) error) error {
	err := m.locker.WithLock(ctx, redisclient.DepartmentKey(departmentID), func(lockCtx context.Context) error {
		return m.repo.InTx(lockCtx, fn)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return appointment.ErrQueueBusy
	}
	return err
}

// OpenTicket starts a new case for a patient checking into a hospital.
func (m *Manager) OpenTicket(ctx context.Context, patientID, hospitalID uuid.UUID) (*appointment.Ticket, error) {
	if patientID == uuid.Nil || hospitalID == uuid.Nil {
		return nil, appointment.Validation("missing_identity", "patient and hospital are required")
	}

	now := m.clock.Now()
	t := &appointment.Ticket{
		ID:         uuid.New(),
		PatientID:  patientID,
		HospitalID: hospitalID,
		State:      appointment.TicketActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.repo.CreateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	m.log.Info().Str("ticket_id", t.ID.String()).Str("patient_id", patientID.String()).Msg("ticket opened")
	return t, nil
}

// Detail is a ticket with everything opened under it.
type Detail struct {
	Ticket         appointment.Ticket
	Appointments   []appointment.Appointment
	MedicalHistory *appointment.MedicalHistory
}

func (m *Manager) GetTicket(ctx context.Context, id uuid.UUID) (*Detail, error) {
	t, err := m.repo.GetTicketByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	appts, err := m.repo.ListAppointmentsByTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list ticket appointments: %w", err)
	}

	d := &Detail{Ticket: *t, Appointments: appts}
	mh, err := m.repo.GetMedicalHistoryByTicket(ctx, id)
	switch {
	case err == nil:
		d.MedicalHistory = mh
	case !errors.Is(err, appointment.ErrMedicalHistoryNotFound):
		return nil, fmt.Errorf("get medical history: %w", err)
	}
	return d, nil
}

// ClinicBooking asks for a clinic appointment on a ticket.
type ClinicBooking struct {
	TicketID         uuid.UUID
	DepartmentID     uuid.UUID
	ScheduledStartAt time.Time
	ExpectedDuration time.Duration
}

// CreateClinicAppointment books a clinic visit. The first one becomes the
// head of the ticket's chain; later ones are linked behind the chain tail
// only while the tail asks for a re-examination.
func (m *Manager) CreateClinicAppointment(ctx context.Context, b ClinicBooking) (*appointment.Appointment, error) {
	var created *appointment.Appointment

	err := m.withTicket(ctx, b.TicketID, func(ctx context.Context) error {
		return m.withDepartmentTx(ctx, b.DepartmentID, func(ctx context.Context, tx appointment.Repository) error {
			now := m.clock.Now()

			t, err := m.activeTicket(ctx, tx, b.TicketID)
			if err != nil {
				return err
			}
			a, err := m.newAppointment(ctx, tx, appointment.KindClinic, t, b.DepartmentID, b.ScheduledStartAt, b.ExpectedDuration, now)
			if err != nil {
				return err
			}
			a.Clinic = &appointment.ClinicDetails{}

			if t.FirstClinicAppointmentID == nil {
				if err := tx.CreateAppointment(ctx, a); err != nil {
					return fmt.Errorf("create appointment: %w", err)
				}
				t.FirstClinicAppointmentID = &a.ID
				t.UpdatedAt = now
				if err := tx.UpdateTicket(ctx, t); err != nil {
					return fmt.Errorf("attach chain head: %w", err)
				}
			} else {
				tail, err := appointment.ChainTail(ctx, tx, *t.FirstClinicAppointmentID)
				if err != nil {
					return err
				}
				if tail.Clinic == nil || tail.Clinic.ReExaminationNeeded == nil || !*tail.Clinic.ReExaminationNeeded {
					return appointment.ErrClinicVisitComplete
				}
				if err := appointment.LinkReExamination(tail, a); err != nil {
					return err
				}
				if err := tx.CreateAppointment(ctx, a); err != nil {
					return fmt.Errorf("create appointment: %w", err)
				}
				tail.UpdatedAt = now
				if err := tx.UpdateAppointment(ctx, tail); err != nil {
					return fmt.Errorf("link re-examination: %w", err)
				}
			}

			created = a
			return tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventAppointmentCreated, a.ID, map[string]any{
				"ticket_id": t.ID.String(),
				"kind":      string(a.Kind),
			}, now))
		})
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("ticket_id", created.TicketID.String()).
		Str("department_id", created.DepartmentID.String()).
		Msg("clinic appointment booked")
	return created, nil
}

// DependentBooking asks for a lab or radiology appointment. Exactly one of
// the two modes applies: TicketID with TestID for self-service booking on a
// ticket without a clinic chain, or TestRequiredID to redeem a clinician order.
type DependentBooking struct {
	Kind             appointment.Kind
	DepartmentID     uuid.UUID
	ScheduledStartAt time.Time
	ExpectedDuration time.Duration

	TicketID       *uuid.UUID
	TestID         *uuid.UUID
	TestRequiredID *uuid.UUID
}

func (b DependentBooking) selfService() bool {
	return b.TicketID != nil && b.TestID != nil && b.TestRequiredID == nil
}

func (b DependentBooking) redemption() bool {
	return b.TestRequiredID != nil && b.TicketID == nil && b.TestID == nil
}

func (m *Manager) CreateDependentAppointment(ctx context.Context, b DependentBooking) (*appointment.Appointment, error) {
	if !b.Kind.IsTest() {
		return nil, appointment.Validation("invalid_kind", "dependent appointments are medical_lab or radiology, got %q", b.Kind)
	}
	if b.selfService() == b.redemption() {
		return nil, ErrBookingMode
	}

	var tr *appointment.TestRequired
	ticketID := uuid.Nil
	if b.redemption() {
		var err error
		tr, err = m.repo.GetTestRequiredByID(ctx, *b.TestRequiredID)
		if err != nil {
			return nil, fmt.Errorf("load test required: %w", err)
		}
		ticketID = tr.TicketID
	} else {
		ticketID = *b.TicketID
	}

	var created *appointment.Appointment
	err := m.withTicket(ctx, ticketID, func(ctx context.Context) error {
		return m.withDepartmentTx(ctx, b.DepartmentID, func(ctx context.Context, tx appointment.Repository) error {
			now := m.clock.Now()

			t, err := m.activeTicket(ctx, tx, ticketID)
			if err != nil {
				return err
			}
			a, err := m.newAppointment(ctx, tx, b.Kind, t, b.DepartmentID, b.ScheduledStartAt, b.ExpectedDuration, now)
			if err != nil {
				return err
			}

			if tr == nil {
				if t.FirstClinicAppointmentID != nil {
					return ErrTicketHasClinicChain
				}
				a.Test = &appointment.TestDetails{TestID: *b.TestID}
			} else {
				if tr.Kind != b.Kind {
					return ErrKindMismatch
				}
				if err := tx.MarkTestRequiredUsed(ctx, tr.ID); err != nil {
					return err
				}
				clinicID, trID := tr.ClinicAppointmentID, tr.ID
				a.Test = &appointment.TestDetails{
					TestID:              tr.TestID,
					ClinicAppointmentID: &clinicID,
					TestRequiredID:      &trID,
				}
			}

			if err := tx.CreateAppointment(ctx, a); err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}
			created = a
			return tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventAppointmentCreated, a.ID, map[string]any{
				"ticket_id": t.ID.String(),
				"kind":      string(a.Kind),
			}, now))
		})
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("ticket_id", created.TicketID.String()).
		Str("kind", string(created.Kind)).
		Msg("dependent appointment booked")
	return created, nil
}

func (m *Manager) activeTicket(ctx context.Context, tx appointment.Repository, id uuid.UUID) (*appointment.Ticket, error) {
	t, err := tx.GetTicketByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if t.State == appointment.TicketClosed {
		return nil, appointment.ErrTicketClosed
	}
	return t, nil
}

// newAppointment validates the target department and slot and builds a
// not-started appointment carrying the department snapshot.
func (m *Manager) newAppointment(ctx context.Context, tx appointment.Repository, kind appointment.Kind, t *appointment.Ticket, departmentID uuid.UUID, at time.Time, expected time.Duration, now time.Time) (*appointment.Appointment, error) {
	dept, err := tx.GetDepartment(ctx, departmentID)
	if err != nil {
		return nil, fmt.Errorf("load department: %w", err)
	}
	if dept.Kind != kind {
		return nil, ErrKindMismatch
	}
	if dept.HospitalID != t.HospitalID {
		return nil, appointment.Validation("hospital_mismatch", "department %s is not part of the ticket's hospital", departmentID)
	}
	if !at.After(now) {
		return nil, appointment.Validation("schedule_in_past", "scheduled start %s is not in the future", at.Format(time.RFC3339))
	}
	if expected <= 0 {
		expected = dept.PeriodPerAppointment
	}
	if expected <= 0 {
		return nil, appointment.Validation("expected_duration_required", "department %s has no period per appointment", departmentID)
	}
	if err := appointment.EnsureSlotFree(ctx, tx, departmentID, at, dept.PeriodPerAppointment, uuid.Nil); err != nil {
		return nil, err
	}

	return &appointment.Appointment{
		ID:               uuid.New(),
		Kind:             kind,
		State:            appointment.StateNotStarted,
		TicketID:         t.ID,
		DepartmentID:     dept.ID,
		DepartmentName:   dept.Name,
		HospitalID:       dept.HospitalID,
		HospitalName:     dept.HospitalName,
		EmployeeName:     dept.EmployeeName,
		ScheduledStartAt: at,
		ExpectedDuration: expected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}
