package ticket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/clock"
)

// keyedLocker hands out one mutex per key so nested ticket and department
// locks behave like the Redis locker.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *keyedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

var now = time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *appointment.MemoryRepository
	manager *Manager
	clinic  appointment.Department
	lab     appointment.Department
	ticket  *appointment.Ticket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := appointment.NewMemoryRepository()
	hospital := uuid.New()
	f := &fixture{
		repo:    repo,
		manager: NewManager(repo, &keyedLocker{}, WithClock(clock.NewFake(now))),
		clinic:  department(hospital, appointment.KindClinic, "Cardiology"),
		lab:     department(hospital, appointment.KindMedicalLab, "Central Lab"),
	}
	repo.AddDepartment(f.clinic)
	repo.AddDepartment(f.lab)
	t.Cleanup(f.manager.Wait)

	tk, err := f.manager.OpenTicket(context.Background(), uuid.New(), hospital)
	require.NoError(t, err)
	f.ticket = tk
	return f
}

func department(hospital uuid.UUID, kind appointment.Kind, name string) appointment.Department {
	return appointment.Department{
		ID:                   uuid.New(),
		Kind:                 kind,
		Name:                 name,
		HospitalID:           hospital,
		HospitalName:         "General",
		EmployeeName:         "Dr. Salma",
		OpensAt:              8 * time.Hour,
		ClosesAt:             16 * time.Hour,
		PeriodPerAppointment: 15 * time.Minute,
		Location:             time.UTC,
	}
}

func (f *fixture) bookClinic(t *testing.T, at time.Time) (*appointment.Appointment, error) {
	t.Helper()
	return f.manager.CreateClinicAppointment(context.Background(), ClinicBooking{
		TicketID:         f.ticket.ID,
		DepartmentID:     f.clinic.ID,
		ScheduledStartAt: at,
	})
}

func (f *fixture) mutate(t *testing.T, id uuid.UUID, fn func(a *appointment.Appointment)) {
	t.Helper()
	ctx := context.Background()
	a, err := f.repo.GetAppointmentByID(ctx, id)
	require.NoError(t, err)
	fn(a)
	require.NoError(t, f.repo.UpdateAppointment(ctx, a))
}

func (f *fixture) setReExamination(t *testing.T, id uuid.UUID, needed bool) {
	f.mutate(t, id, func(a *appointment.Appointment) { a.Clinic.ReExaminationNeeded = &needed })
}

func (f *fixture) loadTicket(t *testing.T) *appointment.Ticket {
	t.Helper()
	tk, err := f.repo.GetTicketByID(context.Background(), f.ticket.ID)
	require.NoError(t, err)
	return tk
}

func TestOpenTicketValidation(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, appointment.TicketActive, f.ticket.State)

	_, err := f.manager.OpenTicket(context.Background(), uuid.Nil, uuid.New())
	assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))
}

func TestClinicChainGrowsOnlyFromTail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	head, err := f.bookClinic(t, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, f.loadTicket(t).FirstClinicAppointmentID)
	assert.Equal(t, head.ID, *f.loadTicket(t).FirstClinicAppointmentID)
	assert.Equal(t, "Dr. Salma", head.EmployeeName)
	assert.Equal(t, 15*time.Minute, head.ExpectedDuration)

	// No decision on the head yet.
	_, err = f.bookClinic(t, now.Add(3*time.Hour))
	assert.ErrorIs(t, err, appointment.ErrClinicVisitComplete)

	f.setReExamination(t, head.ID, false)
	_, err = f.bookClinic(t, now.Add(3*time.Hour))
	assert.ErrorIs(t, err, appointment.ErrClinicVisitComplete)
	assert.Equal(t, appointment.KindConflict, appointment.KindOf(err))

	f.setReExamination(t, head.ID, true)
	second, err := f.bookClinic(t, now.Add(3*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, second.Clinic.PreExaminationAppointmentID)
	assert.Equal(t, head.ID, *second.Clinic.PreExaminationAppointmentID)

	f.setReExamination(t, second.ID, true)
	third, err := f.bookClinic(t, now.Add(4*time.Hour))
	require.NoError(t, err)

	chain, err := appointment.WalkChain(ctx, f.repo, head.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []uuid.UUID{head.ID, second.ID, third.ID}, []uuid.UUID{chain[0].ID, chain[1].ID, chain[2].ID})

	heads, tails := 0, 0
	for _, a := range chain {
		if a.Clinic.PreExaminationAppointmentID == nil {
			heads++
		}
		if a.Clinic.ReExaminationAppointmentID == nil {
			tails++
		}
	}
	assert.Equal(t, 1, heads)
	assert.Equal(t, 1, tails)
}

func TestClinicBookingRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.bookClinic(t, now.Add(-time.Hour))
	assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))

	_, err = f.manager.CreateClinicAppointment(ctx, ClinicBooking{
		TicketID: f.ticket.ID, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = f.manager.CreateClinicAppointment(ctx, ClinicBooking{
		TicketID: uuid.New(), DepartmentID: f.clinic.ID, ScheduledStartAt: now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, appointment.ErrTicketNotFound)

	// Another patient's booking occupies the slot.
	other, err := f.manager.OpenTicket(ctx, uuid.New(), f.clinic.HospitalID)
	require.NoError(t, err)
	_, err = f.manager.CreateClinicAppointment(ctx, ClinicBooking{
		TicketID: other.ID, DepartmentID: f.clinic.ID, ScheduledStartAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = f.bookClinic(t, now.Add(time.Hour+5*time.Minute))
	assert.ErrorIs(t, err, appointment.ErrSlotTaken)
	assert.Nil(t, f.loadTicket(t).FirstClinicAppointmentID)
}

func TestBookingOnClosedTicket(t *testing.T) {
	f := newFixture(t)
	tk := f.loadTicket(t)
	tk.State = appointment.TicketClosed
	require.NoError(t, f.repo.UpdateTicket(context.Background(), tk))

	_, err := f.bookClinic(t, now.Add(time.Hour))
	assert.ErrorIs(t, err, appointment.ErrTicketClosed)
	assert.Equal(t, appointment.KindInvalidState, appointment.KindOf(err))
}

func TestDependentBookingModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testID, trID := uuid.New(), uuid.New()

	tests := []struct {
		name    string
		booking DependentBooking
	}{
		{"neither", DependentBooking{}},
		{"both", DependentBooking{TicketID: &f.ticket.ID, TestID: &testID, TestRequiredID: &trID}},
		{"ticket without test", DependentBooking{TicketID: &f.ticket.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.booking
			b.Kind = appointment.KindMedicalLab
			b.DepartmentID = f.lab.ID
			b.ScheduledStartAt = now.Add(time.Hour)

			_, err := f.manager.CreateDependentAppointment(ctx, b)
			assert.ErrorIs(t, err, ErrBookingMode)
			assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))
		})
	}

	_, err := f.manager.CreateDependentAppointment(ctx, DependentBooking{
		Kind: appointment.KindClinic, DepartmentID: f.lab.ID, TicketID: &f.ticket.ID, TestID: &testID,
	})
	assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))
}

func TestSelfServiceBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testID := uuid.New()

	lab, err := f.manager.CreateDependentAppointment(ctx, DependentBooking{
		Kind: appointment.KindMedicalLab, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(time.Hour),
		TicketID: &f.ticket.ID, TestID: &testID,
	})
	require.NoError(t, err)
	assert.Equal(t, f.ticket.ID, lab.TicketID)
	assert.Equal(t, testID, lab.Test.TestID)
	assert.Nil(t, lab.Test.ClinicAppointmentID)

	_, err = f.bookClinic(t, now.Add(2*time.Hour))
	require.NoError(t, err)

	_, err = f.manager.CreateDependentAppointment(ctx, DependentBooking{
		Kind: appointment.KindMedicalLab, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(3 * time.Hour),
		TicketID: &f.ticket.ID, TestID: &testID,
	})
	assert.ErrorIs(t, err, ErrTicketHasClinicChain)
}

func TestTestRequiredIsRedeemedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clinic, err := f.bookClinic(t, now.Add(time.Hour))
	require.NoError(t, err)
	tr := &appointment.TestRequired{
		TestID:              uuid.New(),
		TestName:            "CBC",
		Kind:                appointment.KindMedicalLab,
		ClinicAppointmentID: clinic.ID,
		TicketID:            f.ticket.ID,
	}
	require.NoError(t, f.repo.CreateTestRequired(ctx, tr))

	booking := DependentBooking{
		Kind: appointment.KindMedicalLab, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(2 * time.Hour),
		TestRequiredID: &tr.ID,
	}
	lab, err := f.manager.CreateDependentAppointment(ctx, booking)
	require.NoError(t, err)
	assert.Equal(t, f.ticket.ID, lab.TicketID)
	require.NotNil(t, lab.Test.ClinicAppointmentID)
	assert.Equal(t, clinic.ID, *lab.Test.ClinicAppointmentID)
	assert.Equal(t, tr.TestID, lab.Test.TestID)

	stored, err := f.repo.GetTestRequiredByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Used)

	booking.ScheduledStartAt = now.Add(3 * time.Hour)
	_, err = f.manager.CreateDependentAppointment(ctx, booking)
	assert.ErrorIs(t, err, appointment.ErrTestRequiredUsed)

	appts, err := f.repo.ListAppointmentsByTicket(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Len(t, appts, 2)
}

func TestRedemptionKindMustMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clinic, err := f.bookClinic(t, now.Add(time.Hour))
	require.NoError(t, err)
	tr := &appointment.TestRequired{
		TestID: uuid.New(), Kind: appointment.KindRadiology,
		ClinicAppointmentID: clinic.ID, TicketID: f.ticket.ID,
	}
	require.NoError(t, f.repo.CreateTestRequired(ctx, tr))

	_, err = f.manager.CreateDependentAppointment(ctx, DependentBooking{
		Kind: appointment.KindMedicalLab, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(2 * time.Hour),
		TestRequiredID: &tr.ID,
	})
	assert.ErrorIs(t, err, ErrKindMismatch)

	stored, err := f.repo.GetTestRequiredByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, stored.Used)
}

func TestClosureWaitsForDecision(t *testing.T) {
	f := newFixture(t)
	head, err := f.bookClinic(t, now.Add(time.Hour))
	require.NoError(t, err)

	result, err := f.manager.EvaluateMedicalHistoryClosure(context.Background(), f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureAwaitingOutcome, result)
	assert.Zero(t, f.repo.MedicalHistoryCount())

	f.setReExamination(t, head.ID, true)
	result, err = f.manager.EvaluateMedicalHistoryClosure(context.Background(), f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureReExamination, result)
	assert.Zero(t, f.repo.MedicalHistoryCount())
}

func TestClosureFlipsFlagWhenTestsOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	head, err := f.bookClinic(t, now.Add(time.Hour))
	require.NoError(t, err)
	f.setReExamination(t, head.ID, false)
	require.NoError(t, f.repo.CreateTestRequired(ctx, &appointment.TestRequired{
		TestID: uuid.New(), Kind: appointment.KindRadiology, ClinicAppointmentID: head.ID, TicketID: f.ticket.ID,
	}))

	result, err := f.manager.EvaluateMedicalHistoryClosure(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureReExamination, result)
	assert.Zero(t, f.repo.MedicalHistoryCount())

	loaded, err := f.repo.GetAppointmentByID(ctx, head.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Clinic.ReExaminationNeeded)
	assert.True(t, *loaded.Clinic.ReExaminationNeeded)
	assert.Equal(t, appointment.TicketActive, f.loadTicket(t).State)
}

func TestClosureCountsRedeemedTests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	head, err := f.bookClinic(t, now.Add(time.Hour))
	require.NoError(t, err)
	tr := &appointment.TestRequired{
		TestID: uuid.New(), Kind: appointment.KindMedicalLab, ClinicAppointmentID: head.ID, TicketID: f.ticket.ID,
	}
	require.NoError(t, f.repo.CreateTestRequired(ctx, tr))
	_, err = f.manager.CreateDependentAppointment(ctx, DependentBooking{
		Kind: appointment.KindMedicalLab, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(2 * time.Hour),
		TestRequiredID: &tr.ID,
	})
	require.NoError(t, err)
	f.setReExamination(t, head.ID, false)

	result, err := f.manager.EvaluateMedicalHistoryClosure(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureReExamination, result)
	assert.Zero(t, f.repo.MedicalHistoryCount())

	loaded, err := f.repo.GetAppointmentByID(ctx, head.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Clinic.ReExaminationNeeded)
	assert.True(t, *loaded.Clinic.ReExaminationNeeded)
}

func TestClosureCreatesOneMedicalHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	head, err := f.bookClinic(t, now.Add(time.Hour))
	require.NoError(t, err)
	diagnosis := "hypertension"
	f.mutate(t, head.ID, func(a *appointment.Appointment) { a.Clinic.Diagnosis = &diagnosis })
	f.setReExamination(t, head.ID, false)

	for i := 0; i < 3; i++ {
		result, err := f.manager.EvaluateMedicalHistoryClosure(ctx, f.ticket.ID)
		require.NoError(t, err)
		assert.Equal(t, ClosureClosed, result)
	}
	assert.Equal(t, 1, f.repo.MedicalHistoryCount())

	tk := f.loadTicket(t)
	assert.Equal(t, appointment.TicketClosed, tk.State)
	require.NotNil(t, tk.ClosedAt)
	assert.Equal(t, now, *tk.ClosedAt)

	detail, err := f.manager.GetTicket(ctx, f.ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.MedicalHistory)
	assert.Equal(t, diagnosis, detail.MedicalHistory.FinalDiagnosis)
	assert.Equal(t, f.ticket.PatientID, detail.MedicalHistory.PatientID)
	require.NotNil(t, detail.MedicalHistory.FirstClinicAppointmentID)
	assert.Equal(t, head.ID, *detail.MedicalHistory.FirstClinicAppointmentID)
	assert.Len(t, detail.Appointments, 1)
}

func TestClosureOfTestOnlyTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.EvaluateMedicalHistoryClosure(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ClosureNone, result)

	testID := uuid.New()
	lab, err := f.manager.CreateDependentAppointment(ctx, DependentBooking{
		Kind: appointment.KindMedicalLab, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(time.Hour),
		TicketID: &f.ticket.ID, TestID: &testID,
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.OnAppointmentCompleted(ctx, *lab))
	assert.Equal(t, 1, f.repo.MedicalHistoryCount())
	assert.Equal(t, appointment.TicketClosed, f.loadTicket(t).State)
}

func TestRecordClinicOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	head, err := f.bookClinic(t, now.Add(time.Hour))
	require.NoError(t, err)

	no := false
	outcome := ClinicOutcome{
		AppointmentID:       head.ID,
		ReExaminationNeeded: &no,
		PatientNationalID:   "29801011234567",
		TestsRequired: []OrderedTest{
			{TestID: uuid.New(), TestName: "Chest X-ray", Kind: appointment.KindRadiology},
		},
	}

	_, _, err = f.manager.RecordClinicOutcome(ctx, outcome)
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)

	f.mutate(t, head.ID, func(a *appointment.Appointment) { a.State = appointment.StateCompleted })
	updated, ordered, err := f.manager.RecordClinicOutcome(ctx, outcome)
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	assert.Equal(t, head.ID, ordered[0].ClinicAppointmentID)
	assert.Equal(t, f.ticket.ID, ordered[0].TicketID)
	assert.False(t, ordered[0].Used)
	assert.False(t, *updated.Clinic.ReExaminationNeeded)

	// The background evaluation sees the ordered test and expects a re-examination.
	f.manager.Wait()
	loaded, err := f.repo.GetAppointmentByID(ctx, head.ID)
	require.NoError(t, err)
	assert.True(t, *loaded.Clinic.ReExaminationNeeded)
	assert.Zero(t, f.repo.MedicalHistoryCount())

	_, _, err = f.manager.RecordClinicOutcome(ctx, ClinicOutcome{
		AppointmentID: head.ID,
		TestsRequired: []OrderedTest{{TestID: uuid.New(), Kind: appointment.KindClinic}},
	})
	assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))
}

func TestRecordTestResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testID := uuid.New()
	lab, err := f.manager.CreateDependentAppointment(ctx, DependentBooking{
		Kind: appointment.KindMedicalLab, DepartmentID: f.lab.ID, ScheduledStartAt: now.Add(time.Hour),
		TicketID: &f.ticket.ID, TestID: &testID,
	})
	require.NoError(t, err)

	_, err = f.manager.RecordTestResult(ctx, lab.ID, json.RawMessage(`{"hb":`))
	assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))

	_, err = f.manager.RecordTestResult(ctx, lab.ID, json.RawMessage(`{"hb":13.5}`))
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)

	f.mutate(t, lab.ID, func(a *appointment.Appointment) { a.State = appointment.StateInProgress })
	updated, err := f.manager.RecordTestResult(ctx, lab.ID, json.RawMessage(`{"hb":13.5}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hb":13.5}`, string(updated.Test.Result))
}
