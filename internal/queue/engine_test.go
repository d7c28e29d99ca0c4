package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/clock"
	redisclient "github.com/hackgods/hospital-patient-flow/internal/redis"
	"github.com/hackgods/hospital-patient-flow/pkg/pagination"
)

type fakeLocker struct {
	mu   sync.Mutex
	busy bool
}

func (l *fakeLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if l.busy {
		return redisclient.ErrLockNotAcquired
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []redisclient.Job
}

func (f *fakeJobs) ScheduleOnce(_ context.Context, job redisclient.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeJobs) scheduled() []redisclient.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]redisclient.Job(nil), f.jobs...)
}

type sentNotification struct {
	patientID uuid.UUID
	msg       redisclient.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Enqueue(_ context.Context, patientID uuid.UUID, msg redisclient.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{patientID: patientID, msg: msg})
	return nil
}

type fakeHook struct {
	mu        sync.Mutex
	completed []appointment.Appointment
}

func (f *fakeHook) OnAppointmentCompleted(_ context.Context, appt appointment.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, appt)
	return nil
}

// The department opens at 10:00 UTC; appointments are booked for 11:00 on
// 2024-03-20, so admission opens at 22:00 the day before.
var (
	scheduledAt = time.Date(2024, 3, 20, 11, 0, 0, 0, time.UTC)
	morning     = time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	repo     *appointment.MemoryRepository
	clock    *clock.Fake
	locker   *fakeLocker
	jobs     *fakeJobs
	notifier *fakeNotifier
	hook     *fakeHook
	engine   *Engine
	dept     appointment.Department
	ticket   appointment.Ticket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     appointment.NewMemoryRepository(),
		clock:    clock.NewFake(morning),
		locker:   &fakeLocker{},
		jobs:     &fakeJobs{},
		notifier: &fakeNotifier{},
		hook:     &fakeHook{},
	}
	f.dept = f.addDepartment("Cardiology")

	f.ticket = appointment.Ticket{PatientID: uuid.New(), HospitalID: f.dept.HospitalID, State: appointment.TicketActive}
	require.NoError(t, f.repo.CreateTicket(context.Background(), &f.ticket))

	f.engine = NewEngine(f.repo, f.locker, f.jobs,
		Config{AdmissionLeadTime: 12 * time.Hour, ExpiryGrace: time.Minute},
		WithClock(f.clock),
		WithNotifier(f.notifier),
		WithCompletionHook(f.hook),
	)
	t.Cleanup(f.engine.Wait)
	return f
}

func (f *fixture) addDepartment(name string) appointment.Department {
	d := appointment.Department{
		ID:                   uuid.New(),
		Kind:                 appointment.KindClinic,
		Name:                 name,
		HospitalID:           uuid.New(),
		HospitalName:         "General",
		OpensAt:              10 * time.Hour,
		ClosesAt:             18 * time.Hour,
		PeriodPerAppointment: 15 * time.Minute,
		Capacity:             20,
		Location:             time.UTC,
	}
	f.repo.AddDepartment(d)
	return d
}

func (f *fixture) book(t *testing.T, dept appointment.Department, at time.Time) *appointment.Appointment {
	t.Helper()
	a := &appointment.Appointment{
		Kind:             appointment.KindClinic,
		State:            appointment.StateNotStarted,
		TicketID:         f.ticket.ID,
		DepartmentID:     dept.ID,
		DepartmentName:   dept.Name,
		HospitalID:       dept.HospitalID,
		HospitalName:     dept.HospitalName,
		ScheduledStartAt: at,
		ExpectedDuration: 20 * time.Minute,
		Clinic:           &appointment.ClinicDetails{},
		CreatedAt:        f.clock.Now(),
	}
	require.NoError(t, f.repo.CreateAppointment(context.Background(), a))
	return a
}

func (f *fixture) admit(t *testing.T, dept appointment.Department) *appointment.Appointment {
	t.Helper()
	a := f.book(t, dept, scheduledAt)
	admitted, err := f.engine.Admit(context.Background(), a.ID)
	require.NoError(t, err)
	f.engine.Wait()
	return admitted
}

func (f *fixture) load(t *testing.T, id uuid.UUID) *appointment.Appointment {
	t.Helper()
	a, err := f.repo.GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestAdmissionWindow(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"one minute before window", time.Date(2024, 3, 19, 21, 59, 0, 0, time.UTC), false},
		{"window opens", time.Date(2024, 3, 19, 22, 0, 0, 0, time.UTC), true},
		{"just before start", scheduledAt.Add(-time.Second), true},
		{"at scheduled start", scheduledAt, false},
		{"after scheduled start", scheduledAt.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.book(t, f.dept, scheduledAt)
			f.clock.Set(tt.now)

			_, err := f.engine.Admit(context.Background(), a.ID)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, appointment.ErrOutsideAdmissionWindow)
			assert.Equal(t, appointment.KindInvalidState, appointment.KindOf(err))
			assert.Equal(t, appointment.StateNotStarted, f.load(t, a.ID).State)
		})
	}
}

func TestAdmitAppendsToTail(t *testing.T) {
	f := newFixture(t)

	first := f.admit(t, f.dept)
	second := f.admit(t, f.dept)

	assert.Equal(t, appointment.StateInQueue, first.State)
	require.NotNil(t, first.QueueID)
	require.NotNil(t, second.QueueID)
	assert.Equal(t, *first.QueueID, *second.QueueID)
	assert.Equal(t, int64(1), first.QueuePosition)
	assert.Equal(t, int64(2), second.QueuePosition)

	q, err := f.repo.GetQueueByDepartment(context.Background(), f.dept.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.QueueID, q.ID)
	assert.Equal(t, f.dept.PeriodPerAppointment, q.PeriodPerAppointment)

	jobs := f.jobs.scheduled()
	require.Len(t, jobs, 2)
	assert.Equal(t, redisclient.JobExpireAppointment, jobs[0].Type)
	assert.Equal(t, first.ID, jobs[0].AppointmentID)
	assert.Equal(t, morning.Add(21*time.Minute), jobs[0].FireAt)

	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, f.ticket.PatientID, f.notifier.sent[0].patientID)
	assert.Equal(t, redisclient.NotificationQueueAdmitted, f.notifier.sent[0].msg.Type)
}

func TestAdmitTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t, f.dept)

	_, err := f.engine.Admit(context.Background(), a.ID)
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)
	assert.Contains(t, err.Error(), string(appointment.StateInQueue))
}

func TestAdmitUnknownAppointment(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Admit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
	assert.Equal(t, appointment.KindNotFound, appointment.KindOf(err))
}

func TestLockContentionMapsToQueueBusy(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, f.dept, scheduledAt)
	f.locker.busy = true

	_, err := f.engine.Admit(context.Background(), a.ID)
	assert.ErrorIs(t, err, appointment.ErrQueueBusy)
	assert.Equal(t, appointment.KindConflict, appointment.KindOf(err))
}

func TestSwapIsAnInvolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, f.dept)
	b := f.admit(t, f.dept)

	swappedA, swappedB, err := f.engine.Swap(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), swappedA.QueuePosition)
	assert.Equal(t, int64(1), swappedB.QueuePosition)
	assert.Equal(t, a.ScheduledStartAt, swappedA.ScheduledStartAt)
	assert.Equal(t, b.ScheduledStartAt, swappedB.ScheduledStartAt)

	_, _, err = f.engine.Swap(ctx, a.ID, b.ID)
	require.NoError(t, err)
	f.engine.Wait()

	assert.Equal(t, int64(1), f.load(t, a.ID).QueuePosition)
	assert.Equal(t, int64(2), f.load(t, b.ID).QueuePosition)
}

func TestSwapAcrossQueuesIsRejected(t *testing.T) {
	f := newFixture(t)
	other := f.addDepartment("Neurology")
	a := f.admit(t, f.dept)
	b := f.admit(t, other)
	notQueued := f.book(t, f.dept, scheduledAt)

	_, _, err := f.engine.Swap(context.Background(), a.ID, b.ID)
	assert.ErrorIs(t, err, appointment.ErrDifferentQueues)
	assert.Equal(t, appointment.KindInvalidState, appointment.KindOf(err))

	_, _, err = f.engine.Swap(context.Background(), a.ID, notQueued.ID)
	assert.ErrorIs(t, err, appointment.ErrDifferentQueues)

	assert.Equal(t, a.QueuePosition, f.load(t, a.ID).QueuePosition)
	assert.Equal(t, b.QueuePosition, f.load(t, b.ID).QueuePosition)
	assert.Nil(t, f.load(t, notQueued.ID).QueueID)
}

func TestRemoveKeepsState(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t, f.dept)

	removed, err := f.engine.Remove(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StateInQueue, removed.State)
	assert.Nil(t, removed.QueueID)

	_, err = f.engine.Remove(context.Background(), a.ID)
	assert.ErrorIs(t, err, appointment.ErrNotInQueue)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, f.dept, scheduledAt)
	b := f.book(t, f.dept, scheduledAt.Add(2*time.Hour))

	_, err := f.engine.Reschedule(ctx, b.ID, f.dept.ID, scheduledAt.Add(10*time.Minute))
	assert.ErrorIs(t, err, appointment.ErrSlotTaken)
	assert.Equal(t, appointment.KindConflict, appointment.KindOf(err))
	assert.Equal(t, scheduledAt.Add(2*time.Hour), f.load(t, b.ID).ScheduledStartAt)

	moved, err := f.engine.Reschedule(ctx, b.ID, f.dept.ID, scheduledAt.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, scheduledAt.Add(15*time.Minute), moved.ScheduledStartAt)

	// Keeping its own slot is allowed.
	_, err = f.engine.Reschedule(ctx, a.ID, f.dept.ID, scheduledAt)
	require.NoError(t, err)

	_, err = f.engine.Reschedule(ctx, a.ID, f.dept.ID, morning.Add(-time.Hour))
	assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))

	_, err = f.engine.Reschedule(ctx, a.ID, uuid.New(), scheduledAt.Add(4*time.Hour))
	assert.Equal(t, appointment.KindValidation, appointment.KindOf(err))
}

func TestStartCompleteNotifiesHook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, f.dept)

	started, err := f.engine.Start(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StateInProgress, started.State)
	require.NotNil(t, started.ActualStartAt)

	jobs := f.jobs.scheduled()
	require.Len(t, jobs, 2)
	assert.Equal(t, morning.Add(21*time.Minute), jobs[1].FireAt)

	f.clock.Advance(12 * time.Minute)
	completed, err := f.engine.Complete(ctx, a.ID)
	require.NoError(t, err)
	f.engine.Wait()

	assert.Equal(t, appointment.StateCompleted, completed.State)
	assert.Nil(t, completed.QueueID)
	require.NotNil(t, completed.ActualDuration)
	assert.Equal(t, 12*time.Minute, *completed.ActualDuration)

	require.Len(t, f.hook.completed, 1)
	assert.Equal(t, a.ID, f.hook.completed[0].ID)

	_, err = f.engine.Complete(ctx, a.ID)
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)
}

func TestCancelAndTerminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting := f.admit(t, f.dept)
	cancelled, err := f.engine.Cancel(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StateCancelled, cancelled.State)
	assert.Nil(t, cancelled.QueueID)

	serving := f.admit(t, f.dept)
	_, err = f.engine.Start(ctx, serving.ID)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, serving.ID)
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)

	terminated, err := f.engine.Terminate(ctx, serving.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StateTerminated, terminated.State)

	_, err = f.engine.Terminate(ctx, serving.ID)
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, f.dept)
	_, err := f.engine.Start(ctx, a.ID)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	expired, err := f.engine.Expire(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, expired)

	loaded := f.load(t, a.ID)
	assert.Equal(t, appointment.StateTerminated, loaded.State)
	assert.Nil(t, loaded.QueueID)

	expired, err = f.engine.Expire(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, appointment.StateTerminated, f.load(t, a.ID).State)
}

func TestExpireWaitsForDeadlineAfterLateStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, f.dept)

	// The check armed at admission falls due a minute after the late start.
	f.clock.Advance(20 * time.Minute)
	_, err := f.engine.Start(ctx, a.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	expired, err := f.engine.Expire(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, appointment.StateInProgress, f.load(t, a.ID).State)

	jobs := f.jobs.scheduled()
	require.Len(t, jobs, 2)
	assert.Equal(t, morning.Add(41*time.Minute), jobs[1].FireAt)

	f.clock.Set(jobs[1].FireAt)
	expired, err = f.engine.Expire(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, appointment.StateTerminated, f.load(t, a.ID).State)
}

func TestExpireLeavesOtherStatesAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting := f.admit(t, f.dept)
	expired, err := f.engine.Expire(ctx, waiting.ID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, appointment.StateInQueue, f.load(t, waiting.ID).State)

	done := f.admit(t, f.dept)
	_, err = f.engine.Start(ctx, done.ID)
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, done.ID)
	require.NoError(t, err)

	expired, err = f.engine.Expire(ctx, done.ID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, appointment.StateCompleted, f.load(t, done.ID).State)
}

func TestQueueSnapshotOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, f.dept)
	b := f.admit(t, f.dept)
	c := f.admit(t, f.dept)
	d := f.admit(t, f.dept)

	_, err := f.engine.Start(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, d.ID)
	require.NoError(t, err)
	f.engine.Wait()

	page, err := f.engine.GetQueueSnapshot(ctx, f.dept.ID, pagination.New(1, 10))
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, []uuid.UUID{c.ID, a.ID, b.ID}, []uuid.UUID{page.Items[0].ID, page.Items[1].ID, page.Items[2].ID})

	page, err = f.engine.GetQueueSnapshot(ctx, f.dept.ID, pagination.New(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, b.ID, page.Items[0].ID)
}

func TestQueueSnapshotWithoutQueue(t *testing.T) {
	f := newFixture(t)

	page, err := f.engine.GetQueueSnapshot(context.Background(), f.dept.ID, pagination.New(1, 10))
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = f.engine.GetQueueSnapshot(context.Background(), uuid.New(), pagination.New(1, 10))
	assert.ErrorIs(t, err, appointment.ErrDepartmentNotFound)
}

func TestRecalculateExpectedStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, f.dept)
	b := f.admit(t, f.dept)
	c := f.admit(t, f.dept)

	require.NotNil(t, f.load(t, c.ID).ExpectedStartAt)
	assert.Equal(t, morning.Add(30*time.Minute), *f.load(t, c.ID).ExpectedStartAt)

	f.clock.Advance(5 * time.Minute)
	_, err := f.engine.Start(ctx, a.ID)
	require.NoError(t, err)
	f.engine.Wait()

	assert.Equal(t, morning.Add(5*time.Minute), *f.load(t, a.ID).ExpectedStartAt)
	assert.Equal(t, morning.Add(20*time.Minute), *f.load(t, b.ID).ExpectedStartAt)
	assert.Equal(t, morning.Add(35*time.Minute), *f.load(t, c.ID).ExpectedStartAt)
}

func TestTransitionsAreLogged(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t, f.dept)
	_, err := f.engine.Start(context.Background(), a.ID)
	require.NoError(t, err)

	var types []string
	for _, ev := range f.repo.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{appointment.EventAppointmentAdmitted, appointment.EventAppointmentStarted}, types)
}
