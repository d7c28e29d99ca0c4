package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	a := newClinicAppointment(StateNotStarted)
	require.NoError(t, repo.CreateAppointment(ctx, a))

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		loaded, err := tx.GetAppointmentByID(ctx, a.ID)
		require.NoError(t, err)
		require.NoError(t, loaded.Admit(uuid.New(), 1, t0))
		require.NoError(t, tx.UpdateAppointment(ctx, loaded))
		require.NoError(t, tx.InsertEvent(ctx, EventLog{EventType: "x"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	loaded, err := repo.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, loaded.State)
	assert.Nil(t, loaded.QueueID)
	assert.Empty(t, repo.Events())
}

func TestMemoryInTxNestedJoins(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	err := repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		return tx.InTx(ctx, func(ctx context.Context, inner Repository) error {
			return inner.CreateTicket(ctx, &Ticket{PatientID: uuid.New(), State: TicketActive})
		})
	})
	require.NoError(t, err)
}

func TestMemoryRollbackKeepsConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	a := newClinicAppointment(StateNotStarted)
	require.NoError(t, repo.CreateAppointment(ctx, a))

	entered := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
			close(entered)
			<-release
			return errors.New("boom")
		})
	}()
	<-entered

	ticket := &Ticket{PatientID: uuid.New(), State: TicketActive}
	at := t0.Add(30 * time.Minute)
	writeDone := make(chan error, 1)
	go func() {
		if err := repo.CreateTicket(ctx, ticket); err != nil {
			writeDone <- err
			return
		}
		writeDone <- repo.SetExpectedStart(ctx, a.ID, &at)
	}()

	// Give the writer a chance to run before the transaction fails.
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.Error(t, <-txDone)
	require.NoError(t, <-writeDone)

	_, err := repo.GetTicketByID(ctx, ticket.ID)
	require.NoError(t, err)
	loaded, err := repo.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ExpectedStartAt)
	assert.True(t, loaded.ExpectedStartAt.Equal(at))
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	a := newClinicAppointment(StateNotStarted)
	require.NoError(t, repo.CreateAppointment(ctx, a))

	loaded, err := repo.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	loaded.State = StateCancelled

	again, err := repo.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, again.State)
}

func TestMemoryQueueSnapshotOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	q := uuid.New()

	mk := func(state State, pos int64) *Appointment {
		a := newClinicAppointment(state)
		a.QueueID = &q
		a.QueuePosition = pos
		a.CreatedAt = t0.Add(time.Duration(pos) * time.Minute)
		require.NoError(t, repo.CreateAppointment(ctx, a))
		return a
	}

	first := mk(StateInQueue, 1)
	serving := mk(StateInProgress, 2)
	third := mk(StateInQueue, 3)
	// Terminal members are filtered out.
	mk(StateCompleted, 4)

	page, err := repo.QueueSnapshot(ctx, q, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, serving.ID, page.Items[0].ID)
	assert.Equal(t, first.ID, page.Items[1].ID)
	assert.Equal(t, third.ID, page.Items[2].ID)

	page, err = repo.QueueSnapshot(ctx, q, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, third.ID, page.Items[0].ID)

	page, err = repo.QueueSnapshot(ctx, q, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestMemoryMarkTestRequiredUsedOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	tr := &TestRequired{TestID: uuid.New(), Kind: KindMedicalLab}
	require.NoError(t, repo.CreateTestRequired(ctx, tr))

	require.NoError(t, repo.MarkTestRequiredUsed(ctx, tr.ID))
	assert.ErrorIs(t, repo.MarkTestRequiredUsed(ctx, tr.ID), ErrTestRequiredUsed)
	assert.ErrorIs(t, repo.MarkTestRequiredUsed(ctx, uuid.New()), ErrTestRequiredNotFound)
}

func TestMemoryMedicalHistoryUniquePerTicket(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ticket := uuid.New()

	require.NoError(t, repo.CreateMedicalHistory(ctx, &MedicalHistory{TicketID: ticket}))
	assert.ErrorIs(t, repo.CreateMedicalHistory(ctx, &MedicalHistory{TicketID: ticket}), ErrMedicalHistoryExists)
	assert.Equal(t, 1, repo.MedicalHistoryCount())
}

func TestMemoryFirstClinicAppointmentUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	head := uuid.New()

	a := &Ticket{State: TicketActive, FirstClinicAppointmentID: &head}
	b := &Ticket{State: TicketActive}
	require.NoError(t, repo.CreateTicket(ctx, a))
	require.NoError(t, repo.CreateTicket(ctx, b))

	b.FirstClinicAppointmentID = &head
	assert.ErrorIs(t, repo.UpdateTicket(ctx, b), ErrFirstClinicAppointment)
}

func TestMemoryCreateQueueOncePerDepartment(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	dept := uuid.New()

	require.NoError(t, repo.CreateQueue(ctx, &Queue{DepartmentID: dept, Kind: KindClinic}))
	err := repo.CreateQueue(ctx, &Queue{DepartmentID: dept, Kind: KindClinic})
	assert.Equal(t, KindConflict, KindOf(err))

	q, err := repo.GetQueueByDepartment(ctx, dept)
	require.NoError(t, err)
	assert.Equal(t, dept, q.DepartmentID)
}

func TestOperatingWindowOpeningOn(t *testing.T) {
	eet := time.FixedZone("EET", 2*60*60)

	w := OperatingWindow{OpensAt: 8 * time.Hour, Location: eet}
	at := time.Date(2024, 3, 20, 10, 0, 0, 0, eet)

	assert.True(t, w.OpeningOn(at).Equal(time.Date(2024, 3, 20, 8, 0, 0, 0, eet)))

	// Without a location the instant's own zone is used.
	w.Location = nil
	utc := time.Date(2024, 3, 20, 23, 30, 0, 0, time.UTC)
	assert.True(t, w.OpeningOn(utc).Equal(time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)))
}

func TestErrorMatching(t *testing.T) {
	err := Conflict(ErrSlotTaken.Code, "slot %d taken", 3)
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.NotErrorIs(t, err, ErrTestRequiredUsed)
	assert.Equal(t, "slot_taken", CodeOf(err))

	wrapped := Unexpected("load queue", errors.New("connection reset"))
	assert.Equal(t, KindUnexpected, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "connection reset")

	assert.Equal(t, KindUnexpected, KindOf(errors.New("plain")))
	assert.Equal(t, KindNotFound, KindOf(ErrTicketNotFound))
}
