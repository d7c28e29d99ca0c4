package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// querier is satisfied by both the pool and a running transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRepository stores everything in Postgres. Driver failures come back as
// Unexpected errors; missing rows and constraint hits map onto the taxonomy.
type PgRepository struct {
	pool *pgxpool.Pool
	q    querier
	tx   pgx.Tx
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Unexpected("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &PgRepository{pool: r.pool, q: tx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return Unexpected("commit tx", err)
	}
	return nil
}

// forUpdate locks selected rows when running inside a transaction.
func (r *PgRepository) forUpdate() string {
	if r.tx != nil {
		return " FOR UPDATE"
	}
	return ""
}

// Helpers

const appointmentColumns = `
	id, kind, state, ticket_id, queue_id, queue_position,
	department_id, department_name, hospital_id, hospital_name, employee_name,
	scheduled_start_at, actual_start_at, expected_start_at,
	expected_duration_seconds, actual_duration_seconds,
	diagnosis, re_examination_needed, re_examination_appointment_id, pre_examination_appointment_id,
	prescription_id, disease_id,
	test_id, clinic_appointment_id, test_required_id, result_payload,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a              Appointment
		expectedSecs   int32
		actualSecs     *int32
		diagnosis      *string
		reExamNeeded   *bool
		reExamID       *uuid.UUID
		preExamID      *uuid.UUID
		prescriptionID *uuid.UUID
		diseaseID      *uuid.UUID
		testID         *uuid.UUID
		clinicApptID   *uuid.UUID
		testRequiredID *uuid.UUID
		result         []byte
	)

	err := row.Scan(
		&a.ID, &a.Kind, &a.State, &a.TicketID, &a.QueueID, &a.QueuePosition,
		&a.DepartmentID, &a.DepartmentName, &a.HospitalID, &a.HospitalName, &a.EmployeeName,
		&a.ScheduledStartAt, &a.ActualStartAt, &a.ExpectedStartAt,
		&expectedSecs, &actualSecs,
		&diagnosis, &reExamNeeded, &reExamID, &preExamID,
		&prescriptionID, &diseaseID,
		&testID, &clinicApptID, &testRequiredID, &result,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, Unexpected("scan appointment", err)
	}

	a.ExpectedDuration = time.Duration(expectedSecs) * time.Second
	if actualSecs != nil {
		d := time.Duration(*actualSecs) * time.Second
		a.ActualDuration = &d
	}

	switch {
	case a.Kind == KindClinic:
		a.Clinic = &ClinicDetails{
			Diagnosis:                   diagnosis,
			ReExaminationNeeded:         reExamNeeded,
			ReExaminationAppointmentID:  reExamID,
			PreExaminationAppointmentID: preExamID,
			PrescriptionID:              prescriptionID,
			DiseaseID:                   diseaseID,
		}
	case a.Kind.IsTest():
		a.Test = &TestDetails{
			ClinicAppointmentID: clinicApptID,
			TestRequiredID:      testRequiredID,
			Result:              result,
		}
		if testID != nil {
			a.Test.TestID = *testID
		}
	}

	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, Unexpected("read appointments", err)
	}
	return result, nil
}

// appointmentArgs flattens a into the column order of appointmentColumns.
func appointmentArgs(a *Appointment) []any {
	var (
		diagnosis      *string
		reExamNeeded   *bool
		reExamID       *uuid.UUID
		preExamID      *uuid.UUID
		prescriptionID *uuid.UUID
		diseaseID      *uuid.UUID
		testID         *uuid.UUID
		clinicApptID   *uuid.UUID
		testRequiredID *uuid.UUID
		result         any
		actualSecs     *int32
	)

	if c := a.Clinic; c != nil {
		diagnosis, reExamNeeded = c.Diagnosis, c.ReExaminationNeeded
		reExamID, preExamID = c.ReExaminationAppointmentID, c.PreExaminationAppointmentID
		prescriptionID, diseaseID = c.PrescriptionID, c.DiseaseID
	}
	if t := a.Test; t != nil {
		id := t.TestID
		testID = &id
		clinicApptID, testRequiredID = t.ClinicAppointmentID, t.TestRequiredID
		if len(t.Result) > 0 {
			result = string(t.Result)
		}
	}
	if a.ActualDuration != nil {
		s := int32(a.ActualDuration.Seconds())
		actualSecs = &s
	}

	return []any{
		a.ID, a.Kind, a.State, a.TicketID, a.QueueID, a.QueuePosition,
		a.DepartmentID, a.DepartmentName, a.HospitalID, a.HospitalName, a.EmployeeName,
		a.ScheduledStartAt, a.ActualStartAt, a.ExpectedStartAt,
		int32(a.ExpectedDuration.Seconds()), actualSecs,
		diagnosis, reExamNeeded, reExamID, preExamID,
		prescriptionID, diseaseID,
		testID, clinicApptID, testRequiredID, result,
		a.CreatedAt, a.UpdatedAt,
	}
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1`+r.forUpdate(), id)
	return scanAppointment(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`, appointmentArgs(a)...)
	if err != nil {
		return Unexpected("insert appointment", err)
	}
	return nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments SET
			kind = $2, state = $3, ticket_id = $4, queue_id = $5, queue_position = $6,
			department_id = $7, department_name = $8, hospital_id = $9, hospital_name = $10, employee_name = $11,
			scheduled_start_at = $12, actual_start_at = $13, expected_start_at = $14,
			expected_duration_seconds = $15, actual_duration_seconds = $16,
			diagnosis = $17, re_examination_needed = $18, re_examination_appointment_id = $19, pre_examination_appointment_id = $20,
			prescription_id = $21, disease_id = $22,
			test_id = $23, clinic_appointment_id = $24, test_required_id = $25, result_payload = $26,
			created_at = $27, updated_at = $28
		WHERE id = $1
	`, appointmentArgs(a)...)
	if err != nil {
		return Unexpected("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) SetExpectedStart(ctx context.Context, id uuid.UUID, at *time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET expected_start_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return Unexpected("set expected start", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListAppointmentsByTicket(ctx context.Context, ticketID uuid.UUID) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ticket_id = $1
		ORDER BY created_at, id`, ticketID)
	if err != nil {
		return nil, Unexpected("list ticket appointments", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListQueueMembers(ctx context.Context, queueID uuid.UUID) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE queue_id = $1
		ORDER BY queue_position`, queueID)
	if err != nil {
		return nil, Unexpected("list queue members", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListActiveInDepartment(ctx context.Context, departmentID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE department_id = $1
		  AND state IN ('not_started', 'in_queue', 'in_progress')
		  AND scheduled_start_at >= $2
		  AND scheduled_start_at < $3
		ORDER BY scheduled_start_at`, departmentID, from, to)
	if err != nil {
		return nil, Unexpected("list active appointments", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) QueueSnapshot(ctx context.Context, queueID uuid.UUID, limit, offset int) (Page, error) {
	var total int
	err := r.q.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE queue_id = $1 AND state IN ('in_queue', 'in_progress')
	`, queueID).Scan(&total)
	if err != nil {
		return Page{}, Unexpected("count queue snapshot", err)
	}

	rows, err := r.q.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE queue_id = $1 AND state IN ('in_queue', 'in_progress')
		ORDER BY (state = 'in_progress') DESC, queue_position, created_at
		LIMIT $2 OFFSET $3`, queueID, limit, offset)
	if err != nil {
		return Page{}, Unexpected("queue snapshot", err)
	}
	items, err := collectAppointments(rows)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total}, nil
}

// Tickets

func scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.PatientID, &t.HospitalID, &t.State, &t.FirstClinicAppointmentID, &t.CreatedAt, &t.UpdatedAt, &t.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, Unexpected("scan ticket", err)
	}
	return &t, nil
}

func (r *PgRepository) GetTicketByID(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, patient_id, hospital_id, state, first_clinic_appointment_id, created_at, updated_at, closed_at
		FROM tickets
		WHERE id = $1`+r.forUpdate(), id)
	return scanTicket(row)
}

func (r *PgRepository) CreateTicket(ctx context.Context, t *Ticket) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO tickets (id, patient_id, hospital_id, state, first_clinic_appointment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING created_at, updated_at
	`, t.ID, t.PatientID, t.HospitalID, t.State, t.FirstClinicAppointmentID)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return Unexpected("insert ticket", err)
	}
	return nil
}

func (r *PgRepository) UpdateTicket(ctx context.Context, t *Ticket) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE tickets
		SET state = $2,
		    first_clinic_appointment_id = $3,
		    closed_at = $4,
		    updated_at = now()
		WHERE id = $1
	`, t.ID, t.State, t.FirstClinicAppointmentID, t.ClosedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrFirstClinicAppointment
		}
		return Unexpected("update ticket", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// Queues

func scanQueue(row pgx.Row) (*Queue, error) {
	var (
		q          Queue
		periodSecs int32
	)
	if err := row.Scan(&q.ID, &q.DepartmentID, &q.Kind, &periodSecs, &q.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, Unexpected("scan queue", err)
	}
	q.PeriodPerAppointment = time.Duration(periodSecs) * time.Second
	return &q, nil
}

func (r *PgRepository) GetQueueByID(ctx context.Context, id uuid.UUID) (*Queue, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, department_id, kind, period_seconds, created_at
		FROM queues
		WHERE id = $1
	`, id)
	return scanQueue(row)
}

func (r *PgRepository) GetQueueByDepartment(ctx context.Context, departmentID uuid.UUID) (*Queue, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, department_id, kind, period_seconds, created_at
		FROM queues
		WHERE department_id = $1
	`, departmentID)
	return scanQueue(row)
}

func (r *PgRepository) CreateQueue(ctx context.Context, q *Queue) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO queues (id, department_id, kind, period_seconds, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at
	`, q.ID, q.DepartmentID, q.Kind, int32(q.PeriodPerAppointment.Seconds()))
	if err := row.Scan(&q.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Conflict("queue_exists", "department %s already has a queue", q.DepartmentID)
		}
		return Unexpected("insert queue", err)
	}
	return nil
}

// Tests required

const testRequiredColumns = `id, test_id, test_name, kind, clinic_appointment_id, ticket_id, patient_national_id, used, created_at`

func scanTestRequired(row pgx.Row) (*TestRequired, error) {
	var tr TestRequired
	err := row.Scan(&tr.ID, &tr.TestID, &tr.TestName, &tr.Kind, &tr.ClinicAppointmentID, &tr.TicketID, &tr.PatientNationalID, &tr.Used, &tr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestRequiredNotFound
		}
		return nil, Unexpected("scan test required", err)
	}
	return &tr, nil
}

func (r *PgRepository) GetTestRequiredByID(ctx context.Context, id uuid.UUID) (*TestRequired, error) {
	row := r.q.QueryRow(ctx, `SELECT `+testRequiredColumns+` FROM tests_required WHERE id = $1`+r.forUpdate(), id)
	return scanTestRequired(row)
}

func (r *PgRepository) CreateTestRequired(ctx context.Context, tr *TestRequired) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO tests_required (id, test_id, test_name, kind, clinic_appointment_id, ticket_id, patient_national_id, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING created_at
	`, tr.ID, tr.TestID, tr.TestName, tr.Kind, tr.ClinicAppointmentID, tr.TicketID, tr.PatientNationalID, tr.Used)
	if err := row.Scan(&tr.CreatedAt); err != nil {
		return Unexpected("insert test required", err)
	}
	return nil
}

func (r *PgRepository) ListTestsRequired(ctx context.Context, clinicAppointmentID uuid.UUID) ([]TestRequired, error) {
	rows, err := r.q.Query(ctx, `SELECT `+testRequiredColumns+`
		FROM tests_required
		WHERE clinic_appointment_id = $1
		ORDER BY created_at`, clinicAppointmentID)
	if err != nil {
		return nil, Unexpected("list tests required", err)
	}
	defer rows.Close()

	var result []TestRequired
	for rows.Next() {
		tr, err := scanTestRequired(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tr)
	}
	if err := rows.Err(); err != nil {
		return nil, Unexpected("read tests required", err)
	}
	return result, nil
}

func (r *PgRepository) MarkTestRequiredUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE tests_required
		SET used = true
		WHERE id = $1 AND used = false
	`, id)
	if err != nil {
		return Unexpected("mark test required used", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetTestRequiredByID(ctx, id); err != nil {
		return err
	}
	return ErrTestRequiredUsed
}

// Medical histories

func (r *PgRepository) GetMedicalHistoryByTicket(ctx context.Context, ticketID uuid.UUID) (*MedicalHistory, error) {
	var mh MedicalHistory
	err := r.q.QueryRow(ctx, `
		SELECT id, patient_id, ticket_id, final_diagnosis, first_clinic_appointment_id, created_at
		FROM medical_histories
		WHERE ticket_id = $1
	`, ticketID).Scan(&mh.ID, &mh.PatientID, &mh.TicketID, &mh.FinalDiagnosis, &mh.FirstClinicAppointmentID, &mh.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMedicalHistoryNotFound
		}
		return nil, Unexpected("get medical history", err)
	}
	return &mh, nil
}

func (r *PgRepository) CreateMedicalHistory(ctx context.Context, mh *MedicalHistory) error {
	if mh.ID == uuid.Nil {
		mh.ID = uuid.New()
	}
	tag, err := r.q.Exec(ctx, `
		INSERT INTO medical_histories (id, patient_id, ticket_id, final_diagnosis, first_clinic_appointment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (ticket_id) DO NOTHING
	`, mh.ID, mh.PatientID, mh.TicketID, mh.FinalDiagnosis, mh.FirstClinicAppointmentID)
	if err != nil {
		return Unexpected("insert medical history", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMedicalHistoryExists
	}
	return nil
}

// Departments

func (r *PgRepository) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	var (
		d                     Department
		opens, closes, period int32
		tz                    string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, kind, name, hospital_id, hospital_name, employee_name,
		       opens_at_minutes, closes_at_minutes, period_seconds, capacity, time_zone
		FROM departments
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Kind, &d.Name, &d.HospitalID, &d.HospitalName, &d.EmployeeName,
		&opens, &closes, &period, &d.Capacity, &tz)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepartmentNotFound
		}
		return nil, Unexpected("get department", err)
	}

	d.OpensAt = time.Duration(opens) * time.Minute
	d.ClosesAt = time.Duration(closes) * time.Minute
	d.PeriodPerAppointment = time.Duration(period) * time.Second

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, Unexpected(fmt.Sprintf("department %s time zone %q", id, tz), err)
	}
	d.Location = loc

	return &d, nil
}

func (r *PgRepository) GetOperatingWindow(ctx context.Context, id uuid.UUID) (OperatingWindow, error) {
	d, err := r.GetDepartment(ctx, id)
	if err != nil {
		return OperatingWindow{}, err
	}
	return d.OperatingWindow(), nil
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, nullableJSON(ev.Payload), nullableTime(ev.CreatedAt))
	if err != nil {
		return Unexpected("insert event log", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableJSON(b []byte) any {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return string(b)
}
