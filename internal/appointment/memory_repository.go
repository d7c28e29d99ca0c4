package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in maps. Transactions are serialized
// with every other write and roll back by restoring a snapshot, so it suits
// tests and single-process development runs.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	appointments map[uuid.UUID]Appointment
	tickets      map[uuid.UUID]Ticket
	queues       map[uuid.UUID]Queue
	tests        map[uuid.UUID]TestRequired
	histories    map[uuid.UUID]MedicalHistory // keyed by ticket
	departments  map[uuid.UUID]Department
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appointments: make(map[uuid.UUID]Appointment),
		tickets:      make(map[uuid.UUID]Ticket),
		queues:       make(map[uuid.UUID]Queue),
		tests:        make(map[uuid.UUID]TestRequired),
		histories:    make(map[uuid.UUID]MedicalHistory),
		departments:  make(map[uuid.UUID]Department),
	}
}

// AddDepartment registers a directory entry.
func (r *MemoryRepository) AddDepartment(d Department) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	r.departments[d.ID] = d
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventLog(nil), r.events...)
}

// MedicalHistoryCount returns the number of stored medical histories.
func (r *MemoryRepository) MedicalHistoryCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.histories)
}

type memorySnapshot struct {
	appointments map[uuid.UUID]Appointment
	tickets      map[uuid.UUID]Ticket
	queues       map[uuid.UUID]Queue
	tests        map[uuid.UUID]TestRequired
	histories    map[uuid.UUID]MedicalHistory
	events       int
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *MemoryRepository) snapshot() memorySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return memorySnapshot{
		appointments: copyMap(r.appointments),
		tickets:      copyMap(r.tickets),
		queues:       copyMap(r.queues),
		tests:        copyMap(r.tests),
		histories:    copyMap(r.histories),
		events:       len(r.events),
	}
}

func (r *MemoryRepository) restore(s memorySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments = s.appointments
	r.tickets = s.tickets
	r.queues = s.queues
	r.tests = s.tests
	r.histories = s.histories
	r.events = r.events[:s.events]
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	snap := r.snapshot()
	if err := fn(ctx, memoryTx{r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

// memoryTx is the repository handed to a running transaction; nested InTx
// calls join it.
type memoryTx struct {
	*MemoryRepository
}

func (t memoryTx) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return fn(ctx, t)
}

// Appointments

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	c := a.Clone()
	return &c, nil
}

func (r *MemoryRepository) createAppointment(a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
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
	r.appointments[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepository) updateAppointment(a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appointments[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	r.appointments[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepository) setExpectedStart(id uuid.UUID, at *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.ExpectedStartAt = cloneTime(at)
	r.appointments[id] = a
	return nil
}

func (r *MemoryRepository) filter(keep func(Appointment) bool) []Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Appointment
	for _, a := range r.appointments {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

func byCreation(items []Appointment) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func (r *MemoryRepository) ListAppointmentsByTicket(_ context.Context, ticketID uuid.UUID) ([]Appointment, error) {
	out := r.filter(func(a Appointment) bool { return a.TicketID == ticketID })
	byCreation(out)
	return out, nil
}

func (r *MemoryRepository) ListQueueMembers(_ context.Context, queueID uuid.UUID) ([]Appointment, error) {
	out := r.filter(func(a Appointment) bool { return a.QueueID != nil && *a.QueueID == queueID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuePosition < out[j].QueuePosition })
	return out, nil
}

func (r *MemoryRepository) ListActiveInDepartment(_ context.Context, departmentID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	out := r.filter(func(a Appointment) bool {
		return a.DepartmentID == departmentID &&
			a.State.Active() &&
			!a.ScheduledStartAt.Before(from) &&
			a.ScheduledStartAt.Before(to)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledStartAt.Before(out[j].ScheduledStartAt) })
	return out, nil
}

func (r *MemoryRepository) QueueSnapshot(_ context.Context, queueID uuid.UUID, limit, offset int) (Page, error) {
	out := r.filter(func(a Appointment) bool {
		return a.QueueID != nil && *a.QueueID == queueID &&
			(a.State == StateInQueue || a.State == StateInProgress)
	})
	SortServingOrder(out)

	total := len(out)
	if offset >= total {
		return Page{Total: total}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return Page{Items: out[offset:end], Total: total}, nil
}

// Tickets

func (r *MemoryRepository) GetTicketByID(_ context.Context, id uuid.UUID) (*Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	t.FirstClinicAppointmentID = cloneID(t.FirstClinicAppointmentID)
	t.ClosedAt = cloneTime(t.ClosedAt)
	return &t, nil
}

func (r *MemoryRepository) createTicket(t *Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	r.tickets[t.ID] = *t
	return nil
}

func (r *MemoryRepository) updateTicket(t *Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tickets[t.ID]; !ok {
		return ErrTicketNotFound
	}
	if t.FirstClinicAppointmentID != nil {
		for id, other := range r.tickets {
			if id != t.ID && other.FirstClinicAppointmentID != nil && *other.FirstClinicAppointmentID == *t.FirstClinicAppointmentID {
				return ErrFirstClinicAppointment
			}
		}
	}
	stored := *t
	stored.FirstClinicAppointmentID = cloneID(t.FirstClinicAppointmentID)
	stored.ClosedAt = cloneTime(t.ClosedAt)
	r.tickets[t.ID] = stored
	return nil
}

// Queues

func (r *MemoryRepository) GetQueueByID(_ context.Context, id uuid.UUID) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return &q, nil
}

func (r *MemoryRepository) GetQueueByDepartment(_ context.Context, departmentID uuid.UUID) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		if q.DepartmentID == departmentID {
			return &q, nil
		}
	}
	return nil, ErrQueueNotFound
}

func (r *MemoryRepository) createQueue(q *Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.queues {
		if existing.DepartmentID == q.DepartmentID {
			return Conflict("queue_exists", "department %s already has a queue", q.DepartmentID)
		}
	}
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	r.queues[q.ID] = *q
	return nil
}

// Tests required

func (r *MemoryRepository) GetTestRequiredByID(_ context.Context, id uuid.UUID) (*TestRequired, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.tests[id]
	if !ok {
		return nil, ErrTestRequiredNotFound
	}
	return &tr, nil
}

func (r *MemoryRepository) createTestRequired(tr *TestRequired) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	r.tests[tr.ID] = *tr
	return nil
}

func (r *MemoryRepository) ListTestsRequired(_ context.Context, clinicAppointmentID uuid.UUID) ([]TestRequired, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TestRequired
	for _, tr := range r.tests {
		if tr.ClinicAppointmentID == clinicAppointmentID {
			out = append(out, tr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) markTestRequiredUsed(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.tests[id]
	if !ok {
		return ErrTestRequiredNotFound
	}
	if tr.Used {
		return ErrTestRequiredUsed
	}
	tr.Used = true
	r.tests[id] = tr
	return nil
}

// Medical histories

func (r *MemoryRepository) GetMedicalHistoryByTicket(_ context.Context, ticketID uuid.UUID) (*MedicalHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mh, ok := r.histories[ticketID]
	if !ok {
		return nil, ErrMedicalHistoryNotFound
	}
	return &mh, nil
}

func (r *MemoryRepository) createMedicalHistory(mh *MedicalHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histories[mh.TicketID]; ok {
		return ErrMedicalHistoryExists
	}
	if mh.ID == uuid.Nil {
		mh.ID = uuid.New()
	}
	if mh.CreatedAt.IsZero() {
		mh.CreatedAt = time.Now()
	}
	r.histories[mh.TicketID] = *mh
	return nil
}

// Departments

func (r *MemoryRepository) GetDepartment(_ context.Context, id uuid.UUID) (*Department, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.departments[id]
	if !ok {
		return nil, ErrDepartmentNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) GetOperatingWindow(ctx context.Context, id uuid.UUID) (OperatingWindow, error) {
	d, err := r.GetDepartment(ctx, id)
	if err != nil {
		return OperatingWindow{}, err
	}
	return d.OperatingWindow(), nil
}

// Events

func (r *MemoryRepository) insertEvent(ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Writes made outside a transaction wait for any running one, so a rollback
// never discards them. Writes through memoryTx already hold txMu.

func (r *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.createAppointment(a)
}

func (x memoryTx) CreateAppointment(_ context.Context, a *Appointment) error {
	return x.createAppointment(a)
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, a *Appointment) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.updateAppointment(a)
}

func (x memoryTx) UpdateAppointment(_ context.Context, a *Appointment) error {
	return x.updateAppointment(a)
}

func (r *MemoryRepository) SetExpectedStart(_ context.Context, id uuid.UUID, at *time.Time) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.setExpectedStart(id, at)
}

func (x memoryTx) SetExpectedStart(_ context.Context, id uuid.UUID, at *time.Time) error {
	return x.setExpectedStart(id, at)
}

func (r *MemoryRepository) CreateTicket(_ context.Context, t *Ticket) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.createTicket(t)
}

func (x memoryTx) CreateTicket(_ context.Context, t *Ticket) error {
	return x.createTicket(t)
}

func (r *MemoryRepository) UpdateTicket(_ context.Context, t *Ticket) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.updateTicket(t)
}

func (x memoryTx) UpdateTicket(_ context.Context, t *Ticket) error {
	return x.updateTicket(t)
}

func (r *MemoryRepository) CreateQueue(_ context.Context, q *Queue) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.createQueue(q)
}

func (x memoryTx) CreateQueue(_ context.Context, q *Queue) error {
	return x.createQueue(q)
}

func (r *MemoryRepository) CreateTestRequired(_ context.Context, tr *TestRequired) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.createTestRequired(tr)
}

func (x memoryTx) CreateTestRequired(_ context.Context, tr *TestRequired) error {
	return x.createTestRequired(tr)
}

func (r *MemoryRepository) MarkTestRequiredUsed(_ context.Context, id uuid.UUID) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.markTestRequiredUsed(id)
}

func (x memoryTx) MarkTestRequiredUsed(_ context.Context, id uuid.UUID) error {
	return x.markTestRequiredUsed(id)
}

func (r *MemoryRepository) CreateMedicalHistory(_ context.Context, mh *MedicalHistory) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.createMedicalHistory(mh)
}

func (x memoryTx) CreateMedicalHistory(_ context.Context, mh *MedicalHistory) error {
	return x.createMedicalHistory(mh)
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.insertEvent(ev)
}

func (x memoryTx) InsertEvent(_ context.Context, ev EventLog) error {
	return x.insertEvent(ev)
}

// SortServingOrder puts in-progress appointments first, then orders by queue
// position with creation time breaking ties.
func SortServingOrder(items []Appointment) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].State == StateInProgress, items[j].State == StateInProgress
		if pi != pj {
			return pi
		}
		if items[i].QueuePosition != items[j].QueuePosition {
			return items[i].QueuePosition < items[j].QueuePosition
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
