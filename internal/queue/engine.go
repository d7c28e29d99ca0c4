package queue

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
	"github.com/hackgods/hospital-patient-flow/pkg/pagination"
)

// Engine places appointments into department queues and drives their state
// machine. Every membership change runs under the department lock inside one
// repository transaction.
type Engine struct {
	repo     appointment.Repository
	locker   redisclient.Locker
	jobs     JobScheduler
	notifier Notifier
	hook     CompletionHook
	clock    clock.Clock
	log      zerolog.Logger
	cfg      Config
	metrics  *engineMetrics

	wg sync.WaitGroup
}

func NewEngine(repo appointment.Repository, locker redisclient.Locker, jobs JobScheduler, cfg Config, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		repo:     repo,
		locker:   locker,
		jobs:     jobs,
		notifier: o.Notifier,
		hook:     o.Hook,
		clock:    o.Clock,
		log:      o.Logger.With().Str("component", "queue").Logger(),
		cfg:      cfg.withDefaults(),
		metrics:  globalEngineMetrics(),
	}
}

// Wait blocks until every background task started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// withDepartment runs fn under the department lock in one transaction.
func (e *Engine) withDepartment(ctx context.Context, departmentID uuid.UUID, fn func(ctx context.Context, tx appointment.Repository) error) error {
	err := e.locker.WithLock(ctx, redisclient.DepartmentKey(departmentID), func(lockCtx context.Context) error {
		return e.repo.InTx(lockCtx, fn)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return appointment.ErrQueueBusy
	}
	return err
}

func (e *Engine) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// Admit checks a patient in: the appointment joins the tail of its
// department queue, which is created on first use.
func (e *Engine) Admit(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := e.admit(ctx, id)
	e.metrics.recordOperation("admit", err)
	if err != nil {
		return nil, err
	}

	e.notifyAdmitted(*appt)
	e.scheduleExpiry(ctx, appt, e.clock.Now())
	e.recalculateAsync(*appt.QueueID)
	return appt, nil
}

func (e *Engine) admit(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	var admitted *appointment.Appointment
	err = e.withDepartment(ctx, appt.DepartmentID, func(ctx context.Context, tx appointment.Repository) error {
		now := e.clock.Now()

		a, err := tx.GetAppointmentByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		if err := a.CanAdmit(); err != nil {
			return err
		}

		win, err := tx.GetOperatingWindow(ctx, a.DepartmentID)
		if err != nil {
			return fmt.Errorf("load operating window: %w", err)
		}
		if err := CheckAdmissionWindow(win, a.ScheduledStartAt, now, e.cfg.AdmissionLeadTime); err != nil {
			return err
		}

		q, err := e.queueFor(ctx, tx, a, win, now)
		if err != nil {
			return err
		}

		members, err := tx.ListQueueMembers(ctx, q.ID)
		if err != nil {
			return fmt.Errorf("list queue members: %w", err)
		}
		var position int64 = 1
		if n := len(members); n > 0 {
			position = members[n-1].QueuePosition + 1
		}

		if err := a.Admit(q.ID, position, now); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if err := tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventAppointmentAdmitted, a.ID, map[string]any{
			"queue_id": q.ID.String(),
			"position": position,
		}, now)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		admitted = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return admitted, nil
}

// queueFor returns the department queue, creating it lazily.
func (e *Engine) queueFor(ctx context.Context, tx appointment.Repository, a *appointment.Appointment, win appointment.OperatingWindow, now time.Time) (*appointment.Queue, error) {
	q, err := tx.GetQueueByDepartment(ctx, a.DepartmentID)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, appointment.ErrQueueNotFound) {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	q = &appointment.Queue{
		DepartmentID:         a.DepartmentID,
		Kind:                 a.Kind,
		PeriodPerAppointment: win.PeriodPerAppointment,
		CreatedAt:            now,
	}
	if err := tx.CreateQueue(ctx, q); err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	return q, nil
}

// Remove takes an appointment out of its queue without changing its state.
func (e *Engine) Remove(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	var queueID uuid.UUID
	appt, err := e.transition(ctx, id, appointment.EventAppointmentRemoved, func(a *appointment.Appointment, now time.Time) error {
		if a.QueueID != nil {
			queueID = *a.QueueID
		}
		return a.RemoveFromQueue(now)
	})
	e.metrics.recordOperation("remove", err)
	if err != nil {
		return nil, err
	}
	e.recalculateAsync(queueID)
	return appt, nil
}

// Swap exchanges the queue positions of two members of the same queue.
// Scheduled times are left alone and swapping twice restores the order.
func (e *Engine) Swap(ctx context.Context, firstID, secondID uuid.UUID) (*appointment.Appointment, *appointment.Appointment, error) {
	first, second, err := e.swap(ctx, firstID, secondID)
	e.metrics.recordOperation("swap", err)
	if err != nil {
		return nil, nil, err
	}
	e.recalculateAsync(*first.QueueID)
	return first, second, nil
}

func (e *Engine) swap(ctx context.Context, firstID, secondID uuid.UUID) (*appointment.Appointment, *appointment.Appointment, error) {
	a, err := e.repo.GetAppointmentByID(ctx, firstID)
	if err != nil {
		return nil, nil, fmt.Errorf("load appointment: %w", err)
	}
	b, err := e.repo.GetAppointmentByID(ctx, secondID)
	if err != nil {
		return nil, nil, fmt.Errorf("load appointment: %w", err)
	}
	if !appointment.SameQueue(a, b) {
		return nil, nil, appointment.ErrDifferentQueues
	}

	err = e.withDepartment(ctx, a.DepartmentID, func(ctx context.Context, tx appointment.Repository) error {
		now := e.clock.Now()

		x, err := tx.GetAppointmentByID(ctx, firstID)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		y, err := tx.GetAppointmentByID(ctx, secondID)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		if !appointment.SameQueue(x, y) {
			return appointment.ErrDifferentQueues
		}
		a, b = x, y
		if a.ID == b.ID {
			return nil
		}

		a.QueuePosition, b.QueuePosition = b.QueuePosition, a.QueuePosition
		a.UpdatedAt, b.UpdatedAt = now, now
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if err := tx.UpdateAppointment(ctx, b); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		return tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventAppointmentsSwapped, a.ID, map[string]any{
			"other_appointment_id": b.ID.String(),
			"queue_id":             a.QueueID.String(),
		}, now))
	})
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// Reschedule moves an appointment to a free slot of its department.
func (e *Engine) Reschedule(ctx context.Context, id, departmentID uuid.UUID, at time.Time) (*appointment.Appointment, error) {
	appt, err := e.reschedule(ctx, id, departmentID, at)
	e.metrics.recordOperation("reschedule", err)
	if err != nil {
		return nil, err
	}
	if appt.QueueID != nil {
		e.recalculateAsync(*appt.QueueID)
	}
	return appt, nil
}

func (e *Engine) reschedule(ctx context.Context, id, departmentID uuid.UUID, at time.Time) (*appointment.Appointment, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if appt.DepartmentID != departmentID {
		return nil, appointment.Validation("department_mismatch", "appointment %s belongs to department %s", id, appt.DepartmentID)
	}
	if !at.After(e.clock.Now()) {
		return nil, appointment.Validation("schedule_in_past", "new start %s is not in the future", at.Format(time.RFC3339))
	}

	var updated *appointment.Appointment
	err = e.withDepartment(ctx, departmentID, func(ctx context.Context, tx appointment.Repository) error {
		now := e.clock.Now()

		a, err := tx.GetAppointmentByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		win, err := tx.GetOperatingWindow(ctx, departmentID)
		if err != nil {
			return fmt.Errorf("load operating window: %w", err)
		}
		if err := appointment.EnsureSlotFree(ctx, tx, departmentID, at, win.PeriodPerAppointment, a.ID); err != nil {
			return err
		}

		previous := a.ScheduledStartAt
		if err := a.Reschedule(at, now); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if err := tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventAppointmentRescheduled, a.ID, map[string]any{
			"from": previous,
			"to":   at,
		}, now)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Start calls the next patient in: InQueue becomes InProgress and a second
// expiry check is armed from the actual start.
func (e *Engine) Start(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := e.transition(ctx, id, appointment.EventAppointmentStarted, func(a *appointment.Appointment, now time.Time) error {
		return a.Start(now)
	})
	e.metrics.recordOperation("start", err)
	if err != nil {
		return nil, err
	}
	e.scheduleExpiry(ctx, appt, *appt.ActualStartAt)
	e.recalculateAsync(*appt.QueueID)
	return appt, nil
}

// Complete finishes an in-progress appointment and notifies the completion
// hook in the background.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	var queueID *uuid.UUID
	appt, err := e.transition(ctx, id, appointment.EventAppointmentCompleted, func(a *appointment.Appointment, now time.Time) error {
		queueID = a.QueueID
		return a.Complete(now)
	})
	e.metrics.recordOperation("complete", err)
	if err != nil {
		return nil, err
	}
	if queueID != nil {
		e.recalculateAsync(*queueID)
	}
	if e.hook != nil {
		completed := appt.Clone()
		e.background("completion_hook", func(ctx context.Context) error {
			return e.hook.OnAppointmentCompleted(ctx, completed)
		})
	}
	return appt, nil
}

// Terminate is the staff stop for any non-terminal appointment.
func (e *Engine) Terminate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	var queueID *uuid.UUID
	appt, err := e.transition(ctx, id, appointment.EventAppointmentTerminated, func(a *appointment.Appointment, now time.Time) error {
		queueID = a.QueueID
		return a.Terminate(now)
	})
	e.metrics.recordOperation("terminate", err)
	if err != nil {
		return nil, err
	}
	if queueID != nil {
		e.recalculateAsync(*queueID)
	}
	return appt, nil
}

// Cancel withdraws an appointment that has not been called yet.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	var queueID *uuid.UUID
	appt, err := e.transition(ctx, id, appointment.EventAppointmentCancelled, func(a *appointment.Appointment, now time.Time) error {
		queueID = a.QueueID
		return a.Cancel(now)
	})
	e.metrics.recordOperation("cancel", err)
	if err != nil {
		return nil, err
	}
	if queueID != nil {
		e.recalculateAsync(*queueID)
	}
	return appt, nil
}

// Expire is the deferred check handler. It terminates the appointment if it
// is still in progress past its start plus expected duration and grace, and
// reports whether it did. Every other case is left untouched, so early or
// redelivered checks are harmless.
func (e *Engine) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		e.metrics.recordOperation("expire", err)
		return false, fmt.Errorf("load appointment: %w", err)
	}
	if appt.State != appointment.StateInProgress {
		return false, nil
	}

	var (
		expired bool
		queueID *uuid.UUID
	)
	err = e.withDepartment(ctx, appt.DepartmentID, func(ctx context.Context, tx appointment.Repository) error {
		now := e.clock.Now()

		a, err := tx.GetAppointmentByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		queueID = a.QueueID
		// A check armed at admission can fire soon after a late start.
		if a.ActualStartAt != nil && now.Before(a.ActualStartAt.Add(a.ExpectedDuration+e.cfg.ExpiryGrace)) {
			return nil
		}
		if !a.Expire(now) {
			return nil
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		expired = true
		return tx.InsertEvent(ctx, appointment.NewEvent(appointment.EventAppointmentExpired, a.ID, map[string]any{
			"reason": "expected_duration_exceeded",
		}, now))
	})
	e.metrics.recordOperation("expire", err)
	if err != nil {
		return false, err
	}

	if expired {
		e.metrics.recordExpiry()
		e.log.Info().Str("appointment_id", id.String()).Msg("in-progress appointment expired")
		if queueID != nil {
			e.recalculateAsync(*queueID)
		}
	}
	return expired, nil
}

// GetQueueSnapshot lists the waiting and in-progress members of a department
// queue, in-progress first then by admission order.
func (e *Engine) GetQueueSnapshot(ctx context.Context, departmentID uuid.UUID, p pagination.Params) (appointment.Page, error) {
	if _, err := e.repo.GetDepartment(ctx, departmentID); err != nil {
		return appointment.Page{}, fmt.Errorf("load department: %w", err)
	}

	q, err := e.repo.GetQueueByDepartment(ctx, departmentID)
	if errors.Is(err, appointment.ErrQueueNotFound) {
		return appointment.Page{}, nil
	}
	if err != nil {
		return appointment.Page{}, fmt.Errorf("load queue: %w", err)
	}

	page, err := e.repo.QueueSnapshot(ctx, q.ID, p.Limit(), p.Offset())
	if err != nil {
		return appointment.Page{}, fmt.Errorf("queue snapshot: %w", err)
	}
	return page, nil
}

// transition applies one state change under the department lock.
func (e *Engine) transition(ctx context.Context, id uuid.UUID, eventType string, apply func(a *appointment.Appointment, now time.Time) error) (*appointment.Appointment, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	var updated *appointment.Appointment
	err = e.withDepartment(ctx, appt.DepartmentID, func(ctx context.Context, tx appointment.Repository) error {
		now := e.clock.Now()

		a, err := tx.GetAppointmentByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		from := a.State
		if err := apply(a, now); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if err := tx.InsertEvent(ctx, appointment.NewEvent(eventType, a.ID, map[string]any{
			"from": string(from),
			"to":   string(a.State),
		}, now)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// scheduleExpiry arms a deferred check at from + expected duration + grace.
// The state change is already committed, so a failure is only logged.
func (e *Engine) scheduleExpiry(ctx context.Context, appt *appointment.Appointment, from time.Time) {
	if e.jobs == nil {
		return
	}
	job := redisclient.Job{
		Type:          redisclient.JobExpireAppointment,
		AppointmentID: appt.ID,
		FireAt:        from.Add(appt.ExpectedDuration + e.cfg.ExpiryGrace),
	}
	if err := e.jobs.ScheduleOnce(context.WithoutCancel(ctx), job); err != nil {
		e.metrics.recordBackgroundFailure("schedule_expiry")
		e.log.Error().Err(err).
			Str("appointment_id", appt.ID.String()).
			Time("fire_at", job.FireAt).
			Msg("failed to schedule expiry check")
	}
}

func (e *Engine) notifyAdmitted(appt appointment.Appointment) {
	if e.notifier == nil {
		return
	}
	e.background("notify_admitted", func(ctx context.Context) error {
		ticket, err := e.repo.GetTicketByID(ctx, appt.TicketID)
		if err != nil {
			return fmt.Errorf("load ticket %s: %w", appt.TicketID, err)
		}
		return e.notifier.Enqueue(ctx, ticket.PatientID, redisclient.Notification{
			Type:          redisclient.NotificationQueueAdmitted,
			AppointmentID: appt.ID,
			Payload: map[string]any{
				"department_name":    appt.DepartmentName,
				"hospital_name":      appt.HospitalName,
				"queue_position":     appt.QueuePosition,
				"scheduled_start_at": appt.ScheduledStartAt,
			},
		})
	})
}

func (e *Engine) recalculateAsync(queueID uuid.UUID) {
	e.background("recalculate", func(ctx context.Context) error {
		return e.Recalculate(ctx, queueID)
	})
}

// background runs fn detached from the caller with its own deadline.
// Failures are logged and counted, never retried.
func (e *Engine) background(task string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.BackgroundTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			e.metrics.recordBackgroundFailure(task)
			e.log.Error().Err(err).Str("task", task).Msg("background task failed")
		}
	}()
}
