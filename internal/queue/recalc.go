package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

// Recalculate refreshes the expected start of every queue member. Members in
// progress anchor at their actual start; waiting members follow one period
// apart from the later of now and the end of the current service. Only the
// estimate is written, so a concurrent state change is never overwritten.
func (e *Engine) Recalculate(ctx context.Context, queueID uuid.UUID) error {
	q, err := e.repo.GetQueueByID(ctx, queueID)
	if err != nil {
		return fmt.Errorf("load queue %s: %w", queueID, err)
	}
	members, err := e.repo.ListQueueMembers(ctx, queueID)
	if err != nil {
		return fmt.Errorf("list queue %s members: %w", queueID, err)
	}
	appointment.SortServingOrder(members)

	period := q.PeriodPerAppointment
	cursor := e.clock.Now()
	waiting := 0

	for _, m := range members {
		switch m.State {
		case appointment.StateInProgress:
			if m.ActualStartAt == nil {
				continue
			}
			if end := m.ActualStartAt.Add(period); end.After(cursor) {
				cursor = end
			}
			if err := e.setExpected(ctx, m, *m.ActualStartAt); err != nil {
				return err
			}
		case appointment.StateInQueue:
			waiting++
			if err := e.setExpected(ctx, m, cursor); err != nil {
				return err
			}
			cursor = cursor.Add(period)
		}
	}

	e.metrics.recordQueueSize(queueID.String(), waiting)
	return nil
}

func (e *Engine) setExpected(ctx context.Context, m appointment.Appointment, at time.Time) error {
	if m.ExpectedStartAt != nil && m.ExpectedStartAt.Equal(at) {
		return nil
	}
	if err := e.repo.SetExpectedStart(ctx, m.ID, &at); err != nil {
		return fmt.Errorf("set expected start of %s: %w", m.ID, err)
	}
	return nil
}
