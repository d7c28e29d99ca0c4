package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnsureSlotFree rejects at when another active appointment of the department
// starts less than one period away from it. A zero period degrades to an
// exact-time comparison.
func EnsureSlotFree(ctx context.Context, store AppointmentStore, departmentID uuid.UUID, at time.Time, period time.Duration, exclude uuid.UUID) error {
	from, to := at, at.Add(time.Nanosecond)
	if period > 0 {
		from, to = at.Add(-period+time.Nanosecond), at.Add(period)
	}

	taken, err := store.ListActiveInDepartment(ctx, departmentID, from, to)
	if err != nil {
		return fmt.Errorf("list department appointments: %w", err)
	}
	for _, other := range taken {
		if other.ID == exclude {
			continue
		}
		return &Error{
			Kind:    KindConflict,
			Code:    ErrSlotTaken.Code,
			Message: fmt.Sprintf("slot %s is taken by appointment %s", at.Format(time.RFC3339), other.ID),
		}
	}
	return nil
}
