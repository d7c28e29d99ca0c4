package queue

import (
	"fmt"
	"time"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

// CheckAdmissionWindow accepts now in
// [opening on the scheduled day - lead, scheduled start).
func CheckAdmissionWindow(win appointment.OperatingWindow, scheduled, now time.Time, lead time.Duration) error {
	opens := win.OpeningOn(scheduled).Add(-lead)
	if now.Before(opens) {
		return &appointment.Error{
			Kind:    appointment.KindInvalidState,
			Code:    appointment.ErrOutsideAdmissionWindow.Code,
			Message: fmt.Sprintf("admission opens at %s", opens.Format(time.RFC3339)),
		}
	}
	if !now.Before(scheduled) {
		return &appointment.Error{
			Kind:    appointment.KindInvalidState,
			Code:    appointment.ErrOutsideAdmissionWindow.Code,
			Message: fmt.Sprintf("admission closed at the scheduled start %s", scheduled.Format(time.RFC3339)),
		}
	}
	return nil
}
