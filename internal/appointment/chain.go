package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AppointmentGetter loads a single appointment.
type AppointmentGetter interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
}

// WalkChain follows re-examination pointers from head and returns every clinic
// appointment in order. A revisited node aborts the walk with ErrChainCycle.
func WalkChain(ctx context.Context, store AppointmentGetter, head uuid.UUID) ([]*Appointment, error) {
	seen := make(map[uuid.UUID]struct{})
	var chain []*Appointment

	next := &head
	for next != nil {
		if _, ok := seen[*next]; ok {
			return nil, fmt.Errorf("walk chain from %s: %w", head, ErrChainCycle)
		}
		seen[*next] = struct{}{}

		appt, err := store.GetAppointmentByID(ctx, *next)
		if err != nil {
			return nil, fmt.Errorf("walk chain from %s: %w", head, err)
		}
		chain = append(chain, appt)

		if appt.Clinic == nil {
			break
		}
		next = appt.Clinic.ReExaminationAppointmentID
	}

	return chain, nil
}

// ChainTail returns the last appointment of the chain starting at head.
func ChainTail(ctx context.Context, store AppointmentGetter, head uuid.UUID) (*Appointment, error) {
	chain, err := WalkChain(ctx, store, head)
	if err != nil {
		return nil, err
	}
	return chain[len(chain)-1], nil
}

// LinkReExamination makes next the re-examination successor of tail.
func LinkReExamination(tail, next *Appointment) error {
	if tail.Clinic == nil || next.Clinic == nil {
		return Validation("not_clinic_appointment", "re-examination chains link clinic appointments only")
	}
	if tail.Clinic.ReExaminationAppointmentID != nil {
		return Conflict("chain_not_tail", "appointment %s already has a re-examination", tail.ID)
	}
	if next.Clinic.PreExaminationAppointmentID != nil {
		return Conflict("chain_not_head", "appointment %s already has a pre-examination", next.ID)
	}
	nextID, tailID := next.ID, tail.ID
	tail.Clinic.ReExaminationAppointmentID = &nextID
	next.Clinic.PreExaminationAppointmentID = &tailID
	return nil
}
