// Package directory generates and stores hospital department entries. The
// queue engine treats the directory as read-only; this package is how local
// environments and load tests get one.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var clinicPeriods = []time.Duration{10 * time.Minute, 15 * time.Minute, 20 * time.Minute, 30 * time.Minute}

type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator returns a generator. A zero seed picks a random one.
func NewGenerator(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// Hospital builds one hospital with the given number of clinics plus one
// medical lab and one radiology center. Every department opens 08:00 and
// closes 16:00 UTC.
func (g *Generator) Hospital(clinics int) []appointment.Department {
	hospitalID := uuid.New()
	hospitalName := g.faker.City() + " General Hospital"

	depts := make([]appointment.Department, 0, clinics+2)
	for i := 0; i < clinics; i++ {
		depts = append(depts, g.department(hospitalID, hospitalName, appointment.KindClinic,
			specialties[i%len(specialties)],
			clinicPeriods[g.faker.Number(0, len(clinicPeriods)-1)]))
	}
	depts = append(depts,
		g.department(hospitalID, hospitalName, appointment.KindMedicalLab, "Central Laboratory", 10*time.Minute),
		g.department(hospitalID, hospitalName, appointment.KindRadiology, "Radiology", 20*time.Minute),
	)
	return depts
}

func (g *Generator) department(hospitalID uuid.UUID, hospitalName string, kind appointment.Kind, name string, period time.Duration) appointment.Department {
	return appointment.Department{
		ID:                   uuid.New(),
		Kind:                 kind,
		Name:                 name,
		HospitalID:           hospitalID,
		HospitalName:         hospitalName,
		EmployeeName:         "Dr. " + g.faker.LastName(),
		OpensAt:              8 * time.Hour,
		ClosesAt:             16 * time.Hour,
		PeriodPerAppointment: period,
		Capacity:             g.faker.Number(10, 40),
		Location:             time.UTC,
	}
}

// Registry accepts directory entries, as the in-memory repository does.
type Registry interface {
	AddDepartment(d appointment.Department)
}

func Register(r Registry, depts []appointment.Department) {
	for _, d := range depts {
		r.AddDepartment(d)
	}
}

// Save upserts departments into Postgres in one transaction.
func Save(ctx context.Context, pool *pgxpool.Pool, depts []appointment.Department) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, d := range depts {
		tz := "UTC"
		if d.Location != nil {
			tz = d.Location.String()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO departments (id, kind, name, hospital_id, hospital_name, employee_name,
				opens_at_minutes, closes_at_minutes, period_seconds, capacity, time_zone)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				employee_name = EXCLUDED.employee_name,
				opens_at_minutes = EXCLUDED.opens_at_minutes,
				closes_at_minutes = EXCLUDED.closes_at_minutes,
				period_seconds = EXCLUDED.period_seconds,
				capacity = EXCLUDED.capacity,
				time_zone = EXCLUDED.time_zone
		`, d.ID, string(d.Kind), d.Name, d.HospitalID, d.HospitalName, d.EmployeeName,
			int32(d.OpensAt/time.Minute), int32(d.ClosesAt/time.Minute),
			int32(d.PeriodPerAppointment/time.Second), int32(d.Capacity), tz)
		if err != nil {
			return fmt.Errorf("insert department %s: %w", d.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
