package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

func TestHospitalLayout(t *testing.T) {
	depts := NewGenerator(7).Hospital(3)
	require.Len(t, depts, 5)

	kinds := map[appointment.Kind]int{}
	for _, d := range depts {
		kinds[d.Kind]++
		assert.Equal(t, depts[0].HospitalID, d.HospitalID)
		assert.Equal(t, depts[0].HospitalName, d.HospitalName)
		assert.Less(t, d.OpensAt, d.ClosesAt)
		assert.Positive(t, d.PeriodPerAppointment)
		assert.NotEmpty(t, d.EmployeeName)
		assert.NotNil(t, d.Location)
	}
	assert.Equal(t, map[appointment.Kind]int{
		appointment.KindClinic:     3,
		appointment.KindMedicalLab: 1,
		appointment.KindRadiology:  1,
	}, kinds)
}

func TestSameSeedSameNames(t *testing.T) {
	a := NewGenerator(42).Hospital(2)
	b := NewGenerator(42).Hospital(2)

	for i := range a {
		assert.Equal(t, a[i].HospitalName, b[i].HospitalName)
		assert.Equal(t, a[i].EmployeeName, b[i].EmployeeName)
		assert.Equal(t, a[i].PeriodPerAppointment, b[i].PeriodPerAppointment)
		assert.NotEqual(t, a[i].ID, b[i].ID)
	}
}

func TestRegisterFillsMemoryRepository(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	depts := NewGenerator(1).Hospital(1)
	Register(repo, depts)

	for _, d := range depts {
		got, err := repo.GetDepartment(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.Name, got.Name)
	}
}
