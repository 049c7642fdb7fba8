package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/clinic-sync/internal/source"
)

func sample(pEmail, id, code string) source.Row {
	return source.Row{
		PatientName:          "  juan   perez ",
		PatientEmail:         pEmail,
		DoctorName:           "dr ruiz",
		DoctorEmail:          "R@X.com",
		Specialty:            "Cardiology",
		InsuranceProvider:    "Sura",
		CoveragePercentage:   "80",
		TreatmentCode:        code,
		TreatmentDescription: "Checkup",
		TreatmentCost:        "100",
		AppointmentID:        id,
		AppointmentDate:      "2024-01-05",
		AmountPaid:           "20",
	}
}

func TestBuildGroupsByPatientInRowOrder(t *testing.T) {
	rows := []source.Row{
		sample("J@x.com", "A1", "T1"),
		sample("a@x.com", "A2", "T1"),
		sample("j@x.com", "A3", "T2"),
	}

	docs := Build(rows, DoctorIDs{"r@x.com": 7})

	require.Len(t, docs, 2)
	assert.Equal(t, "j@x.com", docs[0].PatientEmail)
	assert.Equal(t, "Juan Perez", docs[0].PatientName)
	require.Len(t, docs[0].Appointments, 2)
	assert.Equal(t, "A1", docs[0].Appointments[0].AppointmentID)
	assert.Equal(t, "A3", docs[0].Appointments[1].AppointmentID)
	assert.Equal(t, "a@x.com", docs[1].PatientEmail)

	f := docs[0].Appointments[0]
	assert.Equal(t, int64(7), f.DoctorID)
	assert.Equal(t, "Dr Ruiz", f.DoctorName)
	assert.Equal(t, "r@x.com", f.DoctorEmail)
	assert.Equal(t, "2024-01-05", f.Date)
	assert.Equal(t, 100.0, f.TreatmentCost)
	assert.Equal(t, 80.0, f.CoveragePercentage)
	assert.Equal(t, 20.0, f.AmountPaid)
}

func TestBuildSkipsUnusableRows(t *testing.T) {
	noTreatment := sample("j@x.com", "A2", "")
	noPatient := sample("", "A3", "T1")
	rows := []source.Row{
		sample("j@x.com", "A1", "T1"),
		noTreatment,
		noPatient,
		sample("j@x.com", "A1", "T1"),
	}

	docs := Build(rows, nil)

	require.Len(t, docs, 1)
	require.Len(t, docs[0].Appointments, 1)
	assert.Equal(t, "A1", docs[0].Appointments[0].AppointmentID)
	assert.Zero(t, docs[0].Appointments[0].DoctorID)
}

func TestBuildEmpty(t *testing.T) {
	assert.Empty(t, Build(nil, nil))
}
