package relational_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/resolver"
	"github.com/mesikahq/clinic-sync/internal/source"
	"github.com/mesikahq/clinic-sync/internal/store/memory"
)

func batchRow(pEmail, dEmail, ins, code, id, amount string) source.Row {
	return source.Row{
		PatientName:        "juan perez",
		PatientEmail:       pEmail,
		DoctorName:         "dr ruiz",
		DoctorEmail:        dEmail,
		Specialty:          "Cardiology",
		InsuranceProvider:  ins,
		CoveragePercentage: "80",
		TreatmentCode:      code,
		TreatmentCost:      "100",
		AppointmentID:      id,
		AppointmentDate:    "2024-01-05",
		AmountPaid:         amount,
	}
}

func TestApplyInsertsAndReportsSkips(t *testing.T) {
	store := memory.NewRelational()
	engine := relational.NewEngine(store, zap.NewNop())
	rows := []source.Row{
		batchRow("j@x.com", "r@x.com", "Sura", "T1", "A1", "20"),
		batchRow("j@x.com", "r@x.com", "Sura", "", "A2", "20"),
		batchRow("a@x.com", "r@x.com", "Sura", "T1", "A3", "abc"),
		batchRow("a@x.com", "r@x.com", "Sura", "T1", "A4", "0"),
	}

	res, err := engine.Apply(context.Background(), resolver.Resolve(rows), false)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Patients)
	assert.Equal(t, 1, res.Doctors)
	assert.Equal(t, 1, res.Treatments)
	assert.Equal(t, 2, res.AppointmentsInserted)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "A2", res.Skipped[0].AppointmentID)
	assert.Equal(t, "missing treatment_code", res.Skipped[0].Reason)
	assert.Equal(t, "invalid amount_paid", res.Skipped[1].Reason)

	ready, _ := store.SchemaReady(context.Background())
	assert.True(t, ready)
	assert.Len(t, store.Appointments(), 2)
}

func TestApplyIsIdempotent(t *testing.T) {
	store := memory.NewRelational()
	engine := relational.NewEngine(store, zap.NewNop())
	res := resolver.Resolve([]source.Row{
		batchRow("j@x.com", "r@x.com", "Sura", "T1", "A1", "20"),
		batchRow("j@x.com", "r@x.com", "Sura", "T1", "A2", "30"),
	})

	first, err := engine.Apply(context.Background(), res, false)
	require.NoError(t, err)
	second, err := engine.Apply(context.Background(), res, false)
	require.NoError(t, err)

	assert.Equal(t, 2, first.AppointmentsInserted)
	assert.Equal(t, 0, second.AppointmentsInserted)
	assert.Equal(t, 2, second.AppointmentsExisting)
	assert.Equal(t, first.IDs.Patients, second.IDs.Patients)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Patients)
	assert.Equal(t, int64(2), counts.Appointments)
}

func TestApplyRollsBackOnStoreError(t *testing.T) {
	store := memory.NewRelational()
	engine := relational.NewEngine(store, zap.NewNop())
	boom := errors.New("connection reset")
	store.Fail = func(op string) error {
		if op == "UpsertTreatment" {
			return boom
		}
		return nil
	}

	_, err := engine.Apply(context.Background(), resolver.Resolve([]source.Row{
		batchRow("j@x.com", "r@x.com", "Sura", "T1", "A1", "20"),
	}), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Patients)
	assert.Zero(t, counts.Doctors)
	assert.Zero(t, counts.Insurances)
}

func TestApplyClearBefore(t *testing.T) {
	store := memory.NewRelational()
	engine := relational.NewEngine(store, zap.NewNop())
	_, err := engine.Apply(context.Background(), resolver.Resolve([]source.Row{
		batchRow("old@x.com", "r@x.com", "Sura", "T1", "A1", "20"),
	}), false)
	require.NoError(t, err)

	res, err := engine.Apply(context.Background(), resolver.Resolve([]source.Row{
		batchRow("j@x.com", "r@x.com", "Sura", "T1", "A2", "20"),
	}), true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppointmentsInserted)

	patients, err := store.ListPatients(context.Background())
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "j@x.com", patients[0].Email)
}

func TestApplyUpdatesExistingRowsByNaturalKey(t *testing.T) {
	store := memory.NewRelational()
	engine := relational.NewEngine(store, zap.NewNop())
	_, err := engine.Apply(context.Background(), resolver.Resolve([]source.Row{
		batchRow("j@x.com", "r@x.com", "Sura", "T1", "A1", "20"),
	}), false)
	require.NoError(t, err)

	changed := batchRow("j@x.com", "r@x.com", "Sura", "T1", "A1", "20")
	changed.DoctorName = "ricardo ruiz"
	changed.Specialty = "Neurology"
	res, err := engine.Apply(context.Background(), resolver.Resolve([]source.Row{changed}), false)
	require.NoError(t, err)

	d, err := store.GetDoctor(context.Background(), res.IDs.Doctors["r@x.com"])
	require.NoError(t, err)
	assert.Equal(t, "Ricardo Ruiz", d.Name)
	assert.Equal(t, "Neurology", d.Specialty)
}
