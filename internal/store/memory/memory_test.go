package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/resolver"
)

func seed(t *testing.T, r *Relational) (patientID, doctorID int64) {
	t.Helper()
	ctx := context.Background()
	err := r.RunInTx(ctx, func(tx relational.Tx) error {
		var err error
		patientID, err = tx.UpsertPatient(ctx, resolver.PatientDraft{Name: "Juan", Email: "j@x.com"})
		require.NoError(t, err)
		doctorID, err = tx.UpsertDoctor(ctx, resolver.DoctorDraft{Name: "Dr Ruiz", Email: "r@x.com", Specialty: "Cardiology"})
		require.NoError(t, err)
		insID, _ := tx.UpsertInsurance(ctx, resolver.InsuranceDraft{Name: "Sura", Coverage: decimal.NewFromInt(80)})
		trID, _ := tx.UpsertTreatment(ctx, resolver.TreatmentDraft{Code: "T1", Description: "Checkup", Cost: decimal.NewFromInt(100)})
		_, err = tx.InsertAppointment(ctx, &clinic.Appointment{
			AppointmentID:   "A1",
			AppointmentDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			PatientID:       patientID,
			DoctorID:        doctorID,
			TreatmentID:     trID,
			InsuranceID:     insID,
			AmountPaid:      decimal.NewFromInt(20),
		})
		return err
	})
	require.NoError(t, err)
	return patientID, doctorID
}

func TestDeleteRestrictedByAppointments(t *testing.T) {
	r := NewRelational()
	patientID, doctorID := seed(t, r)

	err := r.DeleteDoctor(context.Background(), doctorID)
	assert.ErrorIs(t, err, clinic.ErrConflict)
	err = r.DeletePatient(context.Background(), patientID)
	assert.ErrorIs(t, err, clinic.ErrConflict)

	_, err = r.GetDoctor(context.Background(), doctorID)
	assert.NoError(t, err)
}

func TestDeleteUnreferencedDoctor(t *testing.T) {
	r := NewRelational()
	d := &clinic.Doctor{Name: "Dr Solo", Email: "solo@x.com", Specialty: "Neurology"}
	require.NoError(t, r.CreateDoctor(context.Background(), d))

	require.NoError(t, r.DeleteDoctor(context.Background(), d.ID))
	assert.ErrorIs(t, r.DeleteDoctor(context.Background(), d.ID), clinic.ErrNotFound)
}

func TestRunInTxRollsBack(t *testing.T) {
	r := NewRelational()
	ctx := context.Background()
	boom := errors.New("boom")

	err := r.RunInTx(ctx, func(tx relational.Tx) error {
		_, err := tx.UpsertPatient(ctx, resolver.PatientDraft{Name: "Juan", Email: "j@x.com"})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Patients)
}

func TestInsertAppointmentRequiresReferences(t *testing.T) {
	r := NewRelational()
	ctx := context.Background()
	err := r.RunInTx(ctx, func(tx relational.Tx) error {
		_, err := tx.InsertAppointment(ctx, &clinic.Appointment{AppointmentID: "A1", PatientID: 1, DoctorID: 1, TreatmentID: 1, InsuranceID: 1})
		return err
	})
	assert.ErrorIs(t, err, clinic.ErrReference)
}

func TestHistoryAppendIsIdempotent(t *testing.T) {
	h := NewHistory()
	ctx := context.Background()
	f := clinic.AppointmentFragment{AppointmentID: "A1", DoctorID: 1, DoctorEmail: "r@x.com"}

	added, err := h.AppendFragment(ctx, "j@x.com", "Juan", f)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = h.AppendFragment(ctx, "j@x.com", "Other", f)
	require.NoError(t, err)
	assert.False(t, added)

	doc, err := h.Get(ctx, "j@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Juan", doc.PatientName)
	assert.Len(t, doc.Appointments, 1)
}

func TestHistoryRewriteDoctorMatchesIDAndLegacyEmail(t *testing.T) {
	h := NewHistory()
	ctx := context.Background()
	require.NoError(t, h.ReplaceAppointments(ctx, &clinic.PatientHistory{
		PatientEmail: "j@x.com",
		Appointments: []clinic.AppointmentFragment{
			{AppointmentID: "A1", DoctorID: 1, DoctorName: "Old", DoctorEmail: "old@x.com"},
			{AppointmentID: "A2", DoctorName: "Old", DoctorEmail: "old@x.com"},
			{AppointmentID: "A3", DoctorID: 2, DoctorName: "Other", DoctorEmail: "old@x.com"},
		},
	}))

	n, err := h.RewriteDoctor(ctx, 1, "old@x.com", "New", "new@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	doc, err := h.Get(ctx, "j@x.com")
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", doc.Appointments[0].DoctorEmail)
	assert.Equal(t, "new@x.com", doc.Appointments[1].DoctorEmail)
	assert.Equal(t, "old@x.com", doc.Appointments[2].DoctorEmail)
}

func TestHistoryConcurrentAppendsOnNewEmail(t *testing.T) {
	h := NewHistory()
	ctx := context.Background()
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := clinic.AppointmentFragment{AppointmentID: fmt.Sprintf("A%d", i), DoctorID: 1}
			added, err := h.AppendFragment(ctx, "new@x.com", "Nueva", f)
			if err == nil && !added {
				err = fmt.Errorf("fragment %s reported as already present", f.AppointmentID)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := h.Get(ctx, "new@x.com")
	require.NoError(t, err)
	assert.Len(t, doc.Appointments, n)
}

func TestHistoryAppendRetriesAfterLosingInsertRace(t *testing.T) {
	h := NewHistory()
	ctx := context.Background()

	raced := false
	h.Fail = func(op string) error {
		if op != "AppendFragment.insert" || raced {
			return nil
		}
		raced = true
		added, err := h.AppendFragment(ctx, "new@x.com", "Nueva", clinic.AppointmentFragment{AppointmentID: "A2"})
		require.NoError(t, err)
		assert.True(t, added)
		return nil
	}

	added, err := h.AppendFragment(ctx, "new@x.com", "Nueva", clinic.AppointmentFragment{AppointmentID: "A1"})
	require.NoError(t, err)
	assert.True(t, added)
	require.True(t, raced)

	doc, err := h.Get(ctx, "new@x.com")
	require.NoError(t, err)
	require.Len(t, doc.Appointments, 2)
	assert.Equal(t, "A2", doc.Appointments[0].AppointmentID)
	assert.Equal(t, "A1", doc.Appointments[1].AppointmentID)

	// A fragment that is really there still reports no change.
	added, err = h.AppendFragment(ctx, "new@x.com", "Nueva", clinic.AppointmentFragment{AppointmentID: "A1"})
	require.NoError(t, err)
	assert.False(t, added)
}
