package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/metrics"
	"github.com/mesikahq/clinic-sync/internal/outbox"
	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/store/memory"
)

func enqueue(t *testing.T, rel *memory.Relational, e *clinic.OutboxEntry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rel.RunInTx(ctx, func(tx relational.Tx) error {
		return tx.EnqueueOutbox(ctx, e)
	}))
}

func TestApplyAppointmentCreatedTwice(t *testing.T) {
	rel, hist := memory.NewRelational(), memory.NewHistory()
	d := outbox.NewDispatcher(rel, hist, zap.NewNop(), nil)
	e, err := outbox.NewAppointmentCreated("j@x.com", "Juan", clinic.AppointmentFragment{AppointmentID: "A1"})
	require.NoError(t, err)

	require.NoError(t, d.Apply(context.Background(), e))
	require.NoError(t, d.Apply(context.Background(), e))

	doc, err := hist.Get(context.Background(), "j@x.com")
	require.NoError(t, err)
	assert.Len(t, doc.Appointments, 1)
}

func TestApplyDoctorUpdatedForDeletedDoctor(t *testing.T) {
	rel, hist := memory.NewRelational(), memory.NewHistory()
	d := outbox.NewDispatcher(rel, hist, zap.NewNop(), nil)
	e, err := outbox.NewDoctorUpdated(42, "old@x.com")
	require.NoError(t, err)

	assert.NoError(t, d.Apply(context.Background(), e))
}

func TestApplyPatientUpdatedFollowsCurrentRow(t *testing.T) {
	ctx := context.Background()
	rel, hist := memory.NewRelational(), memory.NewHistory()
	d := outbox.NewDispatcher(rel, hist, zap.NewNop(), nil)
	p := &clinic.Patient{Name: "Juan Perez", Email: "new@x.com"}
	require.NoError(t, rel.CreatePatient(ctx, p))
	_, err := hist.AppendFragment(ctx, "old@x.com", "Juan", clinic.AppointmentFragment{AppointmentID: "A1"})
	require.NoError(t, err)

	e, err := outbox.NewPatientUpdated(p.ID, "old@x.com")
	require.NoError(t, err)
	require.NoError(t, d.Apply(ctx, e))
	require.NoError(t, d.Apply(ctx, e))

	doc, err := hist.Get(ctx, "new@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Juan Perez", doc.PatientName)
	assert.Len(t, doc.Appointments, 1)
	count, err := hist.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	gone, err := outbox.NewPatientUpdated(99, "x@x.com")
	require.NoError(t, err)
	assert.NoError(t, d.Apply(ctx, gone))
}

func TestApplyUnknownKind(t *testing.T) {
	d := outbox.NewDispatcher(memory.NewRelational(), memory.NewHistory(), zap.NewNop(), nil)
	err := d.Apply(context.Background(), &clinic.OutboxEntry{Kind: "patient.deleted"})
	assert.ErrorIs(t, err, outbox.ErrUnknownKind)
}

func TestRelayRecordsFailuresAndRetries(t *testing.T) {
	ctx := context.Background()
	rel, hist := memory.NewRelational(), memory.NewHistory()
	m := metrics.New()
	d := outbox.NewDispatcher(rel, hist, zap.NewNop(), m)
	relay := outbox.NewRelay(d, rel, 0, 0, zap.NewNop(), m)

	first, _ := outbox.NewAppointmentCreated("j@x.com", "Juan", clinic.AppointmentFragment{AppointmentID: "A1"})
	second, _ := outbox.NewAppointmentCreated("a@x.com", "Ana", clinic.AppointmentFragment{AppointmentID: "A2"})
	enqueue(t, rel, first)
	enqueue(t, rel, second)

	hist.Fail = func(op string) error { return errors.New("down") }
	delivered, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)

	pending, err := rel.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "down", *pending[0].LastError)

	hist.Fail = nil
	delivered, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	n, err := rel.CountPendingOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	count, err := hist.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRelayDeliversPastUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	rel, hist := memory.NewRelational(), memory.NewHistory()
	d := outbox.NewDispatcher(rel, hist, zap.NewNop(), nil)
	relay := outbox.NewRelay(d, rel, 0, 2, zap.NewNop(), nil)

	for i := 0; i < 2; i++ {
		enqueue(t, rel, &clinic.OutboxEntry{
			Kind:         clinic.OutboxAppointmentCreated,
			AggregateKey: "bad@x.com",
			Payload:      []byte(`{bad`),
		})
	}
	valid, err := outbox.NewAppointmentCreated("j@x.com", "Juan", clinic.AppointmentFragment{AppointmentID: "A1"})
	require.NoError(t, err)
	enqueue(t, rel, valid)

	delivered, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	delivered, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	doc, err := hist.Get(ctx, "j@x.com")
	require.NoError(t, err)
	assert.Len(t, doc.Appointments, 1)

	pending, err := rel.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, e := range pending {
		assert.NotEqual(t, valid.ID, e.ID)
		assert.NotNil(t, e.LastError)
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	rel := memory.NewRelational()
	d := outbox.NewDispatcher(rel, memory.NewHistory(), zap.NewNop(), nil)
	relay := outbox.NewRelay(d, rel, 0, 0, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	<-done
}
