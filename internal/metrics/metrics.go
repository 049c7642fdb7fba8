package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the sync engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MigrationRuns      *prometheus.CounterVec
	MigrationRows      *prometheus.CounterVec
	AppointmentsCreate *prometheus.CounterVec
	DoctorUpdates      *prometheus.CounterVec
	PatientUpdates     *prometheus.CounterVec
	OutboxDelivered    *prometheus.CounterVec
	OutboxFailed       *prometheus.CounterVec
	OutboxPending      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MigrationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_sync",
			Name:      "migration_runs_total",
			Help:      "Migration runs by outcome.",
		}, []string{"outcome"}),
		MigrationRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_sync",
			Name:      "migration_rows_total",
			Help:      "Batch rows by disposition.",
		}, []string{"disposition"}),
		AppointmentsCreate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_sync",
			Name:      "appointments_created_total",
			Help:      "Live appointment creations by outcome.",
		}, []string{"outcome"}),
		DoctorUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_sync",
			Name:      "doctor_updates_total",
			Help:      "Doctor updates by outcome.",
		}, []string{"outcome"}),
		PatientUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_sync",
			Name:      "patient_updates_total",
			Help:      "Patient updates by outcome.",
		}, []string{"outcome"}),
		OutboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_sync",
			Name:      "outbox_delivered_total",
			Help:      "Outbox entries applied to the history store.",
		}, []string{"kind"}),
		OutboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_sync",
			Name:      "outbox_failed_total",
			Help:      "Failed outbox delivery attempts.",
		}, []string{"kind"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic_sync",
			Name:      "outbox_pending",
			Help:      "Outbox entries not yet delivered.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MigrationRuns,
		m.MigrationRows,
		m.AppointmentsCreate,
		m.DoctorUpdates,
		m.PatientUpdates,
		m.OutboxDelivered,
		m.OutboxFailed,
		m.OutboxPending,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) MigrationRun(outcome string) {
	if m == nil {
		return
	}
	m.MigrationRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RowsProcessed(disposition string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MigrationRows.WithLabelValues(disposition).Add(float64(n))
}

func (m *Metrics) AppointmentCreated(outcome string) {
	if m == nil {
		return
	}
	m.AppointmentsCreate.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DoctorUpdated(outcome string) {
	if m == nil {
		return
	}
	m.DoctorUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PatientUpdated(outcome string) {
	if m == nil {
		return
	}
	m.PatientUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OutboxApplied(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.OutboxFailed.WithLabelValues(kind).Inc()
		return
	}
	m.OutboxDelivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}
