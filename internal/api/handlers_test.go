package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/api"
	"github.com/mesikahq/clinic-sync/internal/audit"
	"github.com/mesikahq/clinic-sync/internal/catalog"
	"github.com/mesikahq/clinic-sync/internal/history"
	"github.com/mesikahq/clinic-sync/internal/metrics"
	"github.com/mesikahq/clinic-sync/internal/migration"
	"github.com/mesikahq/clinic-sync/internal/outbox"
	"github.com/mesikahq/clinic-sync/internal/propagate"
	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/source"
	"github.com/mesikahq/clinic-sync/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	engine *gin.Engine
	rel    *memory.Relational
	hist   *memory.History
}

func newFixture(t *testing.T, csvLines ...string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.csv")
	lines := append([]string{strings.Join(source.Columns, ",")}, csvLines...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	logger := zap.NewNop()
	m := metrics.New()
	auditSvc := audit.NewService(nil, "")
	rel, hist := memory.NewRelational(), memory.NewHistory()
	dispatcher := outbox.NewDispatcher(rel, hist, logger, m)
	orch := migration.NewOrchestrator(migration.Config{SourceURI: path},
		relational.NewEngine(rel, logger), hist, auditSvc, logger, m)

	h := api.NewHandler(
		catalog.NewService(rel, hist, auditSvc, logger),
		propagate.NewService(rel, dispatcher, auditSvc, logger, m),
		history.NewService(hist, logger),
		orch,
		auditSvc,
		logger,
	)
	r := api.NewRouter(h, api.RouterOptions{Metrics: m.Handler()})
	return &fixture{engine: r.SetupRouter(logger), rel: rel, hist: hist}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

const row = "juan perez,j@x.com,,,ana gomez,d@x.com,Cardiology,SinSeguro,,T1,Checkup,50,A1,2024-01-05,50"

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clinic_sync_outbox_pending")
}

func TestMigrateThenReadHistory(t *testing.T) {
	f := newFixture(t, row)

	w := f.do(t, http.MethodPost, "/api/migrate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Success bool              `json:"success"`
		Summary migration.Summary `json:"summary"`
	}
	decode(t, w, &res)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Summary.AppointmentsInserted)

	w = f.do(t, http.MethodGet, "/api/patients/J@X.com/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view history.View
	decode(t, w, &view)
	assert.Equal(t, "Juan Perez", view.Patient.Name)
	require.Len(t, view.Appointments, 1)
	assert.Equal(t, "A1", view.Appointments[0].AppointmentID)

	w = f.do(t, http.MethodGet, "/api/patients/1/history", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st catalog.Status
	decode(t, w, &st)
	assert.True(t, st.HasData)
	assert.Equal(t, int64(1), st.Histories)
}

func TestMigratePartialReturnsSummary(t *testing.T) {
	f := newFixture(t, row)
	f.hist.Fail = func(op string) error {
		if op == "ReplaceAppointments" {
			return errors.New("mongo down")
		}
		return nil
	}

	w := f.do(t, http.MethodPost, "/api/migrate", map[string]bool{"clearBefore": true})
	assert.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), `"historiesFailed":1`)
}

func TestMigrateMissingSource(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/migrate", map[string]string{"source": "/nonexistent/batch.csv"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAppointmentAndRenameFlow(t *testing.T) {
	f := newFixture(t, row)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/migrate", nil).Code)

	w := f.do(t, http.MethodPost, "/api/appointments", map[string]interface{}{
		"appointment_id": "A2", "appointment_date": "2024-02-01",
		"patient_id": 1, "doctor_id": 1, "treatment_id": 1, "insurance_id": 1, "amount_paid": 20,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/appointments", map[string]interface{}{
		"appointment_id": "A2", "appointment_date": "2024-02-01",
		"patient_id": 1, "doctor_id": 1, "treatment_id": 1, "insurance_id": 1, "amount_paid": 20,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/appointments", map[string]interface{}{
		"appointment_id": "A3", "appointment_date": "2024-02-01",
		"patient_id": 1, "doctor_id": 99, "treatment_id": 1, "insurance_id": 1, "amount_paid": 20,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "doctor_id")

	w = f.do(t, http.MethodPut, "/api/doctors/1", map[string]string{"name": "Ana G. Ruiz"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	doc, err := f.hist.Get(context.Background(), "j@x.com")
	require.NoError(t, err)
	require.Len(t, doc.Appointments, 2)
	for _, frag := range doc.Appointments {
		assert.Equal(t, "Ana G. Ruiz", frag.DoctorName)
	}

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/doctors/1", nil).Code)
}

func TestCatalogEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/patients", map[string]string{"name": "Ana", "email": "a@x.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, http.MethodPost, "/api/patients", map[string]string{"name": "Ana"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/patients/42", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/patients/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/patients/x@x.com/history", nil).Code)

	w = f.do(t, http.MethodPost, "/api/doctors", map[string]string{"name": "Luis", "email": "l@x.com", "specialty": "Neurology"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, http.MethodGet, "/api/doctors?specialty=neuro", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doctors []map[string]interface{}
	decode(t, w, &doctors)
	assert.Len(t, doctors, 1)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/doctors/1", nil).Code)

	w = f.do(t, http.MethodPost, "/api/insurances", map[string]interface{}{"name": "Sura", "coverage_percentage": 150})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/treatments", map[string]interface{}{"code": "T9", "description": "Scan", "cost": "120.50"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/reports/revenue?startDate=2024-01-01&endDate=2024-12-31", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/api/reports/revenue?startDate=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/audit/events", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/nothing", nil).Code)
}

func TestUpdatePatientEndpoint(t *testing.T) {
	f := newFixture(t, row)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/migrate", nil).Code)
	w := f.do(t, http.MethodPost, "/api/patients", map[string]string{"name": "Ana", "email": "a@x.com"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPut, "/api/patients/1", map[string]string{
		"name": "Juan P. Perez", "email": "jp@x.com", "phone": "555-0101", "address": "Calle 1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Patient        map[string]interface{} `json:"patient"`
		HistoryPending bool                   `json:"historyPending"`
	}
	decode(t, w, &res)
	assert.Equal(t, "jp@x.com", res.Patient["email"])
	assert.Equal(t, "555-0101", res.Patient["phone"])
	assert.False(t, res.HistoryPending)

	w = f.do(t, http.MethodGet, "/api/patients/jp@x.com/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view history.View
	decode(t, w, &view)
	assert.Equal(t, "Juan P. Perez", view.Patient.Name)
	assert.Len(t, view.Appointments, 1)

	w = f.do(t, http.MethodPut, "/api/patients/1", map[string]string{"email": "a@x.com"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/patients/42", map[string]string{"name": "X"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/patients/abc", map[string]string{"name": "X"}).Code)
}

func TestGetInsuranceAndTreatmentEndpoints(t *testing.T) {
	f := newFixture(t, row)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/migrate", nil).Code)

	w := f.do(t, http.MethodGet, "/api/insurances/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ins map[string]interface{}
	decode(t, w, &ins)
	assert.Equal(t, "SinSeguro", ins["name"])

	w = f.do(t, http.MethodGet, "/api/treatments/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tr map[string]interface{}
	decode(t, w, &tr)
	assert.Equal(t, "T1", tr["code"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/insurances/9", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/treatments/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/treatments/x", nil).Code)
}
