package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/audit"
	"github.com/mesikahq/clinic-sync/internal/catalog"
	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/history"
	"github.com/mesikahq/clinic-sync/internal/migration"
	"github.com/mesikahq/clinic-sync/internal/propagate"
)

// Migrator runs a batch migration.
type Migrator interface {
	Run(ctx context.Context, opts migration.Options) (*migration.Summary, error)
}

type Handler struct {
	catalogService catalog.Service
	syncService    propagate.Service
	historyService history.Service
	migrator       Migrator
	auditService   audit.Service
	logger         *zap.Logger
}

func NewHandler(
	catalogService catalog.Service,
	syncService propagate.Service,
	historyService history.Service,
	migrator Migrator,
	auditService audit.Service,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		catalogService: catalogService,
		syncService:    syncService,
		historyService: historyService,
		migrator:       migrator,
		auditService:   auditService,
		logger:         logger,
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, clinic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, clinic.ErrReference), errors.Is(err, clinic.ErrSourceFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, clinic.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, clinic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Migration

type MigrateRequest struct {
	ClearBefore bool   `json:"clearBefore"`
	Source      string `json:"source"`
}

func (h *Handler) RunMigration(c *gin.Context) {
	var req MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	summary, err := h.migrator.Run(c.Request.Context(), migration.Options{
		ClearBefore: req.ClearBefore,
		Source:      strings.TrimSpace(req.Source),
	})
	if errors.Is(err, migration.ErrPartialSync) {
		c.JSON(http.StatusMultiStatus, gin.H{
			"success": false,
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "summary": summary})
}

func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.catalogService.Status(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Patients

func (h *Handler) ListPatients(c *gin.Context) {
	patients, err := h.catalogService.ListPatients(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, patients)
}

func (h *Handler) CreatePatient(c *gin.Context) {
	var req catalog.PatientInput
	if !h.bindJSON(c, &req) {
		return
	}
	patient, err := h.catalogService.CreatePatient(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, patient)
}

func (h *Handler) GetPatient(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	patient, err := h.catalogService.GetPatient(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, patient)
}

func (h *Handler) UpdatePatient(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req propagate.PatientInput
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.syncService.UpdatePatient(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetPatientHistory accepts either a numeric patient id or an email.
func (h *Handler) GetPatientHistory(c *gin.Context) {
	ctx := c.Request.Context()
	email := c.Param("id")
	if !strings.Contains(email, "@") {
		id, ok := paramID(c)
		if !ok {
			return
		}
		patient, err := h.catalogService.GetPatient(ctx, id)
		if err != nil {
			h.fail(c, err)
			return
		}
		email = patient.Email
	}

	view, err := h.historyService.Get(ctx, email)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Doctors

func (h *Handler) ListDoctors(c *gin.Context) {
	doctors, err := h.catalogService.ListDoctors(c.Request.Context(), c.Query("specialty"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doctors)
}

func (h *Handler) CreateDoctor(c *gin.Context) {
	var req catalog.DoctorInput
	if !h.bindJSON(c, &req) {
		return
	}
	doctor, err := h.catalogService.CreateDoctor(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, doctor)
}

func (h *Handler) GetDoctor(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	doctor, err := h.catalogService.GetDoctor(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doctor)
}

func (h *Handler) UpdateDoctor(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req propagate.DoctorInput
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.syncService.UpdateDoctor(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteDoctor(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := h.catalogService.DeleteDoctor(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Insurances and treatments

func (h *Handler) ListInsurances(c *gin.Context) {
	insurances, err := h.catalogService.ListInsurances(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, insurances)
}

func (h *Handler) GetInsurance(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	insurance, err := h.catalogService.GetInsurance(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, insurance)
}

func (h *Handler) CreateInsurance(c *gin.Context) {
	var req catalog.InsuranceInput
	if !h.bindJSON(c, &req) {
		return
	}
	insurance, err := h.catalogService.CreateInsurance(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, insurance)
}

func (h *Handler) ListTreatments(c *gin.Context) {
	treatments, err := h.catalogService.ListTreatments(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, treatments)
}

func (h *Handler) GetTreatment(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	treatment, err := h.catalogService.GetTreatment(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, treatment)
}

func (h *Handler) CreateTreatment(c *gin.Context) {
	var req catalog.TreatmentInput
	if !h.bindJSON(c, &req) {
		return
	}
	treatment, err := h.catalogService.CreateTreatment(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, treatment)
}

// Appointments

func (h *Handler) CreateAppointment(c *gin.Context) {
	var req propagate.AppointmentInput
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.syncService.CreateAppointment(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Reports

func (h *Handler) GetRevenueReport(c *gin.Context) {
	report, err := h.catalogService.Revenue(c.Request.Context(), c.Query("startDate"), c.Query("endDate"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) GetAuditEvents(c *gin.Context) {
	from, err := strconv.Atoi(c.DefaultQuery("from", "0"))
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' parameter"})
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil || size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'size' parameter"})
		return
	}

	filters := map[string]interface{}{}
	if eventType := c.Query("event_type"); eventType != "" {
		filters["event_type"] = eventType
	}
	if resource := c.Query("resource"); resource != "" {
		filters["resource"] = resource
	}
	if requestID := c.Query("request_id"); requestID != "" {
		filters["request_id"] = requestID
	}

	events, err := h.auditService.QueryEvents(c.Request.Context(), filters, from, size)
	if errors.Is(err, audit.ErrSinkUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
