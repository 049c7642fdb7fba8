// Package catalog serves the reference data around appointments: patients,
// doctors, insurers and treatments, plus the read-only reports built on
// them.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/audit"
	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/history"
	"github.com/mesikahq/clinic-sync/internal/relational"
)

type PatientInput struct {
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   *string `json:"phone"`
	Address *string `json:"address"`
}

type DoctorInput struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Specialty string `json:"specialty"`
}

type InsuranceInput struct {
	Name               string           `json:"name"`
	CoveragePercentage *decimal.Decimal `json:"coverage_percentage"`
}

type TreatmentInput struct {
	Code        string           `json:"code"`
	Description string           `json:"description"`
	Cost        *decimal.Decimal `json:"cost"`
}

// Status describes how far both stores have been populated.
type Status struct {
	Database  string                  `json:"database"`
	Tables    *relational.TableCounts `json:"tables"`
	Histories int64                   `json:"histories"`
	HasData   bool                    `json:"hasData"`
	IsEmpty   bool                    `json:"isEmpty"`
	Message   string                  `json:"message"`
}

type Service interface {
	CreatePatient(ctx context.Context, in PatientInput) (*clinic.Patient, error)
	ListPatients(ctx context.Context) ([]clinic.Patient, error)
	GetPatient(ctx context.Context, id int64) (*clinic.Patient, error)

	CreateDoctor(ctx context.Context, in DoctorInput) (*clinic.Doctor, error)
	ListDoctors(ctx context.Context, specialty string) ([]clinic.Doctor, error)
	GetDoctor(ctx context.Context, id int64) (*clinic.Doctor, error)
	DeleteDoctor(ctx context.Context, id int64) error

	CreateInsurance(ctx context.Context, in InsuranceInput) (*clinic.Insurance, error)
	ListInsurances(ctx context.Context) ([]clinic.Insurance, error)
	GetInsurance(ctx context.Context, id int64) (*clinic.Insurance, error)
	CreateTreatment(ctx context.Context, in TreatmentInput) (*clinic.Treatment, error)
	ListTreatments(ctx context.Context) ([]clinic.Treatment, error)
	GetTreatment(ctx context.Context, id int64) (*clinic.Treatment, error)

	// Revenue accepts optional YYYY-MM-DD bounds, both inclusive.
	Revenue(ctx context.Context, startDate, endDate string) (*relational.Revenue, error)
	Status(ctx context.Context) (*Status, error)
}

type service struct {
	rel    relational.Store
	hist   history.Store
	audit  audit.Service
	logger *zap.Logger
}

func NewService(rel relational.Store, hist history.Store, auditSvc audit.Service, logger *zap.Logger) Service {
	return &service{
		rel:    rel,
		hist:   hist,
		audit:  auditSvc,
		logger: logger,
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func validEmail(field, email string) error {
	if email == "" {
		return &clinic.ValidationError{Field: field, Reason: "is required"}
	}
	if !strings.Contains(email, "@") {
		return &clinic.ValidationError{Field: field, Reason: "must be an email address"}
	}
	return nil
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func (s *service) created(ctx context.Context, resource string, id int64) {
	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventCreate,
		Action:     "CREATE",
		Resource:   resource,
		ResourceID: fmt.Sprint(id),
		Status:     "success",
	})
}

func (s *service) CreatePatient(ctx context.Context, in PatientInput) (*clinic.Patient, error) {
	p := &clinic.Patient{
		Name:    collapse(in.Name),
		Email:   strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:   optional(in.Phone),
		Address: optional(in.Address),
	}
	if p.Name == "" {
		return nil, &clinic.ValidationError{Field: "name", Reason: "is required"}
	}
	if err := validEmail("email", p.Email); err != nil {
		return nil, err
	}
	if err := s.rel.CreatePatient(ctx, p); err != nil {
		return nil, err
	}
	s.created(ctx, "patient", p.ID)
	return p, nil
}

func (s *service) ListPatients(ctx context.Context) ([]clinic.Patient, error) {
	return s.rel.ListPatients(ctx)
}

func (s *service) GetPatient(ctx context.Context, id int64) (*clinic.Patient, error) {
	return s.rel.GetPatient(ctx, id)
}

func (s *service) CreateDoctor(ctx context.Context, in DoctorInput) (*clinic.Doctor, error) {
	d := &clinic.Doctor{
		Name:      collapse(in.Name),
		Email:     strings.ToLower(strings.TrimSpace(in.Email)),
		Specialty: strings.TrimSpace(in.Specialty),
	}
	switch {
	case d.Name == "":
		return nil, &clinic.ValidationError{Field: "name", Reason: "is required"}
	case d.Specialty == "":
		return nil, &clinic.ValidationError{Field: "specialty", Reason: "is required"}
	}
	if err := validEmail("email", d.Email); err != nil {
		return nil, err
	}
	if err := s.rel.CreateDoctor(ctx, d); err != nil {
		return nil, err
	}
	s.created(ctx, "doctor", d.ID)
	return d, nil
}

func (s *service) ListDoctors(ctx context.Context, specialty string) ([]clinic.Doctor, error) {
	return s.rel.ListDoctors(ctx, strings.TrimSpace(specialty))
}

func (s *service) GetDoctor(ctx context.Context, id int64) (*clinic.Doctor, error) {
	return s.rel.GetDoctor(ctx, id)
}

// DeleteDoctor is refused while any appointment references the doctor.
// History fragments are never touched by a delete.
func (s *service) DeleteDoctor(ctx context.Context, id int64) error {
	if err := s.rel.DeleteDoctor(ctx, id); err != nil {
		return err
	}
	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventDelete,
		Action:     "DELETE",
		Resource:   "doctor",
		ResourceID: fmt.Sprint(id),
		Status:     "success",
	})
	return nil
}

var hundred = decimal.NewFromInt(100)

func (s *service) CreateInsurance(ctx context.Context, in InsuranceInput) (*clinic.Insurance, error) {
	i := &clinic.Insurance{Name: strings.TrimSpace(in.Name)}
	if i.Name == "" {
		return nil, &clinic.ValidationError{Field: "name", Reason: "is required"}
	}
	if in.CoveragePercentage != nil {
		c := *in.CoveragePercentage
		if c.IsNegative() || c.GreaterThan(hundred) {
			return nil, &clinic.ValidationError{Field: "coverage_percentage", Reason: "must be between 0 and 100"}
		}
		i.CoveragePercentage = c
	}
	if err := s.rel.CreateInsurance(ctx, i); err != nil {
		return nil, err
	}
	s.created(ctx, "insurance", i.ID)
	return i, nil
}

func (s *service) ListInsurances(ctx context.Context) ([]clinic.Insurance, error) {
	return s.rel.ListInsurances(ctx)
}

func (s *service) GetInsurance(ctx context.Context, id int64) (*clinic.Insurance, error) {
	return s.rel.GetInsurance(ctx, id)
}

func (s *service) CreateTreatment(ctx context.Context, in TreatmentInput) (*clinic.Treatment, error) {
	t := &clinic.Treatment{
		Code:        strings.TrimSpace(in.Code),
		Description: strings.TrimSpace(in.Description),
	}
	switch {
	case t.Code == "":
		return nil, &clinic.ValidationError{Field: "code", Reason: "is required"}
	case t.Description == "":
		return nil, &clinic.ValidationError{Field: "description", Reason: "is required"}
	case in.Cost == nil:
		return nil, &clinic.ValidationError{Field: "cost", Reason: "is required"}
	case !in.Cost.IsPositive():
		return nil, &clinic.ValidationError{Field: "cost", Reason: "must be greater than 0"}
	}
	t.Cost = *in.Cost
	if err := s.rel.CreateTreatment(ctx, t); err != nil {
		return nil, err
	}
	s.created(ctx, "treatment", t.ID)
	return t, nil
}

func (s *service) ListTreatments(ctx context.Context) ([]clinic.Treatment, error) {
	return s.rel.ListTreatments(ctx)
}

func (s *service) GetTreatment(ctx context.Context, id int64) (*clinic.Treatment, error) {
	return s.rel.GetTreatment(ctx, id)
}

func parseBound(field, v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(clinic.DateLayout, v)
	if err != nil {
		return nil, &clinic.ValidationError{Field: field, Reason: "must be a YYYY-MM-DD date"}
	}
	return &t, nil
}

func (s *service) Revenue(ctx context.Context, startDate, endDate string) (*relational.Revenue, error) {
	from, err := parseBound("startDate", startDate)
	if err != nil {
		return nil, err
	}
	to, err := parseBound("endDate", endDate)
	if err != nil {
		return nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, &clinic.ValidationError{Field: "endDate", Reason: "must not be before startDate"}
	}
	return s.rel.Revenue(ctx, relational.RevenueFilter{From: from, To: to})
}

func (s *service) Status(ctx context.Context) (*Status, error) {
	ready, err := s.rel.SchemaReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !ready {
		return &Status{
			Database: "not_initialized",
			Tables:   &relational.TableCounts{},
			IsEmpty:  true,
			Message:  "Schema not created yet. Run a migration first.",
		}, nil
	}

	counts, err := s.rel.Counts(ctx)
	if err != nil {
		return nil, err
	}
	histories, err := s.hist.Count(ctx)
	if err != nil {
		s.logger.Warn("history count unavailable", zap.Error(err))
		histories = -1
	}

	st := &Status{
		Database:  "initialized",
		Tables:    counts,
		Histories: histories,
		HasData:   counts.Appointments > 0,
	}
	st.IsEmpty = !st.HasData
	if st.HasData {
		st.Message = "Database contains data."
	} else {
		st.Message = "Database is empty. Run a migration to load data."
	}
	return st, nil
}
