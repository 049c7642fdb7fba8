// Package propagate carries live writes into both stores: the relational
// row first, then the embedded copies in patient histories.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesikahq/clinic-sync/internal/audit"
	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/metrics"
	"github.com/mesikahq/clinic-sync/internal/outbox"
	"github.com/mesikahq/clinic-sync/internal/relational"
)

type AppointmentInput struct {
	AppointmentID   string           `json:"appointment_id"`
	AppointmentDate string           `json:"appointment_date"`
	PatientID       int64            `json:"patient_id"`
	DoctorID        int64            `json:"doctor_id"`
	TreatmentID     int64            `json:"treatment_id"`
	InsuranceID     int64            `json:"insurance_id"`
	AmountPaid      *decimal.Decimal `json:"amount_paid"`
}

// AppointmentResult is the committed appointment with the rows it
// references. HistoryPending is set when the history append did not land
// and was left to the outbox relay.
type AppointmentResult struct {
	Appointment    *clinic.Appointment `json:"appointment"`
	Patient        *clinic.Patient     `json:"patient"`
	Doctor         *clinic.Doctor      `json:"doctor"`
	Treatment      *clinic.Treatment   `json:"treatment"`
	Insurance      *clinic.Insurance   `json:"insurance"`
	HistoryPending bool                `json:"historyPending"`
}

// DoctorInput holds the fields to change; blank fields keep their value.
type DoctorInput struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Specialty string `json:"specialty"`
}

type DoctorResult struct {
	Doctor         *clinic.Doctor `json:"doctor"`
	HistoryPending bool           `json:"historyPending"`
}

// PatientInput holds the fields to change. Blank name and email keep their
// value; a present phone or address replaces it, and an empty one clears it.
type PatientInput struct {
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   *string `json:"phone"`
	Address *string `json:"address"`
}

type PatientResult struct {
	Patient        *clinic.Patient `json:"patient"`
	HistoryPending bool            `json:"historyPending"`
}

type Service interface {
	CreateAppointment(ctx context.Context, in AppointmentInput) (*AppointmentResult, error)
	UpdateDoctor(ctx context.Context, id int64, in DoctorInput) (*DoctorResult, error)
	UpdatePatient(ctx context.Context, id int64, in PatientInput) (*PatientResult, error)
}

type service struct {
	rel        relational.Store
	dispatcher *outbox.Dispatcher
	audit      audit.Service
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewService(rel relational.Store, dispatcher *outbox.Dispatcher, auditSvc audit.Service, logger *zap.Logger, m *metrics.Metrics) Service {
	return &service{
		rel:        rel,
		dispatcher: dispatcher,
		audit:      auditSvc,
		logger:     logger,
		metrics:    m,
	}
}

func (in AppointmentInput) validate() (time.Time, error) {
	switch {
	case strings.TrimSpace(in.AppointmentID) == "":
		return time.Time{}, &clinic.ValidationError{Field: "appointment_id", Reason: "is required"}
	case in.PatientID <= 0:
		return time.Time{}, &clinic.ValidationError{Field: "patient_id", Reason: "is required"}
	case in.DoctorID <= 0:
		return time.Time{}, &clinic.ValidationError{Field: "doctor_id", Reason: "is required"}
	case in.TreatmentID <= 0:
		return time.Time{}, &clinic.ValidationError{Field: "treatment_id", Reason: "is required"}
	case in.InsuranceID <= 0:
		return time.Time{}, &clinic.ValidationError{Field: "insurance_id", Reason: "is required"}
	case in.AmountPaid == nil:
		return time.Time{}, &clinic.ValidationError{Field: "amount_paid", Reason: "is required"}
	case in.AmountPaid.IsNegative():
		return time.Time{}, &clinic.ValidationError{Field: "amount_paid", Reason: "must be a non-negative number"}
	}
	date, err := time.Parse(clinic.DateLayout, strings.TrimSpace(in.AppointmentDate))
	if err != nil {
		return time.Time{}, &clinic.ValidationError{Field: "appointment_date", Reason: "must be a YYYY-MM-DD date"}
	}
	return date, nil
}

func (s *service) CreateAppointment(ctx context.Context, in AppointmentInput) (*AppointmentResult, error) {
	res, err := s.createAppointment(ctx, in)
	if err != nil {
		s.metrics.AppointmentCreated("error")
		return nil, err
	}
	if res.HistoryPending {
		s.metrics.AppointmentCreated("history_pending")
	} else {
		s.metrics.AppointmentCreated("success")
	}
	return res, nil
}

func (s *service) createAppointment(ctx context.Context, in AppointmentInput) (*AppointmentResult, error) {
	date, err := in.validate()
	if err != nil {
		return nil, err
	}

	res, err := s.lookup(ctx, in)
	if err != nil {
		return nil, err
	}

	appt := &clinic.Appointment{
		AppointmentID:   strings.TrimSpace(in.AppointmentID),
		AppointmentDate: date,
		PatientID:       res.Patient.ID,
		DoctorID:        res.Doctor.ID,
		TreatmentID:     res.Treatment.ID,
		InsuranceID:     res.Insurance.ID,
		AmountPaid:      *in.AmountPaid,
	}
	email := strings.ToLower(res.Patient.Email)
	fragment := clinic.NewFragment(appt, res.Doctor, res.Treatment, res.Insurance)
	entry, err := outbox.NewAppointmentCreated(email, res.Patient.Name, fragment)
	if err != nil {
		return nil, err
	}

	err = s.rel.RunInTx(ctx, func(tx relational.Tx) error {
		if err := tx.CreateAppointment(ctx, appt); err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	res.Appointment = appt

	if err := s.dispatcher.Deliver(ctx, entry); err != nil {
		s.logger.Error("history append deferred to outbox",
			zap.String("appointment_id", appt.AppointmentID),
			zap.String("patient_email", email),
			zap.Int64("outbox_id", entry.ID),
			zap.Error(err),
		)
		res.HistoryPending = true
	}

	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventCreate,
		Action:     "CREATE",
		Resource:   "appointment",
		ResourceID: appt.AppointmentID,
		Status:     "success",
		Details: audit.Details(map[string]interface{}{
			"patient_id":      appt.PatientID,
			"doctor_id":       appt.DoctorID,
			"history_pending": res.HistoryPending,
		}),
	})
	return res, nil
}

// lookup fetches the four referenced rows concurrently. When several are
// missing, the error names the first in patient, doctor, treatment,
// insurance order.
func (s *service) lookup(ctx context.Context, in AppointmentInput) (*AppointmentResult, error) {
	res := &AppointmentResult{}
	errs := make([]error, 4)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.Patient, errs[0] = s.rel.GetPatient(gctx, in.PatientID)
		return notMissing(errs[0])
	})
	g.Go(func() error {
		res.Doctor, errs[1] = s.rel.GetDoctor(gctx, in.DoctorID)
		return notMissing(errs[1])
	})
	g.Go(func() error {
		res.Treatment, errs[2] = s.rel.GetTreatment(gctx, in.TreatmentID)
		return notMissing(errs[2])
	})
	g.Go(func() error {
		res.Insurance, errs[3] = s.rel.GetInsurance(gctx, in.InsuranceID)
		return notMissing(errs[3])
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load appointment references: %w", err)
	}
	for i, field := range []string{"patient_id", "doctor_id", "treatment_id", "insurance_id"} {
		if errs[i] != nil {
			return nil, &clinic.ReferenceError{Field: field}
		}
	}
	return res, nil
}

// notMissing lets a not-found result through to the ordered check and
// fails the group on any other error.
func notMissing(err error) error {
	if err == nil || errors.Is(err, clinic.ErrNotFound) {
		return nil
	}
	return err
}

func (s *service) UpdateDoctor(ctx context.Context, id int64, in DoctorInput) (*DoctorResult, error) {
	res, err := s.updateDoctor(ctx, id, in)
	if err != nil {
		s.metrics.DoctorUpdated("error")
		return nil, err
	}
	if res.HistoryPending {
		s.metrics.DoctorUpdated("history_pending")
	} else {
		s.metrics.DoctorUpdated("success")
	}
	return res, nil
}

func (s *service) updateDoctor(ctx context.Context, id int64, in DoctorInput) (*DoctorResult, error) {
	current, err := s.rel.GetDoctor(ctx, id)
	if err != nil {
		return nil, err
	}

	name := strings.Join(strings.Fields(in.Name), " ")
	email := strings.ToLower(strings.TrimSpace(in.Email))
	specialty := strings.TrimSpace(in.Specialty)

	next := *current
	if name != "" {
		next.Name = name
	}
	if email != "" && email != current.Email {
		if !strings.Contains(email, "@") {
			return nil, &clinic.ValidationError{Field: "email", Reason: "must be an email address"}
		}
		taken, err := s.rel.DoctorEmailTaken(ctx, email, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, &clinic.ConflictError{Entity: "doctor", Key: email, Reason: "email already in use by another doctor"}
		}
		next.Email = email
	}
	if specialty != "" {
		next.Specialty = specialty
	}

	identityChanged := next.Name != current.Name || next.Email != current.Email
	var entry *clinic.OutboxEntry
	if identityChanged {
		entry, err = outbox.NewDoctorUpdated(id, current.Email)
		if err != nil {
			return nil, err
		}
	}

	err = s.rel.RunInTx(ctx, func(tx relational.Tx) error {
		if err := tx.UpdateDoctor(ctx, &next); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		return tx.EnqueueOutbox(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	res := &DoctorResult{Doctor: &next}
	if entry != nil {
		if err := s.dispatcher.Deliver(ctx, entry); err != nil {
			s.logger.Error("doctor rewrite deferred to outbox",
				zap.Int64("doctor_id", id),
				zap.Int64("outbox_id", entry.ID),
				zap.Error(err),
			)
			res.HistoryPending = true
		}
	}

	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventModify,
		Action:     "UPDATE",
		Resource:   "doctor",
		ResourceID: fmt.Sprint(id),
		Status:     "success",
		Details: audit.Details(map[string]interface{}{
			"old_email":       current.Email,
			"new_email":       next.Email,
			"history_pending": res.HistoryPending,
		}),
	})
	return res, nil
}

func (s *service) UpdatePatient(ctx context.Context, id int64, in PatientInput) (*PatientResult, error) {
	res, err := s.updatePatient(ctx, id, in)
	if err != nil {
		s.metrics.PatientUpdated("error")
		return nil, err
	}
	if res.HistoryPending {
		s.metrics.PatientUpdated("history_pending")
	} else {
		s.metrics.PatientUpdated("success")
	}
	return res, nil
}

func replaceOptional(cur, in *string) *string {
	if in == nil {
		return cur
	}
	v := strings.TrimSpace(*in)
	if v == "" {
		return nil
	}
	return &v
}

func (s *service) updatePatient(ctx context.Context, id int64, in PatientInput) (*PatientResult, error) {
	current, err := s.rel.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}

	name := strings.Join(strings.Fields(in.Name), " ")
	email := strings.ToLower(strings.TrimSpace(in.Email))

	next := *current
	if name != "" {
		next.Name = name
	}
	if email != "" && email != current.Email {
		if !strings.Contains(email, "@") {
			return nil, &clinic.ValidationError{Field: "email", Reason: "must be an email address"}
		}
		taken, err := s.rel.PatientEmailTaken(ctx, email, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, &clinic.ConflictError{Entity: "patient", Key: email, Reason: "email already in use by another patient"}
		}
		next.Email = email
	}
	next.Phone = replaceOptional(current.Phone, in.Phone)
	next.Address = replaceOptional(current.Address, in.Address)

	var entry *clinic.OutboxEntry
	if next.Name != current.Name || next.Email != current.Email {
		entry, err = outbox.NewPatientUpdated(id, strings.ToLower(current.Email))
		if err != nil {
			return nil, err
		}
	}

	err = s.rel.RunInTx(ctx, func(tx relational.Tx) error {
		if err := tx.UpdatePatient(ctx, &next); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		return tx.EnqueueOutbox(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	res := &PatientResult{Patient: &next}
	if entry != nil {
		if err := s.dispatcher.Deliver(ctx, entry); err != nil {
			s.logger.Error("history rename deferred to outbox",
				zap.Int64("patient_id", id),
				zap.Int64("outbox_id", entry.ID),
				zap.Error(err),
			)
			res.HistoryPending = true
		}
	}

	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventModify,
		Action:     "UPDATE",
		Resource:   "patient",
		ResourceID: fmt.Sprint(id),
		Status:     "success",
		Details: audit.Details(map[string]interface{}{
			"old_email":       current.Email,
			"new_email":       next.Email,
			"history_pending": res.HistoryPending,
		}),
	})
	return res, nil
}
