package relational

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/resolver"
	"github.com/mesikahq/clinic-sync/internal/source"
)

// IDMaps resolve natural keys to the surrogate ids assigned by the store.
type IDMaps struct {
	Patients   map[string]int64
	Doctors    map[string]int64
	Insurances map[string]int64
	Treatments map[string]int64
}

func newIDMaps() *IDMaps {
	return &IDMaps{
		Patients:   make(map[string]int64),
		Doctors:    make(map[string]int64),
		Insurances: make(map[string]int64),
		Treatments: make(map[string]int64),
	}
}

// SkippedRow is an appointment row the engine did not insert.
type SkippedRow struct {
	AppointmentID string `json:"appointmentId"`
	Line          int    `json:"line"`
	Reason        string `json:"reason"`
}

// Result describes one committed batch.
type Result struct {
	Patients             int
	Doctors              int
	Insurances           int
	Treatments           int
	AppointmentsInserted int
	AppointmentsExisting int
	Skipped              []SkippedRow
	IDs                  *IDMaps
}

// Engine applies a resolved batch to the relational store.
type Engine struct {
	store  Store
	logger *zap.Logger
}

func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Apply initializes the schema, then upserts every draft and inserts every
// appointment row in a single transaction. Rows that cannot be inserted are
// skipped and reported; any store error rolls the whole batch back.
func (e *Engine) Apply(ctx context.Context, res *resolver.Resolved, clearBefore bool) (*Result, error) {
	if err := e.store.InitSchema(ctx); err != nil {
		return nil, err
	}

	var out *Result
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		// Reset on every attempt so a retried closure starts clean.
		out = &Result{IDs: newIDMaps()}

		if clearBefore {
			if err := tx.ClearAll(ctx); err != nil {
				return err
			}
			e.logger.Info("cleared relational store")
		}

		for _, p := range res.Patients {
			id, err := tx.UpsertPatient(ctx, p)
			if err != nil {
				return fmt.Errorf("failed to upsert patient %s: %w", p.Email, err)
			}
			out.IDs.Patients[p.Email] = id
		}
		for _, d := range res.Doctors {
			id, err := tx.UpsertDoctor(ctx, d)
			if err != nil {
				return fmt.Errorf("failed to upsert doctor %s: %w", d.Email, err)
			}
			out.IDs.Doctors[d.Email] = id
		}
		for _, i := range res.Insurances {
			id, err := tx.UpsertInsurance(ctx, i)
			if err != nil {
				return fmt.Errorf("failed to upsert insurance %s: %w", i.Name, err)
			}
			out.IDs.Insurances[i.Name] = id
		}
		for _, t := range res.Treatments {
			id, err := tx.UpsertTreatment(ctx, t)
			if err != nil {
				return fmt.Errorf("failed to upsert treatment %s: %w", t.Code, err)
			}
			out.IDs.Treatments[t.Code] = id
		}
		out.Patients = len(res.Patients)
		out.Doctors = len(res.Doctors)
		out.Insurances = len(res.Insurances)
		out.Treatments = len(res.Treatments)

		for _, row := range res.Rows {
			appt, reason := out.IDs.appointment(row)
			if reason != "" {
				e.logger.Warn("skipping appointment row",
					zap.String("appointment_id", row.AppointmentID),
					zap.Int("line", row.Line),
					zap.String("reason", reason),
				)
				out.Skipped = append(out.Skipped, SkippedRow{AppointmentID: row.AppointmentID, Line: row.Line, Reason: reason})
				continue
			}
			inserted, err := tx.InsertAppointment(ctx, appt)
			if err != nil {
				return fmt.Errorf("failed to insert appointment %s: %w", appt.AppointmentID, err)
			}
			if inserted {
				out.AppointmentsInserted++
			} else {
				out.AppointmentsExisting++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational batch rolled back: %w", err)
	}

	e.logger.Info("relational batch committed",
		zap.Int("patients", out.Patients),
		zap.Int("doctors", out.Doctors),
		zap.Int("insurances", out.Insurances),
		zap.Int("treatments", out.Treatments),
		zap.Int("appointments_inserted", out.AppointmentsInserted),
		zap.Int("appointments_existing", out.AppointmentsExisting),
		zap.Int("appointments_skipped", len(out.Skipped)),
	)
	return out, nil
}

// appointment builds the row to insert, or returns why it cannot be built.
func (m *IDMaps) appointment(row source.Row) (*clinic.Appointment, string) {
	if reason := resolver.RowProblem(row); reason != "" {
		return nil, reason
	}
	patientID, ok := m.Patients[resolver.PatientKey(row.PatientEmail)]
	if !ok {
		return nil, "missing patient reference"
	}
	doctorID, ok := m.Doctors[resolver.DoctorKey(row.DoctorEmail)]
	if !ok {
		return nil, "missing doctor reference"
	}
	insuranceID, ok := m.Insurances[resolver.InsuranceKey(row.InsuranceProvider)]
	if !ok {
		return nil, "missing insurance reference"
	}
	treatmentID, ok := m.Treatments[resolver.TreatmentKey(row.TreatmentCode)]
	if !ok {
		return nil, "missing treatment reference"
	}
	date, _ := time.Parse(clinic.DateLayout, strings.TrimSpace(row.AppointmentDate))
	amount, _ := decimal.NewFromString(strings.TrimSpace(row.AmountPaid))
	return &clinic.Appointment{
		AppointmentID:   strings.TrimSpace(row.AppointmentID),
		AppointmentDate: date,
		PatientID:       patientID,
		DoctorID:        doctorID,
		TreatmentID:     treatmentID,
		InsuranceID:     insuranceID,
		AmountPaid:      amount,
	}, ""
}
