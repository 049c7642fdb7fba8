package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/history"
	"github.com/mesikahq/clinic-sync/internal/metrics"
	"github.com/mesikahq/clinic-sync/internal/relational"
)

var ErrUnknownKind = errors.New("unknown outbox kind")

// NewAppointmentCreated builds the entry that appends f to the patient's
// history.
func NewAppointmentCreated(email, patientName string, f clinic.AppointmentFragment) (*clinic.OutboxEntry, error) {
	payload, err := json.Marshal(clinic.AppointmentCreated{PatientEmail: email, PatientName: patientName, Fragment: f})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &clinic.OutboxEntry{Kind: clinic.OutboxAppointmentCreated, AggregateKey: email, Payload: payload}, nil
}

// NewDoctorUpdated builds the entry that rewrites the doctor's embedded
// fragments.
func NewDoctorUpdated(doctorID int64, oldEmail string) (*clinic.OutboxEntry, error) {
	payload, err := json.Marshal(clinic.DoctorUpdated{DoctorID: doctorID, OldEmail: oldEmail})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &clinic.OutboxEntry{Kind: clinic.OutboxDoctorUpdated, AggregateKey: fmt.Sprint(doctorID), Payload: payload}, nil
}

// NewPatientUpdated builds the entry that moves the patient's history
// document to the current email and name.
func NewPatientUpdated(patientID int64, oldEmail string) (*clinic.OutboxEntry, error) {
	payload, err := json.Marshal(clinic.PatientUpdated{PatientID: patientID, OldEmail: oldEmail})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &clinic.OutboxEntry{Kind: clinic.OutboxPatientUpdated, AggregateKey: fmt.Sprint(patientID), Payload: payload}, nil
}

// Dispatcher applies outbox entries to the history store. Applying the same
// entry twice leaves the store unchanged.
type Dispatcher struct {
	rel     relational.Store
	hist    history.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(rel relational.Store, hist history.Store, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{rel: rel, hist: hist, logger: logger, metrics: m}
}

// Apply performs the history mutation an entry describes.
func (d *Dispatcher) Apply(ctx context.Context, e *clinic.OutboxEntry) error {
	switch e.Kind {
	case clinic.OutboxAppointmentCreated:
		var p clinic.AppointmentCreated
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode outbox entry %d: %w", e.ID, err)
		}
		_, err := d.hist.AppendFragment(ctx, p.PatientEmail, p.PatientName, p.Fragment)
		return err

	case clinic.OutboxDoctorUpdated:
		var p clinic.DoctorUpdated
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode outbox entry %d: %w", e.ID, err)
		}
		// The current row wins, so late or reordered entries converge.
		doc, err := d.rel.GetDoctor(ctx, p.DoctorID)
		if err != nil {
			if errors.Is(err, clinic.ErrNotFound) {
				d.logger.Warn("doctor gone before rewrite", zap.Int64("doctor_id", p.DoctorID))
				return nil
			}
			return err
		}
		n, err := d.hist.RewriteDoctor(ctx, doc.ID, p.OldEmail, doc.Name, doc.Email)
		if err != nil {
			return err
		}
		d.logger.Info("rewrote embedded doctor",
			zap.Int64("doctor_id", doc.ID),
			zap.Int64("documents", n),
		)
		return nil

	case clinic.OutboxPatientUpdated:
		var p clinic.PatientUpdated
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode outbox entry %d: %w", e.ID, err)
		}
		patient, err := d.rel.GetPatient(ctx, p.PatientID)
		if err != nil {
			if errors.Is(err, clinic.ErrNotFound) {
				d.logger.Warn("patient gone before history rename", zap.Int64("patient_id", p.PatientID))
				return nil
			}
			return err
		}
		return d.hist.RenamePatient(ctx, p.OldEmail, strings.ToLower(patient.Email), patient.Name)
	}
	return fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
}

// Deliver applies e and records the outcome on the entry row.
func (d *Dispatcher) Deliver(ctx context.Context, e *clinic.OutboxEntry) error {
	err := d.Apply(ctx, e)
	d.metrics.OutboxApplied(string(e.Kind), err)
	if err != nil {
		if markErr := d.rel.MarkOutboxFailed(ctx, e.ID, err.Error()); markErr != nil {
			d.logger.Error("failed to record outbox failure", zap.Int64("id", e.ID), zap.Error(markErr))
		}
		return err
	}
	if err := d.rel.MarkOutboxDelivered(ctx, e.ID); err != nil {
		return fmt.Errorf("failed to mark outbox entry %d delivered: %w", e.ID, err)
	}
	return nil
}

// Relay retries pending entries until they are delivered.
type Relay struct {
	dispatcher *Dispatcher
	rel        relational.Store
	interval   time.Duration
	batchSize  int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewRelay(d *Dispatcher, rel relational.Store, interval time.Duration, batchSize int, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{dispatcher: d, rel: rel, interval: interval, batchSize: batchSize, logger: logger, metrics: m}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval))
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch of pending entries, fewest attempts first, and
// returns how many were delivered. A failing entry is recorded and the pass
// continues; its raised attempt count moves it behind fresher entries.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.rel.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending outbox: %w", err)
	}
	delivered := 0
	for i := range entries {
		e := &entries[i]
		if err := r.dispatcher.Deliver(ctx, e); err != nil {
			r.logger.Warn("outbox delivery failed",
				zap.Int64("id", e.ID),
				zap.String("kind", string(e.Kind)),
				zap.Int("attempts", e.Attempts+1),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	if pending, err := r.rel.CountPendingOutbox(ctx); err == nil {
		r.metrics.SetOutboxPending(pending)
	}
	if delivered > 0 {
		r.logger.Info("outbox entries delivered", zap.Int("count", delivered))
	}
	return delivered, nil
}
