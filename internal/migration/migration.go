package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/audit"
	"github.com/mesikahq/clinic-sync/internal/history"
	"github.com/mesikahq/clinic-sync/internal/metrics"
	"github.com/mesikahq/clinic-sync/internal/projection"
	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/resolver"
	"github.com/mesikahq/clinic-sync/internal/source"
)

// ErrPartialSync is returned after the relational commit when some history
// documents could not be written. The returned Summary is still valid.
var ErrPartialSync = errors.New("history projection incomplete")

type Options struct {
	ClearBefore bool
	// Source overrides the configured source URI for this run.
	Source string
}

type Summary struct {
	Source               string                  `json:"source"`
	RowsRead             int                     `json:"rowsRead"`
	RowsRejected         int                     `json:"rowsRejected"`
	Patients             int                     `json:"patients"`
	Doctors              int                     `json:"doctors"`
	Insurances           int                     `json:"insurances"`
	Treatments           int                     `json:"treatments"`
	AppointmentsInserted int                     `json:"appointments"`
	AppointmentsExisting int                     `json:"appointmentsExisting"`
	AppointmentsSkipped  int                     `json:"appointmentsSkipped"`
	Histories            int                     `json:"histories"`
	HistoriesFailed      int                     `json:"historiesFailed"`
	Skipped              []relational.SkippedRow `json:"skipped"`
	Duration             string                  `json:"duration"`
}

type Config struct {
	SourceURI string
	S3        source.S3Config
	// Opener is used for every run when set; otherwise one is picked from
	// the URI scheme.
	Opener source.Opener
}

type Orchestrator struct {
	cfg     Config
	engine  *relational.Engine
	hist    history.Store
	audit   audit.Service
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewOrchestrator(cfg Config, engine *relational.Engine, hist history.Store, auditSvc audit.Service, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		engine:  engine,
		hist:    hist,
		audit:   auditSvc,
		logger:  logger,
		metrics: m,
	}
}

// Run reads the batch source, commits it to the relational store, then
// replaces each patient's history document. Re-running the same source
// without ClearBefore leaves both stores unchanged.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	uri := opts.Source
	if uri == "" {
		uri = o.cfg.SourceURI
	}

	sum, err := o.run(ctx, uri, opts)
	status := "success"
	switch {
	case err == nil:
		o.metrics.MigrationRun("success")
	case errors.Is(err, ErrPartialSync):
		status = "partial"
		o.metrics.MigrationRun("partial")
	default:
		status = "failure"
		o.metrics.MigrationRun("failure")
	}
	if sum != nil {
		sum.Duration = time.Since(start).Round(time.Millisecond).String()
		o.metrics.RowsProcessed("inserted", sum.AppointmentsInserted)
		o.metrics.RowsProcessed("existing", sum.AppointmentsExisting)
		o.metrics.RowsProcessed("skipped", sum.AppointmentsSkipped)
		o.metrics.RowsProcessed("rejected", sum.RowsRejected)
	}

	o.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventMigration,
		Action:     "RUN",
		Resource:   "migration",
		ResourceID: uri,
		Status:     status,
		Details:    audit.Details(sum),
	})
	return sum, err
}

func (o *Orchestrator) run(ctx context.Context, uri string, opts Options) (*Summary, error) {
	opener := o.cfg.Opener
	if opener == nil {
		var err error
		if opener, err = source.OpenerFor(ctx, uri, o.cfg.S3); err != nil {
			return nil, err
		}
	}
	rows, err := source.Load(ctx, opener, uri)
	if err != nil {
		return nil, err
	}

	res := resolver.Resolve(rows)
	for _, r := range res.Rejected {
		o.logger.Warn("rejected batch row",
			zap.Int("line", r.Row.Line),
			zap.String("appointment_id", r.Row.AppointmentID),
			zap.String("reason", r.Reason),
		)
	}

	result, err := o.engine.Apply(ctx, res, opts.ClearBefore)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Source:               uri,
		RowsRead:             len(rows),
		RowsRejected:         len(res.Rejected),
		Patients:             result.Patients,
		Doctors:              result.Doctors,
		Insurances:           result.Insurances,
		Treatments:           result.Treatments,
		AppointmentsInserted: result.AppointmentsInserted,
		AppointmentsExisting: result.AppointmentsExisting,
		AppointmentsSkipped:  len(result.Skipped),
		Skipped:              result.Skipped,
	}
	if sum.Skipped == nil {
		sum.Skipped = []relational.SkippedRow{}
	}

	if err := o.hist.EnsureIndexes(ctx); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrPartialSync, err)
	}
	if opts.ClearBefore {
		if err := o.hist.Clear(ctx); err != nil {
			return sum, fmt.Errorf("%w: failed to clear histories: %v", ErrPartialSync, err)
		}
		o.logger.Info("cleared history store")
	}

	var firstErr error
	for _, doc := range projection.Build(res.Rows, projection.DoctorIDs(result.IDs.Doctors)) {
		if err := o.hist.ReplaceAppointments(ctx, doc); err != nil {
			o.logger.Error("failed to write patient history",
				zap.String("patient_email", doc.PatientEmail),
				zap.Error(err),
			)
			sum.HistoriesFailed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sum.Histories++
	}

	o.logger.Info("migration finished",
		zap.String("source", uri),
		zap.Int("rows", sum.RowsRead),
		zap.Int("appointments_inserted", sum.AppointmentsInserted),
		zap.Int("histories", sum.Histories),
		zap.Int("histories_failed", sum.HistoriesFailed),
	)
	if firstErr != nil {
		return sum, fmt.Errorf("%w: %d of %d documents failed: %v",
			ErrPartialSync, sum.HistoriesFailed, sum.Histories+sum.HistoriesFailed, firstErr)
	}
	return sum, nil
}
