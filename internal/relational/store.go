package relational

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/resolver"
)

// Store is the normalized side of the clinic data. Reads and single-row
// catalog writes go straight to the store; multi-statement work runs
// through RunInTx.
type Store interface {
	// InitSchema creates tables and indexes if absent. Safe to call repeatedly.
	InitSchema(ctx context.Context) error
	SchemaReady(ctx context.Context) (bool, error)
	// RunInTx commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	GetPatient(ctx context.Context, id int64) (*clinic.Patient, error)
	GetDoctor(ctx context.Context, id int64) (*clinic.Doctor, error)
	GetTreatment(ctx context.Context, id int64) (*clinic.Treatment, error)
	GetInsurance(ctx context.Context, id int64) (*clinic.Insurance, error)
	DoctorEmailTaken(ctx context.Context, email string, exceptID int64) (bool, error)
	PatientEmailTaken(ctx context.Context, email string, exceptID int64) (bool, error)

	ListPatients(ctx context.Context) ([]clinic.Patient, error)
	ListDoctors(ctx context.Context, specialty string) ([]clinic.Doctor, error)
	ListInsurances(ctx context.Context) ([]clinic.Insurance, error)
	ListTreatments(ctx context.Context) ([]clinic.Treatment, error)
	CreatePatient(ctx context.Context, p *clinic.Patient) error
	CreateDoctor(ctx context.Context, d *clinic.Doctor) error
	CreateInsurance(ctx context.Context, i *clinic.Insurance) error
	CreateTreatment(ctx context.Context, t *clinic.Treatment) error
	DeleteDoctor(ctx context.Context, id int64) error

	Revenue(ctx context.Context, f RevenueFilter) (*Revenue, error)
	Counts(ctx context.Context) (*TableCounts, error)

	// PendingOutbox returns undelivered entries ordered by attempts, then id,
	// so entries that keep failing cannot starve newer ones.
	PendingOutbox(ctx context.Context, limit int) ([]clinic.OutboxEntry, error)
	MarkOutboxDelivered(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, reason string) error
	CountPendingOutbox(ctx context.Context) (int64, error)
}

// Tx is the set of writes that must share one transaction.
type Tx interface {
	UpsertPatient(ctx context.Context, p resolver.PatientDraft) (int64, error)
	UpsertDoctor(ctx context.Context, d resolver.DoctorDraft) (int64, error)
	UpsertInsurance(ctx context.Context, i resolver.InsuranceDraft) (int64, error)
	UpsertTreatment(ctx context.Context, t resolver.TreatmentDraft) (int64, error)

	// InsertAppointment does nothing when the external id already exists and
	// reports whether a row was written.
	InsertAppointment(ctx context.Context, a *clinic.Appointment) (bool, error)
	// CreateAppointment fails with a ConflictError on a duplicate external id.
	CreateAppointment(ctx context.Context, a *clinic.Appointment) error
	UpdateDoctor(ctx context.Context, d *clinic.Doctor) error
	UpdatePatient(ctx context.Context, p *clinic.Patient) error
	EnqueueOutbox(ctx context.Context, e *clinic.OutboxEntry) error

	// ClearAll deletes every row in foreign-key order, outbox included.
	ClearAll(ctx context.Context) error
}

type RevenueFilter struct {
	From *time.Time
	To   *time.Time
}

type InsuranceRevenue struct {
	InsuranceName    string          `json:"insuranceName"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	AppointmentCount int64           `json:"appointmentCount"`
}

type Revenue struct {
	TotalRevenue decimal.Decimal    `json:"totalRevenue"`
	ByInsurance  []InsuranceRevenue `json:"byInsurance"`
}

type TableCounts struct {
	Patients     int64 `json:"patients"`
	Doctors      int64 `json:"doctors"`
	Appointments int64 `json:"appointments"`
	Treatments   int64 `json:"treatments"`
	Insurances   int64 `json:"insurances"`
}
