package clinic

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format of appointment dates in batch files, API
// payloads and history fragments.
const DateLayout = "2006-01-02"

type Patient struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     *string   `json:"phone"`
	Address   *string   `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

type Doctor struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Specialty string    `json:"specialty"`
	CreatedAt time.Time `json:"created_at"`
}

type Insurance struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	CoveragePercentage decimal.Decimal `json:"coverage_percentage"`
	CreatedAt          time.Time       `json:"created_at"`
}

type Treatment struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Cost        decimal.Decimal `json:"cost"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Appointment is immutable once inserted.
type Appointment struct {
	ID              int64           `json:"id"`
	AppointmentID   string          `json:"appointment_id"`
	AppointmentDate time.Time       `json:"appointment_date"`
	PatientID       int64           `json:"patient_id"`
	DoctorID        int64           `json:"doctor_id"`
	TreatmentID     int64           `json:"treatment_id"`
	InsuranceID     int64           `json:"insurance_id"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	CreatedAt       time.Time       `json:"created_at"`
}

// AppointmentFragment is a point-in-time copy of an appointment and the
// entities it referenced, embedded in a PatientHistory document.
type AppointmentFragment struct {
	AppointmentID        string  `json:"appointmentId" bson:"appointmentId"`
	Date                 string  `json:"date" bson:"date"`
	DoctorID             int64   `json:"doctorId,omitempty" bson:"doctorId,omitempty"`
	DoctorName           string  `json:"doctorName" bson:"doctorName"`
	DoctorEmail          string  `json:"doctorEmail" bson:"doctorEmail"`
	Specialty            string  `json:"specialty" bson:"specialty"`
	TreatmentCode        string  `json:"treatmentCode" bson:"treatmentCode"`
	TreatmentDescription string  `json:"treatmentDescription" bson:"treatmentDescription"`
	TreatmentCost        float64 `json:"treatmentCost" bson:"treatmentCost"`
	InsuranceProvider    string  `json:"insuranceProvider" bson:"insuranceProvider"`
	CoveragePercentage   float64 `json:"coveragePercentage" bson:"coveragePercentage"`
	AmountPaid           float64 `json:"amountPaid" bson:"amountPaid"`
}

// PatientHistory is the denormalized per-patient document, keyed by email.
type PatientHistory struct {
	PatientEmail string                `json:"patientEmail" bson:"patientEmail"`
	PatientName  string                `json:"patientName" bson:"patientName"`
	Appointments []AppointmentFragment `json:"appointments" bson:"appointments"`
	CreatedAt    time.Time             `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt" bson:"updatedAt"`
}

// NewFragment builds the embedded copy of an appointment from the rows it
// references.
func NewFragment(a *Appointment, d *Doctor, t *Treatment, i *Insurance) AppointmentFragment {
	return AppointmentFragment{
		AppointmentID:        a.AppointmentID,
		Date:                 a.AppointmentDate.Format(DateLayout),
		DoctorID:             d.ID,
		DoctorName:           d.Name,
		DoctorEmail:          d.Email,
		Specialty:            d.Specialty,
		TreatmentCode:        t.Code,
		TreatmentDescription: t.Description,
		TreatmentCost:        t.Cost.InexactFloat64(),
		InsuranceProvider:    i.Name,
		CoveragePercentage:   i.CoveragePercentage.InexactFloat64(),
		AmountPaid:           a.AmountPaid.InexactFloat64(),
	}
}

type OutboxKind string

const (
	OutboxAppointmentCreated OutboxKind = "appointment.created"
	OutboxDoctorUpdated      OutboxKind = "doctor.updated"
	OutboxPatientUpdated     OutboxKind = "patient.updated"
)

// OutboxEntry records a document-store mutation decided inside a relational
// transaction. Payload is JSON whose shape depends on Kind.
type OutboxEntry struct {
	ID           int64      `json:"id"`
	Kind         OutboxKind `json:"kind"`
	AggregateKey string     `json:"aggregate_key"`
	Payload      []byte     `json:"payload"`
	Attempts     int        `json:"attempts"`
	LastError    *string    `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// AppointmentCreated is the payload of an appointment.created entry.
type AppointmentCreated struct {
	PatientEmail string              `json:"patientEmail"`
	PatientName  string              `json:"patientName"`
	Fragment     AppointmentFragment `json:"fragment"`
}

// DoctorUpdated is the payload of a doctor.updated entry. The current name
// and email are re-read when the entry is applied.
type DoctorUpdated struct {
	DoctorID int64  `json:"doctorId"`
	OldEmail string `json:"oldEmail"`
}

// PatientUpdated is the payload of a patient.updated entry. The history
// document filed under OldEmail follows the patient's current row.
type PatientUpdated struct {
	PatientID int64  `json:"patientId"`
	OldEmail  string `json:"oldEmail"`
}
