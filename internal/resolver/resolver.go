package resolver

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/source"
)

type PatientDraft struct {
	Name    string
	Email   string
	Phone   *string
	Address *string
}

type DoctorDraft struct {
	Name      string
	Email     string
	Specialty string
}

type InsuranceDraft struct {
	Name     string
	Coverage decimal.Decimal
}

type TreatmentDraft struct {
	Code        string
	Description string
	Cost        decimal.Decimal
}

// Rejection is a row that could not be resolved to a patient and a doctor.
type Rejection struct {
	Row    source.Row
	Reason string
}

// Resolved holds the deduplicated drafts of one batch. Each slice is in
// first-seen order and holds exactly one draft per natural key.
type Resolved struct {
	Patients   []PatientDraft
	Doctors    []DoctorDraft
	Insurances []InsuranceDraft
	Treatments []TreatmentDraft

	// Rows are the accepted rows in source order. Every one of them feeds
	// appointments and history fragments, duplicates included.
	Rows     []source.Row
	Rejected []Rejection
}

// Resolve deduplicates rows by natural key. The first occurrence of a key
// defines its draft; later rows with the same key never overwrite it.
// Rows without a patient email or a doctor email are rejected and take no
// part in any map. A blank insurance provider or treatment code leaves the
// row accepted but without that entity, so the engine skips its appointment.
func Resolve(rows []source.Row) *Resolved {
	res := &Resolved{}
	seenPatient := make(map[string]bool)
	seenDoctor := make(map[string]bool)
	seenInsurance := make(map[string]bool)
	seenTreatment := make(map[string]bool)

	for _, row := range rows {
		pKey := PatientKey(row.PatientEmail)
		dKey := DoctorKey(row.DoctorEmail)
		switch {
		case pKey == "":
			res.Rejected = append(res.Rejected, Rejection{Row: row, Reason: "missing patient_email"})
			continue
		case dKey == "":
			res.Rejected = append(res.Rejected, Rejection{Row: row, Reason: "missing doctor_email"})
			continue
		}
		res.Rows = append(res.Rows, row)

		if !seenPatient[pKey] {
			seenPatient[pKey] = true
			res.Patients = append(res.Patients, PatientDraft{
				Name:    NormalizeName(row.PatientName),
				Email:   pKey,
				Phone:   optional(row.PatientPhone),
				Address: optional(row.PatientAddress),
			})
		}
		if !seenDoctor[dKey] {
			seenDoctor[dKey] = true
			res.Doctors = append(res.Doctors, DoctorDraft{
				Name:      NormalizeName(row.DoctorName),
				Email:     dKey,
				Specialty: strings.TrimSpace(row.Specialty),
			})
		}
		if iKey := InsuranceKey(row.InsuranceProvider); iKey != "" && !seenInsurance[iKey] {
			seenInsurance[iKey] = true
			res.Insurances = append(res.Insurances, InsuranceDraft{
				Name:     iKey,
				Coverage: ParseDecimal(row.CoveragePercentage),
			})
		}
		if tKey := TreatmentKey(row.TreatmentCode); tKey != "" && !seenTreatment[tKey] {
			seenTreatment[tKey] = true
			res.Treatments = append(res.Treatments, TreatmentDraft{
				Code:        tKey,
				Description: strings.TrimSpace(row.TreatmentDescription),
				Cost:        ParseDecimal(row.TreatmentCost),
			})
		}
	}
	return res
}

func PatientKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func DoctorKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func InsuranceKey(name string) string { return strings.TrimSpace(name) }

func TreatmentKey(code string) string { return strings.TrimSpace(code) }

// NormalizeName trims, collapses internal whitespace and title-cases each
// word. NormalizeName(NormalizeName(s)) == NormalizeName(s).
func NormalizeName(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}
	// Casers carry state and are not safe to share.
	title := cases.Title(language.Und)
	for i, w := range words {
		words[i] = title.String(w)
	}
	return strings.Join(words, " ")
}

// ParseDecimal returns zero for blank or unparsable input.
func ParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// RowProblem reports why an accepted row cannot become an appointment, or
// "" when it can. The relational engine and the projection builder apply
// the same check so both stores skip the same rows.
func RowProblem(row source.Row) string {
	switch {
	case strings.TrimSpace(row.AppointmentID) == "":
		return "missing appointment_id"
	case InsuranceKey(row.InsuranceProvider) == "":
		return "missing insurance_provider"
	case TreatmentKey(row.TreatmentCode) == "":
		return "missing treatment_code"
	}
	if _, err := time.Parse(clinic.DateLayout, strings.TrimSpace(row.AppointmentDate)); err != nil {
		return "invalid appointment_date"
	}
	if amount, err := decimal.NewFromString(strings.TrimSpace(row.AmountPaid)); err != nil || amount.IsNegative() {
		return "invalid amount_paid"
	}
	return ""
}
