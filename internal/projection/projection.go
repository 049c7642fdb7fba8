// Package projection builds the per-patient history documents of a batch
// directly from its rows.
package projection

import (
	"strings"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/resolver"
	"github.com/mesikahq/clinic-sync/internal/source"
)

// DoctorIDs maps a lower-cased doctor email to its surrogate id.
type DoctorIDs map[string]int64

// Build returns one history per distinct patient email in first-seen
// order, each holding one fragment per row in row order. Rows that cannot
// become appointments are left out, as is any repeat of an appointment id
// already projected. doctorIDs may be nil; when present it stamps the
// doctor id into each fragment.
func Build(rows []source.Row, doctorIDs DoctorIDs) []*clinic.PatientHistory {
	var out []*clinic.PatientHistory
	byEmail := make(map[string]*clinic.PatientHistory)
	seenAppt := make(map[string]bool)

	for _, row := range rows {
		email := resolver.PatientKey(row.PatientEmail)
		if email == "" || resolver.DoctorKey(row.DoctorEmail) == "" {
			continue
		}
		if resolver.RowProblem(row) != "" {
			continue
		}
		apptID := strings.TrimSpace(row.AppointmentID)
		if seenAppt[apptID] {
			continue
		}
		seenAppt[apptID] = true

		h, ok := byEmail[email]
		if !ok {
			h = &clinic.PatientHistory{
				PatientEmail: email,
				PatientName:  resolver.NormalizeName(row.PatientName),
				Appointments: []clinic.AppointmentFragment{},
			}
			byEmail[email] = h
			out = append(out, h)
		}
		h.Appointments = append(h.Appointments, Fragment(row, doctorIDs))
	}
	return out
}

// Fragment derives an embedded appointment from row data alone.
func Fragment(row source.Row, doctorIDs DoctorIDs) clinic.AppointmentFragment {
	doctorEmail := resolver.DoctorKey(row.DoctorEmail)
	return clinic.AppointmentFragment{
		AppointmentID:        strings.TrimSpace(row.AppointmentID),
		Date:                 strings.TrimSpace(row.AppointmentDate),
		DoctorID:             doctorIDs[doctorEmail],
		DoctorName:           resolver.NormalizeName(row.DoctorName),
		DoctorEmail:          doctorEmail,
		Specialty:            strings.TrimSpace(row.Specialty),
		TreatmentCode:        resolver.TreatmentKey(row.TreatmentCode),
		TreatmentDescription: strings.TrimSpace(row.TreatmentDescription),
		TreatmentCost:        resolver.ParseDecimal(row.TreatmentCost).InexactFloat64(),
		InsuranceProvider:    resolver.InsuranceKey(row.InsuranceProvider),
		CoveragePercentage:   resolver.ParseDecimal(row.CoveragePercentage).InexactFloat64(),
		AmountPaid:           resolver.ParseDecimal(row.AmountPaid).InexactFloat64(),
	}
}
