package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mesikahq/clinic-sync/internal/clinic"
)

// Columns lists the header names every batch file must carry.
var Columns = []string{
	"patient_name",
	"patient_email",
	"patient_phone",
	"patient_address",
	"doctor_name",
	"doctor_email",
	"specialty",
	"insurance_provider",
	"coverage_percentage",
	"treatment_code",
	"treatment_description",
	"treatment_cost",
	"appointment_id",
	"appointment_date",
	"amount_paid",
}

// Row is one appointment line of a batch file. Values are trimmed but
// otherwise raw; parsing and normalization happen in the resolver.
type Row struct {
	Line                 int
	PatientName          string
	PatientEmail         string
	PatientPhone         string
	PatientAddress       string
	DoctorName           string
	DoctorEmail          string
	Specialty            string
	InsuranceProvider    string
	CoveragePercentage   string
	TreatmentCode        string
	TreatmentDescription string
	TreatmentCost        string
	AppointmentID        string
	AppointmentDate      string
	AmountPaid           string
}

// Read parses a batch file. name is only used in error messages.
// Any structural problem is returned as a *clinic.SourceFormatError.
func Read(r io.Reader, name string) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &clinic.SourceFormatError{Source: name, Err: errors.New("empty file")}
		}
		return nil, &clinic.SourceFormatError{Source: name, Err: err}
	}

	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		colIdx[h] = i
	}
	var missing []string
	for _, c := range Columns {
		if _, ok := colIdx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &clinic.SourceFormatError{
			Source: name,
			Err:    fmt.Errorf("missing columns: %s", strings.Join(missing, ", ")),
		}
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &clinic.SourceFormatError{Source: name, Err: err}
		}
		if blank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		get := func(col string) string {
			i := colIdx[col]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		rows = append(rows, Row{
			Line:                 line,
			PatientName:          get("patient_name"),
			PatientEmail:         get("patient_email"),
			PatientPhone:         get("patient_phone"),
			PatientAddress:       get("patient_address"),
			DoctorName:           get("doctor_name"),
			DoctorEmail:          get("doctor_email"),
			Specialty:            get("specialty"),
			InsuranceProvider:    get("insurance_provider"),
			CoveragePercentage:   get("coverage_percentage"),
			TreatmentCode:        get("treatment_code"),
			TreatmentDescription: get("treatment_description"),
			TreatmentCost:        get("treatment_cost"),
			AppointmentID:        get("appointment_id"),
			AppointmentDate:      get("appointment_date"),
			AmountPaid:           get("amount_paid"),
		})
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
