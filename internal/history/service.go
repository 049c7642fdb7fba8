package history

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mesikahq/clinic-sync/internal/clinic"
)

type PatientRef struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Summary struct {
	TotalAppointments     int     `json:"totalAppointments"`
	TotalSpent            float64 `json:"totalSpent"`
	MostFrequentSpecialty *string `json:"mostFrequentSpecialty"`
}

// View is a patient history as served to readers.
type View struct {
	Patient      PatientRef                   `json:"patient"`
	Appointments []clinic.AppointmentFragment `json:"appointments"`
	Summary      Summary                      `json:"summary"`
}

type Service interface {
	Get(ctx context.Context, email string) (*View, error)
}

type service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) Service {
	return &service{store: store, logger: logger}
}

func (s *service) Get(ctx context.Context, email string) (*View, error) {
	h, err := s.store.Get(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	appts := h.Appointments
	if appts == nil {
		appts = []clinic.AppointmentFragment{}
	}
	return &View{
		Patient:      PatientRef{Email: h.PatientEmail, Name: h.PatientName},
		Appointments: appts,
		Summary:      summarize(appts),
	}, nil
}

// summarize breaks specialty ties in favour of the first one seen.
func summarize(appts []clinic.AppointmentFragment) Summary {
	total := decimal.Zero
	freq := make(map[string]int)
	var order []string
	for _, a := range appts {
		total = total.Add(decimal.NewFromFloat(a.AmountPaid))
		if _, ok := freq[a.Specialty]; !ok {
			order = append(order, a.Specialty)
		}
		freq[a.Specialty]++
	}

	var top *string
	best := 0
	for _, sp := range order {
		if freq[sp] > best {
			best = freq[sp]
			sp := sp
			top = &sp
		}
	}
	return Summary{
		TotalAppointments:     len(appts),
		TotalSpent:            total.InexactFloat64(),
		MostFrequentSpecialty: top,
	}
}
