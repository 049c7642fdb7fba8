package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/history"
)

// History is an in-memory history.Store.
type History struct {
	mu   sync.Mutex
	docs map[string]*clinic.PatientHistory
	Fail FailFunc
}

var _ history.Store = (*History)(nil)

func NewHistory() *History {
	return &History{docs: make(map[string]*clinic.PatientHistory)}
}

func (h *History) fail(op string) error {
	if h.Fail == nil {
		return nil
	}
	return h.Fail(op)
}

func copyHistory(src *clinic.PatientHistory) *clinic.PatientHistory {
	dst := *src
	dst.Appointments = append([]clinic.AppointmentFragment{}, src.Appointments...)
	return &dst
}

func (h *History) EnsureIndexes(context.Context) error { return h.fail("EnsureIndexes") }

func (h *History) ReplaceAppointments(_ context.Context, doc *clinic.PatientHistory) error {
	if err := h.fail("ReplaceAppointments"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	cur, ok := h.docs[doc.PatientEmail]
	if !ok {
		cur = &clinic.PatientHistory{PatientEmail: doc.PatientEmail, CreatedAt: now}
		h.docs[doc.PatientEmail] = cur
	}
	cur.PatientName = doc.PatientName
	cur.Appointments = append([]clinic.AppointmentFragment{}, doc.Appointments...)
	cur.UpdatedAt = now
	return nil
}

func (h *History) AppendFragment(_ context.Context, email, patientName string, f clinic.AppointmentFragment) (bool, error) {
	if err := h.fail("AppendFragment"); err != nil {
		return false, err
	}
	return history.AppendWithRetry(
		func() (bool, error) { return h.upsertFragment(email, patientName, f) },
		func() (bool, error) { return h.pushFragment(email, f), nil },
	)
}

// upsertFragment behaves like an upsert on a unique key: matching and
// inserting are separate steps, and an insert that finds the document already
// present fails with history.ErrDocumentExists. The "AppendFragment.insert"
// hook runs between the two steps.
func (h *History) upsertFragment(email, patientName string, f clinic.AppointmentFragment) (bool, error) {
	if h.pushFragment(email, f) {
		return true, nil
	}
	if err := h.fail("AppendFragment.insert"); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.docs[email]; ok {
		return false, history.ErrDocumentExists
	}
	now := time.Now().UTC()
	h.docs[email] = &clinic.PatientHistory{
		PatientEmail: email,
		PatientName:  patientName,
		Appointments: []clinic.AppointmentFragment{f},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return true, nil
}

// pushFragment appends f to an existing document that does not hold it yet.
func (h *History) pushFragment(email string, f clinic.AppointmentFragment) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.docs[email]
	if !ok {
		return false
	}
	if hasFragment(cur, f.AppointmentID) {
		return false
	}
	cur.Appointments = append(cur.Appointments, f)
	cur.UpdatedAt = time.Now().UTC()
	return true
}

func (h *History) RewriteDoctor(_ context.Context, doctorID int64, oldEmail, name, email string) (int64, error) {
	if err := h.fail("RewriteDoctor"); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var modified int64
	for _, doc := range h.docs {
		changed := false
		for i := range doc.Appointments {
			f := &doc.Appointments[i]
			match := f.DoctorID == doctorID || (f.DoctorID == 0 && f.DoctorEmail == oldEmail)
			if !match || (f.DoctorName == name && f.DoctorEmail == email) {
				continue
			}
			f.DoctorName = name
			f.DoctorEmail = email
			changed = true
		}
		if changed {
			doc.UpdatedAt = time.Now().UTC()
			modified++
		}
	}
	return modified, nil
}

func (h *History) RenamePatient(_ context.Context, oldEmail, newEmail, name string) error {
	if err := h.fail("RenamePatient"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := h.docs[oldEmail]; ok && oldEmail != newEmail {
		delete(h.docs, oldEmail)
		if cur, ok := h.docs[newEmail]; ok {
			for _, f := range old.Appointments {
				if !hasFragment(cur, f.AppointmentID) {
					cur.Appointments = append(cur.Appointments, f)
				}
			}
		} else {
			old.PatientEmail = newEmail
			h.docs[newEmail] = old
		}
	}
	if cur, ok := h.docs[newEmail]; ok {
		cur.PatientName = name
		cur.UpdatedAt = now
	}
	return nil
}

func hasFragment(doc *clinic.PatientHistory, appointmentID string) bool {
	for _, x := range doc.Appointments {
		if x.AppointmentID == appointmentID {
			return true
		}
	}
	return false
}

func (h *History) Get(_ context.Context, email string) (*clinic.PatientHistory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[email]
	if !ok {
		return nil, clinic.NotFoundError("patient history")
	}
	return copyHistory(doc), nil
}

func (h *History) Clear(context.Context) error {
	if err := h.fail("Clear"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.docs = make(map[string]*clinic.PatientHistory)
	return nil
}

func (h *History) Count(context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.docs)), nil
}
