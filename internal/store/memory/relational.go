// Package memory provides in-process implementations of the relational and
// history stores. They enforce the same uniqueness and foreign-key rules as
// the real databases and are used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/relational"
	"github.com/mesikahq/clinic-sync/internal/resolver"
)

// FailFunc lets tests inject an error for a named operation such as
// "UpsertTreatment" or "InsertAppointment". Returning nil lets it proceed.
type FailFunc func(op string) error

type relState struct {
	schema       bool
	seq          map[string]int64
	patients     map[int64]clinic.Patient
	doctors      map[int64]clinic.Doctor
	insurances   map[int64]clinic.Insurance
	treatments   map[int64]clinic.Treatment
	appointments map[int64]clinic.Appointment
	outbox       map[int64]clinic.OutboxEntry
}

func newRelState() *relState {
	return &relState{
		seq:          make(map[string]int64),
		patients:     make(map[int64]clinic.Patient),
		doctors:      make(map[int64]clinic.Doctor),
		insurances:   make(map[int64]clinic.Insurance),
		treatments:   make(map[int64]clinic.Treatment),
		appointments: make(map[int64]clinic.Appointment),
		outbox:       make(map[int64]clinic.OutboxEntry),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *relState) clone() *relState {
	return &relState{
		schema:       s.schema,
		seq:          cloneMap(s.seq),
		patients:     cloneMap(s.patients),
		doctors:      cloneMap(s.doctors),
		insurances:   cloneMap(s.insurances),
		treatments:   cloneMap(s.treatments),
		appointments: cloneMap(s.appointments),
		outbox:       cloneMap(s.outbox),
	}
}

func (s *relState) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// Relational is an in-memory relational.Store. Transactions run on a copy
// of the state that replaces the original only on success.
type Relational struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *relState
	Fail FailFunc
}

var _ relational.Store = (*Relational)(nil)

func NewRelational() *Relational {
	return &Relational{st: newRelState()}
}

func (r *Relational) fail(op string) error {
	if r.Fail == nil {
		return nil
	}
	return r.Fail(op)
}

func (r *Relational) InitSchema(context.Context) error {
	if err := r.fail("InitSchema"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.schema = true
	return nil
}

func (r *Relational) SchemaReady(context.Context) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.schema, nil
}

func (r *Relational) RunInTx(ctx context.Context, fn func(tx relational.Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	work := r.st.clone()
	r.mu.RUnlock()

	if err := fn(&memTx{st: work, fail: r.fail}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.st = work
	r.mu.Unlock()
	return nil
}

func (r *Relational) GetPatient(_ context.Context, id int64) (*clinic.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.st.patients[id]
	if !ok {
		return nil, clinic.NotFoundError("patient")
	}
	return &p, nil
}

func (r *Relational) GetDoctor(_ context.Context, id int64) (*clinic.Doctor, error) {
	if err := r.fail("GetDoctor"); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.st.doctors[id]
	if !ok {
		return nil, clinic.NotFoundError("doctor")
	}
	return &d, nil
}

func (r *Relational) GetTreatment(_ context.Context, id int64) (*clinic.Treatment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.st.treatments[id]
	if !ok {
		return nil, clinic.NotFoundError("treatment")
	}
	return &t, nil
}

func (r *Relational) GetInsurance(_ context.Context, id int64) (*clinic.Insurance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.st.insurances[id]
	if !ok {
		return nil, clinic.NotFoundError("insurance")
	}
	return &i, nil
}

func (r *Relational) DoctorEmailTaken(_ context.Context, email string, exceptID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, d := range r.st.doctors {
		if d.Email == email && id != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Relational) PatientEmailTaken(_ context.Context, email string, exceptID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.st.patients {
		if p.Email == email && id != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func sortedValues[V any](m map[int64]V, less func(a, b V) bool) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (r *Relational) ListPatients(context.Context) ([]clinic.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.st.patients, func(a, b clinic.Patient) bool { return a.Name < b.Name }), nil
}

func (r *Relational) ListDoctors(_ context.Context, specialty string) ([]clinic.Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := sortedValues(r.st.doctors, func(a, b clinic.Doctor) bool { return a.Name < b.Name })
	if specialty == "" {
		return all, nil
	}
	out := []clinic.Doctor{}
	for _, d := range all {
		if strings.Contains(strings.ToLower(d.Specialty), strings.ToLower(specialty)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Relational) ListInsurances(context.Context) ([]clinic.Insurance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.st.insurances, func(a, b clinic.Insurance) bool { return a.Name < b.Name }), nil
}

func (r *Relational) ListTreatments(context.Context) ([]clinic.Treatment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.st.treatments, func(a, b clinic.Treatment) bool { return a.Code < b.Code }), nil
}

// Appointments returns every stored appointment ordered by surrogate id.
func (r *Relational) Appointments() []clinic.Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.st.appointments, func(a, b clinic.Appointment) bool { return a.ID < b.ID })
}

func (r *Relational) CreatePatient(_ context.Context, p *clinic.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.st.patients {
		if x.Email == p.Email {
			return &clinic.ConflictError{Entity: "patient", Key: p.Email}
		}
	}
	p.ID = r.st.next("patients")
	p.CreatedAt = time.Now().UTC()
	r.st.patients[p.ID] = *p
	return nil
}

func (r *Relational) CreateDoctor(_ context.Context, d *clinic.Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.st.doctors {
		if x.Email == d.Email {
			return &clinic.ConflictError{Entity: "doctor", Key: d.Email}
		}
	}
	d.ID = r.st.next("doctors")
	d.CreatedAt = time.Now().UTC()
	r.st.doctors[d.ID] = *d
	return nil
}

func (r *Relational) CreateInsurance(_ context.Context, i *clinic.Insurance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.st.insurances {
		if x.Name == i.Name {
			return &clinic.ConflictError{Entity: "insurance", Key: i.Name}
		}
	}
	i.ID = r.st.next("insurances")
	i.CreatedAt = time.Now().UTC()
	r.st.insurances[i.ID] = *i
	return nil
}

func (r *Relational) CreateTreatment(_ context.Context, t *clinic.Treatment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.st.treatments {
		if x.Code == t.Code {
			return &clinic.ConflictError{Entity: "treatment", Key: t.Code}
		}
	}
	t.ID = r.st.next("treatments")
	t.CreatedAt = time.Now().UTC()
	r.st.treatments[t.ID] = *t
	return nil
}

func (r *Relational) DeleteDoctor(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.st.doctors[id]; !ok {
		return clinic.NotFoundError("doctor")
	}
	for _, a := range r.st.appointments {
		if a.DoctorID == id {
			return &clinic.ConflictError{Entity: "doctor", Key: fmt.Sprint(id), Reason: "doctor is referenced by appointments"}
		}
	}
	delete(r.st.doctors, id)
	return nil
}

// DeletePatient mirrors ON DELETE RESTRICT for patients.
func (r *Relational) DeletePatient(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.st.patients[id]; !ok {
		return clinic.NotFoundError("patient")
	}
	for _, a := range r.st.appointments {
		if a.PatientID == id {
			return &clinic.ConflictError{Entity: "patient", Key: fmt.Sprint(id), Reason: "patient is referenced by appointments"}
		}
	}
	delete(r.st.patients, id)
	return nil
}

func (r *Relational) Revenue(_ context.Context, f relational.RevenueFilter) (*relational.Revenue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rev := &relational.Revenue{TotalRevenue: decimal.Zero, ByInsurance: []relational.InsuranceRevenue{}}
	byName := make(map[string]*relational.InsuranceRevenue)
	for _, a := range r.st.appointments {
		if f.From != nil && a.AppointmentDate.Before(*f.From) {
			continue
		}
		if f.To != nil && a.AppointmentDate.After(*f.To) {
			continue
		}
		rev.TotalRevenue = rev.TotalRevenue.Add(a.AmountPaid)
		name := r.st.insurances[a.InsuranceID].Name
		ir, ok := byName[name]
		if !ok {
			ir = &relational.InsuranceRevenue{InsuranceName: name, TotalAmount: decimal.Zero}
			byName[name] = ir
		}
		ir.TotalAmount = ir.TotalAmount.Add(a.AmountPaid)
		ir.AppointmentCount++
	}
	for _, ir := range byName {
		rev.ByInsurance = append(rev.ByInsurance, *ir)
	}
	sort.Slice(rev.ByInsurance, func(i, j int) bool {
		a, b := rev.ByInsurance[i], rev.ByInsurance[j]
		if !a.TotalAmount.Equal(b.TotalAmount) {
			return a.TotalAmount.GreaterThan(b.TotalAmount)
		}
		return a.InsuranceName < b.InsuranceName
	})
	return rev, nil
}

func (r *Relational) Counts(context.Context) (*relational.TableCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &relational.TableCounts{
		Patients:     int64(len(r.st.patients)),
		Doctors:      int64(len(r.st.doctors)),
		Appointments: int64(len(r.st.appointments)),
		Treatments:   int64(len(r.st.treatments)),
		Insurances:   int64(len(r.st.insurances)),
	}, nil
}

func (r *Relational) PendingOutbox(_ context.Context, limit int) ([]clinic.OutboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := sortedValues(r.st.outbox, func(a, b clinic.OutboxEntry) bool {
		if a.Attempts != b.Attempts {
			return a.Attempts < b.Attempts
		}
		return a.ID < b.ID
	})
	out := []clinic.OutboxEntry{}
	for _, e := range all {
		if e.DeliveredAt == nil {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *Relational) MarkOutboxDelivered(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.st.outbox[id]
	if !ok {
		return clinic.NotFoundError("outbox entry")
	}
	now := time.Now().UTC()
	e.DeliveredAt = &now
	e.Attempts++
	e.LastError = nil
	r.st.outbox[id] = e
	return nil
}

func (r *Relational) MarkOutboxFailed(_ context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.st.outbox[id]
	if !ok {
		return clinic.NotFoundError("outbox entry")
	}
	e.Attempts++
	e.LastError = &reason
	r.st.outbox[id] = e
	return nil
}

func (r *Relational) CountPendingOutbox(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, e := range r.st.outbox {
		if e.DeliveredAt == nil {
			n++
		}
	}
	return n, nil
}

type memTx struct {
	st   *relState
	fail FailFunc
}

func (t *memTx) UpsertPatient(_ context.Context, p resolver.PatientDraft) (int64, error) {
	if err := t.fail("UpsertPatient"); err != nil {
		return 0, err
	}
	for id, x := range t.st.patients {
		if x.Email == p.Email {
			x.Name, x.Phone, x.Address = p.Name, p.Phone, p.Address
			t.st.patients[id] = x
			return id, nil
		}
	}
	id := t.st.next("patients")
	t.st.patients[id] = clinic.Patient{ID: id, Name: p.Name, Email: p.Email, Phone: p.Phone, Address: p.Address, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (t *memTx) UpsertDoctor(_ context.Context, d resolver.DoctorDraft) (int64, error) {
	if err := t.fail("UpsertDoctor"); err != nil {
		return 0, err
	}
	for id, x := range t.st.doctors {
		if x.Email == d.Email {
			x.Name, x.Specialty = d.Name, d.Specialty
			t.st.doctors[id] = x
			return id, nil
		}
	}
	id := t.st.next("doctors")
	t.st.doctors[id] = clinic.Doctor{ID: id, Name: d.Name, Email: d.Email, Specialty: d.Specialty, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (t *memTx) UpsertInsurance(_ context.Context, i resolver.InsuranceDraft) (int64, error) {
	if err := t.fail("UpsertInsurance"); err != nil {
		return 0, err
	}
	for id, x := range t.st.insurances {
		if x.Name == i.Name {
			x.CoveragePercentage = i.Coverage
			t.st.insurances[id] = x
			return id, nil
		}
	}
	id := t.st.next("insurances")
	t.st.insurances[id] = clinic.Insurance{ID: id, Name: i.Name, CoveragePercentage: i.Coverage, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (t *memTx) UpsertTreatment(_ context.Context, tr resolver.TreatmentDraft) (int64, error) {
	if err := t.fail("UpsertTreatment"); err != nil {
		return 0, err
	}
	for id, x := range t.st.treatments {
		if x.Code == tr.Code {
			x.Description, x.Cost = tr.Description, tr.Cost
			t.st.treatments[id] = x
			return id, nil
		}
	}
	id := t.st.next("treatments")
	t.st.treatments[id] = clinic.Treatment{ID: id, Code: tr.Code, Description: tr.Description, Cost: tr.Cost, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (t *memTx) checkRefs(a *clinic.Appointment) error {
	if _, ok := t.st.patients[a.PatientID]; !ok {
		return &clinic.ReferenceError{Field: "patient_id"}
	}
	if _, ok := t.st.doctors[a.DoctorID]; !ok {
		return &clinic.ReferenceError{Field: "doctor_id"}
	}
	if _, ok := t.st.treatments[a.TreatmentID]; !ok {
		return &clinic.ReferenceError{Field: "treatment_id"}
	}
	if _, ok := t.st.insurances[a.InsuranceID]; !ok {
		return &clinic.ReferenceError{Field: "insurance_id"}
	}
	return nil
}

func (t *memTx) exists(appointmentID string) bool {
	for _, x := range t.st.appointments {
		if x.AppointmentID == appointmentID {
			return true
		}
	}
	return false
}

func (t *memTx) InsertAppointment(_ context.Context, a *clinic.Appointment) (bool, error) {
	if err := t.fail("InsertAppointment"); err != nil {
		return false, err
	}
	if t.exists(a.AppointmentID) {
		return false, nil
	}
	if err := t.checkRefs(a); err != nil {
		return false, err
	}
	a.ID = t.st.next("appointments")
	a.CreatedAt = time.Now().UTC()
	t.st.appointments[a.ID] = *a
	return true, nil
}

func (t *memTx) CreateAppointment(_ context.Context, a *clinic.Appointment) error {
	if err := t.fail("CreateAppointment"); err != nil {
		return err
	}
	if t.exists(a.AppointmentID) {
		return &clinic.ConflictError{Entity: "appointment", Key: a.AppointmentID}
	}
	if err := t.checkRefs(a); err != nil {
		return err
	}
	a.ID = t.st.next("appointments")
	a.CreatedAt = time.Now().UTC()
	t.st.appointments[a.ID] = *a
	return nil
}

func (t *memTx) UpdateDoctor(_ context.Context, d *clinic.Doctor) error {
	if err := t.fail("UpdateDoctor"); err != nil {
		return err
	}
	cur, ok := t.st.doctors[d.ID]
	if !ok {
		return clinic.NotFoundError("doctor")
	}
	for id, x := range t.st.doctors {
		if id != d.ID && x.Email == d.Email {
			return &clinic.ConflictError{Entity: "doctor", Key: d.Email}
		}
	}
	cur.Name, cur.Email, cur.Specialty = d.Name, d.Email, d.Specialty
	t.st.doctors[d.ID] = cur
	return nil
}

func (t *memTx) UpdatePatient(_ context.Context, p *clinic.Patient) error {
	if err := t.fail("UpdatePatient"); err != nil {
		return err
	}
	cur, ok := t.st.patients[p.ID]
	if !ok {
		return clinic.NotFoundError("patient")
	}
	for id, x := range t.st.patients {
		if id != p.ID && x.Email == p.Email {
			return &clinic.ConflictError{Entity: "patient", Key: p.Email}
		}
	}
	cur.Name, cur.Email, cur.Phone, cur.Address = p.Name, p.Email, p.Phone, p.Address
	t.st.patients[p.ID] = cur
	return nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, e *clinic.OutboxEntry) error {
	if err := t.fail("EnqueueOutbox"); err != nil {
		return err
	}
	e.ID = t.st.next("outbox")
	e.CreatedAt = time.Now().UTC()
	t.st.outbox[e.ID] = *e
	return nil
}

func (t *memTx) ClearAll(context.Context) error {
	if err := t.fail("ClearAll"); err != nil {
		return err
	}
	t.st.outbox = make(map[int64]clinic.OutboxEntry)
	t.st.appointments = make(map[int64]clinic.Appointment)
	t.st.treatments = make(map[int64]clinic.Treatment)
	t.st.patients = make(map[int64]clinic.Patient)
	t.st.doctors = make(map[int64]clinic.Doctor)
	t.st.insurances = make(map[int64]clinic.Insurance)
	return nil
}
