package relational

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mesikahq/clinic-sync/internal/clinic"
	"github.com/mesikahq/clinic-sync/internal/resolver"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore implements Store on a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) InitSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
		}
		return nil
	})
}

func (s *PGStore) SchemaReady(ctx context.Context) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = ANY($1)
	`, Tables).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return n == len(Tables), nil
}

func (s *PGStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

const (
	patientCols   = `id, name, email, phone, address, created_at`
	doctorCols    = `id, name, email, specialty, created_at`
	insuranceCols = `id, name, coverage_percentage, created_at`
	treatmentCols = `id, code, description, cost, created_at`
)

func scanPatient(row pgx.Row) (*clinic.Patient, error) {
	var p clinic.Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.Address, &p.CreatedAt)
	return &p, err
}

func scanDoctor(row pgx.Row) (*clinic.Doctor, error) {
	var d clinic.Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Specialty, &d.CreatedAt)
	return &d, err
}

func scanInsurance(row pgx.Row) (*clinic.Insurance, error) {
	var i clinic.Insurance
	err := row.Scan(&i.ID, &i.Name, &i.CoveragePercentage, &i.CreatedAt)
	return &i, err
}

func scanTreatment(row pgx.Row) (*clinic.Treatment, error) {
	var t clinic.Treatment
	err := row.Scan(&t.ID, &t.Code, &t.Description, &t.Cost, &t.CreatedAt)
	return &t, err
}

func notFound(err error, entity string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return clinic.NotFoundError(entity)
	}
	return err
}

// mapWriteError translates constraint violations into the clinic taxonomy.
func mapWriteError(err error, entity, key string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return &clinic.ConflictError{Entity: entity, Key: key}
		case pgForeignKeyViolation:
			return &clinic.ConflictError{Entity: entity, Key: key, Reason: fmt.Sprintf("%s is referenced by appointments", entity)}
		}
	}
	return err
}

func (s *PGStore) GetPatient(ctx context.Context, id int64) (*clinic.Patient, error) {
	p, err := scanPatient(s.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "patient")
	}
	return p, nil
}

func (s *PGStore) GetDoctor(ctx context.Context, id int64) (*clinic.Doctor, error) {
	d, err := scanDoctor(s.pool.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "doctor")
	}
	return d, nil
}

func (s *PGStore) GetTreatment(ctx context.Context, id int64) (*clinic.Treatment, error) {
	t, err := scanTreatment(s.pool.QueryRow(ctx, `SELECT `+treatmentCols+` FROM treatments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "treatment")
	}
	return t, nil
}

func (s *PGStore) GetInsurance(ctx context.Context, id int64) (*clinic.Insurance, error) {
	i, err := scanInsurance(s.pool.QueryRow(ctx, `SELECT `+insuranceCols+` FROM insurances WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "insurance")
	}
	return i, nil
}

func (s *PGStore) DoctorEmailTaken(ctx context.Context, email string, exceptID int64) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM doctors WHERE email = $1 AND id <> $2)`, email, exceptID).Scan(&taken)
	return taken, err
}

func (s *PGStore) PatientEmailTaken(ctx context.Context, email string, exceptID int64) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM patients WHERE email = $1 AND id <> $2)`, email, exceptID).Scan(&taken)
	return taken, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *PGStore) ListPatients(ctx context.Context) ([]clinic.Patient, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPatient)
}

func (s *PGStore) ListDoctors(ctx context.Context, specialty string) ([]clinic.Doctor, error) {
	sql := `SELECT ` + doctorCols + ` FROM doctors`
	var args []any
	if specialty != "" {
		sql += ` WHERE specialty ILIKE $1`
		args = append(args, "%"+specialty+"%")
	}
	rows, err := s.pool.Query(ctx, sql+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDoctor)
}

func (s *PGStore) ListInsurances(ctx context.Context) ([]clinic.Insurance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+insuranceCols+` FROM insurances ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanInsurance)
}

func (s *PGStore) ListTreatments(ctx context.Context) ([]clinic.Treatment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+treatmentCols+` FROM treatments ORDER BY code`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTreatment)
}

func (s *PGStore) CreatePatient(ctx context.Context, p *clinic.Patient) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO patients (name, email, phone, address)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, p.Name, p.Email, p.Phone, p.Address).Scan(&p.ID, &p.CreatedAt)
	return mapWriteError(err, "patient", p.Email)
}

func (s *PGStore) CreateDoctor(ctx context.Context, d *clinic.Doctor) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO doctors (name, email, specialty)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, d.Name, d.Email, d.Specialty).Scan(&d.ID, &d.CreatedAt)
	return mapWriteError(err, "doctor", d.Email)
}

func (s *PGStore) CreateInsurance(ctx context.Context, i *clinic.Insurance) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO insurances (name, coverage_percentage)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, i.Name, i.CoveragePercentage).Scan(&i.ID, &i.CreatedAt)
	return mapWriteError(err, "insurance", i.Name)
}

func (s *PGStore) CreateTreatment(ctx context.Context, t *clinic.Treatment) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO treatments (code, description, cost)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, t.Code, t.Description, t.Cost).Scan(&t.ID, &t.CreatedAt)
	return mapWriteError(err, "treatment", t.Code)
}

func (s *PGStore) DeleteDoctor(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM doctors WHERE id = $1`, id)
	if err != nil {
		return mapWriteError(err, "doctor", fmt.Sprint(id))
	}
	if tag.RowsAffected() == 0 {
		return clinic.NotFoundError("doctor")
	}
	return nil
}

func (s *PGStore) Revenue(ctx context.Context, f RevenueFilter) (*Revenue, error) {
	where := ` WHERE ($1::date IS NULL OR a.appointment_date >= $1) AND ($2::date IS NULL OR a.appointment_date <= $2)`
	rev := &Revenue{ByInsurance: []InsuranceRevenue{}}
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(a.amount_paid), 0) FROM appointments a`+where, f.From, f.To).Scan(&rev.TotalRevenue)
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT i.name, SUM(a.amount_paid), COUNT(a.id)
		FROM appointments a
		JOIN insurances i ON a.insurance_id = i.id`+where+`
		GROUP BY i.name
		ORDER BY SUM(a.amount_paid) DESC, i.name`, f.From, f.To)
	if err != nil {
		return nil, fmt.Errorf("failed to group revenue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r InsuranceRevenue
		if err := rows.Scan(&r.InsuranceName, &r.TotalAmount, &r.AppointmentCount); err != nil {
			return nil, err
		}
		rev.ByInsurance = append(rev.ByInsurance, r)
	}
	return rev, rows.Err()
}

func (s *PGStore) Counts(ctx context.Context) (*TableCounts, error) {
	var c TableCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM patients),
			(SELECT COUNT(*) FROM doctors),
			(SELECT COUNT(*) FROM appointments),
			(SELECT COUNT(*) FROM treatments),
			(SELECT COUNT(*) FROM insurances)
	`).Scan(&c.Patients, &c.Doctors, &c.Appointments, &c.Treatments, &c.Insurances)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}
	return &c, nil
}

func (s *PGStore) PendingOutbox(ctx context.Context, limit int) ([]clinic.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, aggregate_key, payload, attempts, last_error, created_at, delivered_at
		FROM outbox
		WHERE delivered_at IS NULL
		ORDER BY attempts, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (*clinic.OutboxEntry, error) {
		var e clinic.OutboxEntry
		err := row.Scan(&e.ID, &e.Kind, &e.AggregateKey, &e.Payload, &e.Attempts, &e.LastError, &e.CreatedAt, &e.DeliveredAt)
		return &e, err
	})
}

func (s *PGStore) MarkOutboxDelivered(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET delivered_at = NOW(), attempts = attempts + 1, last_error = NULL WHERE id = $1`, id)
	return err
}

func (s *PGStore) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	return err
}

func (s *PGStore) CountPendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL`).Scan(&n)
	return n, err
}

type pgTx struct {
	q queryable
}

func (t *pgTx) UpsertPatient(ctx context.Context, p resolver.PatientDraft) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO patients (name, email, phone, address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE
			SET name = EXCLUDED.name, phone = EXCLUDED.phone, address = EXCLUDED.address
		RETURNING id
	`, p.Name, p.Email, p.Phone, p.Address).Scan(&id)
	return id, err
}

func (t *pgTx) UpsertDoctor(ctx context.Context, d resolver.DoctorDraft) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO doctors (name, email, specialty)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE
			SET name = EXCLUDED.name, specialty = EXCLUDED.specialty
		RETURNING id
	`, d.Name, d.Email, d.Specialty).Scan(&id)
	return id, err
}

func (t *pgTx) UpsertInsurance(ctx context.Context, i resolver.InsuranceDraft) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO insurances (name, coverage_percentage)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
			SET coverage_percentage = EXCLUDED.coverage_percentage
		RETURNING id
	`, i.Name, i.Coverage).Scan(&id)
	return id, err
}

func (t *pgTx) UpsertTreatment(ctx context.Context, tr resolver.TreatmentDraft) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO treatments (code, description, cost)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE
			SET description = EXCLUDED.description, cost = EXCLUDED.cost
		RETURNING id
	`, tr.Code, tr.Description, tr.Cost).Scan(&id)
	return id, err
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *clinic.Appointment) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO appointments
			(appointment_id, appointment_date, patient_id, doctor_id, treatment_id, insurance_id, amount_paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (appointment_id) DO NOTHING
	`, a.AppointmentID, a.AppointmentDate, a.PatientID, a.DoctorID, a.TreatmentID, a.InsuranceID, a.AmountPaid)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) CreateAppointment(ctx context.Context, a *clinic.Appointment) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO appointments
			(appointment_id, appointment_date, patient_id, doctor_id, treatment_id, insurance_id, amount_paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, a.AppointmentID, a.AppointmentDate, a.PatientID, a.DoctorID, a.TreatmentID, a.InsuranceID, a.AmountPaid,
	).Scan(&a.ID, &a.CreatedAt)
	return mapWriteError(err, "appointment", a.AppointmentID)
}

func (t *pgTx) UpdateDoctor(ctx context.Context, d *clinic.Doctor) error {
	tag, err := t.q.Exec(ctx, `UPDATE doctors SET name = $2, email = $3, specialty = $4 WHERE id = $1`,
		d.ID, d.Name, d.Email, d.Specialty)
	if err != nil {
		return mapWriteError(err, "doctor", d.Email)
	}
	if tag.RowsAffected() == 0 {
		return clinic.NotFoundError("doctor")
	}
	return nil
}

func (t *pgTx) UpdatePatient(ctx context.Context, p *clinic.Patient) error {
	tag, err := t.q.Exec(ctx, `UPDATE patients SET name = $2, email = $3, phone = $4, address = $5 WHERE id = $1`,
		p.ID, p.Name, p.Email, p.Phone, p.Address)
	if err != nil {
		return mapWriteError(err, "patient", p.Email)
	}
	if tag.RowsAffected() == 0 {
		return clinic.NotFoundError("patient")
	}
	return nil
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, e *clinic.OutboxEntry) error {
	return t.q.QueryRow(ctx, `
		INSERT INTO outbox (kind, aggregate_key, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, string(e.Kind), e.AggregateKey, e.Payload).Scan(&e.ID, &e.CreatedAt)
}

func (t *pgTx) ClearAll(ctx context.Context) error {
	for _, table := range clearOrder {
		if _, err := t.q.Exec(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
