package relational

// Tables lists the clinic tables in the order they are created.
var Tables = []string{"patients", "doctors", "insurances", "treatments", "appointments", "outbox"}

// clearOrder deletes children before the rows they reference.
var clearOrder = []string{"outbox", "appointments", "treatments", "patients", "doctors", "insurances"}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id          BIGSERIAL PRIMARY KEY,
		name        VARCHAR(255) NOT NULL,
		email       VARCHAR(255) UNIQUE NOT NULL,
		phone       VARCHAR(50),
		address     TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS doctors (
		id          BIGSERIAL PRIMARY KEY,
		name        VARCHAR(255) NOT NULL,
		email       VARCHAR(255) UNIQUE NOT NULL,
		specialty   VARCHAR(100) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS insurances (
		id                  BIGSERIAL PRIMARY KEY,
		name                VARCHAR(255) UNIQUE NOT NULL,
		coverage_percentage NUMERIC(5,2) NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS treatments (
		id          BIGSERIAL PRIMARY KEY,
		code        VARCHAR(50) UNIQUE NOT NULL,
		description VARCHAR(255) NOT NULL,
		cost        NUMERIC(12,2) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id               BIGSERIAL PRIMARY KEY,
		appointment_id   VARCHAR(50) UNIQUE NOT NULL,
		appointment_date DATE NOT NULL,
		patient_id       BIGINT NOT NULL REFERENCES patients(id)   ON DELETE RESTRICT,
		doctor_id        BIGINT NOT NULL REFERENCES doctors(id)    ON DELETE RESTRICT,
		treatment_id     BIGINT NOT NULL REFERENCES treatments(id) ON DELETE RESTRICT,
		insurance_id     BIGINT NOT NULL REFERENCES insurances(id) ON DELETE RESTRICT,
		amount_paid      NUMERIC(12,2) NOT NULL CHECK (amount_paid >= 0),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id            BIGSERIAL PRIMARY KEY,
		kind          VARCHAR(64) NOT NULL,
		aggregate_key VARCHAR(255) NOT NULL,
		payload       JSONB NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		delivered_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_email ON patients(email)`,
	`CREATE INDEX IF NOT EXISTS idx_doctors_email ON doctors(email)`,
	`CREATE INDEX IF NOT EXISTS idx_doctors_specialty ON doctors(specialty)`,
	`CREATE INDEX IF NOT EXISTS idx_appt_patient_id ON appointments(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_appt_doctor_id ON appointments(doctor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_appt_date ON appointments(appointment_date)`,
	`CREATE INDEX IF NOT EXISTS idx_appt_insurance_id ON appointments(insurance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending_attempts ON outbox(attempts, id) WHERE delivered_at IS NULL`,
}
