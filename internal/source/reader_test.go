package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/clinic-sync/internal/clinic"
)

const header = "patient_name,patient_email,patient_phone,patient_address,doctor_name,doctor_email,specialty," +
	"insurance_provider,coverage_percentage,treatment_code,treatment_description,treatment_cost," +
	"appointment_id,appointment_date,amount_paid\n"

func TestReadParsesRows(t *testing.T) {
	data := header +
		"  juan perez , J@X.com ,555,Calle 1,Dr Ruiz,r@x.com,Cardiology,Sura,80,T1,Checkup,100,A1,2024-01-05,20\n" +
		"\n" +
		",,,,,,,,,,,,,,\n" +
		"Ana,a@x.com,,,Dr Ruiz,r@x.com,Cardiology,Sura,80,T1,Checkup,100,A2,2024-01-06,20\n"

	rows, err := Read(strings.NewReader(data), "inline")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "juan perez", rows[0].PatientName)
	assert.Equal(t, "J@X.com", rows[0].PatientEmail)
	assert.Equal(t, "A1", rows[0].AppointmentID)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "A2", rows[1].AppointmentID)
	assert.Empty(t, rows[1].PatientPhone)
}

func TestReadColumnOrderIndependent(t *testing.T) {
	cols := append([]string(nil), Columns...)
	cols[0], cols[14] = cols[14], cols[0]
	data := strings.Join(cols, ",") + "\n" +
		"20,j@x.com,,,D,d@x.com,S,I,50,T,Desc,10,A1,2024-01-01,Juan\n"

	rows, err := Read(strings.NewReader(data), "inline")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Juan", rows[0].PatientName)
	assert.Equal(t, "20", rows[0].AmountPaid)
}

func TestReadMissingColumns(t *testing.T) {
	_, err := Read(strings.NewReader("patient_name,patient_email\nJ,j@x.com\n"), "bad.csv")
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrSourceFormat)
	assert.Contains(t, err.Error(), "doctor_email")
}

func TestReadEmpty(t *testing.T) {
	_, err := Read(strings.NewReader(""), "empty.csv")
	assert.ErrorIs(t, err, clinic.ErrSourceFormat)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), FileOpener{}, filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorIs(t, err, clinic.ErrSourceFormat)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(header+
		"J,j@x.com,,,D,d@x.com,S,I,50,T,Desc,10,A1,2024-01-01,5\n"), 0o600))

	o, err := OpenerFor(context.Background(), path, S3Config{})
	require.NoError(t, err)
	rows, err := Load(context.Background(), o, path)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSplitS3URI(t *testing.T) {
	bucket, key, err := SplitS3URI("s3://clinic/batches/2024/data.csv")
	require.NoError(t, err)
	assert.Equal(t, "clinic", bucket)
	assert.Equal(t, "batches/2024/data.csv", key)

	_, _, err = SplitS3URI("s3://clinic")
	assert.Error(t, err)
	_, _, err = SplitS3URI("/tmp/data.csv")
	assert.Error(t, err)
}
