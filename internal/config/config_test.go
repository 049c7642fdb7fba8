package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setenv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(old)
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, "patient_histories", cfg.Mongo.Collection)
	assert.Equal(t, 5*time.Second, cfg.Outbox.Interval)
	assert.True(t, cfg.Outbox.Enabled)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/configs", 0o755))
	yaml := []byte("postgres:\n  host: db.internal\n  port: 6543\nsource:\n  uri: s3://batches/clinic.csv\n")
	require.NoError(t, os.WriteFile(dir+"/configs/config.yaml", yaml, 0o600))
	chdir(t, dir)

	setenv(t, "POSTGRES_PORT", "7000")
	setenv(t, "MONGODB_URI", "mongodb://mongo:27017")
	setenv(t, "OUTBOX_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 7000, cfg.Postgres.Port)
	assert.Equal(t, "s3://batches/clinic.csv", cfg.Source.URI)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Mongo.URI)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.Interval)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/configs", 0o755))
	require.NoError(t, os.WriteFile(dir+"/configs/config.yaml", []byte("server: [unclosed"), 0o600))
	chdir(t, dir)

	_, err := Load()
	assert.Error(t, err)
}
