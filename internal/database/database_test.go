package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "clinic"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=clinic sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestCreateTLSConfigRejectsBadCA(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0o600))

	_, err := createTLSConfig(&MongoConfig{TLSEnabled: true, TLSCAFile: ca})
	assert.Error(t, err)

	_, err = createTLSConfig(&MongoConfig{TLSEnabled: true, TLSCAFile: ca + ".missing"})
	assert.Error(t, err)
}

func TestCreateTLSConfigWithoutFiles(t *testing.T) {
	cfg, err := createTLSConfig(&MongoConfig{TLSEnabled: true})
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
}
