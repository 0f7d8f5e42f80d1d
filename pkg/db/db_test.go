package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"donation-reconciler/pkg/config"
)

func TestDialect(t *testing.T) {
	cfg := &config.Config{}

	cfg.Database.Type = "postgres"
	d, err := Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "postgres", d.Name())

	cfg.Database.Type = "mysql"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "mysql", d.Name())

	cfg.Database.Type = "sqlite"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "sqlite", d.Name())

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}

func TestExtractDBNameFromDSN(t *testing.T) {
	require.Equal(t, "donations", extractDBNameFromDSN("host=db port=5432 dbname=donations sslmode=disable"))
	require.Equal(t, "donations", extractDBNameFromDSN("u:p@tcp(db:3306)/donations?parseTime=True"))
	require.Equal(t, "unknown", extractDBNameFromDSN("garbage"))
}
