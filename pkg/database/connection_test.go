package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/config"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Driver:          DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "labsync.db"),
		ConnMaxLifetime: 60,
	}
	db, err := NewConnection(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateSchema_SQLiteIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateSchema(ctx))
	require.NoError(t, db.CreateSchema(ctx))

	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('failed_deliveries', 'poll_watermarks')`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, db.Health(ctx))
}

func TestRebind(t *testing.T) {
	pg := Wrap(nil, DriverPostgres, logger.Discard())
	lite := Wrap(nil, DriverSQLite, logger.Discard())

	q := "UPDATE failed_deliveries SET sent = ? WHERE id = ?"
	assert.Equal(t, "UPDATE failed_deliveries SET sent = $1 WHERE id = $2", pg.Rebind(q))
	assert.Equal(t, q, lite.Rebind(q))
}

func TestBuildConnectionString(t *testing.T) {
	dsn, err := buildConnectionString(&config.DatabaseConfig{
		Driver: DriverPostgres, Host: "db", Port: 5432, User: "u", Password: "p", Name: "labsync", SSLMode: "disable",
	})
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=labsync sslmode=disable", dsn)

	_, err = buildConnectionString(&config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}
