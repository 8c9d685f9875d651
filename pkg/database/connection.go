package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/config"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	driver string
	logger *logger.Logger
}

// NewConnection opens the configured database and verifies it answers
func NewConnection(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	dsn, err := buildConnectionString(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under the dispatcher pool
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithField("driver", cfg.Driver).Info("Database connection established successfully")
	return Wrap(sqlDB, cfg.Driver, log), nil
}

// Wrap adapts an existing handle, e.g. one produced by sqlmock
func Wrap(sqlDB *sql.DB, driver string, log *logger.Logger) *DB {
	return &DB{DB: sqlDB, driver: driver, logger: log}
}

func buildConnectionString(cfg *config.DatabaseConfig) (string, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host,
			cfg.Port,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.SSLMode,
		), nil
	case DriverSQLite:
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path), nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// Driver returns the name of the SQL driver in use
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}

// Rebind rewrites "?" bind parameters into the driver's placeholder syntax
func (db *DB) Rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SerializableTx returns the strongest isolation the driver supports for read-modify-write cycles
func (db *DB) SerializableTx() *sql.TxOptions {
	if db.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	// sqlite transactions are already serialized by the database lock
	return nil
}
