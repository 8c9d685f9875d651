package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the tables backing the failed delivery log and the poll watermark
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	statements := postgresSchema
	if db.driver == DriverSQLite {
		statements = sqliteSchema
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// request_date is stored without a zone: it is the wall clock of the configured sync timezone.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS failed_deliveries (
		id UUID PRIMARY KEY,
		task_id VARCHAR(255) NOT NULL,
		error TEXT NOT NULL,
		sent BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_failed_deliveries_unsent ON failed_deliveries(sent, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_failed_deliveries_task ON failed_deliveries(task_id);`,
	`CREATE TABLE IF NOT EXISTS poll_watermarks (
		id BIGSERIAL PRIMARY KEY,
		request_date TIMESTAMP WITHOUT TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS failed_deliveries (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		error TEXT NOT NULL,
		sent INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_failed_deliveries_unsent ON failed_deliveries(sent, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_failed_deliveries_task ON failed_deliveries(task_id);`,
	`CREATE TABLE IF NOT EXISTS poll_watermarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}
