package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/database"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// wallClockLayout is how request_date is written: a zone-less wall clock in the sync timezone.
const wallClockLayout = "2006-01-02 15:04:05.000000"

// WatermarkRepository stores the start time of the last successful poll
type WatermarkRepository struct {
	db       *database.DB
	logger   *logger.Logger
	location *time.Location
}

// NewWatermarkRepository creates a watermark store recording wall clock time in loc
func NewWatermarkRepository(db *database.DB, log *logger.Logger, loc *time.Location) *WatermarkRepository {
	if loc == nil {
		loc = time.Local
	}
	return &WatermarkRepository{db: db, logger: log, location: loc}
}

// Last returns the newest watermark re-anchored into the configured timezone
func (r *WatermarkRepository) Last(ctx context.Context) (*types.PollWatermark, error) {
	return r.latest(ctx, r.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *WatermarkRepository) latest(ctx context.Context, q queryRower) (*types.PollWatermark, error) {
	query := `SELECT id, request_date, created_at FROM poll_watermarks ORDER BY id DESC LIMIT 1`

	wm := &types.PollWatermark{}
	var requestDate time.Time
	err := q.QueryRowContext(ctx, query).Scan(&wm.ID, &requestDate, &wm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeDatabaseError, "failed to read poll watermark", err)
	}

	wm.RequestDate = r.anchor(requestDate)
	return wm, nil
}

// Advance records requestDate as the new watermark. The watermark never moves backwards.
func (r *WatermarkRepository) Advance(ctx context.Context, requestDate time.Time) error {
	start := time.Now()

	tx, err := r.db.BeginTx(ctx, r.db.SerializableTx())
	if err != nil {
		return types.NewInternalError(types.ErrCodeDatabaseError, "failed to begin watermark transaction", err)
	}
	defer tx.Rollback()

	current, err := r.latest(ctx, tx)
	if err != nil {
		return err
	}
	if current != nil && current.RequestDate.After(requestDate) {
		return types.NewConflictError(types.ErrCodeWatermarkRegress,
			fmt.Sprintf("watermark %s is newer than %s", current.RequestDate.Format(time.RFC3339), requestDate.Format(time.RFC3339)))
	}

	query := r.db.Rebind(`INSERT INTO poll_watermarks (request_date, created_at) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, query, requestDate.In(r.location).Format(wallClockLayout), time.Now().UTC()); err != nil {
		return types.NewInternalError(types.ErrCodeDatabaseError, "failed to insert poll watermark", err)
	}

	if err := tx.Commit(); err != nil {
		return types.NewInternalError(types.ErrCodeDatabaseError, "failed to commit poll watermark", err)
	}

	r.logger.DatabaseOperation(ctx, "insert", "poll_watermarks", time.Since(start).Milliseconds(), 1, true)
	return nil
}

// anchor reinterprets a zone-less database value as wall clock time in the sync timezone
func (r *WatermarkRepository) anchor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), r.location)
}
