package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/database"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// FailedDeliveryRepository persists bundles the LIS refused or never received
type FailedDeliveryRepository struct {
	db     *database.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewFailedDeliveryRepository creates a new failed delivery repository
func NewFailedDeliveryRepository(db *database.DB, log *logger.Logger) *FailedDeliveryRepository {
	return &FailedDeliveryRepository{db: db, logger: log, now: time.Now}
}

// Create appends a record. ID and CreatedAt are filled in when empty.
func (r *FailedDeliveryRepository) Create(ctx context.Context, delivery *types.FailedDelivery) error {
	start := time.Now()

	if delivery.ID == "" {
		delivery.ID = uuid.New().String()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = r.now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO failed_deliveries (id, task_id, error, sent, created_at)
		VALUES (?, ?, ?, ?, ?)`)

	result, err := r.db.ExecContext(ctx, query,
		delivery.ID,
		delivery.TaskID,
		delivery.Error,
		delivery.Sent,
		delivery.CreatedAt,
	)
	if err != nil {
		r.logger.DatabaseOperation(ctx, "insert", "failed_deliveries", time.Since(start).Milliseconds(), 0, false)
		return types.NewInternalError(types.ErrCodeDatabaseError, "failed to record failed delivery", err)
	}

	rows, _ := result.RowsAffected()
	r.logger.DatabaseOperation(ctx, "insert", "failed_deliveries", time.Since(start).Milliseconds(), rows, true)
	return nil
}

// ListUnsent returns unsent records, oldest first
func (r *FailedDeliveryRepository) ListUnsent(ctx context.Context, limit int) ([]*types.FailedDelivery, error) {
	if limit <= 0 {
		limit = 100
	}

	query := r.db.Rebind(`
		SELECT id, task_id, error, sent, created_at
		FROM failed_deliveries
		WHERE sent = ?
		ORDER BY created_at ASC
		LIMIT ?`)

	rows, err := r.db.QueryContext(ctx, query, false, limit)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeDatabaseError, "failed to list failed deliveries", err)
	}
	defer rows.Close()

	var deliveries []*types.FailedDelivery
	for rows.Next() {
		d := &types.FailedDelivery{}
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Error, &d.Sent, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed deliveries: %w", err)
	}

	return deliveries, nil
}

// MarkSent flags a record as re-delivered
func (r *FailedDeliveryRepository) MarkSent(ctx context.Context, id string) error {
	query := r.db.Rebind(`UPDATE failed_deliveries SET sent = ? WHERE id = ?`)

	result, err := r.db.ExecContext(ctx, query, true, id)
	if err != nil {
		return types.NewInternalError(types.ErrCodeDatabaseError, "failed to mark delivery sent", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return types.NewInternalError(types.ErrCodeDatabaseError, "failed to read affected rows", err)
	}
	if rows == 0 {
		return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("failed delivery %s not found", id))
	}
	return nil
}
