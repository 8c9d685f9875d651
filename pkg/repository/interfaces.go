package repository

import (
	"context"
	"time"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// FailedDeliveryRepositoryInterface defines the failed outbound delivery log
type FailedDeliveryRepositoryInterface interface {
	Create(ctx context.Context, delivery *types.FailedDelivery) error
	ListUnsent(ctx context.Context, limit int) ([]*types.FailedDelivery, error)
	MarkSent(ctx context.Context, id string) error
}

// WatermarkRepositoryInterface defines the poll watermark store
type WatermarkRepositoryInterface interface {
	// Last returns the latest watermark, or nil when no poll has completed yet
	Last(ctx context.Context) (*types.PollWatermark, error)
	Advance(ctx context.Context, requestDate time.Time) error
}
