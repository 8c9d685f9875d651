package outbound

import (
	"context"
	"time"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// Assembler builds the transaction bundle for an order
type Assembler interface {
	Assemble(ctx context.Context, taskID string) (*fhir.Bundle, error)
}

// TransactionSubmitter delivers a transaction bundle to the LIS
type TransactionSubmitter interface {
	SubmitTransaction(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)
}

// FailureRecorder appends to the failed delivery log
type FailureRecorder interface {
	Create(ctx context.Context, delivery *types.FailedDelivery) error
}

// LisTransport assembles and submits lab bundles. Failures are recorded, never returned.
type LisTransport struct {
	assembler   Assembler
	submitter   TransactionSubmitter
	failures    FailureRecorder
	metrics     *monitoring.MetricsCollector
	tracing     *monitoring.TracingManager
	logger      *logger.Logger
	pushEnabled bool
}

// NewLisTransport creates a new transport
func NewLisTransport(
	assembler Assembler,
	submitter TransactionSubmitter,
	failures FailureRecorder,
	metrics *monitoring.MetricsCollector,
	tracing *monitoring.TracingManager,
	log *logger.Logger,
	pushEnabled bool,
) *LisTransport {
	return &LisTransport{
		assembler:   assembler,
		submitter:   submitter,
		failures:    failures,
		metrics:     metrics,
		tracing:     tracing,
		logger:      log,
		pushEnabled: pushEnabled,
	}
}

// Send pushes one order to the LIS
func (t *LisTransport) Send(ctx context.Context, taskID string) types.DeliveryOutcome {
	if !t.pushEnabled {
		t.metrics.RecordDelivery(types.DeliverySkipped, 0, 0)
		return types.DeliverySkipped
	}

	ctx, span := t.tracing.StartTaskSpan(ctx, "deliver", taskID)
	defer span.End()
	start := time.Now()

	entries := 0
	err := func() error {
		bundle, err := t.assembler.Assemble(ctx, taskID)
		if err != nil {
			return err
		}
		entries = len(bundle.Entry)
		span.SetAttributes(attribute.Int("labsync.bundle.entries", entries))
		_, err = t.submitter.SubmitTransaction(ctx, bundle)
		return err
	}()

	duration := time.Since(start)
	if err == nil {
		t.metrics.RecordDelivery(types.DeliveryDelivered, entries, duration)
		t.logger.Delivery(ctx, taskID, string(types.DeliveryDelivered), entries, duration.Milliseconds(), nil)
		return types.DeliveryDelivered
	}

	t.tracing.RecordError(span, err)
	t.metrics.RecordDelivery(types.DeliveryFailed, entries, duration)
	t.logger.Delivery(ctx, taskID, string(types.DeliveryFailed), entries, duration.Milliseconds(), err)

	record := &types.FailedDelivery{TaskID: taskID, Error: err.Error(), Sent: false}
	if recErr := t.failures.Create(ctx, record); recErr != nil {
		t.logger.WithTask(taskID).WithError(recErr).Error("Could not record failed delivery")
	}
	return types.DeliveryFailed
}
