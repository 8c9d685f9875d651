package inbound

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/internal/fhirstore"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// ReconcileSummary counts per order outcomes of one reconciliation pass
type ReconcileSummary struct {
	Tasks     int
	Updated   int
	Unchanged int
	NoMatch   int
	Failed    int
}

func (s *ReconcileSummary) add(result types.ReconcileResult) {
	s.Tasks++
	switch result {
	case types.ReconcileUpdated:
		s.Updated++
	case types.ReconcileUnchanged:
		s.Unchanged++
	case types.ReconcileNoMatch:
		s.NoMatch++
	case types.ReconcileFailed:
		s.Failed++
	}
}

// TaskReconciler applies completed remote orders to their local counterparts
type TaskReconciler struct {
	store   fhirstore.Repository
	merger  *OutputMerger
	metrics *monitoring.MetricsCollector
	logger  *logger.Logger

	// persistStatusOnly also saves orders whose only change is their status
	persistStatusOnly bool
}

// NewTaskReconciler creates a new reconciler
func NewTaskReconciler(store fhirstore.Repository, merger *OutputMerger, persistStatusOnly bool, metrics *monitoring.MetricsCollector, log *logger.Logger) *TaskReconciler {
	return &TaskReconciler{
		store:             store,
		merger:            merger,
		metrics:           metrics,
		logger:            log,
		persistStatusOnly: persistStatusOnly,
	}
}

// Reconcile processes every Task in pages. A failing order is logged and counted; only a
// cancelled context aborts the pass.
func (r *TaskReconciler) Reconcile(ctx context.Context, pages []*fhir.Bundle) (ReconcileSummary, error) {
	var summary ReconcileSummary
	for _, page := range pages {
		for _, raw := range fhirutil.BundleResources(page) {
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			h, err := fhirutil.ReadHeader(raw)
			if err == nil && h.ResourceType != fhirutil.TypeTask {
				continue
			}
			result := types.ReconcileFailed
			if err == nil {
				result, err = r.reconcileRaw(ctx, raw)
			}
			if err != nil {
				result = types.ReconcileFailed
				r.logger.WithComponent("task_reconciler").WithField("remote_task", h.ID).WithError(err).
					Error("Could not reconcile task")
			}

			r.metrics.RecordReconciled(result)
			summary.add(result)
		}
	}
	return summary, nil
}

func (r *TaskReconciler) reconcileRaw(ctx context.Context, raw json.RawMessage) (types.ReconcileResult, error) {
	var remote fhir.Task
	if err := json.Unmarshal(raw, &remote); err != nil {
		return types.ReconcileFailed, types.NewValidationError(types.ErrCodeDecodeFailed, err.Error(), nil)
	}
	return r.ReconcileTask(ctx, &remote)
}

// ReconcileTask applies one remote order. The local order is found by the remote order's
// first identifier, its status is overwritten and new result reports are merged in.
func (r *TaskReconciler) ReconcileTask(ctx context.Context, remote *fhir.Task) (types.ReconcileResult, error) {
	if len(remote.Identifier) == 0 || fhirutil.Value(remote.Identifier[0].Value) == "" {
		return types.ReconcileNoMatch, nil
	}
	localID := *remote.Identifier[0].Value

	var local fhir.Task
	err := r.store.Get(ctx, fhirutil.TypeTask, localID, &local)
	if types.IsNotFound(err) {
		return types.ReconcileNoMatch, nil
	}
	if err != nil {
		return types.ReconcileFailed, fmt.Errorf("fetch Task/%s: %w", localID, err)
	}

	statusChanged := local.Status != remote.Status
	local.Status = remote.Status

	outputChanged := false
	if len(remote.Output) > 0 {
		outputChanged, err = r.merger.Merge(ctx, remote.Output, &local)
		if err != nil {
			return types.ReconcileFailed, err
		}
	}

	if !outputChanged && !(r.persistStatusOnly && statusChanged) {
		return types.ReconcileUnchanged, nil
	}

	if err := r.store.Update(ctx, fhirutil.TypeTask, localID, local, nil); err != nil {
		return types.ReconcileFailed, fmt.Errorf("update Task/%s: %w", localID, err)
	}
	r.logger.WithTask(localID).WithFields(map[string]interface{}{
		"status":  local.Status.Code(),
		"outputs": len(local.Output),
	}).Info("Updated local task from LIS")
	return types.ReconcileUpdated, nil
}
