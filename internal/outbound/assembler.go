package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/internal/fhirstore"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// TriggerEncounter is the trigger-object mode that also ships the order's Location
const TriggerEncounter = "Encounter"

// taskIncludes is the related-resource graph resolved together with the order
var taskIncludes = []string{"Task:patient", "Task:owner", "Task:encounter", "Task:based-on"}

// AssemblerConfig holds the assembly switches
type AssemblerConfig struct {
	RequisitionSystem string
	TriggerObject     string
}

// BundleAssembler packages an order and everything it references as one transaction
type BundleAssembler struct {
	store    fhirstore.Repository
	enricher *ObservationEnricher
	config   AssemblerConfig
	logger   *logger.Logger
}

// NewBundleAssembler creates a new bundle assembler
func NewBundleAssembler(store fhirstore.Repository, enricher *ObservationEnricher, cfg AssemblerConfig, log *logger.Logger) *BundleAssembler {
	return &BundleAssembler{store: store, enricher: enricher, config: cfg, logger: log}
}

// Assemble builds the transaction bundle for taskID
func (a *BundleAssembler) Assemble(ctx context.Context, taskID string) (*fhir.Bundle, error) {
	set, err := a.Resolve(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return BuildTransaction(set)
}

// Resolve gathers the order graph, propagates the requisition id, adds the location and
// enriches supporting info
func (a *BundleAssembler) Resolve(ctx context.Context, taskID string) (*ResourceSet, error) {
	bundle, err := a.store.Search(ctx, fhirutil.TypeTask, url.Values{
		"_id":      {taskID},
		"_include": taskIncludes,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve Task/%s: %w", taskID, err)
	}

	set := NewResourceSet()
	for _, raw := range fhirutil.BundleResources(bundle) {
		if _, err := set.AddRaw(raw); err != nil {
			return nil, types.NewValidationError(types.ErrCodeDecodeFailed, err.Error(), map[string]interface{}{"task_id": taskID})
		}
	}

	task := set.Task()
	if task == nil {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("Task/%s not found", taskID))
	}

	if err := a.resolveBasedOn(ctx, set, task); err != nil {
		return nil, err
	}

	PropagateRequisition(set, a.config.RequisitionSystem)

	if task.Location != nil && a.config.TriggerObject == TriggerEncounter {
		if err := a.addLocation(ctx, set, *task.Location); err != nil {
			return nil, err
		}
	}

	if err := a.enricher.Enrich(ctx, set, set.ServiceRequests()); err != nil {
		return nil, err
	}

	a.logger.WithTask(taskID).WithField("resources", set.Len()).Debug("Resolved lab order graph")
	return set, nil
}

// resolveBasedOn fetches sub-orders the include did not return
func (a *BundleAssembler) resolveBasedOn(ctx context.Context, set *ResourceSet, task *fhir.Task) error {
	for _, ref := range task.BasedOn {
		if fhirutil.ReferenceType(ref) != fhirutil.TypeServiceRequest {
			continue
		}
		id, ok := fhirutil.ReferenceID(ref)
		if !ok || set.Contains(fhirutil.TypeServiceRequest+"/"+id) {
			continue
		}

		var sr fhir.ServiceRequest
		err := a.store.Get(ctx, fhirutil.TypeServiceRequest, id, &sr)
		if types.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch ServiceRequest/%s: %w", id, err)
		}
		set.Add(fhirutil.TypeServiceRequest, id, &sr)
	}
	return nil
}

func (a *BundleAssembler) addLocation(ctx context.Context, set *ResourceSet, ref fhir.Reference) error {
	id, ok := fhirutil.ReferenceID(ref)
	if !ok || set.Contains(fhirutil.TypeLocation+"/"+id) {
		return nil
	}

	var loc fhir.Location
	err := a.store.Get(ctx, fhirutil.TypeLocation, id, &loc)
	if types.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch Location/%s: %w", id, err)
	}
	set.Add(fhirutil.TypeLocation, id, &loc)
	return nil
}

// BuildTransaction emits one PUT entry per resource addressed as "<type>/<id>"
func BuildTransaction(set *ResourceSet) (*fhir.Bundle, error) {
	bundle := &fhir.Bundle{
		Type:  fhir.BundleTypeTransaction,
		Entry: make([]fhir.BundleEntry, 0, set.Len()),
	}

	err := set.each(func(h fhirutil.Header, value interface{}) error {
		raw, ok := value.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(value); err != nil {
				return fmt.Errorf("encode %s: %w", h.Key(), err)
			}
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			Resource: raw,
			Request: &fhir.BundleEntryRequest{
				Method: fhir.HTTPVerbPUT,
				Url:    h.Key(),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}
