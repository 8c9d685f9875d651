package outbound

import (
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
)

// PropagateRequisition copies the order's requisition identifier onto every ServiceRequest
// in the set and returns it. The identifier is looked up once; when the order has none,
// sub-orders end up without a requisition. A set without a Task is left untouched.
func PropagateRequisition(set *ResourceSet, system string) *fhir.Identifier {
	task := set.Task()
	if task == nil {
		return nil
	}

	requisition := fhirutil.IdentifierBySystem(task.Identifier, system)
	for _, sr := range set.ServiceRequests() {
		if requisition == nil {
			sr.Requisition = nil
			continue
		}
		id := *requisition
		sr.Requisition = &id
	}
	return requisition
}
