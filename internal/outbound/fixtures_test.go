package outbound

import (
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/internal/fhirstore"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
)

const requisitionSystem = "eRegister Lab Order Number"

func supporting(refType, id, label string) fhir.Reference {
	ref := fhirutil.Reference(refType, id)
	ref.Display = fhirutil.Ptr(label)
	return ref
}

func labTask() fhir.Task {
	return fhir.Task{
		Id:     fhirutil.Ptr("t1"),
		Status: fhir.TaskStatusRequested,
		Intent: fhir.TaskIntentOrder,
		Identifier: []fhir.Identifier{
			{System: fhirutil.Ptr("http://fhir.openmrs.org/ext/task/identifier"), Value: fhirutil.Ptr("t1")},
			{System: fhirutil.Ptr(requisitionSystem), Value: fhirutil.Ptr("R1")},
		},
		For:       &fhir.Reference{Reference: fhirutil.Ptr("Patient/p1")},
		Owner:     &fhir.Reference{Reference: fhirutil.Ptr("Organization/lab")},
		Encounter: &fhir.Reference{Reference: fhirutil.Ptr("Encounter/e1")},
		Location:  &fhir.Reference{Reference: fhirutil.Ptr("Location/l1")},
		BasedOn: []fhir.Reference{
			fhirutil.Reference("ServiceRequest", "sr1"),
			fhirutil.Reference("ServiceRequest", "sr2"),
		},
	}
}

func serviceRequest(id string, info ...fhir.Reference) fhir.ServiceRequest {
	return fhir.ServiceRequest{
		Id:             fhirutil.Ptr(id),
		Status:         fhir.RequestStatusActive,
		Intent:         fhir.RequestIntentOrder,
		Subject:        fhir.Reference{Reference: fhirutil.Ptr("Patient/p1")},
		SupportingInfo: info,
	}
}

func observation(id, code string) fhir.Observation {
	return fhir.Observation{
		Id:     fhirutil.Ptr(id),
		Status: fhir.ObservationStatusFinal,
		Code:   fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhirutil.Ptr("http://openmrs.org"), Code: fhirutil.Ptr(code)}}},
	}
}

// labStore holds an order with two sub-orders whose supporting info overlaps
func labStore(task fhir.Task) *fhirstore.MemoryStore {
	regimen := observation("o1", "regimen")
	regimen.EffectiveDateTime = fhirutil.Ptr("2023-02-14T08:00:00+02:00")

	return fhirstore.NewMemoryStore().MustPut(
		task,
		fhir.Patient{Id: fhirutil.Ptr("p1")},
		fhir.Organization{Id: fhirutil.Ptr("lab")},
		fhir.Encounter{Id: fhirutil.Ptr("e1"), Status: fhir.EncounterStatusFinished},
		fhir.Location{Id: fhirutil.Ptr("l1")},
		serviceRequest("sr1",
			supporting("Observation", "o1", "Current Regimen"),
			supporting("Observation", "o2", "Regimen Start Date"),
			supporting("Observation", "null", "Pregnancy Status"),
			supporting("Condition", "c1", "Diagnosis"),
		),
		serviceRequest("sr2",
			supporting("Observation", "o1", "Current Regimen"),
			supporting("DiagnosticReport", "r1", "Prev VL Results"),
		),
		regimen,
		observation("o2", "regimen-start"),
		observation("o3", "prev-vl"),
		fhir.DiagnosticReport{
			Id:     fhirutil.Ptr("r1"),
			Status: fhir.DiagnosticReportStatusFinal,
			Code:   fhir.CodeableConcept{Coding: []fhir.Coding{fhirutil.Coding(fhirutil.LOINCSystem, "20447-9", "HIV VL")}},
			Result: []fhir.Reference{fhirutil.Reference("Observation", "o3")},
		},
	)
}
