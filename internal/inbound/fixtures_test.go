package inbound

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/internal/fhirstore"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

const taskIdentifierSystem = "http://fhir.openmrs.org/ext/task/identifier"

func raw(resource interface{}) json.RawMessage {
	b, err := json.Marshal(resource)
	if err != nil {
		panic(err)
	}
	return b
}

func searchset(resources ...interface{}) *fhir.Bundle {
	b := &fhir.Bundle{Type: fhir.BundleTypeSearchset}
	for _, r := range resources {
		b.Entry = append(b.Entry, fhir.BundleEntry{Resource: raw(r)})
	}
	return b
}

func loinc(code string) fhir.CodeableConcept {
	return fhir.CodeableConcept{Coding: []fhir.Coding{fhirutil.Coding(fhirutil.LOINCSystem, code, "")}}
}

func quantity(value string, cmp *fhir.QuantityComparator) *fhir.Quantity {
	n := json.Number(value)
	return &fhir.Quantity{Value: &n, Comparator: cmp}
}

// localTask is the order as the local record holds it
func localTask(outputCodes ...string) fhir.Task {
	task := fhir.Task{
		Id:        fhirutil.Ptr("t1"),
		Status:    fhir.TaskStatusRequested,
		Intent:    fhir.TaskIntentOrder,
		Encounter: &fhir.Reference{Reference: fhirutil.Ptr("Encounter/local-enc")},
		BasedOn:   []fhir.Reference{fhirutil.Reference("ServiceRequest", "local-sr")},
	}
	for i, code := range outputCodes {
		ref := fhirutil.Reference("DiagnosticReport", "existing-"+string(rune('a'+i)))
		task.Output = append(task.Output, fhir.TaskOutput{Type: loinc(code), ValueReference: &ref})
	}
	return task
}

// remoteTask is the completed order as the LIS returns it
func remoteTask(id, localID string, reportIDs ...string) fhir.Task {
	task := fhir.Task{
		Id:     fhirutil.Ptr(id),
		Status: fhir.TaskStatusCompleted,
		Intent: fhir.TaskIntentOrder,
		Identifier: []fhir.Identifier{
			{System: fhirutil.Ptr(taskIdentifierSystem), Value: fhirutil.Ptr(localID)},
		},
	}
	for _, reportID := range reportIDs {
		ref := fhirutil.Reference("DiagnosticReport", reportID)
		task.Output = append(task.Output, fhir.TaskOutput{Type: loinc("x"), ValueReference: &ref})
	}
	return task
}

func remoteObservation(id, code string, q *fhir.Quantity) fhir.Observation {
	return fhir.Observation{
		Id:                fhirutil.Ptr(id),
		Status:            fhir.ObservationStatusFinal,
		Code:              fhir.CodeableConcept{Coding: []fhir.Coding{{Code: fhirutil.Ptr(code)}}},
		Subject:           &fhir.Reference{Reference: fhirutil.Ptr("Patient/remote-p")},
		Encounter:         &fhir.Reference{Reference: fhirutil.Ptr("Encounter/remote-enc")},
		BasedOn:           []fhir.Reference{fhirutil.Reference("ServiceRequest", "remote-sr")},
		EffectiveDateTime: fhirutil.Ptr("2024-03-01T10:00:00Z"),
		ValueQuantity:     q,
	}
}

func remoteReport(id string, code fhir.CodeableConcept, results ...string) fhir.DiagnosticReport {
	r := fhir.DiagnosticReport{
		Id:      fhirutil.Ptr(id),
		Status:  fhir.DiagnosticReportStatusFinal,
		Code:    code,
		Subject: &fhir.Reference{Reference: fhirutil.Ptr("Patient/remote-p")},
	}
	for _, obs := range results {
		r.Result = append(r.Result, fhirutil.Reference("Observation", obs))
	}
	return r
}

// fakeLIS serves reports and task pages from memory
type fakeLIS struct {
	mu       sync.Mutex
	reports  map[string]*fhir.Bundle
	pages    []*fhir.Bundle
	fetchErr error
	pageErr  error
	queries  []url.Values
	fetches  int
}

func newFakeLIS() *fakeLIS {
	return &fakeLIS{reports: make(map[string]*fhir.Bundle)}
}

func (f *fakeLIS) withReport(report fhir.DiagnosticReport, observations ...fhir.Observation) *fakeLIS {
	resources := []interface{}{report}
	for _, obs := range observations {
		resources = append(resources, obs)
	}
	f.reports[*report.Id] = searchset(resources...)
	return f
}

func (f *fakeLIS) FetchReport(_ context.Context, id string) (*fhir.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if b, ok := f.reports[id]; ok {
		return b, nil
	}
	return searchset(), nil
}

// withPages links pages through "next" links named page-<n>
func (f *fakeLIS) withPages(pages ...*fhir.Bundle) *fakeLIS {
	for i := range pages {
		if i+1 < len(pages) {
			pages[i].Link = []fhir.BundleLink{{Relation: "next", Url: "page-" + string(rune('1'+i))}}
		}
	}
	f.pages = pages
	return f
}

func (f *fakeLIS) SearchTasks(_ context.Context, params url.Values) (*fhir.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, params)
	if len(f.pages) == 0 {
		return searchset(), nil
	}
	return f.pages[0], nil
}

func (f *fakeLIS) NextPage(_ context.Context, page *fhir.Bundle) (*fhir.Bundle, bool, error) {
	link, ok := fhirutil.NextLink(page)
	if !ok {
		return nil, false, nil
	}
	if f.pageErr != nil {
		return nil, false, f.pageErr
	}
	for i, p := range f.pages {
		if p == page && i+1 < len(f.pages) {
			return f.pages[i+1], true, nil
		}
	}
	return nil, false, types.NewRemoteError(types.ErrCodeRemoteFailure, "unknown page "+link, nil, nil)
}

// memoryWatermarks is an in-process watermark store
type memoryWatermarks struct {
	mu       sync.Mutex
	history  []time.Time
	readErr  error
	advances int
}

func (m *memoryWatermarks) Last(context.Context) (*types.PollWatermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	if len(m.history) == 0 {
		return nil, nil
	}
	return &types.PollWatermark{ID: int64(len(m.history)), RequestDate: m.history[len(m.history)-1]}, nil
}

func (m *memoryWatermarks) Advance(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advances++
	m.history = append(m.history, t)
	return nil
}

func (m *memoryWatermarks) last() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return time.Time{}
	}
	return m.history[len(m.history)-1]
}

func newMerger(lis *fakeLIS, store fhirstore.Repository, derived bool) *OutputMerger {
	metrics := monitoring.NewMetricsCollector(nil)
	log := logger.Discard()
	return NewOutputMerger(lis, store, NewViralLoadDeriver(store, derived, metrics, log), metrics, log)
}
