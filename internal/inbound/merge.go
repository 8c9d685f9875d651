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
)

// ReportSource fetches a remote report together with its result observations
type ReportSource interface {
	FetchReport(ctx context.Context, id string) (*fhir.Bundle, error)
}

// OutputMerger copies remote result reports into the local record
type OutputMerger struct {
	reports ReportSource
	store   fhirstore.Repository
	deriver *ViralLoadDeriver
	metrics *monitoring.MetricsCollector
	logger  *logger.Logger
}

// NewOutputMerger creates a new output merger
func NewOutputMerger(reports ReportSource, store fhirstore.Repository, deriver *ViralLoadDeriver, metrics *monitoring.MetricsCollector, log *logger.Logger) *OutputMerger {
	return &OutputMerger{reports: reports, store: store, deriver: deriver, metrics: metrics, logger: log}
}

// Merge appends an output to local for every remote report whose LOINC code the local
// order does not carry yet. It reports whether local changed.
func (m *OutputMerger) Merge(ctx context.Context, outputs []fhir.TaskOutput, local *fhir.Task) (bool, error) {
	existing := make(map[string]bool)
	for _, out := range local.Output {
		for _, code := range fhirutil.CodesIn(out.Type, fhirutil.LOINCSystem) {
			existing[code] = true
		}
	}

	changed := false
	for _, out := range outputs {
		if out.ValueReference == nil {
			continue
		}
		id, ok := fhirutil.ReferenceID(*out.ValueReference)
		if !ok {
			continue
		}

		added, err := m.mergeReport(ctx, id, local, existing)
		if err != nil {
			return changed, err
		}
		changed = changed || added
	}
	return changed, nil
}

func (m *OutputMerger) mergeReport(ctx context.Context, id string, local *fhir.Task, existing map[string]bool) (bool, error) {
	log := m.logger.WithTask(fhirutil.Value(local.Id)).WithField("report", id)

	bundle, err := m.reports.FetchReport(ctx, id)
	if err != nil {
		return false, fmt.Errorf("fetch DiagnosticReport/%s: %w", id, err)
	}

	report, observations, err := splitReportBundle(bundle, id)
	if err != nil {
		return false, err
	}
	if report == nil {
		log.Warn("Remote report not found, skipping output")
		return false, nil
	}

	coding, ok := fhirutil.FirstCoding(report.Code)
	if !ok || fhirutil.Value(coding.System) != fhirutil.LOINCSystem {
		log.Debug("Remote report is not LOINC coded, skipping")
		return false, nil
	}
	code := fhirutil.Value(coding.Code)
	if existing[code] {
		log.WithField("code", code).Debug("Report already merged, skipping")
		return false, nil
	}

	results := make([]fhir.Reference, 0, len(observations))
	for _, obs := range observations {
		obs.Id = nil
		obs.Meta = nil
		obs.Encounter = local.Encounter
		obs.BasedOn = local.BasedOn

		var created fhir.Observation
		if err := m.store.Create(ctx, obs, &created); err != nil {
			return false, fmt.Errorf("create observation for report %s: %w", id, err)
		}
		results = append(results, fhirutil.Reference(fhirutil.TypeObservation, fhirutil.Value(created.Id)))

		if _, err := m.deriver.Apply(ctx, code, created); err != nil {
			return false, err
		}
	}

	report.Id = nil
	report.Meta = nil
	report.Result = results
	report.Encounter = local.Encounter

	var created fhir.DiagnosticReport
	if err := m.store.Create(ctx, *report, &created); err != nil {
		return false, fmt.Errorf("create report for %s: %w", id, err)
	}

	ref := fhirutil.Reference(fhirutil.TypeDiagnosticReport, fhirutil.Value(created.Id))
	local.Output = append(local.Output, fhir.TaskOutput{
		Type:           report.Code,
		ValueReference: &ref,
	})
	existing[code] = true

	m.metrics.RecordMergedReport()
	log.WithFields(map[string]interface{}{
		"code":         code,
		"observations": len(results),
		"local_report": fhirutil.Value(created.Id),
	}).Info("Merged remote report into local order")
	return true, nil
}

// splitReportBundle picks the requested report and every observation out of a fetch-with-include bundle
func splitReportBundle(bundle *fhir.Bundle, id string) (*fhir.DiagnosticReport, []fhir.Observation, error) {
	var report *fhir.DiagnosticReport
	var observations []fhir.Observation

	for _, raw := range fhirutil.BundleResources(bundle) {
		h, err := fhirutil.ReadHeader(raw)
		if err != nil {
			return nil, nil, err
		}
		switch h.ResourceType {
		case fhirutil.TypeDiagnosticReport:
			if report != nil && h.ID != id {
				continue
			}
			var r fhir.DiagnosticReport
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, nil, fmt.Errorf("decode %s: %w", h.Key(), err)
			}
			report = &r
		case fhirutil.TypeObservation:
			var obs fhir.Observation
			if err := json.Unmarshal(raw, &obs); err != nil {
				return nil, nil, fmt.Errorf("decode %s: %w", h.Key(), err)
			}
			observations = append(observations, obs)
		}
	}
	return report, observations, nil
}
