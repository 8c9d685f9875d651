package outbound

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/internal/fhirstore"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// LabelRule tags a supporting observation whose reference display matches Label
type LabelRule struct {
	Label  string
	Coding fhir.Coding
	// CapturesRegimenStart records the observation's effective time as the regimen start
	CapturesRegimenStart bool
	// StampsRegimenStart sets the captured regimen start as the observation's value
	StampsRegimenStart bool
}

// DefaultLabelRules are the supporting-info labels the LIS expects tagged with DISA codes
func DefaultLabelRules() []LabelRule {
	disa := func(code, display string) fhir.Coding {
		return fhirutil.Coding(fhirutil.DISASystem, code, display)
	}
	return []LabelRule{
		{Label: "Current Regimen", Coding: disa("HIVTCCR", "Current Regimen"), CapturesRegimenStart: true},
		{Label: "Regimen Start Date", Coding: disa("HIVTCRSD", "Regimen Start Date"), StampsRegimenStart: true},
		{Label: "Prev VL Results", Coding: disa("HIVTCPVLR", "Previous Viral Load Result")},
		{Label: "Prev VL Date", Coding: disa("HIVTCPVLD", "Previous Viral Load Date")},
		{Label: "Pregnancy Status", Coding: disa("HIVTCPREG", "Pregnancy Status")},
		{Label: "Breastfeeding", Coding: disa("HIVTCBF", "Breastfeeding")},
	}
}

// ObservationEnricher pulls the observations and reports a sub-order points at into the set
type ObservationEnricher struct {
	store  fhirstore.Repository
	rules  []LabelRule
	logger *logger.Logger
}

// NewObservationEnricher creates an enricher; nil rules means DefaultLabelRules
func NewObservationEnricher(store fhirstore.Repository, rules []LabelRule, log *logger.Logger) *ObservationEnricher {
	if rules == nil {
		rules = DefaultLabelRules()
	}
	return &ObservationEnricher{store: store, rules: rules, logger: log}
}

// enrichment is the state shared across every sub-order of one assembly
type enrichment struct {
	processed    map[string]bool
	regimenStart *string
}

// Enrich resolves the supporting info of every sub-order. Missing resources are skipped;
// repository failures abort.
func (e *ObservationEnricher) Enrich(ctx context.Context, set *ResourceSet, serviceRequests []*fhir.ServiceRequest) error {
	state := &enrichment{processed: make(map[string]bool)}

	for _, sr := range serviceRequests {
		for _, ref := range sr.SupportingInfo {
			id, ok := fhirutil.ReferenceID(ref)
			if !ok {
				continue
			}
			refType := fhirutil.ReferenceType(ref)
			key := refType + "/" + id
			if state.processed[key] {
				continue
			}

			var err error
			switch refType {
			case fhirutil.TypeObservation:
				err = e.addObservation(ctx, set, state, id, fhirutil.Value(ref.Display))
			case fhirutil.TypeDiagnosticReport:
				err = e.addReport(ctx, set, id)
			default:
				e.logger.WithFields(map[string]interface{}{
					"component":       "observation_enricher",
					"service_request": fhirutil.Value(sr.Id),
					"reference":       fhirutil.Value(ref.Reference),
				}).Warn("Unhandled supporting info reference type, skipping")
				continue
			}
			if types.IsNotFound(err) {
				e.logger.WithField("reference", key).Debug("Supporting info reference not found, skipping")
				err = nil
			}
			if err != nil {
				return err
			}
			state.processed[key] = true
		}
	}
	return nil
}

// addObservation tags the labelled observation, fetching it unless an included report
// already brought it into the set
func (e *ObservationEnricher) addObservation(ctx context.Context, set *ResourceSet, state *enrichment, id, label string) error {
	obs := set.Observation(id)
	if obs == nil {
		obs = &fhir.Observation{}
		if err := e.store.Get(ctx, fhirutil.TypeObservation, id, obs); err != nil {
			return fmt.Errorf("fetch Observation/%s: %w", id, err)
		}
		set.Add(fhirutil.TypeObservation, id, obs)
	}

	if rule, ok := e.match(label); ok {
		applyRule(rule, obs, state)
	}
	return nil
}

func applyRule(rule LabelRule, obs *fhir.Observation, state *enrichment) {
	if !hasCoding(obs.Code, rule.Coding) {
		obs.Code.Coding = append(obs.Code.Coding, rule.Coding)
	}
	if rule.CapturesRegimenStart && obs.EffectiveDateTime != nil {
		state.regimenStart = obs.EffectiveDateTime
	}
	if rule.StampsRegimenStart && state.regimenStart != nil {
		clearValue(obs)
		obs.ValueDateTime = fhirutil.Ptr(*state.regimenStart)
	}
}

// clearValue drops every value[x] choice so only one can be set afterwards
func clearValue(obs *fhir.Observation) {
	obs.ValueQuantity = nil
	obs.ValueCodeableConcept = nil
	obs.ValueString = nil
	obs.ValueBoolean = nil
	obs.ValueInteger = nil
	obs.ValueRange = nil
	obs.ValueRatio = nil
	obs.ValueSampledData = nil
	obs.ValueTime = nil
	obs.ValueDateTime = nil
	obs.ValuePeriod = nil
}

func (e *ObservationEnricher) addReport(ctx context.Context, set *ResourceSet, id string) error {
	bundle, err := e.store.Search(ctx, fhirutil.TypeDiagnosticReport, url.Values{
		"_id":      {id},
		"_include": {"DiagnosticReport:result"},
	})
	if err != nil {
		return fmt.Errorf("fetch DiagnosticReport/%s: %w", id, err)
	}

	resources := fhirutil.BundleResources(bundle)
	if len(resources) == 0 {
		return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("DiagnosticReport/%s not found", id))
	}
	for _, raw := range resources {
		if _, err := set.AddRaw(raw); err != nil {
			return err
		}
	}
	return nil
}

func (e *ObservationEnricher) match(label string) (LabelRule, bool) {
	label = strings.TrimSpace(label)
	for _, rule := range e.rules {
		if strings.EqualFold(rule.Label, label) {
			return rule, true
		}
	}
	return LabelRule{}, false
}

func hasCoding(cc fhir.CodeableConcept, coding fhir.Coding) bool {
	for _, c := range cc.Coding {
		if fhirutil.Value(c.System) == fhirutil.Value(coding.System) && fhirutil.Value(c.Code) == fhirutil.Value(coding.Code) {
			return true
		}
	}
	return false
}
