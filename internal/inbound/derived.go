package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/internal/fhirstore"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
)

// ViralLoadReportCode is the LOINC code of an HIV viral load report
const ViralLoadReportCode = "20447-9"

const (
	vlNormalCutoff = 999
	vlLowBucket    = 20
	vlLowBucketAlt = 30
)

var (
	vlValueCodes = []string{"HIVVL-HIVVM", "HIVVL-HIVVT", "70241-5"}
	vlLowCodes   = []string{"HIVVL-HIVVC", "HIVVL-HIVVH"}
)

// Codes of the derived viral load observations
const (
	CodeVLAbnormal   = "HIVTCVLDATAAbnormal"
	CodeVLResult     = "HIVTCVLResult"
	CodeVLValue      = "HIVTCVL"
	CodeVLReturnDate = "HIVTCVLReturnDate"
)

func disa(code, display string) fhir.CodeableConcept {
	return fhir.CodeableConcept{Coding: []fhir.Coding{fhirutil.Coding(fhirutil.DISASystem, code, display)}}
}

// DeriveViralLoad splits a viral load result into the flag observations the local record
// keeps. Observations that are not viral load results yield nothing.
func DeriveViralLoad(source fhir.Observation, returned time.Time) []fhir.Observation {
	returnDate := derivedFrom(source)
	returnDate.Code = disa(CodeVLReturnDate, "Viral load blood results return date")
	returnDate.ValueDateTime = fhirutil.Ptr(returned.Format(time.RFC3339))

	switch {
	case fhirutil.HasAnyCode(source.Code, vlValueCodes...):
		value, ok := quantityValue(source.ValueQuantity)
		if !ok {
			return nil
		}

		abnormal := derivedFrom(source)
		abnormal.Code = disa(CodeVLAbnormal, "Viral Load Abnormal")
		abnormal.ValueBoolean = fhirutil.Ptr(value > vlNormalCutoff)

		result := derivedFrom(source)
		result.Code = disa(CodeVLResult, "Viral Load Result")
		if value <= vlNormalCutoff {
			result.ValueCodeableConcept = resultBucket(value, comparator(source.ValueQuantity))
		}

		vl := derivedFrom(source)
		vl.Code = disa(CodeVLValue, "HIVTC, Viral Load")
		vl.ValueQuantity = source.ValueQuantity

		return []fhir.Observation{abnormal, result, vl, returnDate}

	case fhirutil.HasAnyCode(source.Code, vlLowCodes...):
		result := derivedFrom(source)
		result.Code = disa(CodeVLResult, "Viral Load Result")
		undetectable := disa("Undetectable", "Undetectable")
		result.ValueCodeableConcept = &undetectable
		return []fhir.Observation{result, returnDate}
	}
	return nil
}

// resultBucket classifies a non-abnormal value. A value of exactly 20 or 30 reported with a
// comparator only maps when it is "<20".
func resultBucket(value float64, cmp string) *fhir.CodeableConcept {
	switch {
	case value == vlLowBucket && cmp != "":
		if cmp == "<" {
			cc := disa("<20", "Less than 20 copies/ml")
			return &cc
		}
		return nil
	case value == vlLowBucketAlt && cmp != "":
		return nil
	case value >= vlLowBucket:
		cc := disa(">=20", "Greater or Equal to 20 copies/ml")
		return &cc
	}
	return nil
}

func quantityValue(q *fhir.Quantity) (float64, bool) {
	if q == nil || q.Value == nil {
		return 0, false
	}
	v, err := q.Value.Float64()
	if err != nil {
		return 0, false
	}
	return v, true
}

func comparator(q *fhir.Quantity) string {
	if q == nil || q.Comparator == nil {
		return ""
	}
	return q.Comparator.Code()
}

// derivedFrom starts a new observation sharing the source's clinical context
func derivedFrom(source fhir.Observation) fhir.Observation {
	return fhir.Observation{
		Status:            source.Status,
		Encounter:         source.Encounter,
		Subject:           source.Subject,
		BasedOn:           source.BasedOn,
		EffectiveDateTime: source.EffectiveDateTime,
	}
}

// ViralLoadDeriver stores derived viral load observations when enabled
type ViralLoadDeriver struct {
	store   fhirstore.Repository
	enabled bool
	metrics *monitoring.MetricsCollector
	logger  *logger.Logger
	now     func() time.Time
}

// NewViralLoadDeriver creates a deriver; a disabled deriver never touches the store
func NewViralLoadDeriver(store fhirstore.Repository, enabled bool, metrics *monitoring.MetricsCollector, log *logger.Logger) *ViralLoadDeriver {
	return &ViralLoadDeriver{store: store, enabled: enabled, metrics: metrics, logger: log, now: time.Now}
}

// Apply creates the observations derived from source for a report coded reportCode
func (d *ViralLoadDeriver) Apply(ctx context.Context, reportCode string, source fhir.Observation) (int, error) {
	if d == nil || !d.enabled || reportCode != ViralLoadReportCode {
		return 0, nil
	}

	derived := DeriveViralLoad(source, d.now())
	for i := range derived {
		if err := d.store.Create(ctx, derived[i], nil); err != nil {
			return i, fmt.Errorf("create derived observation %s: %w", derivedCode(derived[i]), err)
		}
	}
	if len(derived) > 0 {
		d.metrics.RecordDerivedObservations(len(derived))
		d.logger.WithFields(map[string]interface{}{
			"component":   "viral_load_deriver",
			"source":      fhirutil.Value(source.Id),
			"derived_obs": len(derived),
		}).Debug("Created derived viral load observations")
	}
	return len(derived), nil
}

func derivedCode(obs fhir.Observation) string {
	if c, ok := fhirutil.FirstCoding(obs.Code); ok {
		return fhirutil.Value(c.Code)
	}
	return ""
}
