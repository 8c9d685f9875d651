// Package fhirutil holds small helpers shared by the outbound and inbound pipelines
// for working with FHIR R4 references, codings and raw resources.
package fhirutil

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Code systems and identifier systems exchanged with the LIS
const (
	LOINCSystem = "http://loinc.org"
	DISASystem  = "http://health.gov.ls/laboratory-services/"
)

// Resource type names
const (
	TypeTask             = "Task"
	TypeServiceRequest   = "ServiceRequest"
	TypeObservation      = "Observation"
	TypeDiagnosticReport = "DiagnosticReport"
	TypeLocation         = "Location"
	TypePatient          = "Patient"
	TypeEncounter        = "Encounter"
)

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

// Value dereferences p, returning the zero value for nil
func Value[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// Header is the part of every resource needed to route it
type Header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Key returns "<ResourceType>/<id>"
func (h Header) Key() string {
	return h.ResourceType + "/" + h.ID
}

// ReadHeader extracts resourceType and id from a raw resource
func ReadHeader(raw json.RawMessage) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("decode resource header: %w", err)
	}
	if h.ResourceType == "" {
		return h, fmt.Errorf("resource has no resourceType")
	}
	return h, nil
}

// Reference builds a literal reference "<type>/<id>" with its type set
func Reference(resourceType, id string) fhir.Reference {
	return fhir.Reference{
		Reference: Ptr(resourceType + "/" + id),
		Type:      Ptr(resourceType),
	}
}

// ReferenceID returns the logical id a reference points at. Relative, absolute and
// versioned references are accepted. Empty ids and the literal "null" are unresolvable.
func ReferenceID(ref fhir.Reference) (string, bool) {
	_, id := splitReference(Value(ref.Reference))
	if id == "" || id == "null" {
		return "", false
	}
	return id, true
}

// ReferenceType returns the declared type of a reference, falling back to the type segment of the literal
func ReferenceType(ref fhir.Reference) string {
	if t := Value(ref.Type); t != "" {
		return t
	}
	t, _ := splitReference(Value(ref.Reference))
	return t
}

func splitReference(literal string) (resourceType, id string) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return "", ""
	}
	if i := strings.Index(literal, "/_history/"); i >= 0 {
		literal = literal[:i]
	}
	parts := strings.Split(strings.TrimSuffix(literal, "/"), "/")
	if len(parts) == 1 {
		return "", parts[0]
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// FirstCoding returns the first coding of cc, if any
func FirstCoding(cc fhir.CodeableConcept) (fhir.Coding, bool) {
	if len(cc.Coding) == 0 {
		return fhir.Coding{}, false
	}
	return cc.Coding[0], true
}

// CodesIn returns the codes of every coding in cc from the given system
func CodesIn(cc fhir.CodeableConcept, system string) []string {
	var codes []string
	for _, c := range cc.Coding {
		if Value(c.System) == system && Value(c.Code) != "" {
			codes = append(codes, *c.Code)
		}
	}
	return codes
}

// HasAnyCode reports whether cc carries one of codes, regardless of system
func HasAnyCode(cc fhir.CodeableConcept, codes ...string) bool {
	for _, c := range cc.Coding {
		for _, code := range codes {
			if Value(c.Code) == code {
				return true
			}
		}
	}
	return false
}

// Coding builds a coding in system
func Coding(system, code, display string) fhir.Coding {
	return fhir.Coding{System: Ptr(system), Code: Ptr(code), Display: Ptr(display)}
}

// IdentifierBySystem returns the first identifier whose system matches exactly
func IdentifierBySystem(ids []fhir.Identifier, system string) *fhir.Identifier {
	for i := range ids {
		if Value(ids[i].System) == system {
			id := ids[i]
			return &id
		}
	}
	return nil
}

// BundleResources returns the raw resources of every entry that carries one
func BundleResources(b *fhir.Bundle) []json.RawMessage {
	if b == nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}

// NextLink returns the "next" pagination link of a search bundle
func NextLink(b *fhir.Bundle) (string, bool) {
	if b == nil {
		return "", false
	}
	for _, l := range b.Link {
		if l.Relation == "next" && l.Url != "" {
			return l.Url, true
		}
	}
	return "", false
}
