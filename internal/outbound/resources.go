package outbound

import (
	"encoding/json"
	"fmt"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
)

// resource is one member of a ResourceSet. Value is a typed model for the resource
// types the pipeline edits and the raw JSON for everything else.
type resource struct {
	header fhirutil.Header
	value  interface{}
}

// ResourceSet is the ordered, duplicate free collection of resources gathered for one order
type ResourceSet struct {
	order []string
	items map[string]*resource
}

// NewResourceSet creates an empty set
func NewResourceSet() *ResourceSet {
	return &ResourceSet{items: make(map[string]*resource)}
}

// AddRaw decodes raw and adds it. It reports false when the resource was already present.
func (s *ResourceSet) AddRaw(raw json.RawMessage) (bool, error) {
	h, err := fhirutil.ReadHeader(raw)
	if err != nil {
		return false, err
	}
	if h.ID == "" {
		return false, fmt.Errorf("%s without id cannot be addressed", h.ResourceType)
	}
	if s.Contains(h.Key()) {
		return false, nil
	}

	var value interface{}
	switch h.ResourceType {
	case fhirutil.TypeTask:
		value = &fhir.Task{}
	case fhirutil.TypeServiceRequest:
		value = &fhir.ServiceRequest{}
	case fhirutil.TypeObservation:
		value = &fhir.Observation{}
	case fhirutil.TypeDiagnosticReport:
		value = &fhir.DiagnosticReport{}
	case fhirutil.TypeLocation:
		value = &fhir.Location{}
	default:
		s.put(h, append(json.RawMessage(nil), raw...))
		return true, nil
	}
	if err := json.Unmarshal(raw, value); err != nil {
		return false, fmt.Errorf("decode %s: %w", h.Key(), err)
	}
	s.put(h, value)
	return true, nil
}

// Add adds a typed resource. It reports false when the resource was already present.
func (s *ResourceSet) Add(resourceType, id string, value interface{}) bool {
	h := fhirutil.Header{ResourceType: resourceType, ID: id}
	if s.Contains(h.Key()) {
		return false
	}
	s.put(h, value)
	return true
}

func (s *ResourceSet) put(h fhirutil.Header, value interface{}) {
	s.order = append(s.order, h.Key())
	s.items[h.Key()] = &resource{header: h, value: value}
}

// Contains reports whether "<type>/<id>" is in the set
func (s *ResourceSet) Contains(key string) bool {
	_, ok := s.items[key]
	return ok
}

// Len returns the number of resources
func (s *ResourceSet) Len() int {
	return len(s.order)
}

// Keys returns "<type>/<id>" for every resource in insertion order
func (s *ResourceSet) Keys() []string {
	return append([]string(nil), s.order...)
}

// Task returns the first Task in the set, which is the root order
func (s *ResourceSet) Task() *fhir.Task {
	for _, key := range s.order {
		if t, ok := s.items[key].value.(*fhir.Task); ok {
			return t
		}
	}
	return nil
}

// Observation returns Observation/id when the set holds it
func (s *ResourceSet) Observation(id string) *fhir.Observation {
	r, ok := s.items[fhirutil.TypeObservation+"/"+id]
	if !ok {
		return nil
	}
	obs, _ := r.value.(*fhir.Observation)
	return obs
}

// ServiceRequests returns every sub-order in insertion order
func (s *ResourceSet) ServiceRequests() []*fhir.ServiceRequest {
	var out []*fhir.ServiceRequest
	for _, key := range s.order {
		if sr, ok := s.items[key].value.(*fhir.ServiceRequest); ok {
			out = append(out, sr)
		}
	}
	return out
}

// each visits resources in insertion order
func (s *ResourceSet) each(fn func(h fhirutil.Header, value interface{}) error) error {
	for _, key := range s.order {
		r := s.items[key]
		if err := fn(r.header, r.value); err != nil {
			return err
		}
	}
	return nil
}
