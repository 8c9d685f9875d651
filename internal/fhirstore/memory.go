package fhirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// includeFields maps search include parameters to the JSON element holding the reference
var includeFields = map[string]string{
	"patient":   "for",
	"owner":     "owner",
	"encounter": "encounter",
	"based-on":  "basedOn",
	"result":    "result",
	"subject":   "subject",
}

// MemoryStore is an in-process Repository. It understands the search parameters the
// sync pipelines use: _id, identifier, status and _include.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]json.RawMessage
	order     []string
	errs      map[string]error
	calls     map[string]int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Put stores resources as-is, keyed by their resourceType and id
func (m *MemoryStore) Put(resources ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		h, err := fhirutil.ReadHeader(raw)
		if err != nil {
			return err
		}
		if h.ID == "" {
			return fmt.Errorf("resource %s has no id", h.ResourceType)
		}
		m.store(h.Key(), raw)
	}
	return nil
}

// MustPut is Put for test fixtures
func (m *MemoryStore) MustPut(resources ...interface{}) *MemoryStore {
	if err := m.Put(resources...); err != nil {
		panic(err)
	}
	return m
}

// FailOn makes every op ("get", "search", "create", "update") on resourceType return err
func (m *MemoryStore) FailOn(op, resourceType string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op+":"+resourceType] = err
}

// Calls returns how often op was invoked for resourceType
func (m *MemoryStore) Calls(op, resourceType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op+":"+resourceType]
}

// Count returns the number of stored resources of resourceType
func (m *MemoryStore) Count(resourceType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, key := range m.order {
		if strings.HasPrefix(key, resourceType+"/") {
			n++
		}
	}
	return n
}

func (m *MemoryStore) store(key string, raw json.RawMessage) {
	if _, exists := m.resources[key]; !exists {
		m.order = append(m.order, key)
	}
	m.resources[key] = raw
}

func (m *MemoryStore) enter(op, resourceType string) error {
	m.calls[op+":"+resourceType]++
	return m.errs[op+":"+resourceType]
}

// Get implements Repository
func (m *MemoryStore) Get(_ context.Context, resourceType, id string, target interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get", resourceType); err != nil {
		return err
	}
	raw, ok := m.resources[resourceType+"/"+id]
	if !ok {
		return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
	}
	return json.Unmarshal(raw, target)
}

// Search implements Repository
func (m *MemoryStore) Search(_ context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("search", resourceType); err != nil {
		return nil, err
	}

	bundle := &fhir.Bundle{Type: fhir.BundleTypeSearchset}
	seen := make(map[string]bool)
	var matches []json.RawMessage
	for _, key := range m.order {
		if !strings.HasPrefix(key, resourceType+"/") {
			continue
		}
		raw := m.resources[key]
		ok, err := matchesParams(raw, params)
		if err != nil {
			return nil, err
		}
		if ok {
			seen[key] = true
			matches = append(matches, raw)
			bundle.Entry = append(bundle.Entry, fhir.BundleEntry{Resource: raw})
		}
	}
	bundle.Total = fhirutil.Ptr(len(matches))

	for _, include := range params["_include"] {
		parts := strings.SplitN(include, ":", 2)
		if len(parts) != 2 || parts[0] != resourceType {
			continue
		}
		field, ok := includeFields[parts[1]]
		if !ok {
			continue
		}
		for _, raw := range matches {
			for _, ref := range referencesIn(raw, field) {
				id, ok := fhirutil.ReferenceID(ref)
				if !ok {
					continue
				}
				key := fhirutil.ReferenceType(ref) + "/" + id
				if seen[key] {
					continue
				}
				if included, exists := m.resources[key]; exists {
					seen[key] = true
					bundle.Entry = append(bundle.Entry, fhir.BundleEntry{Resource: included})
				}
			}
		}
	}
	return bundle, nil
}

// Create implements Repository; a missing id is assigned
func (m *MemoryStore) Create(_ context.Context, resource interface{}, result interface{}) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	h, err := fhirutil.ReadHeader(raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create", h.ResourceType); err != nil {
		return err
	}

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	raw, err = withID(raw, h.ID)
	if err != nil {
		return err
	}
	m.store(h.Key(), raw)

	if result == nil {
		return nil
	}
	return json.Unmarshal(raw, result)
}

// Update implements Repository
func (m *MemoryStore) Update(_ context.Context, resourceType, id string, resource interface{}, result interface{}) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("update", resourceType); err != nil {
		return err
	}
	raw, err = withID(raw, id)
	if err != nil {
		return err
	}
	m.store(resourceType+"/"+id, raw)

	if result == nil {
		return nil
	}
	return json.Unmarshal(raw, result)
}

func withID(raw json.RawMessage, id string) (json.RawMessage, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc["id"] = id
	return json.Marshal(doc)
}

func matchesParams(raw json.RawMessage, params url.Values) (bool, error) {
	var doc struct {
		ID         string            `json:"id"`
		Status     string            `json:"status"`
		Identifier []fhir.Identifier `json:"identifier"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}

	for key, values := range params {
		switch key {
		case "_id":
			if !contains(values, doc.ID) {
				return false, nil
			}
		case "status":
			if !contains(values, doc.Status) {
				return false, nil
			}
		case "identifier":
			for _, v := range values {
				if !identifierMatches(doc.Identifier, v) {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

// identifierMatches implements the token forms "value", "system|" and "system|value"
func identifierMatches(ids []fhir.Identifier, token string) bool {
	system, value, hasSystem := strings.Cut(token, "|")
	if !hasSystem {
		value = token
	}
	for _, id := range ids {
		if hasSystem && fhirutil.Value(id.System) != system {
			continue
		}
		if value == "" || fhirutil.Value(id.Value) == value {
			return true
		}
	}
	return false
}

func referencesIn(raw json.RawMessage, field string) []fhir.Reference {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	value, ok := doc[field]
	if !ok {
		return nil
	}
	var many []fhir.Reference
	if err := json.Unmarshal(value, &many); err == nil {
		return many
	}
	var one fhir.Reference
	if err := json.Unmarshal(value, &one); err == nil {
		return []fhir.Reference{one}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		for _, part := range strings.Split(candidate, ",") {
			if part == v {
				return true
			}
		}
	}
	return false
}
