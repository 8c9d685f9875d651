// Package fhirstore is the FHIR resource repository the sync pipelines read from and write to.
package fhirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// Repository is the generic get/search/create/update capability set over FHIR resources
type Repository interface {
	// Get decodes the resource into target, or returns a not_found SyncError
	Get(ctx context.Context, resourceType, id string, target interface{}) error
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
	// Create stores a new resource and decodes the stored copy, including its assigned id, into result
	Create(ctx context.Context, resource interface{}, result interface{}) error
	Update(ctx context.Context, resourceType, id string, resource interface{}, result interface{}) error
}

// ClientStore is a Repository backed by a remote FHIR REST endpoint
type ClientStore struct {
	client fhirclient.Client
}

// NewClientStore creates a store talking to baseURL through httpClient
func NewClientStore(baseURL *url.URL, httpClient *http.Client) *ClientStore {
	return &ClientStore{client: fhirclient.New(baseURL, httpClient, nil)}
}

// Get resolves a resource by searching on _id, so a missing resource is an empty result rather than an HTTP error
func (s *ClientStore) Get(ctx context.Context, resourceType, id string, target interface{}) error {
	bundle, err := s.Search(ctx, resourceType, url.Values{"_id": []string{id}})
	if err != nil {
		return err
	}
	return decodeFirst(bundle, resourceType, id, target)
}

// Search runs a type level search
func (s *ClientStore) Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	var bundle fhir.Bundle
	if err := s.client.Read(resourceType, &bundle, fhirutil.SearchOptions(ctx, params)...); err != nil {
		return nil, types.NewRemoteError(types.ErrCodeRemoteFailure,
			fmt.Sprintf("search %s failed", resourceType), map[string]interface{}{"params": params.Encode()}, err)
	}
	return &bundle, nil
}

// Create posts a new resource. A nil result discards the stored copy.
func (s *ClientStore) Create(ctx context.Context, resource interface{}, result interface{}) error {
	if err := s.client.Create(resource, writeTarget(result), fhirutil.WithContext(ctx), fhirutil.ReturnRepresentation()); err != nil {
		return types.NewRemoteError(types.ErrCodeRemoteFailure, "create resource failed", nil, err)
	}
	return nil
}

// Update replaces resourceType/id. A nil result discards the stored copy.
func (s *ClientStore) Update(ctx context.Context, resourceType, id string, resource interface{}, result interface{}) error {
	path := resourceType + "/" + id
	if err := s.client.Update(path, resource, writeTarget(result), fhirutil.WithContext(ctx), fhirutil.ReturnRepresentation()); err != nil {
		return types.NewRemoteError(types.ErrCodeRemoteFailure, fmt.Sprintf("update %s failed", path), nil, err)
	}
	return nil
}

// writeTarget gives the client somewhere to decode a response the caller does not want
func writeTarget(result interface{}) interface{} {
	if result == nil {
		return &json.RawMessage{}
	}
	return result
}

// decodeFirst picks the searched resource out of a bundle that may also carry included resources
func decodeFirst(bundle *fhir.Bundle, resourceType, id string, target interface{}) error {
	for _, raw := range fhirutil.BundleResources(bundle) {
		h, err := fhirutil.ReadHeader(raw)
		if err != nil {
			return types.NewRemoteError(types.ErrCodeDecodeFailed, "malformed search result", nil, err)
		}
		if h.ResourceType != resourceType || h.ID != id {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return types.NewRemoteError(types.ErrCodeDecodeFailed, fmt.Sprintf("decode %s", h.Key()), nil, err)
		}
		return nil
	}
	return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
}
