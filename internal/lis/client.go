// Package lis is the client for the external laboratory information system's FHIR endpoint.
package lis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

const fhirJSON = "application/fhir+json"

// Client talks to the LIS FHIR server
type Client struct {
	baseURL    *url.URL
	fhir       fhirclient.Client
	httpClient *http.Client
}

// NewClient creates a client for baseURL. httpClient carries timeout and authentication.
func NewClient(baseURL *url.URL, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		fhir:       fhirclient.New(baseURL, httpClient, nil),
		httpClient: httpClient,
	}
}

// BaseURL returns the configured LIS endpoint
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// SubmitTransaction posts a transaction bundle to the server base and returns the transaction-response
func (c *Client) SubmitTransaction(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "encode transaction bundle", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "build transaction request", err)
	}
	req.Header.Set("Content-Type", fhirJSON)
	req.Header.Set("Accept", fhirJSON)

	var response fhir.Bundle
	if err := c.do(req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// SearchTasks fetches the first page of a Task search
func (c *Client) SearchTasks(ctx context.Context, params url.Values) (*fhir.Bundle, error) {
	return c.search(ctx, "Task", params)
}

// NextPage follows the bundle's "next" link. ok is false when there are no more pages.
func (c *Client) NextPage(ctx context.Context, page *fhir.Bundle) (next *fhir.Bundle, ok bool, err error) {
	link, ok := fhirutil.NextLink(page)
	if !ok {
		return nil, false, nil
	}

	target, err := c.baseURL.Parse(link)
	if err != nil {
		return nil, false, types.NewRemoteError(types.ErrCodeDecodeFailed, "invalid next link", map[string]interface{}{"link": link}, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, false, types.NewInternalError(types.ErrCodeInternalError, "build page request", err)
	}
	req.Header.Set("Accept", fhirJSON)

	var bundle fhir.Bundle
	if err := c.do(req, &bundle); err != nil {
		return nil, false, err
	}
	return &bundle, true, nil
}

// FetchReport returns a searchset holding the DiagnosticReport, its result Observations and its subject
func (c *Client) FetchReport(ctx context.Context, id string) (*fhir.Bundle, error) {
	return c.search(ctx, fhirutil.TypeDiagnosticReport, url.Values{
		"_id":      {id},
		"_include": {"DiagnosticReport:result", "DiagnosticReport:subject"},
	})
}

func (c *Client) search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	var bundle fhir.Bundle
	if err := c.fhir.Read(resourceType, &bundle, fhirutil.SearchOptions(ctx, params)...); err != nil {
		return nil, types.NewRemoteError(types.ErrCodeRemoteFailure,
			fmt.Sprintf("LIS search %s failed", resourceType), map[string]interface{}{"params": params.Encode()}, err)
	}
	return &bundle, nil
}

func (c *Client) do(req *http.Request, target interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NewRemoteError(types.ErrCodeRemoteFailure,
			fmt.Sprintf("%s %s failed", req.Method, req.URL.Path), nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return types.NewRemoteError(types.ErrCodeRemoteRejected,
			fmt.Sprintf("LIS returned HTTP %d", resp.StatusCode),
			map[string]interface{}{"status": resp.StatusCode, "body": string(excerpt)}, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil && err != io.EOF {
		return types.NewRemoteError(types.ErrCodeDecodeFailed, "decode LIS response", nil, err)
	}
	return nil
}
