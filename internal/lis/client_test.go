package lis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base, err := url.Parse(srv.URL + "/fhir")
	require.NoError(t, err)
	return NewClient(base, srv.Client()), srv
}

func TestSubmitTransaction(t *testing.T) {
	var received fhir.Bundle
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fhir", r.URL.Path)
		assert.Equal(t, "application/fhir+json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/fhir+json")
		json.NewEncoder(w).Encode(fhir.Bundle{Type: fhir.BundleTypeTransactionResponse})
	})

	bundle := &fhir.Bundle{
		Type: fhir.BundleTypeTransaction,
		Entry: []fhir.BundleEntry{{
			Resource: json.RawMessage(`{"resourceType":"Task","id":"t1"}`),
			Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: "Task/t1"},
		}},
	}

	resp, err := client.SubmitTransaction(context.Background(), bundle)
	require.NoError(t, err)
	assert.Equal(t, fhir.BundleTypeTransactionResponse, resp.Type)
	require.Len(t, received.Entry, 1)
	assert.Equal(t, "Task/t1", received.Entry[0].Request.Url)
}

func TestSubmitTransaction_Rejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"resourceType":"OperationOutcome"}`))
	})

	_, err := client.SubmitTransaction(context.Background(), &fhir.Bundle{Type: fhir.BundleTypeTransaction})
	require.Error(t, err)

	var se *types.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.ErrCodeRemoteRejected, se.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Details["status"])
	assert.Contains(t, se.Details["body"], "OperationOutcome")
}

func TestSearchTasksAndNextPage(t *testing.T) {
	var firstQuery url.Values
	var client *Client
	var srv *httptest.Server
	client, srv = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		if r.URL.Query().Get("page") == "2" {
			json.NewEncoder(w).Encode(fhir.Bundle{Type: fhir.BundleTypeSearchset})
			return
		}
		firstQuery = r.URL.Query()
		json.NewEncoder(w).Encode(fhir.Bundle{
			Type: fhir.BundleTypeSearchset,
			Link: []fhir.BundleLink{{Relation: "next", Url: srv.URL + "/fhir?page=2"}},
		})
	})

	first, err := client.SearchTasks(context.Background(), url.Values{
		"status":       {"completed"},
		"_lastUpdated": {"ge2023-12-31T19:00:00Z", "le2024-01-02T00:00:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"completed"}, firstQuery["status"])
	assert.ElementsMatch(t, []string{"ge2023-12-31T19:00:00Z", "le2024-01-02T00:00:00Z"}, firstQuery["_lastUpdated"])

	second, ok, err := client.NextPage(context.Background(), first)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = client.NextPage(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchReport(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fhir/DiagnosticReport", r.URL.Path)
		assert.Equal(t, "r1", r.URL.Query().Get("_id"))
		assert.ElementsMatch(t, []string{"DiagnosticReport:result", "DiagnosticReport:subject"}, r.URL.Query()["_include"])

		report, _ := json.Marshal(fhir.DiagnosticReport{Id: fhirutil.Ptr("r1"), Status: fhir.DiagnosticReportStatusFinal})
		w.Header().Set("Content-Type", "application/fhir+json")
		json.NewEncoder(w).Encode(fhir.Bundle{Type: fhir.BundleTypeSearchset, Entry: []fhir.BundleEntry{{Resource: report}}})
	})

	bundle, err := client.FetchReport(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, bundle.Entry, 1)
}
