package fhirutil

import (
	"context"
	"net/http"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
)

// WithContext binds ctx to a request issued by the FHIR client
func WithContext(ctx context.Context) fhirclient.Option {
	return func(_ *url.URL, r *http.Request) {
		*r = *r.WithContext(ctx)
	}
}

// ReturnRepresentation asks the server to answer a write with the stored resource
func ReturnRepresentation() fhirclient.Option {
	return func(_ *url.URL, r *http.Request) {
		r.Header.Set("Prefer", "return=representation")
	}
}

// SearchOptions turns search parameters into client options bound to ctx.
// Repeated keys, e.g. several _include, are all sent.
func SearchOptions(ctx context.Context, params url.Values) []fhirclient.Option {
	opts := []fhirclient.Option{WithContext(ctx)}
	for key, values := range params {
		for _, v := range values {
			opts = append(opts, fhirclient.QueryParam(key, v))
		}
	}
	return opts
}
