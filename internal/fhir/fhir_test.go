package fhir

import (
	"net/http"
	"net/url"
)

// newTestRequest builds a GET request with the given negotiation inputs.
func newTestRequest(format, accept, contentType string) *http.Request {
	query := url.Values{}
	if format != "" {
		query.Set("_format", format)
	}

	r, _ := http.NewRequest(http.MethodGet, "/Task?"+query.Encode(), nil)
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	return r
}
