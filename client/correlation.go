package client

import (
	"context"
	"fmt"
	"net/http"

	"pkt.systems/scribed/internal/correlation"
)

const headerCorrelationID = correlation.Header

// MaxCorrelationIDLength bounds the length of client-supplied correlation identifiers.
const MaxCorrelationIDLength = correlation.MaxIDLength

// NormalizeCorrelationID trims and validates an identifier.
func NormalizeCorrelationID(id string) (string, bool) {
	return correlation.Normalize(id)
}

// WithCorrelationID annotates ctx with a correlation identifier to be sent with subsequent requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.Set(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// GenerateCorrelationID creates a new random correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}

// CorrelationIDFromResponse reads the X-Correlation-Id header from resp.
func CorrelationIDFromResponse(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(headerCorrelationID)
}

type correlationTransport struct {
	base http.RoundTripper
	id   string
}

func (t *correlationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if t.id != "" {
		req.Header.Set(headerCorrelationID, t.id)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// WithCorrelationTransport wraps base with a RoundTripper that overwrites the
// X-Correlation-Id header on every request. Invalid identifiers are ignored.
func WithCorrelationTransport(base http.RoundTripper, id string) http.RoundTripper {
	normalized, ok := NormalizeCorrelationID(id)
	if !ok {
		normalized = ""
	}
	return &correlationTransport{base: base, id: normalized}
}
