// Package correlation carries request correlation identifiers through
// contexts and HTTP headers.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate correlation identifiers.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx when it passes Normalize; invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Ensure returns ctx carrying the correlation id from h when valid, otherwise
// a freshly generated one. Existing ids on ctx win.
func Ensure(ctx context.Context, h http.Header) context.Context {
	if Has(ctx) {
		return ctx
	}
	if h != nil {
		if id, ok := Normalize(h.Get(Header)); ok {
			return Set(ctx, id)
		}
	}
	return Set(ctx, Generate())
}

// Normalize validates and canonicalizes an external correlation identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered correlation identifier (UUIDv7).
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
