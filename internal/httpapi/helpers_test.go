package httpapi

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/scribed/api"
)

func TestDecodeJSONBody(t *testing.T) {
	var req api.LockRequest
	if err := decodeJSONBody(strings.NewReader(`{"resource":"a.md"}`), &req, jsonDecodeOptions{disallowUnknowns: true}); err != nil || req.Resource != "a.md" {
		t.Fatalf("decode: %v %+v", err, req)
	}
	if err := decodeJSONBody(strings.NewReader(`{"resource":"a.md"} {}`), &req, jsonDecodeOptions{}); err == nil {
		t.Fatalf("expected trailing value error")
	}
	if err := decodeJSONBody(strings.NewReader(`{"nope":1}`), &req, jsonDecodeOptions{disallowUnknowns: true}); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if err := decodeJSONBody(strings.NewReader(""), &req, jsonDecodeOptions{allowEmpty: true}); err != nil {
		t.Fatalf("empty body with allowEmpty: %v", err)
	}
	if err := decodeJSONBody(strings.NewReader(""), &req, jsonDecodeOptions{}); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestTabIDPrefersHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	if got := tabID(r, " body "); got != "body" {
		t.Fatalf("body tab: %q", got)
	}
	r.Header.Set(api.HeaderTabID, "header")
	if got := tabID(r, "body"); got != "header" {
		t.Fatalf("header tab: %q", got)
	}
}
