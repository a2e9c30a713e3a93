package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/scribed/api"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestAcquireSendsIdentityAndTab(t *testing.T) {
	var got *http.Request
	var body api.LockRequest
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.LockResponse{
			Lock:   api.Lock{Resource: body.Resource, OwnerID: "ann", OwnerTabID: body.TabID},
			Timing: api.LockTiming{TimeoutSeconds: 1800, ExtendIntervalSeconds: 300, WarnAfterSeconds: 1500},
		})
	},
		WithIdentity(Identity{UserID: "ann", Name: "Ann", Email: "ann@example.com", Roles: []string{"editor", "admin"}}),
		WithTabID("tab-1"),
	)

	resp, err := cli.Acquire(context.Background(), "guide/intro.md")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.Method != http.MethodPost || got.URL.Path != "/v1/lock/acquire" {
		t.Fatalf("unexpected request %s %s", got.Method, got.URL.Path)
	}
	if got.Header.Get(api.HeaderUser) != "ann" || got.Header.Get(api.HeaderName) != "Ann" {
		t.Fatalf("identity headers missing: %v", got.Header)
	}
	if got.Header.Get(api.HeaderRoles) != "editor,admin" {
		t.Fatalf("roles header = %q", got.Header.Get(api.HeaderRoles))
	}
	if got.Header.Get(api.HeaderTabID) != "tab-1" || body.TabID != "tab-1" {
		t.Fatalf("tab not sent: header=%q body=%q", got.Header.Get(api.HeaderTabID), body.TabID)
	}
	if resp.Lock.Resource != "guide/intro.md" || resp.Timing.ExtendIntervalSeconds != 300 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestLockConflictError(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			ErrorCode: CodeLockConflict,
			Detail:    "guide/intro.md is being edited by Bob",
			Holder:    &api.LockHolder{UserID: "bob", Name: "Bob"},
		})
	}, WithIdentity(Identity{UserID: "ann"}), WithTabID("tab-1"))

	_, err := cli.Acquire(context.Background(), "guide/intro.md")
	holder, ok := IsLockConflict(err)
	if !ok {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if holder == nil || holder.UserID != "bob" {
		t.Fatalf("unexpected holder %+v", holder)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected APIError 409, got %v", err)
	}
	if ErrorCode(err) != CodeLockConflict {
		t.Fatalf("ErrorCode = %q", ErrorCode(err))
	}
}

func TestAPIErrorRetryAfter(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"not_ready"}`))
	})
	_, err := cli.Version(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.RetryAfterDuration() != 3*time.Second {
		t.Fatalf("retry after = %s", apiErr.RetryAfterDuration())
	}
	if apiErr.Error() != "scribed: not_ready" {
		t.Fatalf("error string = %q", apiErr.Error())
	}
}

func TestAPIErrorUndecodableBody(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})
	_, err := cli.Version(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway || string(apiErr.Body) != "upstream down" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Error() != "scribed: status 502" {
		t.Fatalf("error string = %q", apiErr.Error())
	}
}

func TestQueriesAndLeave(t *testing.T) {
	seen := map[string]string{}
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen[r.URL.Path] = r.URL.RawQuery
		switch r.URL.Path {
		case "/v1/presence/leave":
			w.WriteHeader(http.StatusNoContent)
		case "/v1/presence":
			_ = json.NewEncoder(w).Encode(api.PresenceResponse{Page: r.URL.Query().Get("page"), EditorUserID: "bob"})
		case "/v1/lock/status":
			_ = json.NewEncoder(w).Encode(api.LockStatusResponse{Resource: r.URL.Query().Get("resource"), Locked: true})
		case "/v1/content":
			_ = json.NewEncoder(w).Encode(api.ContentResponse{Resource: r.URL.Query().Get("resource"), Title: "Intro"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, WithIdentity(Identity{UserID: "ann"}), WithTabID("tab-1"))

	ctx := context.Background()
	if err := cli.Leave(ctx, "/guide/intro"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	pres, err := cli.Presence(ctx, "/guide/intro", "guide/intro.md")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if pres.Page != "/guide/intro" || pres.EditorUserID != "bob" {
		t.Fatalf("unexpected presence %+v", pres)
	}
	if seen["/v1/presence"] != "page=%2Fguide%2Fintro&resource=guide%2Fintro.md" {
		t.Fatalf("presence query = %q", seen["/v1/presence"])
	}
	status, err := cli.LockStatus(ctx, "guide/intro.md")
	if err != nil || !status.Locked {
		t.Fatalf("lock status: %+v %v", status, err)
	}
	content, err := cli.Content(ctx, "guide/intro.md")
	if err != nil || content.Title != "Intro" {
		t.Fatalf("content: %+v %v", content, err)
	}
}

func TestWithTabCopies(t *testing.T) {
	cli, err := New("127.0.0.1:8740", WithTabID("a"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.BaseURL() != "http://127.0.0.1:8740" {
		t.Fatalf("base url = %q", cli.BaseURL())
	}
	other := cli.WithTab("b")
	if cli.TabID() != "a" || other.TabID() != "b" {
		t.Fatalf("tabs: %q %q", cli.TabID(), other.TabID())
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "http://"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestCorrelationHeaderForwarded(t *testing.T) {
	var got string
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(headerCorrelationID)
		_ = json.NewEncoder(w).Encode(api.VersionResponse{Version: "1.0.0"})
	})
	ctx := WithCorrelationID(context.Background(), "cid-123")
	if _, err := cli.Version(ctx); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got != "cid-123" {
		t.Fatalf("correlation header = %q", got)
	}
}
