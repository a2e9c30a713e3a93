package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/scribed/api"
	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/version"
)

const (
	// DefaultHTTPTimeout bounds a single request when no timeout is configured.
	// Saves run a git pipeline with its own timeouts, so this is generous.
	DefaultHTTPTimeout = 2 * time.Minute
	// DefaultMaxIdleConnsPerHost tunes the default transport.
	DefaultMaxIdleConnsPerHost = 8
)

// Error codes returned by scribed servers.
const (
	CodeLockConflict           = "lock_conflict"
	CodeLockNotFound           = "lock_not_found"
	CodePermissionDenied       = "permission_denied"
	CodeAuthenticationRequired = "authentication_required"
	CodeValidation             = "validation_error"
	CodeNotFound               = "not_found"
	CodeGitPushFailure         = "git_push_failure"
)

// Identity is the caller identity sent in the headers an authenticating
// proxy would normally set.
type Identity struct {
	UserID string
	Name   string
	Email  string
	Avatar string
	Roles  []string
}

func (id Identity) apply(h http.Header) {
	if id.UserID != "" {
		h.Set(api.HeaderUser, id.UserID)
	}
	if id.Name != "" {
		h.Set(api.HeaderName, id.Name)
	}
	if id.Email != "" {
		h.Set(api.HeaderEmail, id.Email)
	}
	if id.Avatar != "" {
		h.Set(api.HeaderAvatar, id.Avatar)
	}
	if len(id.Roles) > 0 {
		h.Set(api.HeaderRoles, strings.Join(id.Roles, ","))
	}
}

// Client is a convenience wrapper around the scribed HTTP API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
	identity    Identity
	tabID       string
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to a no-op logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = loggingutil.NoopLogger()
			return
		}
		c.logger = loggingutil.WithSubsystem(logger, "client.sdk")
	}
}

// WithIdentity sets the identity headers sent with every request.
func WithIdentity(id Identity) Option {
	return func(c *Client) {
		c.identity = id
	}
}

// WithTabID sets the tab identifier sent in X-Scribed-Tab.
func WithTabID(tab string) Option {
	return func(c *Client) {
		c.tabID = strings.TrimSpace(tab)
	}
}

// WithHTTPTimeout bounds each request. Zero or negative disables the bound.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// New constructs a client for the server at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:     base,
		httpTimeout: DefaultHTTPTimeout,
		logger:      loggingutil.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if tr.MaxIdleConnsPerHost < DefaultMaxIdleConnsPerHost {
			tr.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
		}
		c.httpClient = &http.Client{Transport: tr}
	}
	return c, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("scribed: empty server url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("scribed: parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("scribed: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("scribed: server url %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// TabID returns the tab identifier sent with requests.
func (c *Client) TabID() string { return c.tabID }

// Identity returns the identity sent with requests.
func (c *Client) Identity() Identity { return c.identity }

// WithTab returns a shallow copy of c that sends tab in X-Scribed-Tab. The
// copy shares the underlying HTTP client.
func (c *Client) WithTab(tab string) *Client {
	clone := *c
	clone.tabID = strings.TrimSpace(tab)
	return &clone
}

// Close releases idle HTTP connections held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Acquire takes the edit lock on resource for this client's tab. Acquiring
// again from the owning tab extends the lock.
func (c *Client) Acquire(ctx context.Context, resource string) (*api.LockResponse, error) {
	var out api.LockResponse
	if err := c.do(ctx, http.MethodPost, "/v1/lock/acquire", nil, api.LockRequest{Resource: resource, TabID: c.tabID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Extend refreshes the lock held by this client's tab.
func (c *Client) Extend(ctx context.Context, resource string) (*api.LockResponse, error) {
	var out api.LockResponse
	if err := c.do(ctx, http.MethodPost, "/v1/lock/extend", nil, api.LockRequest{Resource: resource, TabID: c.tabID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release drops the lock on resource. Force lets an admin remove someone
// else's lock. The returned bool reports whether a lock was removed.
func (c *Client) Release(ctx context.Context, resource string, force bool) (bool, error) {
	var out api.ReleaseResponse
	req := api.ReleaseRequest{Resource: resource, TabID: c.tabID, Force: force}
	if err := c.do(ctx, http.MethodPost, "/v1/lock/release", nil, req, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// ListLocks returns every live lock. Admin only.
func (c *Client) ListLocks(ctx context.Context) ([]api.Lock, error) {
	var out api.LockListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/lock/list", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// LockStatus reports whether the caller may edit resource and who holds it.
func (c *Client) LockStatus(ctx context.Context, resource string) (*api.LockStatusResponse, error) {
	q := url.Values{"resource": {resource}}
	var out api.LockStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/lock/status", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join registers this tab on req.Page and returns the current listing.
func (c *Client) Join(ctx context.Context, req api.PresenceRequest) (*api.PresenceResponse, error) {
	return c.presence(ctx, "/v1/presence/join", req)
}

// Heartbeat refreshes this tab's presence on req.Page.
func (c *Client) Heartbeat(ctx context.Context, req api.PresenceRequest) (*api.PresenceResponse, error) {
	return c.presence(ctx, "/v1/presence/heartbeat", req)
}

func (c *Client) presence(ctx context.Context, path string, req api.PresenceRequest) (*api.PresenceResponse, error) {
	if req.TabID == "" {
		req.TabID = c.tabID
	}
	var out api.PresenceResponse
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave removes this tab's presence from page.
func (c *Client) Leave(ctx context.Context, page string) error {
	return c.do(ctx, http.MethodPost, "/v1/presence/leave", nil, api.PresenceRequest{Page: page, TabID: c.tabID}, nil)
}

// Presence lists the viewers of page. When resource is set and locked, the
// lock owner is reported as the editor.
func (c *Client) Presence(ctx context.Context, page, resource string) (*api.PresenceResponse, error) {
	q := url.Values{"page": {page}}
	if resource != "" {
		q.Set("resource", resource)
	}
	var out api.PresenceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/presence", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Content reads the current title, description and body of resource.
func (c *Client) Content(ctx context.Context, resource string) (*api.ContentResponse, error) {
	q := url.Values{"resource": {resource}}
	var out api.ContentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/content", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Save commits an edit. The caller must hold the lock from this tab.
func (c *Client) Save(ctx context.Context, req api.SaveRequest) (*api.SaveResponse, error) {
	if req.TabID == "" {
		req.TabID = c.tabID
	}
	var out api.SaveResponse
	if err := c.do(ctx, http.MethodPost, "/v1/save", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Version returns the repository version snapshot.
func (c *Client) Version(ctx context.Context) (*api.VersionResponse, error) {
	var out api.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/version", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("scribed: encode %s: %w", path, err)
		}
		body = buf
	}
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	c.identity.apply(req.Header)
	if c.tabID != "" {
		req.Header.Set(api.HeaderTabID, c.tabID)
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}

	start := time.Now()
	c.logTraceCtx(ctx, "client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logDebugCtx(ctx, "client.http.transport_error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp)
		c.logDebugCtx(ctx, "client.http.error",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"code", apiErr.Response.ErrorCode,
			"elapsed", time.Since(start),
		)
		return apiErr
	}
	c.logTraceCtx(ctx, "client.http.complete", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scribed: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, enrichKeyvals(ctx, keyvals)...)
}

func enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		return keyvals
	}
	return append(append([]any(nil), keyvals...), "cid", cid)
}

// APIError describes a non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("scribed: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "scribed: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("scribed: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

func decodeError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &apiErr.Response); err != nil {
			apiErr.Response = api.ErrorResponse{}
		}
	}
	apiErr.RetryAfter = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	return apiErr
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// ErrorCode returns the server error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}

// IsLockConflict reports whether err is a lock conflict and returns the
// current holder when the server supplied one.
func IsLockConflict(err error) (*api.LockHolder, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Response.ErrorCode != CodeLockConflict {
		return nil, false
	}
	return apiErr.Response.Holder, true
}
