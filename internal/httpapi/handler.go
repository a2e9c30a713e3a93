package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/scribed/api"
	"pkt.systems/scribed/internal/core"
	"pkt.systems/scribed/internal/correlation"
	"pkt.systems/scribed/internal/identity"
	"pkt.systems/scribed/internal/loggingutil"
)

// DefaultJSONMaxBytes caps request bodies when Config.JSONMaxBytes is unset.
const DefaultJSONMaxBytes int64 = 4 << 20

const headerCorrelationID = correlation.Header

var tracer = otel.Tracer("pkt.systems/scribed/internal/httpapi")

// Handler exposes the editing service over HTTP.
type Handler struct {
	svc                *core.Service
	identity           identity.Provider
	logger             pslog.Logger
	tracer             trace.Tracer
	jsonMaxBytes       int64
	httpTracingEnabled bool
	ready              func() bool
}

// Config groups the dependencies required by Handler.
type Config struct {
	Service *core.Service
	// Identity resolves the caller; defaults to identity.HeaderProvider.
	Identity     identity.Provider
	Logger       pslog.Logger
	JSONMaxBytes int64
	// EnableTracing wraps every route with otelhttp and per-request spans.
	EnableTracing bool
	// Ready backs /readyz; nil means always ready.
	Ready func() bool
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	provider := cfg.Identity
	if provider == nil {
		provider = identity.HeaderProvider{}
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	return &Handler{
		svc:                cfg.Service,
		identity:           provider,
		logger:             logger,
		tracer:             tracer,
		jsonMaxBytes:       maxBytes,
		httpTracingEnabled: cfg.EnableTracing,
		ready:              cfg.Ready,
	}
}

// Register wires the routes into mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/lock/acquire", h.wrap("lock.acquire", h.handleAcquire))
	mux.Handle("/v1/lock/extend", h.wrap("lock.extend", h.handleExtend))
	mux.Handle("/v1/lock/release", h.wrap("lock.release", h.handleRelease))
	mux.Handle("/v1/lock/list", h.wrap("lock.list", h.handleLockList))
	mux.Handle("/v1/lock/status", h.wrap("lock.status", h.handleLockStatus))
	mux.Handle("/v1/presence/join", h.wrap("presence.join", h.handlePresenceJoin))
	mux.Handle("/v1/presence/heartbeat", h.wrap("presence.heartbeat", h.handlePresenceHeartbeat))
	mux.Handle("/v1/presence/leave", h.wrap("presence.leave", h.handlePresenceLeave))
	mux.Handle("/v1/presence", h.wrap("presence.list", h.handlePresenceList))
	mux.Handle("/v1/content", h.wrap("content", h.handleContent))
	mux.Handle("/v1/save", h.wrap("save", h.handleSave))
	mux.Handle("/v1/version", h.wrap("version", h.handleVersion))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "scribed.http." + operation
	txSpanName := "scribed.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("scribed.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("scribed.operation", operation),
				attribute.String("scribed.route", r.URL.Path),
			)
			span.AddEvent("scribed.tx.begin")
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Ensure(ctx, r.Header)
		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		ctx, logger = applyCorrelation(ctx, logger, span)
		if corr := correlation.ID(ctx); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		result := "ok"
		status := codes.Ok
		statusMsg := ""
		defer func() {
			if instrument {
				span.SetStatus(status, statusMsg)
				span.AddEvent("scribed.tx.end", trace.WithAttributes(
					attribute.String("scribed.result", result),
					attribute.Int64("scribed.duration_ms", time.Since(start).Milliseconds()),
				))
			}
		}()

		if err := fn(w, r); err != nil {
			result = "error"
			status = codes.Error
			statusMsg = "handler_error"
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result = "context"
				statusMsg = "context_canceled"
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				return
			}
			err = convertCoreError(err)
			if instrument {
				span.RecordError(err)
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("scribed.error_code", httpErr.Code),
						attribute.Int("scribed.error_status", httpErr.Status),
					)
				} else {
					span.SetAttributes(attribute.String("scribed.error_code", "internal"))
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

// caller resolves the request identity.
func (h *Handler) caller(r *http.Request) (identity.Identity, error) {
	id, err := h.identity.Identify(r)
	if err != nil {
		if errors.Is(err, identity.ErrAuthenticationRequired) {
			return identity.Identity{}, httpError{Status: http.StatusUnauthorized, Code: core.CodeAuthenticationRequired, Detail: err.Error()}
		}
		return identity.Identity{}, err
	}
	return id, nil
}

type httpError struct {
	Status      int
	Code        string
	Detail      string
	RetryAfter  int64
	Holder      *api.LockHolder
	Step        string
	LocalSafe   *bool
	Remediation string
	Steps       []api.SaveStep
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func methodNotAllowed(allowed ...string) httpError {
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "unsupported method, use " + strings.Join(allowed, " or "),
	}
}
