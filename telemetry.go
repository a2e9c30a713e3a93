package scribed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/version"
)

type telemetryOptions struct {
	otlpEndpoint   string
	metricsListen  string
	runtimeMetrics bool
}

func (o telemetryOptions) enabled() bool {
	return strings.TrimSpace(o.otlpEndpoint) != "" || strings.TrimSpace(o.metricsListen) != ""
}

type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	logger         pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.failure", "error", err)
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry installs global tracer and meter providers. It returns nil
// when neither tracing nor metrics are configured; instruments then bind to
// the otel no-op providers.
func setupTelemetry(ctx context.Context, opts telemetryOptions, logger pslog.Logger) (*telemetryBundle, error) {
	if !opts.enabled() {
		if opts.runtimeMetrics {
			return nil, fmt.Errorf("telemetry: runtime metrics require a metrics listen address")
		}
		return nil, nil
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("scribed"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	bundle := &telemetryBundle{logger: logger}
	fail := func(err error) (*telemetryBundle, error) {
		_ = bundle.Shutdown(ctx)
		return nil, err
	}

	if endpoint := strings.TrimSpace(opts.otlpEndpoint); endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		bundle.tracerProvider, err = newTracerProvider(ctx, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(bundle.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if listen := strings.TrimSpace(opts.metricsListen); listen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if opts.runtimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		bundle.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(bundle.meterProvider)
		if opts.runtimeMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(bundle.meterProvider))
			})
			if runtimeMetricsErr != nil {
				return fail(fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr))
			}
		}
		bundle.metricsServer, bundle.metricsLn, err = startMetricsServer(listen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("telemetry.metrics.enabled", "listen", bundle.metricsLn.Addr().String(), "runtime", opts.runtimeMetrics)
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		traceOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			traceOpts = append(traceOpts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			traceOpts = append(traceOpts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, traceOpts...)
	case "http":
		traceOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			traceOpts = append(traceOpts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, traceOpts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

func startMetricsServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

// resolveOTLPTarget accepts host[:port] (gRPC, plaintext) or a URL with a
// grpc, grpcs, http or https scheme.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host, u.Path = u.Path, ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.endpoint = withDefaultPort(host, "4317")
	case "http", "https":
		target.protocol = "http"
		target.endpoint = withDefaultPort(host, "4318")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	target.insecure = !strings.HasSuffix(strings.ToLower(u.Scheme), "s")
	return target, nil
}

func withDefaultPort(host, port string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, port)
}
