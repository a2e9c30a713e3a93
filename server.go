package scribed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/clock"
	"pkt.systems/scribed/internal/core"
	"pkt.systems/scribed/internal/httpapi"
	"pkt.systems/scribed/internal/identity"
	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/presence"
	"pkt.systems/scribed/internal/vcs"
)

// Server wraps the HTTP server, the editing service and its sweepers.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	service      *core.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	clock        clock.Clock
	telemetry    *telemetryBundle
	directory    *identity.Directory
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	serving   atomic.Bool
	bgCancel  context.CancelFunc
	bgDone    sync.WaitGroup
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Executor     vcs.Executor
	Identity     identity.Provider
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithGitExecutor replaces the process executor used for git commands
// (useful for tests).
func WithGitExecutor(e vcs.Executor) Option {
	return func(o *options) {
		o.Executor = e
	}
}

// WithIdentityProvider replaces the header based identity provider.
func WithIdentityProvider(p identity.Provider) Option {
	return func(o *options) {
		o.Identity = p
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a scribed server according to cfg.
// Example:
//
//	cfg := scribed.Config{RepoDir: "/srv/handbook", ContentDir: "docs"}
//	srv, err := scribed.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := clock.OrReal(o.Clock)

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryOptions{
		otlpEndpoint:   otlpEndpoint,
		metricsListen:  cfg.MetricsListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
	}

	var directory *identity.Directory
	var users presence.UserLookup
	if cfg.UsersFile != "" {
		directory, err = identity.LoadDirectory(cfg.UsersFile, logger)
		if err != nil {
			closeTelemetry()
			return nil, fmt.Errorf("users file: %w", err)
		}
		users = directory
		logger.Info("identity.directory.loaded", "path", directory.Path(), "users", directory.Len())
	}
	provider := o.Identity
	if provider == nil {
		provider = identity.HeaderProvider{Directory: directory}
	}

	executor := o.Executor
	if executor == nil {
		executor = vcs.ExecExecutor{}
	}
	git := vcs.NewGit(vcs.Config{
		Dir:      cfg.RepoDir,
		Remote:   cfg.GitRemote,
		Timeout:  cfg.GitTimeout,
		Executor: executor,
		Logger:   logger,
	})
	service, err := core.New(core.Config{
		RepoDir:      cfg.RepoDir,
		ContentDir:   cfg.ContentDir,
		EditableGlob: cfg.EditableGlob,
		StrictPull:   cfg.StrictPull,
		VersionFile:  cfg.VersionFile,
		LockTimeout:  cfg.LockTimeout,
		PresenceTTL:  cfg.PresenceTTL,
		Git:          git,
		Users:        users,
		Logger:       logger,
		Clock:        serverClock,
	})
	if err != nil {
		closeTelemetry()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		service:   service,
		clock:     serverClock,
		telemetry: telemetry,
		directory: directory,
		readyCh:   make(chan struct{}),
	}
	s.handler = httpapi.New(httpapi.Config{
		Service:       service,
		Identity:      provider,
		Logger:        logger,
		JSONMaxBytes:  cfg.JSONMaxBytes,
		EnableTracing: !cfg.DisableHTTPTracing,
		Ready:         s.serving.Load,
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(httpErrorLog{logger: loggingutil.WithSubsystem(logger, "server.http")}, "", 0),
	}
	if err := http2.ConfigureServer(s.httpSrv, &http2.Server{
		MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams),
	}); err != nil {
		closeTelemetry()
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	logger.Info("server.configured",
		"repo", cfg.RepoDir,
		"content_dir", cfg.ContentDir,
		"editable", cfg.EditableGlob,
		"lock_timeout", cfg.LockTimeout,
		"presence_ttl", cfg.PresenceTTL,
		"strict_pull", cfg.StrictPull,
	)
	return s, nil
}

// httpErrorLog forwards net/http server errors to the structured logger.
type httpErrorLog struct {
	logger pslog.Logger
}

func (w httpErrorLog) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the underlying HTTP handler so scribed can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the editing service.
func (s *Server) Service() *core.Service {
	return s.service
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.startBackground()
	s.serving.Store(true)
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.serving.Store(false)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server. Live locks and presence entries are
// in-memory and do not survive it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.serving.Store(false)
	s.service.BeginDrain()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopBackground()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// startBackground launches the lock and presence sweepers and, when a users
// file is configured, its watcher.
func (s *Server) startBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bgCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.runSweeper(ctx, "locks", s.cfg.LockSweepInterval, s.service.SweepLocks)
	s.runSweeper(ctx, "presence", s.cfg.PresenceSweepInterval, s.service.SweepPresence)
	if s.directory != nil {
		s.bgDone.Add(1)
		go func() {
			defer s.bgDone.Done()
			if err := s.directory.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("identity.directory.watch_failed", "path", s.directory.Path(), "error", err)
			}
		}()
	}
}

func (s *Server) runSweeper(ctx context.Context, name string, interval time.Duration, sweep func() int) {
	if interval <= 0 {
		return
	}
	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(interval):
				if n := sweep(); n > 0 {
					s.logger.Debug("sweeper.evicted", "registry", name, "count", n)
				}
			}
		}
	}()
}

func (s *Server) stopBackground() {
	s.mu.Lock()
	cancel := s.bgCancel
	s.bgCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.bgDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a scribed server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCtx, cancelReady := context.WithCancel(waitCtx)
	defer cancelReady()
	go func() {
		select {
		case err := <-errCh:
			// Start failed before the listener came up.
			errCh <- err
			cancelReady()
		case <-readyCtx.Done():
		}
	}()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		select {
		case startErr := <-errCh:
			if startErr != nil {
				return nil, nil, startErr
			}
		case <-shutdownCtx.Done():
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
