package scribed

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/scribed/client"
)

// TestServer wraps a running scribed.Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config

	stop    func(context.Context) error
	tempDir string
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SCRIBED_TEST_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(writer),
	).With("app", "testserver")
}

// Stop shuts down the server and removes any repository it created.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	err := ts.stop(ctx)
	if ts.tempDir != "" {
		_ = os.RemoveAll(ts.tempDir)
	}
	return err
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

// NewClient returns a client for the test server acting as id from tab.
func (ts *TestServer) NewClient(id client.Identity, tab string, opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	options := append([]client.Option{client.WithIdentity(id), client.WithTabID(tab)}, opts...)
	return client.New(ts.BaseURL, options...)
}

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	serverOpts   []Option
	logger       pslog.Logger
	testTB       testing.TB
	testLogLevel pslog.Level
	startTimeout time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration after defaults are applied.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestServerOptions passes server options (clock, git executor, ...).
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestLogger sets the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a server on a loopback port. When no repository is
// configured an empty temporary directory is used and removed on Stop.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Listen:      "127.0.0.1:0",
			VersionFile: "-",
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	var tempDir string
	if cfg.RepoDir == "" {
		dir, err := os.MkdirTemp("", "scribed-testserver-")
		if err != nil {
			return nil, fmt.Errorf("test server: repo dir: %w", err)
		}
		tempDir = dir
		cfg.RepoDir = dir
	}
	cleanup := func() {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
	}

	logger := options.logger
	if logger == nil && options.testTB != nil {
		logger = NewTestingLogger(options.testTB, options.testLogLevel)
	}
	serverOpts := options.serverOpts
	if logger != nil {
		serverOpts = append([]Option{WithLogger(logger)}, serverOpts...)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	srv, stop, err := StartServer(startCtx, cfg, serverOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		cleanup()
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	return &TestServer{
		Server:  srv,
		BaseURL: "http://" + addr.String(),
		Config:  cfg,
		stop:    stop,
		tempDir: tempDir,
	}, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}
