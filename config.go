package scribed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"pkt.systems/scribed/internal/pathutil"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8740"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultRepoDir is the git working copy served when none is configured.
	DefaultRepoDir = "."
	// DefaultContentDir is the directory, relative to the repository root,
	// documents are resolved under.
	DefaultContentDir = "docs"
	// DefaultEditableGlob selects which documents may be edited.
	DefaultEditableGlob = "**.md"
	// DefaultLockTimeout is how long an un-extended edit lock lives.
	DefaultLockTimeout = 30 * time.Minute
	// DefaultPresenceTTL is how long a presence entry survives without a heartbeat.
	DefaultPresenceTTL = 45 * time.Second
	// DefaultLockSweepInterval sets how often expired locks are evicted.
	DefaultLockSweepInterval = time.Minute
	// DefaultPresenceSweepInterval sets how often stale presence entries are evicted.
	DefaultPresenceSweepInterval = 15 * time.Second
	// DefaultGitTimeout bounds each git invocation.
	DefaultGitTimeout = 30 * time.Second
	// DefaultVersionFile is read from the repository root for the version snapshot.
	DefaultVersionFile = "VERSION"
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 4 << 20
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams sets the default HTTP/2 MaxConcurrentStreams.
	DefaultMaxConcurrentStreams = 256
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultClientServer is the server URL used by the CLI client.
	DefaultClientServer = "http://127.0.0.1:8740"
)

// Config captures the tunables for a scribed server.
type Config struct {
	// Listen is the server bind address (for example ":8740").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// EnableProfilingMetrics enables Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// RepoDir is the git working copy holding the documents.
	RepoDir string
	// ContentDir is the documents root relative to RepoDir.
	ContentDir string
	// EditableGlob selects editable resources (matched against the cleaned resource path).
	EditableGlob string
	// LockTimeout is the lifetime of an edit lock between extends.
	LockTimeout time.Duration
	// PresenceTTL is the lifetime of a presence entry between heartbeats.
	PresenceTTL time.Duration
	// LockSweepInterval controls the expired-lock sweeper cadence.
	LockSweepInterval time.Duration
	// PresenceSweepInterval controls the presence sweeper cadence.
	PresenceSweepInterval time.Duration
	// GitTimeout bounds each git command.
	GitTimeout time.Duration
	// GitRemote names the remote pulled from and pushed to; empty uses the upstream.
	GitRemote string
	// StrictPull makes a failed pull abort the save instead of warning.
	StrictPull bool
	// VersionFile is read for the version snapshot; "-" disables it.
	VersionFile string
	// UsersFile is an optional YAML user directory that enriches identities.
	UsersFile string
	// JSONMaxBytes caps incoming JSON payload size.
	JSONMaxBytes int64
	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers.
	DisableHTTPTracing bool
	// HTTP2MaxConcurrentStreams sets HTTP/2 MaxConcurrentStreams; 0 uses default.
	HTTP2MaxConcurrentStreams int
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.RepoDir == "" {
		c.RepoDir = DefaultRepoDir
	}
	repo, err := pathutil.ExpandUserAndEnv(c.RepoDir)
	if err != nil {
		return fmt.Errorf("config: repo: %w", err)
	}
	if abs, err := filepath.Abs(repo); err == nil {
		repo = abs
	}
	info, err := os.Stat(repo)
	if err != nil {
		return fmt.Errorf("config: repo: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: repo %s is not a directory", repo)
	}
	c.RepoDir = repo

	c.ContentDir = strings.Trim(filepath.ToSlash(strings.TrimSpace(c.ContentDir)), "/")
	if c.ContentDir == "." {
		c.ContentDir = ""
	}
	if strings.HasPrefix(c.ContentDir, "../") || c.ContentDir == ".." {
		return fmt.Errorf("config: content dir %q escapes the repository", c.ContentDir)
	}
	if c.EditableGlob == "" {
		c.EditableGlob = DefaultEditableGlob
	}
	if _, err := glob.Compile(c.EditableGlob, '/'); err != nil {
		return fmt.Errorf("config: editable glob: %w", err)
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.LockTimeout < time.Minute {
		return fmt.Errorf("config: lock timeout must be >= 1m")
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = DefaultPresenceTTL
	}
	if c.LockSweepInterval <= 0 {
		c.LockSweepInterval = DefaultLockSweepInterval
	}
	if c.PresenceSweepInterval <= 0 {
		c.PresenceSweepInterval = DefaultPresenceSweepInterval
	}
	if c.GitTimeout <= 0 {
		c.GitTimeout = DefaultGitTimeout
	}
	c.GitRemote = strings.TrimSpace(c.GitRemote)
	if c.VersionFile == "" {
		c.VersionFile = DefaultVersionFile
	}
	if c.UsersFile != "" {
		users, err := pathutil.ExpandUserAndEnv(c.UsersFile)
		if err != nil {
			return fmt.Errorf("config: users file: %w", err)
		}
		c.UsersFile = users
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.scribed).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SCRIBED_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scribed"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
