package scribed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{RepoDir: t.TempDir()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.EditableGlob != DefaultEditableGlob {
		t.Fatalf("expected editable glob default, got %q", cfg.EditableGlob)
	}
	if cfg.LockTimeout != 30*time.Minute || cfg.PresenceTTL != 45*time.Second {
		t.Fatalf("unexpected ttl defaults: lock=%s presence=%s", cfg.LockTimeout, cfg.PresenceTTL)
	}
	if cfg.LockSweepInterval != time.Minute || cfg.PresenceSweepInterval != 15*time.Second {
		t.Fatalf("unexpected sweep defaults: %s %s", cfg.LockSweepInterval, cfg.PresenceSweepInterval)
	}
	if cfg.GitTimeout != 30*time.Second {
		t.Fatalf("expected git timeout default, got %s", cfg.GitTimeout)
	}
	if cfg.VersionFile != DefaultVersionFile || cfg.JSONMaxBytes != DefaultJSONMaxBytes {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HTTP2MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Fatalf("expected http2 max concurrent streams default %d, got %d", DefaultMaxConcurrentStreams, cfg.HTTP2MaxConcurrentStreams)
	}
	if !filepath.IsAbs(cfg.RepoDir) {
		t.Fatalf("repo dir should be absolute, got %q", cfg.RepoDir)
	}
}

func TestConfigValidateContentDir(t *testing.T) {
	repo := t.TempDir()
	for in, want := range map[string]string{"": "", ".": "", "/docs/": "docs", "docs/guides": "docs/guides"} {
		cfg := Config{RepoDir: repo, ContentDir: in}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("validate %q: %v", in, err)
		}
		if cfg.ContentDir != want {
			t.Fatalf("content dir %q normalized to %q, want %q", in, cfg.ContentDir, want)
		}
	}
	cfg := Config{RepoDir: repo, ContentDir: "../outside"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected escaping content dir to fail")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	repo := t.TempDir()
	file := filepath.Join(repo, "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := map[string]Config{
		"missing repo":     {RepoDir: filepath.Join(repo, "missing")},
		"repo is file":     {RepoDir: file},
		"bad glob":         {RepoDir: repo, EditableGlob: "[unterminated"},
		"short lock":       {RepoDir: repo, LockTimeout: time.Second},
		"negative streams": {RepoDir: repo, HTTP2MaxConcurrentStreams: -1},
		"runtime w/o addr": {RepoDir: repo, EnableProfilingMetrics: true},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCRIBED_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("DefaultConfigDir = %q, %v", got, err)
	}
	path, err := DefaultConfigPath()
	if err != nil || !strings.HasSuffix(path, DefaultConfigFileName) {
		t.Fatalf("DefaultConfigPath = %q, %v", path, err)
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		in   string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"grpcs://otel.example:9000", otlpTarget{protocol: "grpc", endpoint: "otel.example:9000"}},
		{"http://otel.example/v1/traces/", otlpTarget{protocol: "http", endpoint: "otel.example:4318", path: "/v1/traces", insecure: true}},
		{"https://otel.example", otlpTarget{protocol: "http", endpoint: "otel.example:4318"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.in, got, tc.want)
		}
	}
	if _, err := resolveOTLPTarget("ftp://x"); err == nil {
		t.Fatal("expected unknown scheme error")
	}
}
