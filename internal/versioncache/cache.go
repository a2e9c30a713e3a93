// Package versioncache computes and memoizes the documentation version shown
// next to rendered pages. The value is computed once and recomputed only on
// Refresh, which the save pipeline calls after every successful save.
package versioncache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/vcs"
)

// DefaultVersionFile is read relative to the repository root.
const DefaultVersionFile = "VERSION"

// Source names the fallback level that produced a version string.
type Source string

const (
	SourceFile   Source = "file"
	SourceTag    Source = "tag"
	SourceCommit Source = "commit"
)

// Snapshot is a computed version.
type Snapshot struct {
	Version    string
	CommitHash string
	ShortHash  string
	Timestamp  time.Time
	Source     Source
}

// GitReader is the subset of vcs.Runner the cache needs.
type GitReader interface {
	Head(ctx context.Context) (string, error)
	HeadTime(ctx context.Context) (time.Time, error)
	DescribeTag(ctx context.Context) (string, error)
}

// Config configures a Cache.
type Config struct {
	RepoDir string
	// VersionFile is relative to RepoDir. A ".json" file is read through its
	// "version" key. Set to "-" to disable the file lookup.
	VersionFile string
	Git         GitReader
	Logger      pslog.Logger
}

// Cache memoizes a Snapshot.
type Cache struct {
	mu      sync.Mutex
	current *Snapshot
	repoDir string
	file    string
	git     GitReader
	logger  pslog.Logger
}

// New returns an empty cache.
func New(cfg Config) *Cache {
	file := strings.TrimSpace(cfg.VersionFile)
	if file == "" {
		file = DefaultVersionFile
	}
	if file == "-" {
		file = ""
	}
	return &Cache{
		repoDir: cfg.RepoDir,
		file:    file,
		git:     cfg.Git,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "editing.version"),
	}
}

// Get returns the cached snapshot, computing it on first use.
func (c *Cache) Get(ctx context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return *c.current
	}
	snap := c.compute(ctx)
	c.current = &snap
	return snap
}

// Refresh recomputes and stores the snapshot.
func (c *Cache) Refresh(ctx context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.compute(ctx)
	c.current = &snap
	return snap
}

func (c *Cache) compute(ctx context.Context) Snapshot {
	logger := loggingutil.FromContext(ctx, c.logger)
	var snap Snapshot
	if c.git != nil {
		if head, err := c.git.Head(ctx); err == nil {
			snap.CommitHash = head
			snap.ShortHash = vcs.ShortHash(head)
		} else {
			logger.Debug("version.head.failed", "error", err)
		}
		if snap.CommitHash != "" {
			if ts, err := c.git.HeadTime(ctx); err == nil {
				snap.Timestamp = ts
			} else {
				logger.Debug("version.head_time.failed", "error", err)
			}
		}
	}

	if v := c.readFile(logger); v != "" {
		snap.Version, snap.Source = v, SourceFile
	} else if tag := c.describe(ctx, logger); tag != "" {
		snap.Version, snap.Source = tag, SourceTag
	} else {
		short := snap.ShortHash
		if short == "" {
			short = "unknown"
		}
		snap.Version, snap.Source = "0.0.0-"+short, SourceCommit
	}
	logger.Debug("version.computed", "version", snap.Version, "source", string(snap.Source), "commit", snap.ShortHash)
	return snap
}

func (c *Cache) readFile(logger pslog.Logger) string {
	if c.file == "" {
		return ""
	}
	path := c.file
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.repoDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("version.file.read_failed", "path", path, "error", err)
		}
		return ""
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if !gjson.ValidBytes(data) {
			logger.Warn("version.file.invalid_json", "path", path)
			return ""
		}
		return strings.TrimSpace(gjson.GetBytes(data, "version").String())
	}
	return strings.TrimSpace(string(data))
}

func (c *Cache) describe(ctx context.Context, logger pslog.Logger) string {
	if c.git == nil {
		return ""
	}
	tag, err := c.git.DescribeTag(ctx)
	if err != nil {
		if !errors.Is(err, vcs.ErrNoTag) {
			logger.Debug("version.describe.failed", "error", err)
		}
		return ""
	}
	return tag
}
