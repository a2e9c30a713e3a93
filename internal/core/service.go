// Package core holds the transport-neutral editing service: lock, presence,
// save and version operations gated by the caller's identity.
package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/clock"
	"pkt.systems/scribed/internal/locks"
	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/presence"
	"pkt.systems/scribed/internal/save"
	"pkt.systems/scribed/internal/versioncache"
)

// Service owns every registry of a scribed process. It is constructed once
// and shared by all transports.
type Service struct {
	locks    *locks.Manager
	presence *presence.Registry
	saver    *save.Coordinator
	versions *versioncache.Cache
	users    presence.UserLookup
	logger   pslog.Logger
	clock    clock.Clock

	draining atomic.Bool
}

// New constructs the core Service.
func New(cfg Config) (*Service, error) {
	if cfg.Git == nil {
		return nil, fmt.Errorf("core: git runner required")
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := clock.OrReal(cfg.Clock)

	lockManager := locks.NewManager(locks.Config{Timeout: cfg.LockTimeout, Clock: clk, Logger: logger})
	registry := presence.NewRegistry(presence.Config{TTL: cfg.PresenceTTL, Clock: clk, Logger: logger})
	versions := versioncache.New(versioncache.Config{
		RepoDir:     cfg.RepoDir,
		VersionFile: cfg.VersionFile,
		Git:         cfg.Git,
		Logger:      logger,
	})
	saver, err := save.NewCoordinator(save.Config{
		RepoDir:      cfg.RepoDir,
		ContentDir:   cfg.ContentDir,
		EditableGlob: cfg.EditableGlob,
		StrictPull:   cfg.StrictPull,
		Git:          cfg.Git,
		Locks:        lockManager,
		Versions:     versions,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		locks:    lockManager,
		presence: registry,
		saver:    saver,
		versions: versions,
		users:    cfg.Users,
		logger:   loggingutil.WithSubsystem(logger, "core.service"),
		clock:    clk,
	}, nil
}

// LockTiming returns the keep-alive cadence clients should follow.
func (s *Service) LockTiming() locks.Timing {
	return s.locks.Timing()
}

// PresenceTTL returns the presence entry lifetime.
func (s *Service) PresenceTTL() time.Duration {
	return s.presence.TTL()
}

// SweepLocks evicts expired locks.
func (s *Service) SweepLocks() int {
	return s.locks.Sweep()
}

// SweepPresence evicts stale presence entries.
func (s *Service) SweepPresence() int {
	return s.presence.Sweep()
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}
