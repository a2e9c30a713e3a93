package core

import (
	"time"

	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/clock"
	"pkt.systems/scribed/internal/presence"
	"pkt.systems/scribed/internal/vcs"
)

// Config wires the core Service.
type Config struct {
	// RepoDir is the git working copy that holds the documentation.
	RepoDir string
	// ContentDir is the documentation root relative to RepoDir.
	ContentDir   string
	EditableGlob string
	StrictPull   bool
	VersionFile  string

	LockTimeout time.Duration
	PresenceTTL time.Duration

	// Git runs git against RepoDir. Required.
	Git vcs.Runner
	// Users enriches presence listings. Optional.
	Users presence.UserLookup

	Logger pslog.Logger
	Clock  clock.Clock
}
