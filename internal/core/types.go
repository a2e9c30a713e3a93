package core

import (
	"pkt.systems/scribed/internal/identity"
	"pkt.systems/scribed/internal/locks"
	"pkt.systems/scribed/internal/presence"
	"pkt.systems/scribed/internal/save"
	"pkt.systems/scribed/internal/versioncache"
)

// LockCommand addresses a lock on behalf of a caller's tab.
type LockCommand struct {
	Caller   identity.Identity
	Resource string
	TabID    string
}

// ReleaseCommand releases a lock. Force is admin only.
type ReleaseCommand struct {
	LockCommand
	Force bool
}

// LockResult is returned by acquire and extend.
type LockResult struct {
	Lock   locks.Lock
	Timing locks.Timing
}

// LockStatus combines edit permission with the state of a resource's lock.
type LockStatus struct {
	Resource         string
	CanEdit          bool
	IsAdmin          bool
	Locked           bool
	LockedByYou      bool
	LockedInOtherTab bool
	// Holder is set when someone holds the lock.
	Holder *locks.Holder
	// Lock is the full lock, set for its owner and for admins.
	Lock   *locks.Lock
	Timing locks.Timing
}

// PresenceCommand is a join, heartbeat or leave.
type PresenceCommand struct {
	Caller  identity.Identity
	Page    string
	TabID   string
	Editing bool
}

// PresenceView is a page listing with the displayed editor resolved.
type PresenceView struct {
	presence.Listing
	// EditorSource is "lock" or "presence".
	EditorSource string
}

// Editor sources reported in PresenceView.
const (
	EditorFromLock     = "lock"
	EditorFromPresence = "presence"
)

// SaveCommand is one save request.
type SaveCommand struct {
	Caller      identity.Identity
	Resource    string
	TabID       string
	Title       string
	Description string
	Body        string
}

// ContentResult is the current content of a document.
type ContentResult struct {
	Resource    string
	Exists      bool
	Title       string
	Description string
	Body        string
	Metadata    map[string]any
}

// SaveResult mirrors save.Result.
type SaveResult = save.Result

// VersionSnapshot mirrors versioncache.Snapshot.
type VersionSnapshot = versioncache.Snapshot
