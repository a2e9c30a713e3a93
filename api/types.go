// Package api defines the JSON wire types exchanged between scribed servers and
// clients.
package api

// Headers understood by the scribed HTTP API.
const (
	// HeaderTabID identifies the browser tab issuing a request.
	HeaderTabID = "X-Scribed-Tab"
	// HeaderUser carries the verified user id set by the identity proxy.
	HeaderUser = "X-Scribed-User"
	// HeaderName carries the user's display name.
	HeaderName = "X-Scribed-Name"
	// HeaderAvatar carries the user's avatar URL.
	HeaderAvatar = "X-Scribed-Avatar"
	// HeaderEmail carries the user's e-mail address (commit attribution).
	HeaderEmail = "X-Scribed-Email"
	// HeaderRoles carries a comma separated role list (editor, admin).
	HeaderRoles = "X-Scribed-Roles"
)

// LockRequest models POST /v1/lock/acquire and POST /v1/lock/extend.
type LockRequest struct {
	// Resource is the document path relative to the content root.
	Resource string `json:"resource"`
	// TabID identifies the tab that will own the lock; the X-Scribed-Tab header wins when set.
	TabID string `json:"tab_id,omitempty"`
}

// ReleaseRequest models POST /v1/lock/release.
type ReleaseRequest struct {
	Resource string `json:"resource"`
	TabID    string `json:"tab_id,omitempty"`
	// Force releases a lock held by someone else. Admin only.
	Force bool `json:"force,omitempty"`
}

// ReleaseResponse reports whether a lock was removed.
type ReleaseResponse struct {
	Released bool `json:"released"`
}

// Lock describes a live document lock.
type Lock struct {
	ID          string `json:"id"`
	Resource    string `json:"resource"`
	OwnerID     string `json:"owner_id"`
	OwnerName   string `json:"owner_name,omitempty"`
	OwnerAvatar string `json:"owner_avatar,omitempty"`
	// OwnerTabID is only populated for the owner and for admins.
	OwnerTabID       string `json:"owner_tab_id,omitempty"`
	AcquiredAt       int64  `json:"acquired_at_unix"`
	ExpiresAt        int64  `json:"expires_at_unix"`
	LastExtendedAt   int64  `json:"last_extended_at_unix"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

// LockHolder is the public view of whoever holds a contended lock.
type LockHolder struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	AcquiredAt int64  `json:"acquired_at_unix"`
	ExpiresAt  int64  `json:"expires_at_unix"`
	// SameUser is true when the holder is the caller in another tab.
	SameUser bool `json:"same_user,omitempty"`
}

// LockTiming tells editors how often to extend and when to warn.
type LockTiming struct {
	TimeoutSeconds        int64 `json:"timeout_seconds"`
	ExtendIntervalSeconds int64 `json:"extend_interval_seconds"`
	WarnAfterSeconds      int64 `json:"warn_after_seconds"`
}

// LockResponse is returned by acquire and extend.
type LockResponse struct {
	Lock   Lock       `json:"lock"`
	Timing LockTiming `json:"timing"`
}

// LockListResponse is returned by GET /v1/lock/list.
type LockListResponse struct {
	Locks []Lock `json:"locks"`
}

// LockStatusResponse combines edit permission with the current lock state.
type LockStatusResponse struct {
	Resource         string      `json:"resource"`
	CanEdit          bool        `json:"can_edit"`
	IsAdmin          bool        `json:"is_admin"`
	Locked           bool        `json:"locked"`
	LockedByYou      bool        `json:"locked_by_you"`
	LockedInOtherTab bool        `json:"locked_in_other_tab"`
	Holder           *LockHolder `json:"holder,omitempty"`
	Lock             *Lock       `json:"lock,omitempty"`
	Timing           LockTiming  `json:"timing"`
}

// PresenceRequest models join, heartbeat and leave.
type PresenceRequest struct {
	Page  string `json:"page"`
	TabID string `json:"tab_id,omitempty"`
	// Resource optionally names the document shown on the page so the
	// returned listing reports the lock owner as editor.
	Resource string `json:"resource,omitempty"`
	Editing  bool   `json:"editing,omitempty"`
}

// Viewer aggregates every tab a user has open on a page.
type Viewer struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	TabCount int    `json:"tab_count"`
	Editing  bool   `json:"editing,omitempty"`
}

// PresenceResponse is returned by GET /v1/presence and by heartbeat/join.
type PresenceResponse struct {
	Page         string   `json:"page"`
	Viewers      []Viewer `json:"viewers"`
	EditorUserID string   `json:"editor_user_id,omitempty"`
	// EditorSource is "lock" when the editor was derived from the lock owner
	// and "presence" when it came from heartbeats.
	EditorSource        string `json:"editor_source,omitempty"`
	TTLSeconds          int64  `json:"ttl_seconds"`
	HeartbeatAckUnixSec int64  `json:"heartbeat_ack_unix,omitempty"`
}

// ContentResponse returns the current document content for editing.
type ContentResponse struct {
	Resource    string         `json:"resource"`
	Exists      bool           `json:"exists"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Body        string         `json:"body"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SaveRequest models POST /v1/save.
type SaveRequest struct {
	Resource    string `json:"resource"`
	TabID       string `json:"tab_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Body        string `json:"body"`
}

// SaveStep is one entry of the save pipeline log.
type SaveStep struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// SaveResponse reports a successful save.
type SaveResponse struct {
	// Outcome is "committed" or "unchanged".
	Outcome     string          `json:"outcome"`
	Commit      string          `json:"commit,omitempty"`
	ShortCommit string          `json:"short_commit,omitempty"`
	Published   bool            `json:"published"`
	Version     VersionResponse `json:"version"`
	Steps       []SaveStep      `json:"steps"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// VersionResponse describes the repository version snapshot.
type VersionResponse struct {
	Version     string `json:"version"`
	Commit      string `json:"commit,omitempty"`
	ShortCommit string `json:"short_commit,omitempty"`
	Timestamp   int64  `json:"timestamp_unix,omitempty"`
	// Source is "file", "tag" or "commit".
	Source string `json:"source,omitempty"`
}

// ErrorResponse is the JSON envelope used for every non-2xx reply.
type ErrorResponse struct {
	// ErrorCode is the stable scribed error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// Holder is set on lock_conflict.
	Holder *LockHolder `json:"holder,omitempty"`
	// Step names the save pipeline step that failed.
	Step string `json:"step,omitempty"`
	// LocalSafe reports whether the edit is safely committed locally.
	LocalSafe *bool `json:"local_safe,omitempty"`
	// Remediation gives operator guidance for failures that need manual work.
	Remediation string `json:"remediation,omitempty"`
	// Steps is the save pipeline log up to the failure.
	Steps []SaveStep `json:"steps,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
