// Package presence tracks which users have a page open and who is editing it.
// State is ephemeral: entries expire unless refreshed by heartbeats.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/clock"
	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/pathutil"
)

// DefaultTTL is how long an entry survives without a heartbeat.
const DefaultTTL = 45 * time.Second

var (
	// ErrMissingTab reports a presence call without a tab id.
	ErrMissingTab = errors.New("presence tab id required")
	// ErrMissingUser reports a presence call without a user id.
	ErrMissingUser = errors.New("presence user id required")
)

// User is the display identity attached to an entry.
type User struct {
	ID     string
	Name   string
	Avatar string
}

// UserLookup resolves display details for a user id.
type UserLookup interface {
	LookupUser(id string) (User, bool)
}

// Entry is one tab with a page open.
type Entry struct {
	PageID     string
	TabID      string
	UserID     string
	Name       string
	Avatar     string
	LastSeenAt time.Time
	IsEditing  bool
}

// Viewer aggregates the entries of one user on one page.
type Viewer struct {
	ID       string
	Name     string
	Avatar   string
	TabCount int
	Editing  bool
}

// Listing is the presence view of a page.
type Listing struct {
	Page         string
	Viewers      []Viewer
	EditorUserID string
}

// Config configures a Registry.
type Config struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

// Registry holds presence entries keyed by page then tab.
type Registry struct {
	mu      sync.Mutex
	pages   map[string]map[string]*Entry
	ttl     time.Duration
	clock   clock.Clock
	logger  pslog.Logger
	metrics *metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "editing.presence")
	r := &Registry{
		pages:  make(map[string]map[string]*Entry),
		ttl:    ttl,
		clock:  clock.OrReal(cfg.Clock),
		logger: logger,
	}
	r.metrics = newMetrics(logger, r.count)
	return r
}

// TTL returns the configured entry lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Join records that tab has page open. An existing entry for the tab is
// replaced and marked as not editing.
func (r *Registry) Join(ctx context.Context, page, tabID string, user User) error {
	if err := validate(tabID, user.ID); err != nil {
		return err
	}
	page = pathutil.NormalizePage(page)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(page, tabID, user, false)
	loggingutil.FromContext(ctx, r.logger).Debug("presence.join", "page", page, "tab", tabID, "user", user.ID)
	return nil
}

// Heartbeat refreshes the entry for tab, creating it when a join was missed.
func (r *Registry) Heartbeat(ctx context.Context, page, tabID string, user User, editing bool) error {
	if err := validate(tabID, user.ID); err != nil {
		return err
	}
	page = pathutil.NormalizePage(page)
	r.mu.Lock()
	defer r.mu.Unlock()
	created := r.putLocked(page, tabID, user, editing)
	r.metrics.recordHeartbeat(ctx, editing)
	if created {
		loggingutil.FromContext(ctx, r.logger).Debug("presence.heartbeat.created", "page", page, "tab", tabID, "user", user.ID)
	}
	return nil
}

// Leave drops the entry for tab when it belongs to userID and reports whether
// an entry was removed. Unknown entries and entries of other users are left
// alone.
func (r *Registry) Leave(ctx context.Context, page, tabID, userID string) bool {
	page = pathutil.NormalizePage(page)
	r.mu.Lock()
	defer r.mu.Unlock()
	tabs, ok := r.pages[page]
	if !ok {
		return false
	}
	entry, ok := tabs[tabID]
	if !ok {
		return false
	}
	if entry.UserID != userID {
		loggingutil.FromContext(ctx, r.logger).Debug("presence.leave.foreign", "page", page, "tab", tabID, "user", userID, "owner", entry.UserID)
		return false
	}
	delete(tabs, tabID)
	if len(tabs) == 0 {
		delete(r.pages, page)
	}
	loggingutil.FromContext(ctx, r.logger).Debug("presence.leave", "page", page, "tab", tabID)
	return true
}

// List returns the live viewers of page sorted by name then id, together with
// the user whose editing heartbeat is most recent. lookup may be nil.
func (r *Registry) List(ctx context.Context, page string, lookup UserLookup) Listing {
	page = pathutil.NormalizePage(page)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(r.clock.Now())

	listing := Listing{Page: page, Viewers: []Viewer{}}
	tabs := r.pages[page]
	byUser := make(map[string]*Viewer, len(tabs))
	var editor *Entry
	for _, entry := range tabs {
		v, ok := byUser[entry.UserID]
		if !ok {
			v = &Viewer{ID: entry.UserID, Name: entry.Name, Avatar: entry.Avatar}
			byUser[entry.UserID] = v
		}
		v.TabCount++
		if entry.IsEditing {
			v.Editing = true
			if editor == nil || entry.LastSeenAt.After(editor.LastSeenAt) ||
				(entry.LastSeenAt.Equal(editor.LastSeenAt) && entry.UserID < editor.UserID) {
				editor = entry
			}
		}
	}
	for _, v := range byUser {
		if lookup != nil {
			if u, ok := lookup.LookupUser(v.ID); ok {
				if u.Name != "" {
					v.Name = u.Name
				}
				if u.Avatar != "" {
					v.Avatar = u.Avatar
				}
			}
		}
		if v.Name == "" {
			v.Name = v.ID
		}
		listing.Viewers = append(listing.Viewers, *v)
	}
	sort.Slice(listing.Viewers, func(i, j int) bool {
		a, b := listing.Viewers[i], listing.Viewers[j]
		an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if an != bn {
			return an < bn
		}
		return a.ID < b.ID
	})
	if editor != nil {
		listing.EditorUserID = editor.UserID
	}
	return listing
}

// Sweep evicts entries not refreshed within the TTL and returns how many were
// removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.clock.Now())
}

func (r *Registry) sweepLocked(now time.Time) int {
	evicted := 0
	for page, tabs := range r.pages {
		for tab, entry := range tabs {
			if now.Sub(entry.LastSeenAt) >= r.ttl {
				delete(tabs, tab)
				evicted++
			}
		}
		if len(tabs) == 0 {
			delete(r.pages, page)
		}
	}
	if evicted > 0 {
		r.logger.Debug("presence.sweep", "evicted", evicted)
	}
	return evicted
}

func (r *Registry) putLocked(page, tabID string, user User, editing bool) bool {
	tabs, ok := r.pages[page]
	if !ok {
		tabs = make(map[string]*Entry)
		r.pages[page] = tabs
	}
	entry, exists := tabs[tabID]
	if !exists {
		entry = &Entry{PageID: page, TabID: tabID}
		tabs[tabID] = entry
	}
	entry.UserID = user.ID
	if user.Name != "" || !exists {
		entry.Name = user.Name
	}
	if user.Avatar != "" || !exists {
		entry.Avatar = user.Avatar
	}
	entry.LastSeenAt = r.clock.Now()
	entry.IsEditing = editing
	return !exists
}

func (r *Registry) count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, tabs := range r.pages {
		n += int64(len(tabs))
	}
	return n
}

func validate(tabID, userID string) error {
	if strings.TrimSpace(tabID) == "" {
		return ErrMissingTab
	}
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	return nil
}
