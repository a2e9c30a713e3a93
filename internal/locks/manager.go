// Package locks implements the per-document exclusive edit locks. A lock is
// owned by one (user, tab) pair, expires after a fixed timeout unless it is
// extended, and is evicted lazily on access as well as by periodic sweeps.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/clock"
	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/pathutil"
)

// DefaultTimeout is the lock lifetime granted on acquire and on every extend.
const DefaultTimeout = 30 * time.Minute

// warnLead is how long before expiry editors start warning about the lock.
const warnLead = 5 * time.Minute

var (
	// ErrNotFound reports that no live lock exists for the resource.
	ErrNotFound = errors.New("lock not found")
	// ErrConflict reports that the lock is held by a different (user, tab).
	// Concrete errors are *ConflictError values.
	ErrConflict = errors.New("lock conflict")
	// ErrMissingOwner reports an acquire or extend without a user id.
	ErrMissingOwner = errors.New("lock owner required")
)

// ConflictReason says why an owner could not take or touch a lock.
type ConflictReason string

const (
	// ReasonOtherUser means someone else holds the lock.
	ReasonOtherUser ConflictReason = "other_user"
	// ReasonSameUserOtherTab means the caller holds it from another tab.
	ReasonSameUserOtherTab ConflictReason = "same_user_other_tab"
)

// ConflictError carries the public view of the current holder.
type ConflictError struct {
	Resource string
	Reason   ConflictReason
	Holder   Holder
}

func (e *ConflictError) Error() string {
	if e.Reason == ReasonSameUserOtherTab {
		return fmt.Sprintf("%s is locked by you in another tab", e.Resource)
	}
	name := e.Holder.Name
	if name == "" {
		name = e.Holder.UserID
	}
	return fmt.Sprintf("%s is being edited by %s", e.Resource, name)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Owner identifies who is asking for a lock.
type Owner struct {
	ID     string
	TabID  string
	Name   string
	Avatar string
}

// Holder is the subset of a lock that may be shown to other users.
type Holder struct {
	UserID     string
	Name       string
	Avatar     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Lock is a snapshot of a live lock. Values are copies; mutating them has no
// effect on the manager.
type Lock struct {
	ID             string
	Resource       string
	OwnerID        string
	OwnerTabID     string
	OwnerName      string
	OwnerAvatar    string
	AcquiredAt     time.Time
	ExpiresAt      time.Time
	LastExtendedAt time.Time
}

// Holder returns the public view of l.
func (l Lock) Holder() Holder {
	return Holder{
		UserID:     l.OwnerID,
		Name:       l.OwnerName,
		Avatar:     l.OwnerAvatar,
		AcquiredAt: l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt,
	}
}

// OwnedBy reports whether l belongs to exactly (ownerID, tabID).
func (l Lock) OwnedBy(ownerID, tabID string) bool {
	return l.OwnerID == ownerID && l.OwnerTabID == tabID
}

func (l Lock) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Timing tells editors how to keep a lock alive.
type Timing struct {
	Timeout        time.Duration
	ExtendInterval time.Duration
	WarnAfter      time.Duration
}

// TimingFor derives the client keep-alive cadence for timeout.
func TimingFor(timeout time.Duration) Timing {
	half := timeout / 2
	warn := timeout - warnLead
	if warn < half {
		warn = half
	}
	return Timing{Timeout: timeout, ExtendInterval: half, WarnAfter: warn}
}

// Config configures a Manager.
type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Manager owns every lock. All operations serialize on one mutex.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*Lock
	timeout time.Duration
	clock   clock.Clock
	logger  pslog.Logger
	metrics *metrics
}

// NewManager returns an empty lock manager.
func NewManager(cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "editing.locks")
	m := &Manager{
		locks:   make(map[string]*Lock),
		timeout: timeout,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logger,
	}
	m.metrics = newMetrics(logger, m.count)
	return m
}

// Timing returns the keep-alive cadence derived from the configured timeout.
func (m *Manager) Timing() Timing {
	return TimingFor(m.timeout)
}

// Acquire takes the lock on resource for owner. Re-acquiring from the owning
// tab extends the lock.
func (m *Manager) Acquire(ctx context.Context, resource string, owner Owner) (Lock, error) {
	lock, err := m.acquire(ctx, resource, owner)
	m.metrics.recordOp(ctx, opAcquire, err)
	return lock, err
}

func (m *Manager) acquire(ctx context.Context, resource string, owner Owner) (Lock, error) {
	logger := loggingutil.FromContext(ctx, m.logger)
	key, display, err := resourceKey(resource)
	if err != nil {
		return Lock{}, err
	}
	owner.ID = strings.TrimSpace(owner.ID)
	if owner.ID == "" {
		return Lock{}, ErrMissingOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.sweepLocked(now)

	if current, ok := m.locks[key]; ok {
		if current.OwnedBy(owner.ID, owner.TabID) {
			current.ExpiresAt = now.Add(m.timeout)
			current.LastExtendedAt = now
			if owner.Name != "" {
				current.OwnerName = owner.Name
			}
			if owner.Avatar != "" {
				current.OwnerAvatar = owner.Avatar
			}
			logger.Debug("lock.acquire.reentrant", "resource", current.Resource, "owner", owner.ID, "tab", owner.TabID, "lock_id", current.ID)
			return *current, nil
		}
		conflict := conflictFor(current, owner.ID)
		logger.Info("lock.acquire.conflict",
			"resource", current.Resource,
			"owner", owner.ID,
			"holder", current.OwnerID,
			"reason", string(conflict.Reason),
		)
		return Lock{}, conflict
	}

	lock := &Lock{
		ID:             xid.New().String(),
		Resource:       display,
		OwnerID:        owner.ID,
		OwnerTabID:     owner.TabID,
		OwnerName:      owner.Name,
		OwnerAvatar:    owner.Avatar,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(m.timeout),
		LastExtendedAt: now,
	}
	m.locks[key] = lock
	logger.Info("lock.acquire.success", "resource", display, "owner", owner.ID, "tab", owner.TabID, "lock_id", lock.ID, "expires_at", lock.ExpiresAt)
	return *lock, nil
}

// Extend pushes the expiry of an owned lock to now + timeout.
func (m *Manager) Extend(ctx context.Context, resource, ownerID, tabID string) (Lock, error) {
	lock, err := m.extend(ctx, resource, ownerID, tabID)
	m.metrics.recordOp(ctx, opExtend, err)
	return lock, err
}

func (m *Manager) extend(ctx context.Context, resource, ownerID, tabID string) (Lock, error) {
	logger := loggingutil.FromContext(ctx, m.logger)
	key, display, err := resourceKey(resource)
	if err != nil {
		return Lock{}, err
	}
	if strings.TrimSpace(ownerID) == "" {
		return Lock{}, ErrMissingOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.sweepLocked(now)

	current, ok := m.locks[key]
	if !ok {
		logger.Info("lock.extend.not_found", "resource", display, "owner", ownerID, "tab", tabID)
		return Lock{}, fmt.Errorf("%w: %s", ErrNotFound, display)
	}
	if !current.OwnedBy(ownerID, tabID) {
		conflict := conflictFor(current, ownerID)
		logger.Info("lock.extend.conflict", "resource", current.Resource, "owner", ownerID, "holder", current.OwnerID, "reason", string(conflict.Reason))
		return Lock{}, conflict
	}
	current.ExpiresAt = now.Add(m.timeout)
	current.LastExtendedAt = now
	logger.Debug("lock.extend.success", "resource", current.Resource, "owner", ownerID, "tab", tabID, "expires_at", current.ExpiresAt)
	return *current, nil
}

// Release drops the lock when it is held by (ownerID, tabID), or
// unconditionally when isAdmin is set. It reports whether a lock was removed.
func (m *Manager) Release(ctx context.Context, resource, ownerID, tabID string, isAdmin bool) (bool, error) {
	released, err := m.release(ctx, resource, ownerID, tabID, isAdmin)
	m.metrics.recordRelease(ctx, released, err)
	return released, err
}

func (m *Manager) release(ctx context.Context, resource, ownerID, tabID string, isAdmin bool) (bool, error) {
	logger := loggingutil.FromContext(ctx, m.logger)
	key, _, err := resourceKey(resource)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.clock.Now())

	current, ok := m.locks[key]
	if !ok {
		return false, nil
	}
	if !isAdmin && !current.OwnedBy(ownerID, tabID) {
		logger.Debug("lock.release.not_owner", "resource", current.Resource, "owner", ownerID, "holder", current.OwnerID)
		return false, nil
	}
	delete(m.locks, key)
	forced := isAdmin && !current.OwnedBy(ownerID, tabID)
	logger.Info("lock.release.success", "resource", current.Resource, "owner", current.OwnerID, "by", ownerID, "forced", forced, "lock_id", current.ID)
	return true, nil
}

// Holds returns nil when (ownerID, tabID) holds the live lock on resource,
// ErrNotFound when nobody does, and a *ConflictError otherwise.
func (m *Manager) Holds(ctx context.Context, resource, ownerID, tabID string) error {
	key, display, err := resourceKey(resource)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.clock.Now())
	current, ok := m.locks[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, display)
	}
	if !current.OwnedBy(ownerID, tabID) {
		return conflictFor(current, ownerID)
	}
	return nil
}

// Query returns the live lock on resource, or nil. An expired lock is evicted
// and reported as absent.
func (m *Manager) Query(ctx context.Context, resource string) (*Lock, error) {
	key, _, err := resourceKey(resource)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	current, ok := m.locks[key]
	if !ok {
		return nil, nil
	}
	if current.expired(now) {
		m.evictLocked(key, current, now)
		return nil, nil
	}
	out := *current
	return &out, nil
}

// List returns every live lock ordered by resource.
func (m *Manager) List(ctx context.Context) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.clock.Now())
	out := make([]Lock, 0, len(m.locks))
	for _, lock := range m.locks {
		out = append(out, *lock)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Resource < out[j].Resource
	})
	return out
}

// Sweep evicts every expired lock and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.clock.Now())
}

func (m *Manager) sweepLocked(now time.Time) int {
	evicted := 0
	for key, lock := range m.locks {
		if lock.expired(now) {
			m.evictLocked(key, lock, now)
			evicted++
		}
	}
	return evicted
}

func (m *Manager) evictLocked(key string, lock *Lock, now time.Time) {
	delete(m.locks, key)
	m.metrics.recordEvicted()
	m.logger.Info("lock.expired",
		"resource", lock.Resource,
		"owner", lock.OwnerID,
		"tab", lock.OwnerTabID,
		"lock_id", lock.ID,
		"overdue", now.Sub(lock.ExpiresAt),
	)
}

func (m *Manager) count() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.locks))
}

func conflictFor(current *Lock, ownerID string) *ConflictError {
	reason := ReasonOtherUser
	if current.OwnerID == ownerID {
		reason = ReasonSameUserOtherTab
	}
	return &ConflictError{Resource: current.Resource, Reason: reason, Holder: current.Holder()}
}

func resourceKey(resource string) (key string, display string, err error) {
	display, err = pathutil.CleanResource(resource)
	if err != nil {
		return "", "", err
	}
	key, err = pathutil.NormalizeResource(display)
	if err != nil {
		return "", "", err
	}
	return key, display, nil
}
