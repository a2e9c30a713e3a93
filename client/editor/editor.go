// Package editor implements the client side of an editing session: taking
// the lock, tracking unsaved changes, asking before discarding them, keeping
// the lock alive and heartbeating presence while the page is open.
//
// The browser editor follows the same state machine; this package lets Go
// programs and tests drive it against a real server.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/scribed/api"
	"pkt.systems/scribed/client"
	"pkt.systems/scribed/internal/clock"
	"pkt.systems/scribed/internal/loggingutil"
)

const (
	// DefaultHeartbeatInterval is the minimum spacing between throttled heartbeats.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultExtendInterval is used until the server reports lock timing.
	DefaultExtendInterval = 5 * time.Minute
)

// State is the editor's position in the edit lifecycle.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateClean
	StateDirty
	StateSaving
	StateConfirming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateSaving:
		return "saving"
	case StateConfirming:
		return "confirming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) editing() bool {
	switch s {
	case StateClean, StateDirty, StateSaving, StateConfirming:
		return true
	}
	return false
}

// ErrInvalidState is returned when an operation is not allowed in the
// current state.
var ErrInvalidState = errors.New("editor: invalid state")

// API is the subset of the scribed client the editor needs.
type API interface {
	Acquire(ctx context.Context, resource string) (*api.LockResponse, error)
	Extend(ctx context.Context, resource string) (*api.LockResponse, error)
	Release(ctx context.Context, resource string, force bool) (bool, error)
	Content(ctx context.Context, resource string) (*api.ContentResponse, error)
	Save(ctx context.Context, req api.SaveRequest) (*api.SaveResponse, error)
	Heartbeat(ctx context.Context, req api.PresenceRequest) (*api.PresenceResponse, error)
}

var _ API = (*client.Client)(nil)

// Draft is the editable part of a document.
type Draft struct {
	Title       string
	Description string
	Body        string
}

// Warning kinds reported through Config.OnWarning.
const (
	WarningKeepAliveFailed = "keepalive_failed"
	WarningLockExpiring    = "lock_expiring"
	WarningHeartbeatFailed = "heartbeat_failed"
)

// Warning is a non-fatal problem the user should be told about.
type Warning struct {
	Kind string
	At   time.Time
	Err  error
}

// Config wires an Editor.
type Config struct {
	API      API
	Resource string
	// Page is the presence page; defaults to Resource.
	Page string
	// TabID identifies this session. When empty it is taken from the API
	// client or generated.
	TabID             string
	Clock             clock.Clock
	Logger            pslog.Logger
	HeartbeatInterval time.Duration
	OnWarning         func(Warning)
}

// Editor is one editing session on one document.
type Editor struct {
	api               API
	resource          string
	page              string
	tabID             string
	clock             clock.Clock
	logger            pslog.Logger
	heartbeatInterval time.Duration
	onWarning         func(Warning)

	mu            sync.Mutex
	state         State
	resume        State
	original      Draft
	draft         Draft
	lock          *api.Lock
	timing        api.LockTiming
	lastExtend    time.Time
	lastHeartbeat time.Time
	warnedExpiry  bool
	pending       *Confirmation
	lastSave      *api.SaveResponse
	viewers       *api.PresenceResponse
}

// New builds an idle editor.
func New(cfg Config) (*Editor, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("editor: api required")
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("editor: resource required")
	}
	apiClient := cfg.API
	tab := cfg.TabID
	if cli, ok := apiClient.(*client.Client); ok {
		if tab == "" {
			tab = cli.TabID()
		}
		if tab == "" {
			tab = uuid.NewString()
		}
		if cli.TabID() != tab {
			apiClient = cli.WithTab(tab)
		}
	} else if tab == "" {
		tab = uuid.NewString()
	}
	page := cfg.Page
	if page == "" {
		page = cfg.Resource
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "client.editor").With(
		"resource", cfg.Resource,
		"tab_id", tab,
	)
	return &Editor{
		api:               apiClient,
		resource:          cfg.Resource,
		page:              page,
		tabID:             tab,
		clock:             clock.OrReal(cfg.Clock),
		logger:            logger,
		heartbeatInterval: interval,
		onWarning:         cfg.OnWarning,
	}, nil
}

// TabID returns the session's tab identifier.
func (e *Editor) TabID() string { return e.tabID }

// State returns the current state.
func (e *Editor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Draft returns the working copy of the document.
func (e *Editor) Draft() Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// Lock returns the lock held by this session, if any.
func (e *Editor) Lock() *api.Lock {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lock == nil {
		return nil
	}
	lock := *e.lock
	return &lock
}

// Pending returns the confirmation awaiting resolution, if any.
func (e *Editor) Pending() *Confirmation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// LastSave returns the result of the most recent successful save.
func (e *Editor) LastSave() *api.SaveResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSave
}

// Viewers returns the presence listing from the latest heartbeat.
func (e *Editor) Viewers() *api.PresenceResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewers
}

// StartEdit takes the lock and loads the current content. On a lock
// conflict the editor stays idle and the error carries the holder (see
// client.IsLockConflict).
func (e *Editor) StartEdit(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: start edit while %s", ErrInvalidState, state)
	}
	e.state = StateAcquiring
	e.mu.Unlock()

	resp, err := e.api.Acquire(ctx, e.resource)
	if err != nil {
		e.setState(StateIdle)
		e.logger.Debug("editor.start.acquire_failed", "error", err)
		return err
	}
	content, err := e.api.Content(ctx, e.resource)
	if err != nil {
		if _, relErr := e.api.Release(ctx, e.resource, false); relErr != nil {
			e.logger.Warn("editor.start.release_failed", "error", relErr)
		}
		e.setState(StateIdle)
		return err
	}

	e.mu.Lock()
	lock := resp.Lock
	e.lock = &lock
	e.timing = resp.Timing
	e.lastExtend = e.clock.Now()
	e.warnedExpiry = false
	e.original = Draft{Title: content.Title, Description: content.Description, Body: content.Body}
	e.draft = e.original
	e.state = StateClean
	e.mu.Unlock()
	e.logger.Info("editor.start", "lock_id", lock.ID)
	e.heartbeatNow(ctx)
	return nil
}

// SetTitle updates the draft title.
func (e *Editor) SetTitle(title string) error {
	return e.edit(func(d *Draft) { d.Title = title })
}

// SetDescription updates the draft description.
func (e *Editor) SetDescription(description string) error {
	return e.edit(func(d *Draft) { d.Description = description })
}

// SetBody updates the draft body.
func (e *Editor) SetBody(body string) error {
	return e.edit(func(d *Draft) { d.Body = body })
}

func (e *Editor) edit(apply func(*Draft)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateClean, StateDirty:
	default:
		return fmt.Errorf("%w: edit while %s", ErrInvalidState, e.state)
	}
	apply(&e.draft)
	if e.draft != e.original {
		e.state = StateDirty
	}
	return nil
}

// Save submits the draft. On success the server releases the lock and the
// editor returns to idle; on failure the draft is kept and the editor is
// dirty again so the user can retry.
func (e *Editor) Save(ctx context.Context) (*api.SaveResponse, error) {
	e.mu.Lock()
	switch e.state {
	case StateClean, StateDirty:
	default:
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: save while %s", ErrInvalidState, state)
	}
	e.mu.Unlock()
	return e.save(ctx)
}

func (e *Editor) save(ctx context.Context) (*api.SaveResponse, error) {
	e.mu.Lock()
	e.state = StateSaving
	e.pending = nil
	draft := e.draft
	e.mu.Unlock()

	resp, err := e.api.Save(ctx, api.SaveRequest{
		Resource:    e.resource,
		TabID:       e.tabID,
		Title:       draft.Title,
		Description: draft.Description,
		Body:        draft.Body,
	})
	if err != nil {
		e.setState(StateDirty)
		e.logger.Warn("editor.save.failed", "error", err)
		return nil, err
	}
	e.mu.Lock()
	e.lastSave = resp
	e.finishLocked()
	e.mu.Unlock()
	e.logger.Info("editor.save.complete", "outcome", resp.Outcome, "commit", resp.ShortCommit)
	e.heartbeatNow(ctx)
	return resp, nil
}

// Cancel asks to stop editing. With unsaved changes it returns a
// Confirmation and nothing else happens until Resolve. Otherwise the lock
// is released and nil is returned.
func (e *Editor) Cancel(ctx context.Context) (*Confirmation, error) {
	return e.leave(ctx, Confirmation{Action: ActionCancel})
}

// Navigate asks to leave the page for target. It behaves like Cancel; a nil
// Confirmation means the caller may navigate now.
func (e *Editor) Navigate(ctx context.Context, target string) (*Confirmation, error) {
	return e.leave(ctx, Confirmation{Action: ActionNavigate, Target: target})
}

func (e *Editor) leave(ctx context.Context, c Confirmation) (*Confirmation, error) {
	e.mu.Lock()
	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		return nil, nil
	case StateDirty:
		conf := c
		e.pending = &conf
		e.resume = StateDirty
		e.state = StateConfirming
		e.mu.Unlock()
		e.logger.Debug("editor.confirm.pending", "action", c.Action, "target", c.Target)
		return &conf, nil
	case StateClean:
		e.mu.Unlock()
		return nil, e.discard(ctx)
	default:
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s while %s", ErrInvalidState, c.Action, state)
	}
}

// Resolve answers the pending confirmation. It reports whether the
// confirmed action (cancel or navigation) may now proceed.
func (e *Editor) Resolve(ctx context.Context, choice Choice) (bool, error) {
	e.mu.Lock()
	if e.state != StateConfirming || e.pending == nil {
		state := e.state
		e.mu.Unlock()
		return false, fmt.Errorf("%w: resolve while %s", ErrInvalidState, state)
	}
	conf := *e.pending
	switch choice {
	case ChoiceStay:
		e.pending = nil
		e.state = e.resume
		e.mu.Unlock()
		e.logger.Debug("editor.confirm.stay", "action", conf.Action)
		return false, nil
	case ChoiceDiscard:
		e.mu.Unlock()
		e.logger.Info("editor.confirm.discard", "action", conf.Action)
		return true, e.discard(ctx)
	case ChoiceSave:
		e.mu.Unlock()
		if _, err := e.save(ctx); err != nil {
			return false, err
		}
		return true, nil
	default:
		e.mu.Unlock()
		return false, fmt.Errorf("editor: unknown choice %d", int(choice))
	}
}

// discard drops the draft and releases the lock. A failed release is only
// logged; the lock lapses on its own.
func (e *Editor) discard(ctx context.Context) error {
	if _, err := e.api.Release(ctx, e.resource, false); err != nil {
		e.logger.Warn("editor.release.failed", "error", err)
	}
	e.mu.Lock()
	e.finishLocked()
	e.mu.Unlock()
	e.heartbeatNow(ctx)
	return nil
}

func (e *Editor) finishLocked() {
	e.state = StateIdle
	e.pending = nil
	e.lock = nil
	e.original = Draft{}
	e.draft = Draft{}
	e.warnedExpiry = false
}

func (e *Editor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// KeepAlive extends the lock. A failure is reported as a warning and never
// changes the state, so an in-flight save is not disturbed.
func (e *Editor) KeepAlive(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.editing() {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	resp, err := e.api.Extend(ctx, e.resource)
	now := e.clock.Now()
	if err != nil {
		e.logger.Warn("editor.keepalive.failed", "error", err)
		e.warn(Warning{Kind: WarningKeepAliveFailed, At: now, Err: err})
		e.checkExpiry(now)
		return err
	}
	e.mu.Lock()
	if e.state.editing() {
		lock := resp.Lock
		e.lock = &lock
		e.timing = resp.Timing
		e.lastExtend = now
		e.warnedExpiry = false
	}
	e.mu.Unlock()
	e.logger.Trace("editor.keepalive", "expires_in_seconds", resp.Lock.ExpiresInSeconds)
	return nil
}

// NearExpiry reports whether WarnAfter has elapsed since the last successful
// extend.
func (e *Editor) NearExpiry() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nearExpiryLocked(e.clock.Now())
}

func (e *Editor) nearExpiryLocked(now time.Time) bool {
	if !e.state.editing() || e.timing.WarnAfterSeconds <= 0 {
		return false
	}
	return now.Sub(e.lastExtend) >= time.Duration(e.timing.WarnAfterSeconds)*time.Second
}

func (e *Editor) checkExpiry(now time.Time) {
	e.mu.Lock()
	fire := e.nearExpiryLocked(now) && !e.warnedExpiry
	if fire {
		e.warnedExpiry = true
	}
	e.mu.Unlock()
	if fire {
		e.warn(Warning{Kind: WarningLockExpiring, At: now})
	}
}

func (e *Editor) warn(w Warning) {
	if e.onWarning != nil {
		e.onWarning(w)
	}
}

// Heartbeat refreshes presence unless one was sent within the heartbeat
// interval. It returns nil, nil when throttled.
func (e *Editor) Heartbeat(ctx context.Context) (*api.PresenceResponse, error) {
	e.mu.Lock()
	now := e.clock.Now()
	if !e.lastHeartbeat.IsZero() && now.Sub(e.lastHeartbeat) < e.heartbeatInterval {
		e.mu.Unlock()
		return nil, nil
	}
	e.mu.Unlock()
	return e.sendHeartbeat(ctx)
}

// heartbeatNow is used on editing transitions so other viewers see the
// change without waiting for the throttle.
func (e *Editor) heartbeatNow(ctx context.Context) {
	_, _ = e.sendHeartbeat(ctx)
}

func (e *Editor) sendHeartbeat(ctx context.Context) (*api.PresenceResponse, error) {
	e.mu.Lock()
	editing := e.state.editing()
	e.lastHeartbeat = e.clock.Now()
	e.mu.Unlock()

	resp, err := e.api.Heartbeat(ctx, api.PresenceRequest{
		Page:     e.page,
		TabID:    e.tabID,
		Resource: e.resource,
		Editing:  editing,
	})
	if err != nil {
		e.logger.Debug("editor.heartbeat.failed", "error", err)
		e.warn(Warning{Kind: WarningHeartbeatFailed, At: e.clock.Now(), Err: err})
		return nil, err
	}
	e.mu.Lock()
	e.viewers = resp
	e.mu.Unlock()
	return resp, nil
}

func (e *Editor) extendInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timing.ExtendIntervalSeconds > 0 {
		return time.Duration(e.timing.ExtendIntervalSeconds) * time.Second
	}
	return DefaultExtendInterval
}

// Run heartbeats and keeps the lock alive until ctx is done. It wakes every
// heartbeat interval; the lock is extended once the extend interval has
// passed since the last successful extend.
func (e *Editor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.heartbeatInterval):
		}
		_, _ = e.Heartbeat(ctx)

		e.mu.Lock()
		editing := e.state.editing()
		since := e.clock.Now().Sub(e.lastExtend)
		e.mu.Unlock()
		if !editing {
			continue
		}
		if since >= e.extendInterval() {
			_ = e.KeepAlive(ctx)
		}
		e.checkExpiry(e.clock.Now())
	}
}
