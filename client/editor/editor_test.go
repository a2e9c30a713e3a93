package editor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/scribed/api"
	"pkt.systems/scribed/client"
	"pkt.systems/scribed/internal/clock"
)

type fakeAPI struct {
	mu         sync.Mutex
	acquireErr error
	extendErr  error
	saveErr    error
	acquires   int
	extends    int
	releases   int
	saves      []api.SaveRequest
	heartbeats []api.PresenceRequest
}

func (f *fakeAPI) lockResponse(resource string) *api.LockResponse {
	return &api.LockResponse{
		Lock:   api.Lock{ID: "lock-1", Resource: resource, OwnerID: "ann", ExpiresInSeconds: 1800},
		Timing: api.LockTiming{TimeoutSeconds: 1800, ExtendIntervalSeconds: 300, WarnAfterSeconds: 1500},
	}
}

func (f *fakeAPI) Acquire(_ context.Context, resource string) (*api.LockResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.lockResponse(resource), nil
}

func (f *fakeAPI) Extend(_ context.Context, resource string) (*api.LockResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends++
	if f.extendErr != nil {
		return nil, f.extendErr
	}
	return f.lockResponse(resource), nil
}

func (f *fakeAPI) Release(context.Context, string, bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return true, nil
}

func (f *fakeAPI) Content(_ context.Context, resource string) (*api.ContentResponse, error) {
	return &api.ContentResponse{Resource: resource, Exists: true, Title: "Intro", Description: "Start here", Body: "Hello\n"}, nil
}

func (f *fakeAPI) Save(_ context.Context, req api.SaveRequest) (*api.SaveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, req)
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	return &api.SaveResponse{Outcome: "committed", ShortCommit: "0123456", Published: true}, nil
}

func (f *fakeAPI) Heartbeat(_ context.Context, req api.PresenceRequest) (*api.PresenceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, req)
	return &api.PresenceResponse{Page: req.Page, TTLSeconds: 45}, nil
}

func (f *fakeAPI) counts() (acquires, extends, releases, saves, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.extends, f.releases, len(f.saves), len(f.heartbeats)
}

func (f *fakeAPI) lastHeartbeat() api.PresenceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[len(f.heartbeats)-1]
}

type warningSink struct {
	mu    sync.Mutex
	kinds []string
}

func (w *warningSink) add(warning Warning) {
	w.mu.Lock()
	w.kinds = append(w.kinds, warning.Kind)
	w.mu.Unlock()
}

func (w *warningSink) has(kind string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, k := range w.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func newTestEditor(t *testing.T) (*Editor, *fakeAPI, *clock.Manual, *warningSink) {
	t.Helper()
	fake := &fakeAPI{}
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	sink := &warningSink{}
	ed, err := New(Config{
		API:       fake,
		Resource:  "guide/intro.md",
		Page:      "/guide/intro",
		TabID:     "tab-1",
		Clock:     clk,
		OnWarning: sink.add,
	})
	if err != nil {
		t.Fatalf("new editor: %v", err)
	}
	return ed, fake, clk, sink
}

func startDirty(t *testing.T, ed *Editor) {
	t.Helper()
	if err := ed.StartEdit(context.Background()); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if err := ed.SetBody("Hello, world\n"); err != nil {
		t.Fatalf("set body: %v", err)
	}
	if ed.State() != StateDirty {
		t.Fatalf("expected dirty, got %s", ed.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartEditLoadsContentAndHeartbeats(t *testing.T) {
	ed, fake, _, _ := newTestEditor(t)
	if err := ed.StartEdit(context.Background()); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if ed.State() != StateClean {
		t.Fatalf("expected clean, got %s", ed.State())
	}
	if d := ed.Draft(); d.Title != "Intro" || d.Body != "Hello\n" {
		t.Fatalf("unexpected draft %+v", d)
	}
	if lock := ed.Lock(); lock == nil || lock.ID != "lock-1" {
		t.Fatalf("lock not recorded: %+v", lock)
	}
	_, _, _, _, heartbeats := fake.counts()
	if heartbeats != 1 {
		t.Fatalf("expected immediate heartbeat, got %d", heartbeats)
	}
	if hb := fake.lastHeartbeat(); !hb.Editing || hb.Page != "/guide/intro" || hb.TabID != "tab-1" {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
	if err := ed.StartEdit(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second start, got %v", err)
	}
}

func TestStartEditConflictStaysIdle(t *testing.T) {
	ed, fake, _, _ := newTestEditor(t)
	fake.acquireErr = &client.APIError{
		Status: http.StatusConflict,
		Response: api.ErrorResponse{
			ErrorCode: client.CodeLockConflict,
			Holder:    &api.LockHolder{UserID: "bob", Name: "Bob"},
		},
	}
	err := ed.StartEdit(context.Background())
	holder, ok := client.IsLockConflict(err)
	if !ok || holder.UserID != "bob" {
		t.Fatalf("expected conflict held by bob, got %v", err)
	}
	if ed.State() != StateIdle {
		t.Fatalf("expected idle, got %s", ed.State())
	}
	if err := ed.SetTitle("x"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("edit while idle should fail, got %v", err)
	}
}

func TestSaveReturnsToIdle(t *testing.T) {
	ed, fake, _, _ := newTestEditor(t)
	startDirty(t, ed)
	resp, err := ed.Save(context.Background())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if resp.Outcome != "committed" || ed.LastSave() != resp {
		t.Fatalf("unexpected save result %+v", resp)
	}
	if ed.State() != StateIdle || ed.Lock() != nil {
		t.Fatalf("expected idle without lock, got %s", ed.State())
	}
	fake.mu.Lock()
	req := fake.saves[0]
	fake.mu.Unlock()
	if req.Body != "Hello, world\n" || req.Title != "Intro" || req.TabID != "tab-1" {
		t.Fatalf("unexpected save request %+v", req)
	}
	if hb := fake.lastHeartbeat(); hb.Editing {
		t.Fatalf("heartbeat after save should not be editing")
	}
}

func TestSaveFailureKeepsDraft(t *testing.T) {
	ed, fake, _, _ := newTestEditor(t)
	startDirty(t, ed)
	fake.saveErr = &client.APIError{Status: http.StatusBadGateway, Response: api.ErrorResponse{ErrorCode: client.CodeGitPushFailure}}
	if _, err := ed.Save(context.Background()); err == nil {
		t.Fatalf("expected save error")
	}
	if ed.State() != StateDirty {
		t.Fatalf("expected dirty after failed save, got %s", ed.State())
	}
	if ed.Draft().Body != "Hello, world\n" {
		t.Fatalf("draft lost: %+v", ed.Draft())
	}
}

func TestNavigateWhileDirtyNeedsConfirmation(t *testing.T) {
	ed, fake, _, _ := newTestEditor(t)
	startDirty(t, ed)
	ctx := context.Background()

	conf, err := ed.Navigate(ctx, "/guide/other")
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if conf == nil || conf.Action != ActionNavigate || conf.Target != "/guide/other" {
		t.Fatalf("unexpected confirmation %+v", conf)
	}
	if ed.State() != StateConfirming || ed.Pending() == nil {
		t.Fatalf("expected confirming, got %s", ed.State())
	}
	if _, _, releases, saves, _ := fake.counts(); releases != 0 || saves != 0 {
		t.Fatalf("side effect before resolution: releases=%d saves=%d", releases, saves)
	}

	proceed, err := ed.Resolve(ctx, ChoiceStay)
	if err != nil || proceed {
		t.Fatalf("stay: proceed=%v err=%v", proceed, err)
	}
	if ed.State() != StateDirty || ed.Pending() != nil {
		t.Fatalf("expected dirty after stay, got %s", ed.State())
	}

	if _, err := ed.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	proceed, err = ed.Resolve(ctx, ChoiceDiscard)
	if err != nil || !proceed {
		t.Fatalf("discard: proceed=%v err=%v", proceed, err)
	}
	if ed.State() != StateIdle {
		t.Fatalf("expected idle after discard, got %s", ed.State())
	}
	if _, _, releases, saves, _ := fake.counts(); releases != 1 || saves != 0 {
		t.Fatalf("discard: releases=%d saves=%d", releases, saves)
	}
	if _, err := ed.Resolve(ctx, ChoiceStay); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resolve without pending should fail, got %v", err)
	}
}

func TestResolveSave(t *testing.T) {
	ed, fake, _, _ := newTestEditor(t)
	startDirty(t, ed)
	ctx := context.Background()
	if _, err := ed.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	fake.saveErr = errors.New("network down")
	proceed, err := ed.Resolve(ctx, ChoiceSave)
	if err == nil || proceed {
		t.Fatalf("failed save must not proceed: proceed=%v err=%v", proceed, err)
	}
	if ed.State() != StateDirty {
		t.Fatalf("expected dirty, got %s", ed.State())
	}

	fake.saveErr = nil
	if _, err := ed.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	proceed, err = ed.Resolve(ctx, ChoiceSave)
	if err != nil || !proceed {
		t.Fatalf("save: proceed=%v err=%v", proceed, err)
	}
	if ed.State() != StateIdle {
		t.Fatalf("expected idle, got %s", ed.State())
	}
}

func TestCancelWhileCleanReleasesImmediately(t *testing.T) {
	ed, fake, _, _ := newTestEditor(t)
	if err := ed.StartEdit(context.Background()); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	conf, err := ed.Cancel(context.Background())
	if err != nil || conf != nil {
		t.Fatalf("clean cancel: conf=%v err=%v", conf, err)
	}
	if _, _, releases, _, _ := fake.counts(); releases != 1 {
		t.Fatalf("expected release, got %d", releases)
	}
	if ed.State() != StateIdle {
		t.Fatalf("expected idle, got %s", ed.State())
	}
}

func TestEditingBackToOriginalStaysDirty(t *testing.T) {
	ed, _, _, _ := newTestEditor(t)
	startDirty(t, ed)
	if err := ed.SetBody("Hello\n"); err != nil {
		t.Fatalf("set body: %v", err)
	}
	if ed.State() != StateDirty {
		t.Fatalf("expected dirty, got %s", ed.State())
	}
}

func TestHeartbeatThrottle(t *testing.T) {
	ed, fake, clk, _ := newTestEditor(t)
	ctx := context.Background()
	if err := ed.StartEdit(ctx); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	resp, err := ed.Heartbeat(ctx)
	if err != nil || resp != nil {
		t.Fatalf("expected throttled heartbeat, got %+v %v", resp, err)
	}
	clk.Advance(DefaultHeartbeatInterval)
	resp, err = ed.Heartbeat(ctx)
	if err != nil || resp == nil {
		t.Fatalf("expected heartbeat after interval, got %+v %v", resp, err)
	}
	if _, _, _, _, heartbeats := fake.counts(); heartbeats != 2 {
		t.Fatalf("expected 2 heartbeats, got %d", heartbeats)
	}
	if ed.Viewers() == nil {
		t.Fatalf("viewers not recorded")
	}
}

func TestKeepAliveFailureWarnsAndKeepsState(t *testing.T) {
	ed, fake, clk, sink := newTestEditor(t)
	startDirty(t, ed)
	ctx := context.Background()

	if err := ed.KeepAlive(ctx); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if ed.NearExpiry() {
		t.Fatalf("fresh lock should not be near expiry")
	}

	fake.mu.Lock()
	fake.extendErr = errors.New("boom")
	fake.mu.Unlock()
	clk.Advance(1500 * time.Second)
	if err := ed.KeepAlive(ctx); err == nil {
		t.Fatalf("expected keepalive error")
	}
	if ed.State() != StateDirty {
		t.Fatalf("keepalive failure changed state to %s", ed.State())
	}
	if !sink.has(WarningKeepAliveFailed) || !sink.has(WarningLockExpiring) {
		t.Fatalf("missing warnings: %v", sink.kinds)
	}
	if !ed.NearExpiry() {
		t.Fatalf("expected near expiry")
	}
}

func TestRunHeartbeatsAndExtends(t *testing.T) {
	ed, fake, clk, _ := newTestEditor(t)
	if err := ed.StartEdit(context.Background()); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ed.Run(ctx) }()

	waitFor(t, "run timer", func() bool { return clk.Pending() == 1 })
	clk.Advance(DefaultHeartbeatInterval)
	waitFor(t, "heartbeat", func() bool {
		_, _, _, _, heartbeats := fake.counts()
		return heartbeats == 2
	})

	waitFor(t, "run timer", func() bool { return clk.Pending() == 1 })
	clk.Advance(300 * time.Second)
	waitFor(t, "extend", func() bool {
		_, extends, _, _, _ := fake.counts()
		return extends == 1
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestNewAssignsTabID(t *testing.T) {
	ed, err := New(Config{API: &fakeAPI{}, Resource: "a.md"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := uuid.Parse(ed.TabID()); err != nil {
		t.Fatalf("generated tab id %q: %v", ed.TabID(), err)
	}

	cli, err := client.New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ed, err = New(Config{API: cli, Resource: "a.md", TabID: "tab-9"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	bound, ok := ed.api.(*client.Client)
	if !ok || bound.TabID() != "tab-9" {
		t.Fatalf("client not bound to tab: %+v", ed.api)
	}
	if cli.TabID() != "" {
		t.Fatalf("original client mutated")
	}

	if _, err := New(Config{Resource: "a.md"}); err == nil {
		t.Fatalf("expected error without api")
	}
}
