package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/scribed/internal/clock"
)

type staticLookup map[string]User

func (s staticLookup) LookupUser(id string) (User, bool) {
	u, ok := s[id]
	return u, ok
}

func newTestRegistry() (*Registry, *clock.Manual) {
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewRegistry(Config{TTL: 45 * time.Second, Clock: clk}), clk
}

func TestPresenceScenario(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRegistry()
	u1 := User{ID: "U1", Name: "Uma"}

	if err := r.Join(ctx, "/docs/x", "T1", u1); err != nil {
		t.Fatalf("join T1: %v", err)
	}
	if err := r.Heartbeat(ctx, "/docs/x", "T1", u1, true); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	listing := r.List(ctx, "/docs/x", nil)
	if listing.EditorUserID != "U1" {
		t.Fatalf("expected editor U1, got %q", listing.EditorUserID)
	}
	if len(listing.Viewers) != 1 || listing.Viewers[0].TabCount != 1 {
		t.Fatalf("expected one viewer with one tab, got %+v", listing.Viewers)
	}

	if err := r.Join(ctx, "/docs/x", "T2", u1); err != nil {
		t.Fatalf("join T2: %v", err)
	}
	listing = r.List(ctx, "/docs/x", nil)
	if len(listing.Viewers) != 1 || listing.Viewers[0].TabCount != 2 {
		t.Fatalf("expected one viewer with two tabs, got %+v", listing.Viewers)
	}

	clk.Advance(46 * time.Second)
	listing = r.List(ctx, "/docs/x", nil)
	if len(listing.Viewers) != 0 || listing.EditorUserID != "" {
		t.Fatalf("expected empty listing after ttl, got %+v", listing)
	}
}

func TestHeartbeatCreatesMissingEntry(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()
	if err := r.Heartbeat(ctx, "docs/y/", "T1", User{ID: "U1"}, false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	listing := r.List(ctx, "/docs/y", nil)
	if listing.Page != "/docs/y" || len(listing.Viewers) != 1 {
		t.Fatalf("expected heartbeat to create entry: %+v", listing)
	}
	if listing.Viewers[0].Name != "U1" {
		t.Fatalf("expected id fallback for name, got %q", listing.Viewers[0].Name)
	}
}

func TestPagesAreCaseSensitive(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()
	_ = r.Join(ctx, "/Docs/X", "T1", User{ID: "U1"})
	if got := r.List(ctx, "/docs/x", nil); len(got.Viewers) != 0 {
		t.Fatalf("page ids must not be case folded: %+v", got)
	}
	if got := r.List(ctx, "//Docs//X/", nil); len(got.Viewers) != 1 {
		t.Fatalf("duplicate separators should collapse: %+v", got)
	}
}

func TestLeaveAndSort(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()
	_ = r.Join(ctx, "/p", "t1", User{ID: "z", Name: "bob"})
	_ = r.Join(ctx, "/p", "t2", User{ID: "a", Name: "Bob"})
	_ = r.Join(ctx, "/p", "t3", User{ID: "m", Name: "alice"})
	listing := r.List(ctx, "/p", nil)
	ids := []string{listing.Viewers[0].ID, listing.Viewers[1].ID, listing.Viewers[2].ID}
	if ids[0] != "m" || ids[1] != "a" || ids[2] != "z" {
		t.Fatalf("unexpected order: %v", ids)
	}
	if !r.Leave(ctx, "/p", "t3", "m") {
		t.Fatalf("expected own tab to be removed")
	}
	if r.Leave(ctx, "/p", "unknown", "m") {
		t.Fatalf("unknown tab reported as removed")
	}
	if got := r.List(ctx, "/p", nil); len(got.Viewers) != 2 {
		t.Fatalf("expected two viewers after leave, got %+v", got.Viewers)
	}
}

func TestLeaveIgnoresOtherUsersTabs(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()
	_ = r.Join(ctx, "/p", "t1", User{ID: "ann", Name: "Ann"})
	if r.Leave(ctx, "/p", "t1", "mallory") {
		t.Fatalf("another user removed ann's tab")
	}
	got := r.List(ctx, "/p", nil)
	if len(got.Viewers) != 1 || got.Viewers[0].ID != "ann" {
		t.Fatalf("ann's presence lost: %+v", got.Viewers)
	}
	if !r.Leave(ctx, "/p", "t1", "ann") {
		t.Fatalf("owner could not leave")
	}
}

func TestEditorIsMostRecentHeartbeat(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRegistry()
	_ = r.Heartbeat(ctx, "/p", "t1", User{ID: "u1"}, true)
	clk.Advance(time.Second)
	_ = r.Heartbeat(ctx, "/p", "t2", User{ID: "u2"}, true)
	if got := r.List(ctx, "/p", nil).EditorUserID; got != "u2" {
		t.Fatalf("expected u2, got %q", got)
	}
	clk.Advance(time.Second)
	_ = r.Heartbeat(ctx, "/p", "t1", User{ID: "u1"}, true)
	if got := r.List(ctx, "/p", nil).EditorUserID; got != "u1" {
		t.Fatalf("expected u1, got %q", got)
	}
	_ = r.Heartbeat(ctx, "/p", "t1", User{ID: "u1"}, false)
	_ = r.Heartbeat(ctx, "/p", "t2", User{ID: "u2"}, false)
	if got := r.List(ctx, "/p", nil).EditorUserID; got != "" {
		t.Fatalf("expected no editor, got %q", got)
	}
}

func TestLookupEnrichesViewers(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()
	_ = r.Join(ctx, "/p", "t1", User{ID: "u1"})
	lookup := staticLookup{"u1": {ID: "u1", Name: "Ursula", Avatar: "https://a/u1.png"}}
	v := r.List(ctx, "/p", lookup).Viewers[0]
	if v.Name != "Ursula" || v.Avatar != "https://a/u1.png" {
		t.Fatalf("lookup not applied: %+v", v)
	}
}

func TestSweepIdempotent(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRegistry()
	_ = r.Join(ctx, "/a", "t1", User{ID: "u"})
	_ = r.Join(ctx, "/b", "t1", User{ID: "u"})
	clk.Advance(30 * time.Second)
	_ = r.Heartbeat(ctx, "/b", "t1", User{ID: "u"}, false)
	clk.Advance(15 * time.Second)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if n := r.Sweep(); n != 0 {
		t.Fatalf("second sweep evicted %d", n)
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()
	if err := r.Join(ctx, "/p", "", User{ID: "u"}); !errors.Is(err, ErrMissingTab) {
		t.Fatalf("expected ErrMissingTab, got %v", err)
	}
	if err := r.Heartbeat(ctx, "/p", "t", User{}, false); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}
