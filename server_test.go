package scribed

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/scribed/api"
	"pkt.systems/scribed/internal/clock"
)

// fakeGit answers the read-only git commands the server issues on a clean
// working copy.
type fakeGit struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeGit) Run(_ context.Context, _ string, _ string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	f.mu.Unlock()
	switch args[0] {
	case "rev-parse":
		return []byte("89abcdef0123456789abcdef0123456789abcdef\n"), nil
	case "log":
		return []byte("1700000000\n"), nil
	case "describe":
		return []byte("v1.2.3\n"), nil
	}
	return nil, nil
}

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func startTestServer(t *testing.T, clk clock.Clock) (*Server, string) {
	t.Helper()
	cfg := Config{
		Listen:      "127.0.0.1:0",
		RepoDir:     t.TempDir(),
		VersionFile: "-",
	}
	srv, stop, err := StartServer(context.Background(), cfg, WithClock(clk), WithGitExecutor(&fakeGit{}))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}
	})
	return srv, "http://" + srv.ListenerAddr().String()
}

func postJSON(t *testing.T, url string, headers map[string]string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestServerServesVersionAndReady(t *testing.T) {
	_, base := startTestServer(t, nil)
	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}
	resp, err = http.Get(base + "/v1/version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	defer resp.Body.Close()
	var version api.VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if version.Version != "v1.2.3" || version.Source != "tag" || version.ShortCommit != "89abcde" {
		t.Fatalf("unexpected version: %+v", version)
	}
}

func TestSweeperEvictsExpiredLocks(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	srv, base := startTestServer(t, clk)

	resp := postJSON(t, base+"/v1/lock/acquire", map[string]string{
		api.HeaderUser:  "alice",
		api.HeaderRoles: "editor",
		api.HeaderTabID: "T1",
	}, api.LockRequest{Resource: "guide.md"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire status %d", resp.StatusCode)
	}

	// Both sweepers armed.
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return clk.Pending() == 2 })
	clk.Advance(31 * time.Minute)
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return clk.Pending() == 2 })
	if n := srv.Service().SweepLocks(); n != 0 {
		t.Fatalf("expected sweeper to have evicted the lock, manual sweep found %d", n)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(Config{Listen: "127.0.0.1:0", RepoDir: t.TempDir(), VersionFile: "-"}, WithGitExecutor(&fakeGit{}))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("start returned %v", err)
	}
}
