package identity

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/scribed/api"
)

const usersYAML = `users:
  - id: ann
    name: Ann Example
    avatar: https://avatars.example.com/ann.png
    email: ann@example.com
    roles: [editor]
  - id: root
    name: Root
    roles: [admin]
`

func writeUsers(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "users.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write users: %v", err)
	}
	return path
}

func TestHeaderProviderRequiresUser(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/lock/status", nil)
	if _, err := (HeaderProvider{}).Identify(req); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
}

func TestHeaderProviderRoles(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(api.HeaderUser, "bob")
	req.Header.Set(api.HeaderRoles, " Editor , viewer")
	id, err := (HeaderProvider{}).Identify(req)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !id.IsEditor || id.IsAdmin || !id.CanEdit() {
		t.Fatalf("unexpected roles: %+v", id)
	}
	if id.Name() != "bob" {
		t.Fatalf("expected id fallback name, got %q", id.Name())
	}
}

func TestDirectoryEnrichesHeaders(t *testing.T) {
	dir, err := LoadDirectory(writeUsers(t, t.TempDir(), usersYAML), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(api.HeaderUser, "ann")
	req.Header.Set(api.HeaderName, "Ann (proxy)")
	id, err := HeaderProvider{Directory: dir}.Identify(req)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if id.DisplayName != "Ann (proxy)" || id.Email != "ann@example.com" || !id.IsEditor {
		t.Fatalf("unexpected identity: %+v", id)
	}
	u, ok := dir.LookupUser("root")
	if !ok || u.Name != "Root" {
		t.Fatalf("lookup root: %+v %v", u, ok)
	}
}

func TestDirectoryRejectsMissingID(t *testing.T) {
	path := writeUsers(t, t.TempDir(), "users:\n  - name: nobody\n")
	if _, err := LoadDirectory(path, nil); err == nil {
		t.Fatalf("expected error for user without id")
	}
}

func TestDirectoryWatchReloads(t *testing.T) {
	tmp := t.TempDir()
	path := writeUsers(t, tmp, usersYAML)
	dir, err := LoadDirectory(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dir.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before changing the file.
	time.Sleep(50 * time.Millisecond)
	replacement := usersYAML + "  - id: carol\n    name: Carol\n"
	staged := filepath.Join(tmp, "users.yaml.tmp")
	if err := os.WriteFile(staged, []byte(replacement), 0o600); err != nil {
		t.Fatalf("write staged: %v", err)
	}
	if err := os.Rename(staged, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := dir.Lookup("carol"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("users file change was not picked up")
}
