package scribed

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/scribed/client"
	"pkt.systems/scribed/client/editor"
	"pkt.systems/scribed/internal/vcs"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t, WithTestServerOptions(WithGitExecutor(&fakeGit{})), WithTestLoggerFromTB(t, pslog.InfoLevel))
	if ts.Addr() == nil || !strings.HasPrefix(ts.URL(), "http://127.0.0.1:") {
		t.Fatalf("unexpected address %q", ts.URL())
	}
	if ts.Config.RepoDir == "" {
		t.Fatalf("expected temporary repo dir")
	}
	cli, err := ts.NewClient(client.Identity{UserID: "ann"}, "tab-1")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := cli.Version(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v.Version != "v1.2.3" {
		t.Fatalf("unexpected version %+v", v)
	}
}

func TestTestServerStopRemovesTempRepo(t *testing.T) {
	ts, err := NewTestServer(context.Background(), WithTestServerOptions(WithGitExecutor(&fakeGit{})))
	if err != nil {
		t.Fatalf("new test server: %v", err)
	}
	dir := ts.Config.RepoDir
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, stat err %v", dir, err)
	}
}

func TestEditorSavesThroughServer(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := t.TempDir()
	executor := vcs.ExecExecutor{Env: []string{
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_AUTHOR_NAME=seed",
		"GIT_AUTHOR_EMAIL=seed@example.com",
		"GIT_COMMITTER_NAME=scribed",
		"GIT_COMMITTER_EMAIL=scribed@example.com",
	}}
	if err := os.MkdirAll(filepath.Join(repo, "docs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	seed := "---\ntitle: Guide\ndescription: Old\n---\nHello\n"
	if err := os.WriteFile(filepath.Join(repo, "docs", "guide.md"), []byte(seed), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, args := range [][]string{
		{"init", "-q"},
		{"add", "docs/guide.md"},
		{"commit", "-q", "-m", "seed"},
	} {
		if out, err := executor.Run(ctx, repo, "git", args...); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.RepoDir = repo }),
		WithTestServerOptions(WithGitExecutor(executor)),
	)
	ann, err := ts.NewClient(client.Identity{UserID: "ann", Name: "Ann", Email: "ann@example.com", Roles: []string{"editor"}}, "tab-ann")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	bob, err := ts.NewClient(client.Identity{UserID: "bob", Name: "Bob", Roles: []string{"editor"}}, "tab-bob")
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	ed, err := editor.New(editor.Config{API: ann, Resource: "guide.md", Page: "/guide"})
	if err != nil {
		t.Fatalf("editor: %v", err)
	}
	if err := ed.StartEdit(ctx); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if d := ed.Draft(); d.Title != "Guide" || d.Description != "Old" {
		t.Fatalf("unexpected draft %+v", d)
	}
	if _, err := bob.Acquire(ctx, "guide.md"); err == nil {
		t.Fatalf("expected bob to be refused while ann edits")
	} else if holder, ok := client.IsLockConflict(err); !ok || holder.UserID != "ann" {
		t.Fatalf("expected lock conflict naming ann, got %v", err)
	}

	if err := ed.SetDescription("New"); err != nil {
		t.Fatalf("set description: %v", err)
	}
	if err := ed.SetBody("Hello again\n"); err != nil {
		t.Fatalf("set body: %v", err)
	}
	if ed.State() != editor.StateDirty {
		t.Fatalf("state = %s", ed.State())
	}
	res, err := ed.Save(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Outcome != "committed" || len(res.Commit) != 40 {
		t.Fatalf("unexpected save result %+v", res)
	}
	if ed.State() != editor.StateIdle {
		t.Fatalf("state after save = %s", ed.State())
	}
	data, err := os.ReadFile(filepath.Join(repo, "docs", "guide.md"))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !strings.Contains(string(data), "description: New") || !strings.Contains(string(data), "Hello again") {
		t.Fatalf("saved file = %q", data)
	}
	out, err := executor.Run(ctx, repo, "git", "log", "-1", "--format=%an <%ae>")
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "Ann <ann@example.com>" {
		t.Fatalf("commit author = %q", got)
	}
	if _, err := bob.Acquire(ctx, "guide.md"); err != nil {
		t.Fatalf("bob acquire after save: %v", err)
	}
}
