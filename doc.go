// Package scribed exposes the Go APIs behind a documentation server that lets
// several people edit markdown pages in a git working copy without stepping on
// each other. It hands out exclusive per-document edit locks, tracks who is
// viewing or editing each page, and turns every save into a single-file git
// commit that is pushed upstream.
//
// # Running a server
//
// The server serves the repository at `Config.RepoDir`; documents are
// resolved under `Config.ContentDir` and only those matching
// `Config.EditableGlob` can be edited.
//
//	cfg := scribed.Config{
//	    Listen:     ":8740",
//	    RepoDir:    "/srv/handbook",
//	    ContentDir: "docs",
//	    UsersFile:  "/etc/scribed/users.yaml",
//	}
//	srv, err := scribed.NewServer(cfg, scribed.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("scribed: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Identity is trusted from headers set by an authenticating reverse proxy
// (`X-Scribed-User`, `X-Scribed-Name`, `X-Scribed-Avatar`, `X-Scribed-Email`,
// `X-Scribed-Roles`). Only users with the `editor` or `admin` role may lock
// and save; admins may additionally list and force-release locks.
//
// # Locks
//
// A lock is owned by a (user, tab) pair and lapses after `LockTimeout`
// (default 30m) unless extended. Re-acquiring from the owning tab extends the
// lock; the same user in another tab gets a conflict that says so.
//
// # Saving
//
// POST /v1/save runs a fixed pipeline: stash unrelated changes, pull with
// rebase, restore the stash, merge the edited title, description and body into
// the existing front matter (every other key is preserved), write atomically,
// stage, commit with the editor as author, and push. Each step is reported
// back; a failed push leaves the commit in place and says so.
//
// # Client SDK
//
// `pkt.systems/scribed/client` wraps the HTTP API, and
// `pkt.systems/scribed/client/editor` implements the browser editor's state
// machine (keep-alive, presence heartbeats and navigation confirmations) on
// top of it.
package scribed
