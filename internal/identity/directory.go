package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/presence"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// Entry is one user in the users file.
type Entry struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name,omitempty"`
	Avatar string   `yaml:"avatar,omitempty"`
	Email  string   `yaml:"email,omitempty"`
	Roles  []string `yaml:"roles,omitempty"`
}

type usersFile struct {
	Users []Entry `yaml:"users"`
}

// Directory is a users file loaded into memory.
type Directory struct {
	path   string
	logger pslog.Logger

	mu    sync.RWMutex
	users map[string]Entry
}

var _ presence.UserLookup = (*Directory)(nil)

// LoadDirectory reads the YAML users file at path.
func LoadDirectory(path string, logger pslog.Logger) (*Directory, error) {
	d := &Directory{
		path:   path,
		logger: loggingutil.WithSubsystem(logger, "identity.directory"),
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the users file path.
func (d *Directory) Path() string { return d.path }

// Reload re-reads the users file. On error the previous contents are kept.
func (d *Directory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("identity: read users file: %w", err)
	}
	var file usersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("identity: parse users file %s: %w", d.path, err)
	}
	users := make(map[string]Entry, len(file.Users))
	for i, u := range file.Users {
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" {
			return fmt.Errorf("identity: users[%d]: id required", i)
		}
		users[u.ID] = u
	}
	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	d.logger.Info("identity.directory.loaded", "path", d.path, "users", len(users))
	return nil
}

// Lookup returns the entry for id.
func (d *Directory) Lookup(id string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.users[id]
	return e, ok
}

// LookupUser implements presence.UserLookup.
func (d *Directory) LookupUser(id string) (presence.User, bool) {
	e, ok := d.Lookup(id)
	if !ok {
		return presence.User{}, false
	}
	return presence.User{ID: e.ID, Name: e.Name, Avatar: e.Avatar}, true
}

// Len returns the number of users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Watch reloads the users file whenever it changes until ctx is done. The
// parent directory is watched so atomic replace-by-rename is picked up.
func (d *Directory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("identity: create watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(d.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("identity: watch %s: %w", dir, err)
	}
	base := filepath.Base(d.path)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("identity.directory.watch_error", "error", err)
		case <-pending:
			pending = nil
			if err := d.Reload(); err != nil {
				d.logger.Warn("identity.directory.reload_failed", "path", d.path, "error", err)
			}
		}
	}
}
