// Package vcs wraps the git command line for the save pipeline and the
// version cache. Every invocation runs under its own timeout and failures are
// classified into a small set of error classes.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/loggingutil"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

// Runner is the set of git primitives scribed needs.
type Runner interface {
	// Status reports whether the working copy has uncommitted changes.
	Status(ctx context.Context) (bool, error)
	StashPush(ctx context.Context, label string) error
	// StashPop re-applies and drops the stash entry carrying label.
	StashPop(ctx context.Context, label string) error
	PullRebase(ctx context.Context) error
	// AbortRebase abandons an in-progress rebase and reports whether one was
	// found.
	AbortRebase(ctx context.Context) (bool, error)
	Add(ctx context.Context, path string) error
	// HasStagedChanges reports whether path differs between index and HEAD.
	HasStagedChanges(ctx context.Context, path string) (bool, error)
	Commit(ctx context.Context, opts CommitOptions) error
	AheadOfUpstream(ctx context.Context) (bool, error)
	Push(ctx context.Context) error
	Head(ctx context.Context) (string, error)
	HeadTime(ctx context.Context) (time.Time, error)
	DescribeTag(ctx context.Context) (string, error)
}

// CommitOptions describes a single-path commit.
type CommitOptions struct {
	Path        string
	Message     string
	AuthorName  string
	AuthorEmail string
}

// Config configures Git.
type Config struct {
	// Dir is the working copy root.
	Dir string
	// Remote names the remote to pull from and push to. Empty uses the
	// branch's upstream.
	Remote   string
	Timeout  time.Duration
	Executor Executor
	Logger   pslog.Logger
}

// Git implements Runner with the git CLI.
type Git struct {
	dir     string
	remote  string
	timeout time.Duration
	exec    Executor
	logger  pslog.Logger
}

var _ Runner = (*Git)(nil)

// NewGit returns a Runner for the working copy at cfg.Dir.
func NewGit(cfg Config) *Git {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	executor := cfg.Executor
	if executor == nil {
		executor = ExecExecutor{}
	}
	return &Git{
		dir:     cfg.Dir,
		remote:  strings.TrimSpace(cfg.Remote),
		timeout: timeout,
		exec:    executor,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "editing.vcs"),
	}
}

// Dir returns the working copy root.
func (g *Git) Dir() string { return g.dir }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()
	out, err := g.exec.Run(ctx, g.dir, "git", args...)
	output := string(out)
	logger := loggingutil.FromContext(ctx, g.logger)
	if err != nil {
		cmdErr := &CommandError{
			Args:     args,
			Output:   strings.TrimSpace(output),
			ExitCode: exitCode(err),
			Class:    Classify(ctx, output),
			Err:      err,
		}
		logger.Debug("git.exec.failed", "args", strings.Join(args, " "), "elapsed", time.Since(start), "exit", cmdErr.ExitCode, "error", cmdErr)
		return output, cmdErr
	}
	logger.Trace("git.exec", "args", strings.Join(args, " "), "elapsed", time.Since(start))
	return output, nil
}

// Status runs git status --porcelain.
func (g *Git) Status(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StashPush stashes tracked and untracked changes under label.
func (g *Git) StashPush(ctx context.Context, label string) error {
	_, err := g.run(ctx, "stash", "push", "--include-untracked", "-m", label)
	return err
}

// StashPop pops the newest stash entry whose message contains label.
func (g *Git) StashPop(ctx context.Context, label string) error {
	out, err := g.run(ctx, "stash", "list", "--format=%gd %s")
	if err != nil {
		return err
	}
	ref := ""
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, label) {
			continue
		}
		ref, _, _ = strings.Cut(line, " ")
		break
	}
	if ref == "" {
		return fmt.Errorf("%w: %s", ErrStashNotFound, label)
	}
	_, err = g.run(ctx, "stash", "pop", ref)
	return err
}

// PullRebase rebases the current branch onto its remote counterpart.
func (g *Git) PullRebase(ctx context.Context) error {
	if g.remote == "" {
		_, err := g.run(ctx, "pull", "--rebase")
		return err
	}
	branch, err := g.branch(ctx)
	if err != nil {
		return err
	}
	_, err = g.run(ctx, "pull", "--rebase", g.remote, branch)
	return err
}

// AbortRebase runs git rebase --abort. A working copy without a rebase in
// progress is not an error.
func (g *Git) AbortRebase(ctx context.Context) (bool, error) {
	_, err := g.run(ctx, "rebase", "--abort")
	if err != nil {
		if errors.Is(err, ErrNoRebase) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Add stages path.
func (g *Git) Add(ctx context.Context, path string) error {
	_, err := g.run(ctx, "add", "--", path)
	return err
}

// HasStagedChanges runs git diff --cached --quiet for path.
func (g *Git) HasStagedChanges(ctx context.Context, path string) (bool, error) {
	_, err := g.run(ctx, "diff", "--cached", "--quiet", "--", path)
	if err == nil {
		return false, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
		return true, nil
	}
	return false, err
}

// Commit records the staged content of opts.Path.
func (g *Git) Commit(ctx context.Context, opts CommitOptions) error {
	args := []string{"commit", "-m", opts.Message}
	if opts.AuthorName != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", opts.AuthorName, opts.AuthorEmail))
	}
	if opts.Path != "" {
		args = append(args, "--", opts.Path)
	}
	_, err := g.run(ctx, args...)
	return err
}

// AheadOfUpstream reports whether HEAD has commits its upstream lacks. With
// an explicit remote and no upstream, the branch is treated as unpublished.
func (g *Git) AheadOfUpstream(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "rev-list", "--count", "@{upstream}..HEAD")
	if err != nil {
		if errors.Is(err, ErrNoUpstream) && g.remote != "" {
			return true, nil
		}
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("parse rev-list count %q: %w", strings.TrimSpace(out), err)
	}
	return n > 0, nil
}

// Push publishes the current branch.
func (g *Git) Push(ctx context.Context) error {
	if g.remote == "" {
		_, err := g.run(ctx, "push")
		return err
	}
	_, err := g.run(ctx, "push", g.remote, "HEAD")
	return err
}

// Head returns the full hash of HEAD.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadTime returns the committer time of HEAD.
func (g *Git) HeadTime(ctx context.Context) (time.Time, error) {
	out, err := g.run(ctx, "log", "-1", "--format=%ct")
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", strings.TrimSpace(out), err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// DescribeTag returns the nearest tag reachable from HEAD.
func (g *Git) DescribeTag(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "describe", "--tags", "--abbrev=0")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) branch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ShortHash abbreviates a commit hash to seven characters.
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

func exitCode(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}
