// Package save runs the lock-gated pipeline that writes an edited document
// into the git working copy, commits it and publishes it upstream.
package save

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/scribed/internal/clock"
	"pkt.systems/scribed/internal/document"
	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/pathutil"
	"pkt.systems/scribed/internal/vcs"
	"pkt.systems/scribed/internal/versioncache"
)

// DefaultEditableGlob admits every Markdown file.
const DefaultEditableGlob = "**.md"

// LockChecker gates saves on lock ownership.
type LockChecker interface {
	Holds(ctx context.Context, resource, ownerID, tabID string) error
	Release(ctx context.Context, resource, ownerID, tabID string, isAdmin bool) (bool, error)
}

// VersionRefresher is notified after a successful save.
type VersionRefresher interface {
	Refresh(ctx context.Context) versioncache.Snapshot
}

// Config configures a Coordinator.
type Config struct {
	// RepoDir is the git working copy root.
	RepoDir string
	// ContentDir is the documentation root relative to RepoDir.
	ContentDir   string
	EditableGlob string
	// StrictPull makes a failed pull abort the save.
	StrictPull bool
	Git        vcs.Runner
	Locks      LockChecker
	Versions   VersionRefresher
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Coordinator serializes saves against one working copy.
type Coordinator struct {
	mu         sync.Mutex
	repoDir    string
	contentDir string
	editable   glob.Glob
	strictPull bool
	git        vcs.Runner
	locks      LockChecker
	versions   VersionRefresher
	clock      clock.Clock
	logger     pslog.Logger
	tracer     trace.Tracer
	metrics    *metrics
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.RepoDir == "" {
		return nil, errors.New("save: repo dir required")
	}
	if cfg.Git == nil {
		return nil, errors.New("save: git runner required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("save: lock checker required")
	}
	pattern := strings.TrimSpace(cfg.EditableGlob)
	if pattern == "" {
		pattern = DefaultEditableGlob
	}
	editable, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("save: editable glob %q: %w", pattern, err)
	}
	contentDir := ""
	if strings.TrimSpace(cfg.ContentDir) != "" && strings.TrimSpace(cfg.ContentDir) != "." {
		contentDir, err = pathutil.CleanResource(cfg.ContentDir)
		if err != nil {
			return nil, fmt.Errorf("save: content dir: %w", err)
		}
	}
	repoDir, err := filepath.Abs(cfg.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("save: repo dir: %w", err)
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "editing.save")
	return &Coordinator{
		repoDir:    repoDir,
		contentDir: contentDir,
		editable:   editable,
		strictPull: cfg.StrictPull,
		git:        cfg.Git,
		locks:      cfg.Locks,
		versions:   cfg.Versions,
		clock:      clock.OrReal(cfg.Clock),
		logger:     logger,
		tracer:     otel.Tracer("pkt.systems/scribed/save"),
		metrics:    newMetrics(logger),
	}, nil
}

// Target is a resource resolved against the working copy.
type Target struct {
	// Resource is the cleaned resource id relative to the content dir.
	Resource string
	// RepoPath is the slash-separated path relative to the repository root.
	RepoPath string
	// Path is the absolute filesystem path.
	Path string
}

// Resolve applies the editable path policy to resource.
func (c *Coordinator) Resolve(resource string) (Target, error) {
	cleaned, err := pathutil.CleanResource(resource)
	if err != nil {
		return Target{}, err
	}
	if !c.editable.Match(cleaned) {
		return Target{}, fmt.Errorf("%w: %s", ErrNotEditable, cleaned)
	}
	repoPath := cleaned
	if c.contentDir != "" {
		repoPath = c.contentDir + "/" + cleaned
	}
	abs := filepath.Join(c.repoDir, filepath.FromSlash(repoPath))
	if err := c.confine(abs); err != nil {
		return Target{}, err
	}
	return Target{Resource: cleaned, RepoPath: repoPath, Path: abs}, nil
}

// confine rejects paths that resolve outside the working copy through
// symlinked directories.
func (c *Coordinator) confine(abs string) error {
	root, err := filepath.EvalSymlinks(c.repoDir)
	if err != nil {
		root = c.repoDir
	}
	dir := filepath.Dir(abs)
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			rel, err := filepath.Rel(root, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return fmt.Errorf("%w: %s resolves outside the repository", pathutil.ErrInvalidResource, abs)
			}
			return nil
		}
		parent := filepath.Dir(dir)
		if parent == dir || len(parent) < len(c.repoDir) {
			return nil
		}
		dir = parent
	}
}

// Content is the current state of a document on disk.
type Content struct {
	Target   Target
	Exists   bool
	Document *document.Document
}

// Read loads the current document for resource. A missing file yields an
// empty document with Exists=false.
func (c *Coordinator) Read(ctx context.Context, resource string) (*Content, error) {
	target, err := c.Resolve(resource)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target.Path)
	exists := true
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", target.RepoPath, err)
		}
		exists = false
	}
	doc, err := document.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", target.RepoPath, err)
	}
	return &Content{Target: target, Exists: exists, Document: doc}, nil
}

// Save runs the pipeline for req. Lock ownership and the path policy are
// checked before anything touches the working copy. Once started the
// pipeline ignores cancellation of ctx.
func (c *Coordinator) Save(ctx context.Context, req Request) (*Result, error) {
	begin := c.clock.Now()
	logger := loggingutil.FromContext(ctx, c.logger).With("resource", req.Resource, "user", req.Author.ID)

	target, err := c.Resolve(req.Resource)
	if err != nil {
		c.metrics.recordSave(ctx, "rejected", 0)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !req.IsAdmin {
		if err := c.locks.Holds(ctx, target.Resource, req.Author.ID, req.TabID); err != nil {
			logger.Info("save.rejected.lock", "error", err)
			c.metrics.recordSave(ctx, "rejected", 0)
			return nil, err
		}
	}

	ctx = pslog.ContextWithLogger(context.WithoutCancel(ctx), logger)
	ctx, span := c.tracer.Start(ctx, "scribed.save", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("scribed.resource", target.RepoPath))

	p := &pipeline{c: c, req: req, target: target, label: "scribed: pre-save " + xid.New().String()}
	logger.Info("save.begin", "path", target.RepoPath)
	res, err := p.run(ctx)
	elapsed := c.clock.Now().Sub(begin)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save_failed")
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			logger.Warn("save.failed", "step", stepErr.Step, "local_safe", stepErr.LocalSafe, "error", stepErr.Err, "elapsed", elapsed)
		}
		c.metrics.recordSave(ctx, "failed", elapsed)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")

	if c.versions != nil {
		res.Version = c.versions.Refresh(ctx)
	}
	if _, err := c.locks.Release(ctx, target.Resource, req.Author.ID, req.TabID, false); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("release lock: %v", err))
	}
	c.metrics.recordSave(ctx, string(res.Outcome), elapsed)
	logger.Info("save.success", "outcome", string(res.Outcome), "commit", vcs.ShortHash(res.Commit), "published", res.Published, "elapsed", elapsed)
	return res, nil
}

type stepFunc func(ctx context.Context) (StepStatus, string, error)

type pipeline struct {
	c      *Coordinator
	req    Request
	target Target
	label  string

	stashed   bool
	content   []byte
	changed   bool
	committed bool
	published bool
	steps     []StepResult
	warnings  []string
}

func (p *pipeline) run(ctx context.Context) (*Result, error) {
	if err := p.step(ctx, StepStatusName, p.status); err != nil {
		return nil, err
	}
	if err := p.step(ctx, StepStashName, p.stash); err != nil {
		return nil, err
	}
	if err := p.step(ctx, StepPullName, p.pull); err != nil {
		if p.stashed && !errors.Is(err, ErrRebaseStuck) {
			if popErr := p.step(ctx, StepPopName, p.pop); popErr != nil {
				return nil, popErr
			}
			var se *StepError
			if errors.As(err, &se) {
				se.Steps = append([]StepResult(nil), p.steps...)
			}
		}
		return nil, err
	}
	for _, s := range []struct {
		name string
		fn   stepFunc
	}{
		{StepPopName, p.pop},
		{StepMergeName, p.merge},
		{StepWriteName, p.write},
		{StepStageName, p.stage},
		{StepCommitName, p.commit},
		{StepPushName, p.push},
	} {
		if err := p.step(ctx, s.name, s.fn); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Outcome:   OutcomeUnchanged,
		Published: p.published,
		Steps:     p.steps,
		Warnings:  p.warnings,
	}
	if p.committed {
		res.Outcome = OutcomeCommitted
		head, err := p.c.git.Head(ctx)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("read commit hash: %v", err))
		}
		res.Commit = head
	}
	return res, nil
}

func (p *pipeline) step(ctx context.Context, name string, fn stepFunc) error {
	logger := loggingutil.FromContext(ctx, p.c.logger)
	ctx, span := p.c.tracer.Start(ctx, "scribed.save."+name, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	start := p.c.clock.Now()
	status, detail, err := fn(ctx)
	elapsed := p.c.clock.Now().Sub(start)
	if err != nil {
		status = StepFailed
		if detail == "" {
			detail = err.Error()
		}
	}
	p.steps = append(p.steps, StepResult{Name: name, Status: status, Detail: detail, Elapsed: elapsed})
	p.c.metrics.recordStep(ctx, name, status)
	span.SetAttributes(attribute.String("scribed.save.step.status", string(status)))
	switch status {
	case StepFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, "step_failed")
		logger.Warn("save.step.failed", "step", name, "detail", detail, "elapsed", elapsed)
		return p.fail(name, err)
	case StepWarn:
		p.warnings = append(p.warnings, fmt.Sprintf("%s: %s", name, detail))
		logger.Warn("save.step.warn", "step", name, "detail", detail, "elapsed", elapsed)
	default:
		logger.Debug("save.step."+string(status), "step", name, "detail", detail, "elapsed", elapsed)
	}
	return nil
}

func (p *pipeline) fail(name string, err error) error {
	se := &StepError{Step: name, Err: err, Steps: append([]StepResult(nil), p.steps...)}
	switch name {
	case StepStatusName:
		se.Class = ErrStatus
	case StepStashName, StepPopName:
		se.Class = ErrStash
		if p.stashed {
			se.Remediation = fmt.Sprintf(
				"Local changes in %s were stashed as %q and were not re-applied. The stash was kept; inspect it with `git stash list` and restore it with `git stash pop` once the conflict is resolved.",
				p.c.repoDir, p.label)
		}
	case StepPullName:
		se.Class = ErrPull
		if errors.Is(err, ErrRebaseStuck) {
			se.Remediation = fmt.Sprintf(
				"A failed pull left a rebase in progress in %s. Run `git rebase --abort` there before saving again.",
				p.c.repoDir)
			if p.stashed {
				se.Remediation += fmt.Sprintf(" Local changes were stashed as %q; restore them with `git stash pop` afterwards.", p.label)
			}
		}
	case StepMergeName:
		se.Class = ErrMerge
	case StepWriteName:
		se.Class = ErrWrite
	case StepStageName:
		se.Class = ErrStage
	case StepCommitName:
		se.Class = ErrCommit
	case StepPushName:
		se.Class = ErrPush
		se.LocalSafe = true
		se.Remediation = "The edit is committed in the server working copy but not published. Saving again retries the push."
	default:
		se.Class = err
	}
	return se
}

func (p *pipeline) status(ctx context.Context) (StepStatus, string, error) {
	dirty, err := p.c.git.Status(ctx)
	if err != nil {
		return StepFailed, "", err
	}
	p.stashed = dirty
	if dirty {
		return StepOK, "working copy has local changes", nil
	}
	return StepOK, "clean", nil
}

func (p *pipeline) stash(ctx context.Context) (StepStatus, string, error) {
	if !p.stashed {
		return StepSkipped, "nothing to stash", nil
	}
	if err := p.c.git.StashPush(ctx, p.label); err != nil {
		p.stashed = false
		return StepFailed, "", err
	}
	return StepOK, p.label, nil
}

func (p *pipeline) pull(ctx context.Context) (StepStatus, string, error) {
	err := p.c.git.PullRebase(ctx)
	if err == nil {
		return StepOK, "", nil
	}
	if errors.Is(err, vcs.ErrNoUpstream) {
		return StepSkipped, "no upstream configured", nil
	}
	// A failed rebase leaves HEAD detached; the working copy must be back on
	// its branch before anything else runs.
	aborted, abortErr := p.c.git.AbortRebase(ctx)
	if abortErr != nil {
		return StepFailed, fmt.Sprintf("%v; rebase --abort: %v", err, abortErr),
			fmt.Errorf("%w: %w (pull: %v)", ErrRebaseStuck, abortErr, err)
	}
	detail := err.Error()
	if aborted {
		detail += "; rebase aborted"
	}
	if p.c.strictPull {
		return StepFailed, detail, err
	}
	return StepWarn, "continuing without upstream changes: " + detail, nil
}

func (p *pipeline) pop(ctx context.Context) (StepStatus, string, error) {
	if !p.stashed {
		return StepSkipped, "nothing stashed", nil
	}
	if err := p.c.git.StashPop(ctx, p.label); err != nil {
		return StepFailed, fmt.Sprintf("%v (stash %q kept)", err, p.label), err
	}
	p.stashed = false
	return StepOK, p.label, nil
}

func (p *pipeline) merge(ctx context.Context) (StepStatus, string, error) {
	existing, err := os.ReadFile(p.target.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return StepFailed, "", err
		}
		existing = nil
	}
	out, changed, err := document.Merge(existing, p.req.Title, p.req.Description, p.req.Body)
	if err != nil {
		return StepFailed, "", err
	}
	p.content, p.changed = out, changed
	if !changed {
		return StepOK, "content unchanged", nil
	}
	if existing == nil {
		return StepOK, "new document", nil
	}
	return StepOK, "front matter merged", nil
}

func (p *pipeline) write(ctx context.Context) (StepStatus, string, error) {
	if !p.changed {
		return StepSkipped, "content unchanged", nil
	}
	if err := writeAtomic(p.target.Path, p.content); err != nil {
		return StepFailed, "", err
	}
	return StepOK, fmt.Sprintf("%d bytes", len(p.content)), nil
}

func (p *pipeline) stage(ctx context.Context) (StepStatus, string, error) {
	if err := p.c.git.Add(ctx, p.target.RepoPath); err != nil {
		return StepFailed, "", err
	}
	return StepOK, p.target.RepoPath, nil
}

func (p *pipeline) commit(ctx context.Context) (StepStatus, string, error) {
	staged, err := p.c.git.HasStagedChanges(ctx, p.target.RepoPath)
	if err != nil {
		return StepFailed, "", err
	}
	if !staged {
		return StepSkipped, "no changes to commit", nil
	}
	author := p.req.Author
	name := strings.TrimSpace(author.Name)
	if name == "" {
		name = author.ID
	}
	email := strings.TrimSpace(author.Email)
	if email == "" {
		email = author.ID + "@users.scribed.invalid"
	}
	err = p.c.git.Commit(ctx, vcs.CommitOptions{
		Path:        p.target.RepoPath,
		Message:     CommitMessage(p.target.RepoPath, name),
		AuthorName:  name,
		AuthorEmail: email,
	})
	if errors.Is(err, vcs.ErrNothingToCommit) {
		return StepSkipped, "no changes to commit", nil
	}
	if err != nil {
		return StepFailed, "", err
	}
	p.committed = true
	return StepOK, "", nil
}

func (p *pipeline) push(ctx context.Context) (StepStatus, string, error) {
	ahead, err := p.c.git.AheadOfUpstream(ctx)
	switch {
	case errors.Is(err, vcs.ErrNoUpstream):
		return StepSkipped, "no upstream configured", nil
	case err != nil:
		return StepFailed, fmt.Sprintf("could not compare with upstream: %v", err), err
	case !ahead:
		return StepSkipped, "up to date with upstream", nil
	}
	if err := p.c.git.Push(ctx); err != nil {
		return StepFailed, "", err
	}
	p.published = true
	return StepOK, "", nil
}

// CommitMessage formats the commit subject for an editor save.
func CommitMessage(path, author string) string {
	return fmt.Sprintf("docs(%s): update via web editor by %s", path, author)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".scribed-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
