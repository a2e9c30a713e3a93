package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error classes attached to failed git invocations. Test with errors.Is.
var (
	ErrAuth            = errors.New("git authentication failed")
	ErrNetwork         = errors.New("git remote unreachable")
	ErrTimeout         = errors.New("git command timed out")
	ErrConflict        = errors.New("git conflict")
	ErrNothingToCommit = errors.New("nothing to commit")
	ErrNoUpstream      = errors.New("no upstream configured")
	ErrNoTag           = errors.New("no tags found")
	ErrStashNotFound   = errors.New("stash entry not found")
	ErrNoRebase        = errors.New("no rebase in progress")
)

// CommandError describes a failed git invocation.
type CommandError struct {
	Args     []string
	Output   string
	ExitCode int
	Class    error
	Err      error
}

func (e *CommandError) Error() string {
	sub := "git"
	if len(e.Args) > 0 {
		sub = "git " + e.Args[0]
	}
	msg := firstLine(e.Output)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Class != nil {
		return fmt.Sprintf("%s: %v: %s", sub, e.Class, msg)
	}
	return fmt.Sprintf("%s: %s", sub, msg)
}

// Unwrap exposes both the class and the underlying error.
func (e *CommandError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Class != nil {
		out = append(out, e.Class)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

var classPatterns = []struct {
	class    error
	patterns []string
}{
	{ErrNoRebase, []string{
		"no rebase in progress",
	}},
	{ErrAuth, []string{
		"authentication failed",
		"permission denied",
		"could not read username",
		"could not read password",
		"invalid username or password",
		"access denied",
		"host key verification failed",
		"requested url returned error: 403",
		"requested url returned error: 401",
	}},
	{ErrNetwork, []string{
		"could not resolve host",
		"could not resolve hostname",
		"connection refused",
		"connection timed out",
		"connection reset",
		"network is unreachable",
		"failed to connect",
		"operation timed out",
		"unable to access",
		"the remote end hung up",
		"early eof",
		"could not read from remote repository",
	}},
	{ErrNoUpstream, []string{
		"no tracking information",
		"no upstream configured",
		"no upstream branch",
		"has no upstream branch",
	}},
	{ErrConflict, []string{
		"conflict",
		"could not apply",
		"needs merge",
		"would be overwritten",
		"cannot pull with rebase",
		"rebase in progress",
		"non-fast-forward",
		"[rejected]",
	}},
	{ErrNothingToCommit, []string{
		"nothing to commit",
		"no changes added to commit",
	}},
	{ErrNoTag, []string{
		"no names found",
		"no tags can describe",
	}},
}

// Classify maps git output to one of the package error classes. It returns
// nil when the output is not recognised.
func Classify(ctx context.Context, output string) error {
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	lower := strings.ToLower(output)
	for _, cp := range classPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(lower, p) {
				return cp.class
			}
		}
	}
	return nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
