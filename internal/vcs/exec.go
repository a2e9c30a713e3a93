package vcs

import (
	"context"
	"os"
	"os/exec"
)

// Executor runs a command in dir and returns its combined output. Errors that
// carry an exit status implement ExitCode() int.
type Executor interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// ExecExecutor runs commands with os/exec. Git is never allowed to prompt.
type ExecExecutor struct {
	// Env is appended to the process environment.
	Env []string
}

// Run executes name with args in dir.
func (e ExecExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.Env = append(cmd.Env, e.Env...)
	return cmd.CombinedOutput()
}
