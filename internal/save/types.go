package save

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/scribed/internal/versioncache"
)

// Failure classes for pipeline steps. Test with errors.Is; concrete errors
// are *StepError values.
var (
	ErrStatus = errors.New("status failed")
	ErrPull   = errors.New("pull failed")
	ErrStash  = errors.New("stash failed")
	ErrMerge  = errors.New("merge failed")
	ErrWrite  = errors.New("write failed")
	ErrStage  = errors.New("stage failed")
	ErrCommit = errors.New("commit failed")
	ErrPush   = errors.New("push failed")
	// ErrRebaseStuck reports a failed pull whose rebase could not be aborted.
	ErrRebaseStuck = errors.New("rebase could not be aborted")
	// ErrNotEditable reports a resource outside the editable path policy.
	ErrNotEditable = errors.New("resource is not editable")
)

// Author attributes a commit.
type Author struct {
	ID    string
	Name  string
	Email string
}

// Request is one save.
type Request struct {
	Resource    string
	Title       string
	Description string
	Body        string
	Author      Author
	TabID       string
	IsAdmin     bool
}

// StepStatus is the result tag of a step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepWarn    StepStatus = "warn"
	StepFailed  StepStatus = "failed"
)

// Step names in pipeline order.
const (
	StepStatusName = "status"
	StepStashName  = "stash"
	StepPullName   = "pull"
	StepPopName    = "stash_pop"
	StepMergeName  = "merge"
	StepWriteName  = "write"
	StepStageName  = "stage"
	StepCommitName = "commit"
	StepPushName   = "push"
)

// StepResult records what one step did.
type StepResult struct {
	Name    string
	Status  StepStatus
	Detail  string
	Elapsed time.Duration
}

// Outcome summarizes a successful save.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeUnchanged Outcome = "unchanged"
)

// Result is returned by a successful save.
type Result struct {
	Outcome   Outcome
	Commit    string
	Published bool
	Version   versioncache.Snapshot
	Steps     []StepResult
	Warnings  []string
}

// StepError is returned when a step fails fatally. Steps holds the log up to
// and including the failing step.
type StepError struct {
	Step  string
	Class error
	// LocalSafe is true when the edit is committed locally but not published.
	LocalSafe   bool
	Remediation string
	Steps       []StepResult
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("save step %s: %v", e.Step, e.Err)
}

// Unwrap exposes the failure class and the cause.
func (e *StepError) Unwrap() []error {
	return []error{e.Class, e.Err}
}
