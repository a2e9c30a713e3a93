package core

import (
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/scribed/internal/document"
	"pkt.systems/scribed/internal/identity"
	"pkt.systems/scribed/internal/locks"
	"pkt.systems/scribed/internal/pathutil"
	"pkt.systems/scribed/internal/presence"
	"pkt.systems/scribed/internal/save"
	"pkt.systems/scribed/internal/vcs"
)

// Stable error codes surfaced to clients.
const (
	CodePermissionDenied       = "permission_denied"
	CodeLockConflict           = "lock_conflict"
	CodeLockNotFound           = "lock_not_found"
	CodeAuthenticationRequired = "authentication_required"
	CodeGitAuthFailure         = "git_auth_failure"
	CodeGitNetworkFailure      = "git_network_failure"
	CodeGitWriteFailure        = "git_write_failure"
	CodeGitStageFailure        = "git_stage_failure"
	CodeGitCommitFailure       = "git_commit_failure"
	CodeGitPushFailure         = "git_push_failure"
	CodeGitStashFailure        = "git_stash_failure"
	CodeGitStatusFailure       = "git_status_failure"
	CodeValidationError        = "validation_error"
	CodeNotFound               = "not_found"
	CodeShutdownDraining       = "shutdown_draining"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
	RetryAfter int64
	// Holder is set for lock conflicts.
	Holder   *locks.Holder
	SameUser bool
	// Step, LocalSafe, Remediation and Steps describe save pipeline failures.
	Step        string
	LocalSafe   bool
	Remediation string
	Steps       []save.StepResult
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func permissionDenied(detail string) Failure {
	return Failure{Code: CodePermissionDenied, Detail: detail, HTTPStatus: http.StatusForbidden}
}

func validation(err error) Failure {
	return Failure{Code: CodeValidationError, Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
}

// toFailure maps domain errors to a Failure. Unknown errors are returned
// unchanged.
func toFailure(err error) error {
	if err == nil {
		return nil
	}
	var failure Failure
	if errors.As(err, &failure) {
		return failure
	}
	var conflict *locks.ConflictError
	if errors.As(err, &conflict) {
		holder := conflict.Holder
		return Failure{
			Code:       CodeLockConflict,
			Detail:     conflict.Error(),
			HTTPStatus: http.StatusConflict,
			Holder:     &holder,
			SameUser:   conflict.Reason == locks.ReasonSameUserOtherTab,
		}
	}
	var stepErr *save.StepError
	if errors.As(err, &stepErr) {
		return stepFailure(stepErr)
	}
	switch {
	case errors.Is(err, locks.ErrNotFound):
		return Failure{Code: CodeLockNotFound, Detail: err.Error(), HTTPStatus: http.StatusNotFound}
	case errors.Is(err, identity.ErrAuthenticationRequired):
		return Failure{Code: CodeAuthenticationRequired, Detail: err.Error(), HTTPStatus: http.StatusUnauthorized}
	case errors.Is(err, pathutil.ErrInvalidResource),
		errors.Is(err, save.ErrNotEditable),
		errors.Is(err, locks.ErrMissingOwner),
		errors.Is(err, presence.ErrMissingTab),
		errors.Is(err, presence.ErrMissingUser),
		errors.Is(err, document.ErrFrontMatter):
		return validation(err)
	}
	return err
}

func stepFailure(se *save.StepError) Failure {
	f := Failure{
		Detail:      se.Err.Error(),
		Step:        se.Step,
		LocalSafe:   se.LocalSafe,
		Remediation: se.Remediation,
		Steps:       se.Steps,
	}
	switch {
	case errors.Is(se, save.ErrMerge) && errors.Is(se, document.ErrFrontMatter):
		f.Code, f.HTTPStatus = CodeValidationError, http.StatusBadRequest
	case errors.Is(se, save.ErrStatus):
		switch {
		case errors.Is(se, vcs.ErrAuth):
			f.Code, f.HTTPStatus = CodeGitAuthFailure, http.StatusBadGateway
		case errors.Is(se, vcs.ErrTimeout):
			f.Code, f.HTTPStatus = CodeGitStatusFailure, http.StatusGatewayTimeout
		default:
			f.Code, f.HTTPStatus = CodeGitStatusFailure, http.StatusInternalServerError
		}
	case errors.Is(se, save.ErrRebaseStuck):
		f.Code, f.HTTPStatus = CodeGitWriteFailure, http.StatusInternalServerError
	case errors.Is(se, save.ErrStash):
		f.Code, f.HTTPStatus = CodeGitStashFailure, http.StatusInternalServerError
	case errors.Is(se, save.ErrPull):
		if errors.Is(se, vcs.ErrAuth) {
			f.Code, f.HTTPStatus = CodeGitAuthFailure, http.StatusBadGateway
		} else {
			f.Code, f.HTTPStatus = CodeGitNetworkFailure, http.StatusGatewayTimeout
		}
	case errors.Is(se, save.ErrStage):
		f.Code, f.HTTPStatus = CodeGitStageFailure, http.StatusInternalServerError
	case errors.Is(se, save.ErrCommit):
		f.Code, f.HTTPStatus = CodeGitCommitFailure, http.StatusInternalServerError
	case errors.Is(se, save.ErrPush):
		f.Code, f.HTTPStatus = CodeGitPushFailure, http.StatusBadGateway
	default:
		f.Code, f.HTTPStatus = CodeGitWriteFailure, http.StatusInternalServerError
	}
	return f
}
