package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/scribed/api"
	"pkt.systems/scribed/internal/core"
	"pkt.systems/scribed/internal/correlation"
	"pkt.systems/scribed/internal/locks"
	"pkt.systems/scribed/internal/save"
	"pkt.systems/scribed/internal/vcs"
	"pkt.systems/scribed/internal/versioncache"
)

type correlationAppliedKey struct{}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
			logger = existing
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span != nil {
			span.SetAttributes(attribute.String("scribed.correlation_id", id))
		}
	}
	return ctx, logger
}

// convertCoreError renders a core.Failure as an httpError. Other errors are
// returned unchanged.
func convertCoreError(err error) error {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return err
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	out := httpError{
		Status:      status,
		Code:        failure.Code,
		Detail:      failure.Detail,
		RetryAfter:  failure.RetryAfter,
		Step:        failure.Step,
		Remediation: failure.Remediation,
	}
	if failure.Holder != nil {
		holder := holderToAPI(*failure.Holder, failure.SameUser)
		out.Holder = &holder
	}
	if failure.Step != "" {
		localSafe := failure.LocalSafe
		out.LocalSafe = &localSafe
		out.Steps = stepsToAPI(failure.Steps)
	}
	return out
}

func lockToAPI(lock locks.Lock, now time.Time, showTab bool) api.Lock {
	out := api.Lock{
		ID:             lock.ID,
		Resource:       lock.Resource,
		OwnerID:        lock.OwnerID,
		OwnerName:      lock.OwnerName,
		OwnerAvatar:    lock.OwnerAvatar,
		AcquiredAt:     lock.AcquiredAt.Unix(),
		ExpiresAt:      lock.ExpiresAt.Unix(),
		LastExtendedAt: lock.LastExtendedAt.Unix(),
	}
	if showTab {
		out.OwnerTabID = lock.OwnerTabID
	}
	if remaining := lock.ExpiresAt.Sub(now); remaining > 0 {
		out.ExpiresInSeconds = int64(remaining.Round(time.Second) / time.Second)
	}
	return out
}

func holderToAPI(holder locks.Holder, sameUser bool) api.LockHolder {
	return api.LockHolder{
		UserID:     holder.UserID,
		Name:       holder.Name,
		Avatar:     holder.Avatar,
		AcquiredAt: holder.AcquiredAt.Unix(),
		ExpiresAt:  holder.ExpiresAt.Unix(),
		SameUser:   sameUser,
	}
}

func timingToAPI(t locks.Timing) api.LockTiming {
	return api.LockTiming{
		TimeoutSeconds:        int64(t.Timeout / time.Second),
		ExtendIntervalSeconds: int64(t.ExtendInterval / time.Second),
		WarnAfterSeconds:      int64(t.WarnAfter / time.Second),
	}
}

func stepsToAPI(steps []save.StepResult) []api.SaveStep {
	out := make([]api.SaveStep, 0, len(steps))
	for _, step := range steps {
		out = append(out, api.SaveStep{
			Name:      step.Name,
			Status:    string(step.Status),
			Detail:    step.Detail,
			ElapsedMS: step.Elapsed.Milliseconds(),
		})
	}
	return out
}

func versionToAPI(snap versioncache.Snapshot) api.VersionResponse {
	out := api.VersionResponse{
		Version:     snap.Version,
		Commit:      snap.CommitHash,
		ShortCommit: snap.ShortHash,
		Source:      string(snap.Source),
	}
	if !snap.Timestamp.IsZero() {
		out.Timestamp = snap.Timestamp.Unix()
	}
	return out
}

func saveToAPI(res *core.SaveResult) api.SaveResponse {
	out := api.SaveResponse{
		Outcome:   string(res.Outcome),
		Commit:    res.Commit,
		Published: res.Published,
		Version:   versionToAPI(res.Version),
		Steps:     stepsToAPI(res.Steps),
		Warnings:  res.Warnings,
	}
	if res.Commit != "" {
		out.ShortCommit = vcs.ShortHash(res.Commit)
	}
	return out
}

func presenceToAPI(view *core.PresenceView, ttl time.Duration) api.PresenceResponse {
	out := api.PresenceResponse{
		Page:         view.Page,
		Viewers:      make([]api.Viewer, 0, len(view.Viewers)),
		EditorUserID: view.EditorUserID,
		EditorSource: view.EditorSource,
		TTLSeconds:   int64(ttl / time.Second),
	}
	for _, v := range view.Viewers {
		out.Viewers = append(out.Viewers, api.Viewer{
			ID:       v.ID,
			Name:     v.Name,
			Avatar:   v.Avatar,
			TabCount: v.TabCount,
			Editing:  v.Editing,
		})
	}
	return out
}
