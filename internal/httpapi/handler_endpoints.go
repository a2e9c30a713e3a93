package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/scribed/api"
	"pkt.systems/scribed/internal/core"
)

// POST /v1/lock/acquire takes the edit lock on a document for the calling tab.
func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	return h.lockOperation(w, r, h.svc.Acquire)
}

// POST /v1/lock/extend renews the caller's lock.
func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) error {
	return h.lockOperation(w, r, h.svc.Extend)
}

func (h *Handler) lockOperation(w http.ResponseWriter, r *http.Request, op func(context.Context, core.LockCommand) (*core.LockResult, error)) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	var payload api.LockRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	tab := tabID(r, payload.TabID)
	if err := requireResource(payload.Resource); err != nil {
		return err
	}
	if err := requireTab(tab); err != nil {
		return err
	}
	res, err := op(r.Context(), core.LockCommand{Caller: caller, Resource: payload.Resource, TabID: tab})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.LockResponse{
		Lock:   lockToAPI(res.Lock, h.svc.Now(), true),
		Timing: timingToAPI(res.Timing),
	}, nil)
	return nil
}

// POST /v1/lock/release drops the caller's lock. Admins may set force.
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	var payload api.ReleaseRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	tab := tabID(r, payload.TabID)
	if err := requireResource(payload.Resource); err != nil {
		return err
	}
	if !payload.Force {
		if err := requireTab(tab); err != nil {
			return err
		}
	}
	released, err := h.svc.Release(r.Context(), core.ReleaseCommand{
		LockCommand: core.LockCommand{Caller: caller, Resource: payload.Resource, TabID: tab},
		Force:       payload.Force,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: released}, nil)
	return nil
}

// GET /v1/lock/list returns every live lock. Admin only.
func (h *Handler) handleLockList(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	list, err := h.svc.ListLocks(r.Context(), caller)
	if err != nil {
		return err
	}
	now := h.svc.Now()
	resp := api.LockListResponse{Locks: make([]api.Lock, 0, len(list))}
	for _, lock := range list {
		resp.Locks = append(resp.Locks, lockToAPI(lock, now, true))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// GET /v1/lock/status?resource= reports edit permission and lock state.
func (h *Handler) handleLockStatus(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	resource := r.URL.Query().Get("resource")
	if err := requireResource(resource); err != nil {
		return err
	}
	status, err := h.svc.LockStatus(r.Context(), core.LockCommand{
		Caller:   caller,
		Resource: resource,
		TabID:    tabID(r, r.URL.Query().Get("tab_id")),
	})
	if err != nil {
		return err
	}
	resp := api.LockStatusResponse{
		Resource:         status.Resource,
		CanEdit:          status.CanEdit,
		IsAdmin:          status.IsAdmin,
		Locked:           status.Locked,
		LockedByYou:      status.LockedByYou,
		LockedInOtherTab: status.LockedInOtherTab,
		Timing:           timingToAPI(status.Timing),
	}
	if status.Holder != nil {
		holder := holderToAPI(*status.Holder, status.Holder.UserID == caller.UserID)
		resp.Holder = &holder
	}
	if status.Lock != nil {
		lock := lockToAPI(*status.Lock, h.svc.Now(), true)
		resp.Lock = &lock
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) presenceCommand(w http.ResponseWriter, r *http.Request) (core.PresenceCommand, api.PresenceRequest, error) {
	if r.Method != http.MethodPost {
		return core.PresenceCommand{}, api.PresenceRequest{}, methodNotAllowed(http.MethodPost)
	}
	caller, err := h.caller(r)
	if err != nil {
		return core.PresenceCommand{}, api.PresenceRequest{}, err
	}
	var payload api.PresenceRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return core.PresenceCommand{}, api.PresenceRequest{}, err
	}
	tab := tabID(r, payload.TabID)
	if err := requireTab(tab); err != nil {
		return core.PresenceCommand{}, api.PresenceRequest{}, err
	}
	if payload.Page == "" {
		return core.PresenceCommand{}, api.PresenceRequest{}, httpError{Status: http.StatusBadRequest, Code: "missing_page", Detail: "page is required"}
	}
	return core.PresenceCommand{Caller: caller, Page: payload.Page, TabID: tab, Editing: payload.Editing}, payload, nil
}

// POST /v1/presence/join records that a tab opened a page and returns the
// page listing.
func (h *Handler) handlePresenceJoin(w http.ResponseWriter, r *http.Request) error {
	cmd, payload, err := h.presenceCommand(w, r)
	if err != nil {
		return err
	}
	if err := h.svc.Join(r.Context(), cmd); err != nil {
		return err
	}
	return h.writePresence(w, r, cmd.Page, payload.Resource, true)
}

// POST /v1/presence/heartbeat refreshes a tab's presence and editing flag.
func (h *Handler) handlePresenceHeartbeat(w http.ResponseWriter, r *http.Request) error {
	cmd, payload, err := h.presenceCommand(w, r)
	if err != nil {
		return err
	}
	if err := h.svc.Heartbeat(r.Context(), cmd); err != nil {
		return err
	}
	return h.writePresence(w, r, cmd.Page, payload.Resource, true)
}

// POST /v1/presence/leave removes a tab from a page.
func (h *Handler) handlePresenceLeave(w http.ResponseWriter, r *http.Request) error {
	cmd, _, err := h.presenceCommand(w, r)
	if err != nil {
		return err
	}
	h.svc.Leave(r.Context(), cmd)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /v1/presence?page=&resource= lists the viewers of a page.
func (h *Handler) handlePresenceList(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	if _, err := h.caller(r); err != nil {
		return err
	}
	page := r.URL.Query().Get("page")
	if page == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_page", Detail: "page is required"}
	}
	return h.writePresence(w, r, page, r.URL.Query().Get("resource"), false)
}

func (h *Handler) writePresence(w http.ResponseWriter, r *http.Request, page, resource string, ack bool) error {
	view, err := h.svc.Presence(r.Context(), page, resource)
	if err != nil {
		return err
	}
	resp := presenceToAPI(view, h.svc.PresenceTTL())
	if ack {
		resp.HeartbeatAckUnixSec = h.svc.Now().Unix()
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// GET /v1/content?resource= returns the stored document split into managed
// front matter fields and body.
func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	resource := r.URL.Query().Get("resource")
	if err := requireResource(resource); err != nil {
		return err
	}
	content, err := h.svc.ReadContent(r.Context(), caller, resource)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ContentResponse{
		Resource:    content.Resource,
		Exists:      content.Exists,
		Title:       content.Title,
		Description: content.Description,
		Body:        content.Body,
		Metadata:    content.Metadata,
	}, nil)
	return nil
}

// POST /v1/save writes, commits and publishes an edit. The caller must hold
// the lock from the same tab.
func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	var payload api.SaveRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	tab := tabID(r, payload.TabID)
	if err := requireResource(payload.Resource); err != nil {
		return err
	}
	res, err := h.svc.Save(r.Context(), core.SaveCommand{
		Caller:      caller,
		Resource:    payload.Resource,
		TabID:       tab,
		Title:       payload.Title,
		Description: payload.Description,
		Body:        payload.Body,
	})
	if err != nil {
		return err
	}
	pslog.LoggerFromContext(r.Context()).Info("save.complete",
		"resource", payload.Resource,
		"user", caller.UserID,
		"outcome", string(res.Outcome),
		"published", res.Published,
	)
	h.writeJSON(w, http.StatusOK, saveToAPI(res), nil)
	return nil
}

// GET /v1/version returns the cached repository version snapshot.
func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	h.writeJSON(w, http.StatusOK, versionToAPI(h.svc.Version(r.Context())), nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is starting or draining", RetryAfter: 1}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"step", httpErr.Step,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			Holder:            httpErr.Holder,
			Step:              httpErr.Step,
			LocalSafe:         httpErr.LocalSafe,
			Remediation:       httpErr.Remediation,
			Steps:             httpErr.Steps,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.panic", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}
