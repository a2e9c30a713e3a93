package core

import (
	"context"
	"fmt"
	"net/http"

	"pkt.systems/scribed/internal/identity"
	"pkt.systems/scribed/internal/save"
)

// ReadContent returns the document as currently stored in the working copy.
// A missing document yields an empty result with Exists=false.
func (s *Service) ReadContent(ctx context.Context, caller identity.Identity, resource string) (*ContentResult, error) {
	if caller.UserID == "" {
		return nil, toFailure(identity.ErrAuthenticationRequired)
	}
	content, err := s.saver.Read(ctx, resource)
	if err != nil {
		return nil, toFailure(err)
	}
	meta, err := content.Document.Metadata()
	if err != nil {
		return nil, toFailure(err)
	}
	return &ContentResult{
		Resource:    content.Target.Resource,
		Exists:      content.Exists,
		Title:       content.Document.Title,
		Description: content.Document.Description,
		Body:        content.Document.Body,
		Metadata:    meta,
	}, nil
}

// Save writes, commits and publishes an edit. The caller must hold the lock on
// the resource from the same tab unless they are an admin.
func (s *Service) Save(ctx context.Context, cmd SaveCommand) (*SaveResult, error) {
	if !cmd.Caller.CanEdit() {
		return nil, permissionDenied("editor role required to save documents")
	}
	if err := s.applyShutdownGuard("save"); err != nil {
		return nil, err
	}
	res, err := s.saver.Save(ctx, save.Request{
		Resource:    cmd.Resource,
		Title:       cmd.Title,
		Description: cmd.Description,
		Body:        cmd.Body,
		Author: save.Author{
			ID:    cmd.Caller.UserID,
			Name:  cmd.Caller.Name(),
			Email: cmd.Caller.Email,
		},
		TabID:   cmd.TabID,
		IsAdmin: cmd.Caller.IsAdmin,
	})
	if err != nil {
		failure := toFailure(err)
		if f, ok := failure.(Failure); ok && f.Code == CodeLockNotFound {
			f.HTTPStatus = http.StatusConflict
			f.Detail = fmt.Sprintf("acquire the lock before saving: %s", f.Detail)
			return nil, f
		}
		return nil, failure
	}
	return res, nil
}

// Version returns the cached version snapshot.
func (s *Service) Version(ctx context.Context) VersionSnapshot {
	return s.versions.Get(ctx)
}
