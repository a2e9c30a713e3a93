package core

import (
	"context"

	"pkt.systems/scribed/internal/presence"
)

func presenceUser(cmd PresenceCommand) presence.User {
	return presence.User{ID: cmd.Caller.UserID, Name: cmd.Caller.DisplayName, Avatar: cmd.Caller.AvatarURL}
}

// Join records that the caller's tab opened a page.
func (s *Service) Join(ctx context.Context, cmd PresenceCommand) error {
	return toFailure(s.presence.Join(ctx, cmd.Page, cmd.TabID, presenceUser(cmd)))
}

// Heartbeat refreshes the caller's presence and editing flag.
func (s *Service) Heartbeat(ctx context.Context, cmd PresenceCommand) error {
	return toFailure(s.presence.Heartbeat(ctx, cmd.Page, cmd.TabID, presenceUser(cmd), cmd.Editing))
}

// Leave removes the caller's tab from a page. Tabs owned by other users are
// never removed.
func (s *Service) Leave(ctx context.Context, cmd PresenceCommand) {
	s.presence.Leave(ctx, cmd.Page, cmd.TabID, cmd.Caller.UserID)
}

// Presence lists the viewers of page. When resource is given and locked, the
// lock owner is reported as the editor regardless of heartbeats.
func (s *Service) Presence(ctx context.Context, page, resource string) (*PresenceView, error) {
	view := &PresenceView{Listing: s.presence.List(ctx, page, s.users)}
	if view.EditorUserID != "" {
		view.EditorSource = EditorFromPresence
	}
	if resource == "" {
		return view, nil
	}
	lock, err := s.locks.Query(ctx, resource)
	if err != nil {
		return nil, toFailure(err)
	}
	if lock != nil {
		view.EditorUserID = lock.OwnerID
		view.EditorSource = EditorFromLock
	} else {
		view.EditorUserID = ""
		view.EditorSource = ""
	}
	return view, nil
}
