package core

import (
	"context"
	"errors"

	"pkt.systems/scribed/internal/identity"
	"pkt.systems/scribed/internal/locks"
	"pkt.systems/scribed/internal/loggingutil"
)

func owner(cmd LockCommand) locks.Owner {
	return locks.Owner{
		ID:     cmd.Caller.UserID,
		TabID:  cmd.TabID,
		Name:   cmd.Caller.Name(),
		Avatar: cmd.Caller.AvatarURL,
	}
}

// Acquire takes the edit lock on a resource for the caller's tab.
func (s *Service) Acquire(ctx context.Context, cmd LockCommand) (*LockResult, error) {
	if !cmd.Caller.CanEdit() {
		return nil, permissionDenied("editor role required to edit documents")
	}
	if err := s.applyShutdownGuard("acquire"); err != nil {
		return nil, err
	}
	lock, err := s.locks.Acquire(ctx, cmd.Resource, owner(cmd))
	if err != nil {
		return nil, toFailure(err)
	}
	return &LockResult{Lock: lock, Timing: s.locks.Timing()}, nil
}

// Extend renews the caller's lock.
func (s *Service) Extend(ctx context.Context, cmd LockCommand) (*LockResult, error) {
	if !cmd.Caller.CanEdit() {
		return nil, permissionDenied("editor role required to edit documents")
	}
	lock, err := s.locks.Extend(ctx, cmd.Resource, cmd.Caller.UserID, cmd.TabID)
	if err != nil {
		return nil, toFailure(err)
	}
	return &LockResult{Lock: lock, Timing: s.locks.Timing()}, nil
}

// Release drops the caller's lock, or any lock when an admin forces it.
func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) (bool, error) {
	if cmd.Force && !cmd.Caller.IsAdmin {
		return false, permissionDenied("admin role required to force release")
	}
	released, err := s.locks.Release(ctx, cmd.Resource, cmd.Caller.UserID, cmd.TabID, cmd.Force)
	if err != nil {
		return false, toFailure(err)
	}
	if !released {
		// Releasing nothing is fine; releasing someone else's lock is not.
		if err := s.locks.Holds(ctx, cmd.Resource, cmd.Caller.UserID, cmd.TabID); errors.Is(err, locks.ErrConflict) {
			return false, toFailure(err)
		}
		return false, nil
	}
	if cmd.Force {
		loggingutil.FromContext(ctx, s.logger).Info("lock.release.forced", "resource", cmd.Resource, "admin", cmd.Caller.UserID)
	}
	return released, nil
}

// ListLocks returns every live lock. Admin only.
func (s *Service) ListLocks(ctx context.Context, caller identity.Identity) ([]locks.Lock, error) {
	if !caller.IsAdmin {
		return nil, permissionDenied("admin role required to list locks")
	}
	return s.locks.List(ctx), nil
}

// LockStatus reports whether the caller may edit the resource and who holds
// its lock.
func (s *Service) LockStatus(ctx context.Context, cmd LockCommand) (*LockStatus, error) {
	lock, err := s.locks.Query(ctx, cmd.Resource)
	if err != nil {
		return nil, toFailure(err)
	}
	status := &LockStatus{
		Resource: cmd.Resource,
		CanEdit:  cmd.Caller.CanEdit(),
		IsAdmin:  cmd.Caller.IsAdmin,
		Timing:   s.locks.Timing(),
	}
	if lock == nil {
		return status, nil
	}
	status.Resource = lock.Resource
	status.Locked = true
	holder := lock.Holder()
	status.Holder = &holder
	if lock.OwnerID == cmd.Caller.UserID {
		if lock.OwnerTabID == cmd.TabID {
			status.LockedByYou = true
		} else {
			status.LockedInOtherTab = true
		}
	}
	if status.LockedByYou || cmd.Caller.IsAdmin {
		status.Lock = lock
	}
	return status, nil
}
