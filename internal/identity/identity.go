// Package identity turns the headers set by the authenticating reverse proxy
// into a verified Identity. Identity is trusted as given; scribed never
// re-validates credentials itself.
package identity

import (
	"errors"
	"net/http"
	"strings"

	"pkt.systems/scribed/api"
)

// ErrAuthenticationRequired reports a request without a user id.
var ErrAuthenticationRequired = errors.New("authentication required")

// Role names recognised in the roles header and the users file.
const (
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// Identity is the caller of a request.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Email       string
	IsEditor    bool
	IsAdmin     bool
}

// Name returns the display name, falling back to the user id.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.UserID
}

// CanEdit reports whether the caller may take locks and save.
func (i Identity) CanEdit() bool {
	return i.IsEditor || i.IsAdmin
}

// Provider resolves the caller of an HTTP request.
type Provider interface {
	Identify(r *http.Request) (Identity, error)
}

// HeaderProvider reads identity headers. When Directory is set, users found
// there get their display details and roles merged in.
type HeaderProvider struct {
	Directory *Directory
}

var _ Provider = HeaderProvider{}

// Identify implements Provider.
func (p HeaderProvider) Identify(r *http.Request) (Identity, error) {
	id := Identity{
		UserID:      strings.TrimSpace(r.Header.Get(api.HeaderUser)),
		DisplayName: strings.TrimSpace(r.Header.Get(api.HeaderName)),
		AvatarURL:   strings.TrimSpace(r.Header.Get(api.HeaderAvatar)),
		Email:       strings.TrimSpace(r.Header.Get(api.HeaderEmail)),
	}
	if id.UserID == "" {
		return Identity{}, ErrAuthenticationRequired
	}
	applyRoles(&id, ParseRoles(r.Header.Get(api.HeaderRoles)))
	if p.Directory != nil {
		if entry, ok := p.Directory.Lookup(id.UserID); ok {
			if id.DisplayName == "" {
				id.DisplayName = entry.Name
			}
			if id.AvatarURL == "" {
				id.AvatarURL = entry.Avatar
			}
			if id.Email == "" {
				id.Email = entry.Email
			}
			applyRoles(&id, entry.Roles)
		}
	}
	return id, nil
}

// ParseRoles splits a comma separated role list.
func ParseRoles(raw string) []string {
	var roles []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			roles = append(roles, part)
		}
	}
	return roles
}

func applyRoles(id *Identity, roles []string) {
	for _, role := range roles {
		switch strings.ToLower(role) {
		case RoleEditor:
			id.IsEditor = true
		case RoleAdmin:
			id.IsAdmin = true
		}
	}
}
