package domain

import "errors"

// Role is the closed set of permission levels a participant can hold.
// It is produced only by ResolveRole; nothing else compares raw strings.
type Role string

const (
	RoleNoAccess Role = ""
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleCreator  Role = "creator"
)

var ErrUnknownRole = errors.New("unknown role")

// ParseRole accepts only the assignable roles. Creator is never
// assignable, it is derived from Document.CreatedBy.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleViewer, RoleEditor:
		return Role(s), nil
	default:
		return RoleNoAccess, ErrUnknownRole
	}
}

func (r Role) CanEdit() bool {
	return r == RoleEditor || r == RoleCreator
}

func (r Role) HasAccess() bool {
	return r != RoleNoAccess
}

// AccessView is the slice of document state role resolution needs.
// Rooms cache one and refresh it on settings/authorization changes.
type AccessView struct {
	CreatedBy       string
	AuthorizedUsers []AuthorizedUser
	Settings        Settings
	SlideCount      int
}

func (d *Document) AccessView() AccessView {
	users := make([]AuthorizedUser, len(d.AuthorizedUsers))
	copy(users, d.AuthorizedUsers)
	return AccessView{
		CreatedBy:       d.CreatedBy,
		AuthorizedUsers: users,
		Settings:        d.Settings,
		SlideCount:      len(d.Slides),
	}
}

// ResolveRole computes the effective permission level of an identity
// against a document snapshot. Pure: same inputs, same answer.
//
//  1. The creator keeps Creator forever.
//  2. An AuthorizedUser entry wins over public-access settings.
//  3. A public document grants Editor or Viewer to anyone.
//  4. Everything else is NoAccess: the join must be refused.
func ResolveRole(view AccessView, nickname string) Role {
	if nickname == view.CreatedBy {
		return RoleCreator
	}
	for _, au := range view.AuthorizedUsers {
		if au.Nickname == nickname {
			return au.Role
		}
	}
	if view.Settings.IsPublic {
		if view.Settings.AllowAnonymousEdit {
			return RoleEditor
		}
		return RoleViewer
	}
	return RoleNoAccess
}
