// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Permission is a single operation a user may perform on an entity
type Permission int

const (
	PermissionRead Permission = iota
	PermissionCreate
	PermissionUpdate
	PermissionDelete
)

// allPermissions in canonical encoding order
var allPermissions = []Permission{PermissionRead, PermissionCreate, PermissionUpdate, PermissionDelete}

var permissionCodes = map[Permission]byte{
	PermissionRead:   'R',
	PermissionCreate: 'C',
	PermissionUpdate: 'U',
	PermissionDelete: 'D',
}

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "READ"
	case PermissionCreate:
		return "CREATE"
	case PermissionUpdate:
		return "UPDATE"
	case PermissionDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

func permissionFromCode(c byte) (Permission, bool) {
	for p, code := range permissionCodes {
		if code == c || code+('a'-'A') == c {
			return p, true
		}
	}
	return 0, false
}

// AccessLevel is a non-empty set of distinct permissions
type AccessLevel struct {
	perms uint8
}

// NewAccessLevel requires at least one permission and rejects duplicates
func NewAccessLevel(perms ...Permission) (AccessLevel, error) {
	if len(perms) == 0 {
		return AccessLevel{}, NewClientError(ErrValidation, CodeInvalidAccess, "access level requires at least one permission", nil)
	}
	var lvl AccessLevel
	for _, p := range perms {
		if _, ok := permissionCodes[p]; !ok {
			return AccessLevel{}, NewClientError(ErrValidation, CodeInvalidAccess, fmt.Sprintf("unknown permission %d", int(p)), nil)
		}
		bit := uint8(1) << uint(p)
		if lvl.perms&bit != 0 {
			return AccessLevel{}, NewClientError(ErrValidation, CodeInvalidAccess, "duplicate permission "+p.String(), nil)
		}
		lvl.perms |= bit
	}
	return lvl, nil
}

// AccessLevelAll grants every permission
func AccessLevelAll() AccessLevel {
	lvl, _ := NewAccessLevel(allPermissions...)
	return lvl
}

// Has reports whether the level includes p
func (l AccessLevel) Has(p Permission) bool {
	return l.perms&(uint8(1)<<uint(p)) != 0
}

// Permissions lists the granted permissions in canonical order
func (l AccessLevel) Permissions() []Permission {
	out := make([]Permission, 0, len(allPermissions))
	for _, p := range allPermissions {
		if l.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Encode renders one character per permission in canonical order, e.g. "RCUD"
func (l AccessLevel) Encode() string {
	var b strings.Builder
	for _, p := range l.Permissions() {
		b.WriteByte(permissionCodes[p])
	}
	return b.String()
}

// DecodeAccessLevel parses the output of Encode (case-insensitive)
func DecodeAccessLevel(s string) (AccessLevel, error) {
	if s == "" || len(s) > len(allPermissions) {
		return AccessLevel{}, NewClientError(ErrValidation, CodeInvalidAccess, fmt.Sprintf("invalid access level %q", s), nil)
	}
	perms := make([]Permission, 0, len(s))
	for i := 0; i < len(s); i++ {
		p, ok := permissionFromCode(s[i])
		if !ok {
			return AccessLevel{}, NewClientError(ErrValidation, CodeInvalidAccess, fmt.Sprintf("invalid access level %q", s), nil)
		}
		perms = append(perms, p)
	}
	return NewAccessLevel(perms...)
}

func (l AccessLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Encode())
}

func (l *AccessLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	lvl, err := DecodeAccessLevel(s)
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// EntityGranted is access on an entity instance owned by UserOwnerID
type EntityGranted struct {
	UserOwnerID string          `json:"user_owner_id"`
	Entity      EntityReference `json:"entity"`
	AccessLevel AccessLevel     `json:"access_level"`
}

// UserAuth is the authenticated caller together with the grants it holds
type UserAuth struct {
	UserID string
	Grants []EntityGranted
}

// NewUserAuth builds a UserAuth; userID must be present
func NewUserAuth(userID string, grants ...EntityGranted) (UserAuth, error) {
	if strings.TrimSpace(userID) == "" {
		return UserAuth{}, newNotAuthorized(ErrUserNotAuthenticated, "user is not authenticated")
	}
	return UserAuth{UserID: userID, Grants: grants}, nil
}

// directGrant returns the grant held on exactly ref, if any
func (u UserAuth) directGrant(ref EntityReference) (EntityGranted, bool) {
	for _, g := range u.Grants {
		if g.Entity == ref {
			return g, true
		}
	}
	return EntityGranted{}, false
}

// ownerIDs returns the caller plus every owner that shared something with it
func (u UserAuth) ownerIDs() []string {
	seen := map[string]struct{}{u.UserID: {}}
	out := []string{u.UserID}
	for _, g := range u.Grants {
		if _, ok := seen[g.UserOwnerID]; ok {
			continue
		}
		seen[g.UserOwnerID] = struct{}{}
		out = append(out, g.UserOwnerID)
	}
	return out
}
