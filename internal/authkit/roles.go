package authkit

import (
	"fmt"
	"strings"
)

// Role is the closed enumeration of identity roles.
type Role string

const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ParseRole converts external text into a Role, rejecting anything outside the enumeration.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleGuest:
		return RoleGuest, nil
	case RoleMember:
		return RoleMember, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("identity.parse_role %q: %w", value, ErrInvalidRole)
	}
}

// Valid reports whether the role belongs to the enumeration.
func (role Role) Valid() bool {
	switch role {
	case RoleGuest, RoleMember, RoleAdmin:
		return true
	default:
		return false
	}
}

// RoleSet is the allowed set of roles for an operation.
type RoleSet map[Role]struct{}

// NewRoleSet builds a RoleSet, ignoring values outside the enumeration.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, role := range roles {
		if role.Valid() {
			set[role] = struct{}{}
		}
	}
	return set
}

// Allow reports whether the principal's role is in the allowed set. It fails closed.
func Allow(principal Principal, allowed RoleSet) bool {
	if !principal.Role.Valid() || len(allowed) == 0 {
		return false
	}
	_, ok := allowed[principal.Role]
	return ok
}
