package authkit

import (
	"errors"
	"testing"
)

func TestAllowAdminOnlyForAdmins(t *testing.T) {
	adminOnly := NewRoleSet(RoleAdmin)
	for _, role := range []Role{RoleGuest, RoleMember, RoleAdmin, Role(""), Role("Admin")} {
		allowed := Allow(Principal{IdentityID: "id", Role: role}, adminOnly)
		if allowed != (role == RoleAdmin) {
			t.Fatalf("role %q: expected allowed=%v", role, role == RoleAdmin)
		}
	}
}

func TestAllowFailsClosed(t *testing.T) {
	if Allow(Principal{Role: RoleAdmin}, nil) {
		t.Fatalf("empty role set must deny")
	}
	if len(NewRoleSet(Role("root"))) != 0 {
		t.Fatalf("unknown roles must be dropped from role sets")
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" MEMBER ")
	if err != nil || role != RoleMember {
		t.Fatalf("unexpected %q %v", role, err)
	}
	if _, err := ParseRole("superuser"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}
