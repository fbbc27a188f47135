package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity_Key(t *testing.T) {
	authed := Identity{UserID: "u1", TenantID: "t1", Role: RoleMember, IP: "203.0.113.9"}
	assert.Equal(t, "user:u1", authed.Key())
	assert.False(t, authed.Anonymous())

	anon := Identity{Role: RoleAnonymous, IP: "203.0.113.9"}
	assert.Equal(t, "ip:203.0.113.9", anon.Key())
	assert.True(t, anon.Anonymous())

	// Idempotency scoping uses the same actor token as rate limiting.
	assert.Equal(t, authed.Key(), authed.ActorKey())
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		raw  string
		want Role
	}{
		{"member", RoleMember},
		{"manager", RoleManager},
		{"admin", RoleAdmin},
		{"anonymous", RoleAnonymous},
		{"", RoleAnonymous},
		// Unknown claims never elevate.
		{"superadmin", RoleMember},
		{"owner", RoleMember},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRole(tt.raw))
		})
	}
}
