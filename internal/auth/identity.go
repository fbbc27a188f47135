package auth

import "fmt"

// Role represents the caller's permission tier.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleMember    Role = "member"
	RoleManager   Role = "manager"
	RoleAdmin     Role = "admin"
)

var RoleRank = map[Role]int{
	RoleAnonymous: 0,
	RoleMember:    1,
	RoleManager:   2,
	RoleAdmin:     3,
}

// Identity is the resolved caller of a request: an authenticated user with a
// role, or an anonymous client identified by IP.
type Identity struct {
	UserID   string `json:"user_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Role     Role   `json:"role"`
	IP       string `json:"ip,omitempty"`
}

// Anonymous reports whether the caller carries no authenticated user.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// Key returns the stable token this identity is rate limited and scoped by.
func (i Identity) Key() string {
	if i.Anonymous() {
		return fmt.Sprintf("ip:%s", i.IP)
	}
	return fmt.Sprintf("user:%s", i.UserID)
}

// ActorKey identifies the actor for idempotency scoping; anonymous callers
// fall back to IP the same way rate limiting does.
func (i Identity) ActorKey() string {
	return i.Key()
}

// NormalizeRole maps unknown role claims to member and blank ones to
// anonymous, so a bad token can never claim an elevated budget.
func NormalizeRole(raw string) Role {
	switch Role(raw) {
	case RoleMember, RoleManager, RoleAdmin:
		return Role(raw)
	case RoleAnonymous, "":
		return RoleAnonymous
	default:
		return RoleMember
	}
}
