// ABOUTME: Caller identity for engine operations and its propagation through request contexts
// ABOUTME: Provides WithIdentity/FromContext and the role set the engine distinguishes

package auth

import (
	"context"
)

// Role is the kind of caller.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleAgent   Role = "agent"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Identity is the already-authenticated caller of an engine operation.
type Identity struct {
	Subject      string // agent ID for agents; empty for citizens
	Name         string
	Role         Role
	DepartmentID string
	SessionToken string // citizen session token, checked against the conversation
}

// IsStaff reports whether the caller is an agent or administrator.
func (i *Identity) IsStaff() bool {
	return i != nil && (i.Role == RoleAgent || i.Role == RoleAdmin)
}

// IsPrivileged reports whether the caller may act on any conversation.
func (i *Identity) IsPrivileged() bool {
	return i != nil && (i.Role == RoleAdmin || i.Role == RoleSystem)
}

// System is the identity used by background work such as the inactivity monitor.
func System() *Identity {
	return &Identity{Subject: "system", Name: "System", Role: RoleSystem}
}

// Citizen builds a citizen identity carrying a session token.
func Citizen(sessionToken string) *Identity {
	return &Identity{Role: RoleCitizen, SessionToken: sessionToken}
}

type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
