package domain

import (
	"context"
	"slices"
)

// AuthRole is a gateway caller role.
type AuthRole string

const (
	AuthRoleAdmin    AuthRole = "admin"
	AuthRoleOperator AuthRole = "operator"
	AuthRoleAgent    AuthRole = "agent"
	AuthRoleViewer   AuthRole = "viewer"
)

// AllAuthRoles lists every valid authorization role for validation purposes.
var AllAuthRoles = []AuthRole{AuthRoleAdmin, AuthRoleOperator, AuthRoleAgent, AuthRoleViewer}

// Permission represents a granular action that can be authorized.
type Permission string

const (
	PermAgentRead      Permission = "agent:read"
	PermAgentManage    Permission = "agent:manage"
	PermAgentHeartbeat Permission = "agent:heartbeat"
	PermTaskDelegate   Permission = "task:delegate"
	PermTaskRead       Permission = "task:read"
	PermWorkflowRun    Permission = "workflow:run"
	PermWorkflowRead   Permission = "workflow:read"
	PermMessageRoute   Permission = "message:route"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[AuthRole][]Permission{
	AuthRoleAdmin: {
		PermAgentRead, PermAgentManage, PermAgentHeartbeat,
		PermTaskDelegate, PermTaskRead,
		PermWorkflowRun, PermWorkflowRead,
		PermMessageRoute,
	},
	AuthRoleOperator: {
		PermAgentRead,
		PermTaskDelegate, PermTaskRead,
		PermWorkflowRun, PermWorkflowRead,
		PermMessageRoute,
	},
	// Worker agents report liveness and talk to each other.
	AuthRoleAgent: {
		PermAgentRead, PermAgentHeartbeat, PermMessageRoute,
	},
	AuthRoleViewer: {
		PermAgentRead, PermTaskRead, PermWorkflowRead,
	},
}

// Authorize returns ErrForbidden unless one of roles grants perm.
func Authorize(roles []AuthRole, perm Permission) error {
	for _, role := range roles {
		if slices.Contains(RolePermissions[role], perm) {
			return nil
		}
	}
	return ErrForbidden
}

const rolesCtxKey ctxKey = "roles"

// ContextWithRoles returns a new context carrying the given roles.
func ContextWithRoles(ctx context.Context, roles []AuthRole) context.Context {
	return context.WithValue(ctx, rolesCtxKey, roles)
}

// RolesFromContext extracts roles from the context.
// Returns nil if not set.
func RolesFromContext(ctx context.Context) []AuthRole {
	if v, ok := ctx.Value(rolesCtxKey).([]AuthRole); ok {
		return v
	}
	return nil
}

// IsValidAuthRole returns true if the given string represents a known role.
func IsValidAuthRole(s string) bool {
	return slices.Contains(AllAuthRoles, AuthRole(s))
}

// StringsToAuthRoles converts a string slice to an AuthRole slice,
// skipping any unrecognized values.
func StringsToAuthRoles(ss []string) []AuthRole {
	roles := make([]AuthRole, 0, len(ss))
	for _, s := range ss {
		if IsValidAuthRole(s) {
			roles = append(roles, AuthRole(s))
		}
	}
	return roles
}
