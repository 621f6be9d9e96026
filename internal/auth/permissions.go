package auth

// Permission represents a named capability in the admin API.
type Permission string

// Permission constants.
const (
	PermSessionRead     Permission = "session:read"
	PermSessionManage   Permission = "session:manage"
	PermLoopStateManage Permission = "loopstate:manage"
	PermCallRead        Permission = "call:read"
	PermMetricsRead     Permission = "metrics:read"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermSessionRead,
		PermCallRead,
		PermMetricsRead,
	},
	RoleOperator: {
		PermSessionRead,
		PermSessionManage,
		PermLoopStateManage,
		PermCallRead,
		PermMetricsRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
