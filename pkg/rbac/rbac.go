// Package rbac provides role-based access control checks for the API.
package rbac

// Role is the caller's role, derived from its credentials.
type Role int

const (
	RoleSubmitter Role = iota // anonymous caller submitting code
	RoleOperator              // holder of the operator token
)

func (r Role) String() string {
	switch r {
	case RoleOperator:
		return "operator"
	default:
		return "submitter"
	}
}

// Permission is an action guarded by a role check.
type Permission int

const (
	PermRunCode Permission = iota
	PermScan
	PermViewBans
	PermViewEvents
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[Role]map[Permission]bool{
	RoleOperator: {
		PermRunCode:    true,
		PermScan:       true,
		PermViewBans:   true,
		PermViewEvents: true,
	},
	RoleSubmitter: {
		PermRunCode: true,
		PermScan:    true,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role Role, perm Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " requires operator role"
}

func permName(p Permission) string {
	switch p {
	case PermRunCode:
		return "run_code"
	case PermScan:
		return "scan"
	case PermViewBans:
		return "view_bans"
	case PermViewEvents:
		return "view_events"
	default:
		return "unknown"
	}
}
