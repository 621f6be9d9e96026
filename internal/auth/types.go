package auth

import "errors"

// Role represents an operator authorisation tier for the admin API.
type Role string

const (
	// RoleViewer can read sessions, calls and metrics.
	RoleViewer Role = "viewer"

	// RoleOperator can also close sessions and change loop state.
	RoleOperator Role = "operator"
)

// ValidRoles is the set of roles accepted in operator tokens.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole returns true if r is a known operator role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors.
var (
	ErrInvalidClientID   = errors.New("auth: invalid client id")
	ErrInvalidMAC        = errors.New("auth: invalid mac address")
	ErrMissingSignature  = errors.New("auth: missing signature key")
	ErrInvalidSignature  = errors.New("auth: invalid signature")
	ErrMissingCredential = errors.New("auth: missing credentials")
	ErrTokenInvalid      = errors.New("auth: invalid token")
	ErrForbidden         = errors.New("auth: insufficient permissions")
)
