package auth

// Role represents an authorisation tier for API callers.
type Role string

const (
	// RoleService is a machine client: the resource service, the FMS
	// sync worker. Full command and revocation access, no key rotation.
	RoleService Role = "service"

	// RoleOperator is facility staff: submit and cancel commands, read
	// ledgers and audit history.
	RoleOperator Role = "operator"

	// RoleAdmin adds the rare high-trust operations, key rotation above
	// all.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleService, RoleOperator, RoleAdmin}

// IsValidRole returns true if the role is recognised.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}
