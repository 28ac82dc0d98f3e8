package domain

// Role grants access to groups of API operations.
type Role string

// API roles, from least to most privileged.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevel = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleLevel[r]
	return ok
}

// HasPermission reports whether r includes everything required allows.
func (r Role) HasPermission(required Role) bool {
	return roleLevel[r] >= roleLevel[required] && roleLevel[r] > 0
}
