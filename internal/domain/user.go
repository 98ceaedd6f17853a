package domain

// Role is the access level of a caller of the admin API.
type Role string

// Roles.
const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// HasPermission reports whether r grants at least the access of required.
func (r Role) HasPermission(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}
