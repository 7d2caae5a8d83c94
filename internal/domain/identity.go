package domain

// Role is the verified role of a caller, resolved by the authentication layer.
type Role string

const (
	RoleRealUser Role = "real-user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleRealUser, RoleOperator, RoleAdmin:
		return true
	}
	return false
}

// Identity is an authenticated caller.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Anonymous reports whether the identity is missing or malformed.
func (i Identity) Anonymous() bool { return i.ID == "" || !i.Role.Valid() }
