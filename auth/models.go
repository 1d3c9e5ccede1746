package auth

type Role string

const (
	RoleMember      Role = "member"
	RoleAdjudicator Role = "adjudicator"
)

func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdjudicator
}

// Principal is the caller identified by a bearer token.
type Principal struct {
	UserID string
	Role   Role
}
