// Package roles defines the closed role set, the role hierarchy, and the
// static role-to-permission table used for authorization decisions.
package roles

// Role is one of the closed, ordered set of account roles.
type Role string

const (
	// RoleUser is the base tier: self-service only.
	RoleUser Role = "user"
	// RoleManager is the elevated tier: manages base-tier accounts.
	RoleManager Role = "manager"
	// RoleAdmin is the top tier: manages every account.
	RoleAdmin Role = "admin"
)

// roleLevels is the total order over the role set. Higher means more
// authority. Unknown roles map to zero, which loses every comparison.
var roleLevels = map[Role]int{
	RoleUser:    1,
	RoleManager: 2,
	RoleAdmin:   3,
}

// All returns every role ordered by ascending level.
func All() []Role {
	return []Role{RoleUser, RoleManager, RoleAdmin}
}

// Parse validates a raw role string against the closed set.
func Parse(raw string) (Role, bool) {
	r := Role(raw)
	_, ok := roleLevels[r]
	return r, ok
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// Level returns the integer authority level for a role.
func Level(r Role) int {
	return roleLevels[r]
}

// CanAccess reports whether an actor role satisfies a required role. Access
// is purely level based: an actor may act wherever its level is at least the
// required level.
func CanAccess(actor, required Role) bool {
	return Level(actor) >= Level(required)
}

// CanManage reports whether an actor role may manage accounts holding the
// target role. This is deliberately narrower than CanAccess and is written
// as an explicit case table: managers must not manage their peers even
// though their levels compare equal.
func CanManage(actor, target Role) bool {
	switch actor {
	case RoleAdmin:
		return target.Valid()
	case RoleManager:
		return target == RoleUser
	default:
		return false
	}
}

// AccessibleRoles returns every role whose level does not exceed the actor's
// level. Used for listing and scoping, not for the stricter CanManage check.
func AccessibleRoles(actor Role) []Role {
	level := Level(actor)
	var out []Role
	for _, r := range All() {
		if Level(r) <= level {
			out = append(out, r)
		}
	}
	return out
}
