package roles

// Permission is an atomic named capability statically assigned to roles.
type Permission string

const (
	PermUsersCreate Permission = "users.create"
	PermUsersRead   Permission = "users.read"
	PermUsersUpdate Permission = "users.update"
	PermUsersDelete Permission = "users.delete"

	PermProfileRead   Permission = "profile.read"
	PermProfileUpdate Permission = "profile.update"

	PermRecordsRead   Permission = "records.read"
	PermRecordsCreate Permission = "records.create"
	PermRecordsUpdate Permission = "records.update"

	PermSystemManage  Permission = "system.manage"
	PermAnalyticsView Permission = "analytics.view"
)

// permissionTable assigns permissions per role. There is no implicit
// inheritance between tiers: each tier enumerates its full grant set, and a
// permission added to a lower tier must be copied into every higher tier.
// The completeness tests guard that invariant.
var permissionTable = map[Role][]Permission{
	RoleUser: {
		PermProfileRead,
		PermProfileUpdate,
	},
	RoleManager: {
		PermProfileRead,
		PermProfileUpdate,
		PermUsersRead,
		PermUsersCreate,
		PermRecordsRead,
		PermRecordsCreate,
		PermRecordsUpdate,
		PermAnalyticsView,
	},
	RoleAdmin: {
		PermProfileRead,
		PermProfileUpdate,
		PermUsersCreate,
		PermUsersRead,
		PermUsersUpdate,
		PermUsersDelete,
		PermRecordsRead,
		PermRecordsCreate,
		PermRecordsUpdate,
		PermSystemManage,
		PermAnalyticsView,
	},
}

// PermissionsOf returns a copy of the permission set granted to a role.
func PermissionsOf(r Role) []Permission {
	perms := permissionTable[r]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// HasPermission reports whether a role holds the given permission.
func HasPermission(r Role, p Permission) bool {
	for _, granted := range permissionTable[r] {
		if granted == p {
			return true
		}
	}
	return false
}
