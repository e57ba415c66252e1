package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
	RoleRep   = "rep"
	// RoleSuperAdmin is a platform operator; it bypasses role checks but never
	// organization scoping.
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// CanManageOrganization reports whether role may act on other reps' sessions and leads.
func CanManageOrganization(role string) bool {
	return role == RoleOwner || role == RoleAdmin || IsSuperAdmin(role)
}
