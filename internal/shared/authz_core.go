package shared

// Core platform permissions, in resource:action form.
const (
	PermUsersRead   = "users:read"
	PermUsersManage = "users:manage"

	PermRolesRead   = "roles:read"
	PermRolesManage = "roles:manage"

	PermPermissionsRead   = "permissions:read"
	PermPermissionsManage = "permissions:manage"
)

// Academic record permissions used by the record modules.
const (
	PermCoursesRead   = "courses:read"
	PermCoursesManage = "courses:manage"

	PermGradesRead   = "grades:read"
	PermGradesUpdate = "grades:update"

	PermStudentsRead = "students:read"

	PermPaymentsRead  = "payments:read"
	PermSupportCreate = "support:create"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersRead,
		PermUsersManage,
		PermRolesRead,
		PermRolesManage,
		PermPermissionsRead,
		PermPermissionsManage,
	}
}

// Session value keys for attributes conditions are evaluated against.
const (
	SessionKeyCoarseRole = "coarse_role"
	SessionKeyDepartment = "department"
	SessionKeySemester   = "semester"
)
