package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestService(repo RepositoryPort) *Service {
	return NewService(repo, NewResolver(repo, time.Minute))
}

func TestCreateRole(t *testing.T) {
	svc := newTestService(newMemoryRBACRepo())

	role, err := svc.CreateRole(context.Background(), Role{
		Name:     "  Teaching_Assistant ",
		Category: CategoryAcademic,
		Level:    3,
	})
	require.NoError(t, err)
	require.Equal(t, "teaching_assistant", role.Name)
	require.Equal(t, "Teaching Assistant", role.Description)
	require.False(t, role.IsSystem)
	require.True(t, role.IsActive)
}

func TestCreateRoleValidation(t *testing.T) {
	svc := newTestService(newMemoryRBACRepo())

	_, err := svc.CreateRole(context.Background(), Role{Category: CategoryAcademic, Level: 3})
	require.Error(t, err)

	_, err = svc.CreateRole(context.Background(), Role{Name: "x", Category: CategoryAcademic, Level: 0})
	require.Error(t, err)

	_, err = svc.CreateRole(context.Background(), Role{Name: "x", Category: CategoryAcademic, Level: MaxRoleLevel + 1})
	require.Error(t, err)

	_, err = svc.CreateRole(context.Background(), Role{Name: "x", Category: Category("misc"), Level: 3})
	require.Error(t, err)
}

func TestCreateRoleNeverSystem(t *testing.T) {
	svc := newTestService(newMemoryRBACRepo())

	role, err := svc.CreateRole(context.Background(), Role{
		Name:     "imposter",
		Category: CategorySystem,
		Level:    9,
		IsSystem: true,
	})
	require.NoError(t, err)
	require.False(t, role.IsSystem)
}

func TestUpdateSystemRoleRejected(t *testing.T) {
	repo := newMemoryRBACRepo()
	role := repo.addRole("system_admin", MaxRoleLevel)
	repo.roles[role.ID] = Role{ID: role.ID, Name: role.Name, Level: role.Level, IsSystem: true, IsActive: true}

	svc := newTestService(repo)
	_, err := svc.UpdateRole(context.Background(), Role{ID: role.ID, Name: "renamed", Level: 2})
	require.ErrorIs(t, err, ErrSystemRole)
}

func TestDeleteSystemRoleRejected(t *testing.T) {
	repo := newMemoryRBACRepo()
	role := repo.addRole("admin", AdminRoleLevel)
	repo.roles[role.ID] = Role{ID: role.ID, Name: role.Name, Level: role.Level, IsSystem: true, IsActive: true}

	svc := newTestService(repo)
	require.ErrorIs(t, svc.DeleteRole(context.Background(), role.ID), ErrSystemRole)
}

func TestDeleteAssignedRoleRejected(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	role := repo.addRole("staff", 5)
	repo.grant(1, role.ID)

	svc := newTestService(repo)
	require.ErrorIs(t, svc.DeleteRole(context.Background(), role.ID), ErrRoleAssigned)

	require.NoError(t, repo.Revoke(context.Background(), 1, role.ID))
	require.NoError(t, svc.DeleteRole(context.Background(), role.ID))
}

func TestEnsurePermissionIdempotent(t *testing.T) {
	svc := newTestService(newMemoryRBACRepo())

	first, err := svc.EnsurePermission(context.Background(), Permission{
		PermID:   Perm("courses", "read"),
		Category: CategoryAcademic,
	})
	require.NoError(t, err)
	require.Equal(t, "Courses Read", first.Name)

	second, err := svc.EnsurePermission(context.Background(), Permission{
		PermID:   Perm("courses", "read"),
		Category: CategoryAcademic,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestEnsurePermissionValidation(t *testing.T) {
	svc := newTestService(newMemoryRBACRepo())

	_, err := svc.EnsurePermission(context.Background(), Permission{Category: CategoryAcademic})
	require.Error(t, err)

	_, err = svc.EnsurePermission(context.Background(), Permission{
		PermID:   Perm("courses", "read"),
		Category: Category("misc"),
	})
	require.Error(t, err)

	// The global wildcard is a valid registrable permission.
	wild, err := svc.EnsurePermission(context.Background(), Permission{PermID: Wildcard, Category: CategorySystem})
	require.NoError(t, err)
	require.True(t, wild.PermID.IsWildcard())
}

func TestSetRolePermissionsDiffs(t *testing.T) {
	repo := newMemoryRBACRepo()
	p1 := repo.addPermission("courses", "read")
	p2 := repo.addPermission("grades", "read")
	p3 := repo.addPermission("grades", "update")
	role := repo.addRole("staff", 5, p1.ID, p2.ID)

	svc := newTestService(repo)
	require.NoError(t, svc.SetRolePermissions(context.Background(), role.ID, []int64{p2.ID, p3.ID}))

	updated, err := repo.GetRole(context.Background(), role.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{p2.ID, p3.ID}, updated.PermissionIDs)
}

func TestSetRolePermissionsSystemRoleRejected(t *testing.T) {
	repo := newMemoryRBACRepo()
	role := repo.addRole("system_admin", MaxRoleLevel)
	repo.roles[role.ID] = Role{ID: role.ID, Name: role.Name, Level: role.Level, IsSystem: true, IsActive: true}

	svc := newTestService(repo)
	require.ErrorIs(t, svc.SetRolePermissions(context.Background(), role.ID, nil), ErrSystemRole)
}

func TestAssignRole(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("courses", "read")
	role := repo.addRole("student", 1, p.ID)

	svc := newTestService(repo)
	a, err := svc.AssignRole(context.Background(), 1, role.ID, 2, nil, nil)
	require.NoError(t, err)
	require.True(t, a.IsActive)

	effective, err := svc.EffectivePermissions(context.Background(), 1, RequestContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"courses:read"}, effective)
}

func TestAssignRoleUnknownTargets(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	role := repo.addRole("student", 1)

	svc := newTestService(repo)

	_, err := svc.AssignRole(context.Background(), 1, 99, 2, nil, nil)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.AssignRole(context.Background(), 42, role.ID, 2, nil, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAssignRolePastExpiryRejected(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	role := repo.addRole("student", 1)

	svc := newTestService(repo)
	past := time.Now().UTC().Add(-time.Hour)
	_, err := svc.AssignRole(context.Background(), 1, role.ID, 2, &past, nil)
	require.Error(t, err)
}

func TestAssignmentNotificationHook(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	role := repo.addRole("grader", 5)

	svc := newTestService(repo)
	var events []AssignmentEvent
	svc.NotifyAssignments(func(ctx context.Context, ev AssignmentEvent) {
		events = append(events, ev)
	})

	_, err := svc.AssignRole(context.Background(), 1, role.ID, 2, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeRole(context.Background(), 1, role.ID))

	require.Len(t, events, 2)
	require.Equal(t, AssignmentEvent{UserID: 1, RoleID: role.ID, Role: "grader", Kind: "granted"}, events[0])
	require.Equal(t, AssignmentEvent{UserID: 1, RoleID: role.ID, Kind: "revoked"}, events[1])
}

func TestRevokeRoleRemovesPermissions(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("grades", "update")
	role := repo.addRole("grader", 5, p.ID)
	repo.grant(1, role.ID)

	svc := newTestService(repo)
	require.NoError(t, svc.RevokeRole(context.Background(), 1, role.ID))

	effective, err := svc.EffectivePermissions(context.Background(), 1, RequestContext{})
	require.NoError(t, err)
	require.Empty(t, effective)
}
