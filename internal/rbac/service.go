package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// Service orchestrates RBAC management operations: role and permission
// administration plus user-role assignment. Resolution lives in Resolver.
type Service struct {
	repo         RepositoryPort
	resolver     *Resolver
	onAssignment func(ctx context.Context, ev AssignmentEvent)
}

// AssignmentEvent describes a grant or revocation, for notification hooks.
type AssignmentEvent struct {
	UserID int64
	RoleID int64
	Role   string
	Kind   string // "granted" or "revoked"
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, resolver *Resolver) *Service {
	return &Service{repo: repo, resolver: resolver}
}

// NotifyAssignments registers a hook invoked after every successful role
// grant or revocation. The hook must not block.
func (s *Service) NotifyAssignments(fn func(ctx context.Context, ev AssignmentEvent)) {
	s.onAssignment = fn
}

// ListRoles returns all roles ordered by level then name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreateRole inserts a new non-system role. System roles are created by seed
// code only, through the repository directly.
func (s *Service) CreateRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.TrimSpace(strings.ToLower(role.Name))
	if role.Name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	if role.Description == "" {
		role.Description = titleCaser.String(strings.ReplaceAll(role.Name, "_", " "))
	}
	if role.Level < MinRoleLevel || role.Level > MaxRoleLevel {
		return Role{}, fmt.Errorf("rbac: role level must be between %d and %d", MinRoleLevel, MaxRoleLevel)
	}
	if !role.Category.Valid() {
		return Role{}, fmt.Errorf("rbac: invalid role category %q", role.Category)
	}
	role.IsSystem = false
	return s.repo.CreateRole(ctx, role)
}

// UpdateRole updates an existing role. System roles are immutable via this
// path.
func (s *Service) UpdateRole(ctx context.Context, role Role) (Role, error) {
	current, err := s.repo.GetRole(ctx, role.ID)
	if err != nil {
		return Role{}, err
	}
	if current.IsSystem {
		return Role{}, ErrSystemRole
	}
	role.Name = strings.TrimSpace(strings.ToLower(role.Name))
	if role.Name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	if role.Level < MinRoleLevel || role.Level > MaxRoleLevel {
		return Role{}, fmt.Errorf("rbac: role level must be between %d and %d", MinRoleLevel, MaxRoleLevel)
	}
	return s.repo.UpdateRole(ctx, role)
}

// DeleteRole removes a role. System roles and roles with active assignments
// are protected.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	active, err := s.repo.CountActiveAssignments(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrRoleAssigned
	}
	return s.repo.DeleteRole(ctx, id)
}

// ListPermissions returns all permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// EnsurePermission creates a permission if it does not already exist.
func (s *Service) EnsurePermission(ctx context.Context, p Permission) (Permission, error) {
	if p.PermID.Resource == "" || (p.PermID.Action == "" && !p.PermID.IsWildcard()) {
		return Permission{}, errors.New("rbac: permission resource and action required")
	}
	if !p.Category.Valid() {
		return Permission{}, fmt.Errorf("rbac: invalid permission category %q", p.Category)
	}
	if p.Name == "" {
		p.Name = titleCaser.String(p.PermID.Resource + " " + p.PermID.Action)
	}
	created, err := s.repo.CreatePermission(ctx, p)
	if errors.Is(err, ErrDuplicate) {
		perms, listErr := s.repo.ListPermissions(ctx)
		if listErr != nil {
			return Permission{}, listErr
		}
		for _, existing := range perms {
			if existing.PermID == p.PermID {
				return existing, nil
			}
		}
		return Permission{}, err
	}
	return created, err
}

// DeactivatePermission soft-deletes a permission. The record stays for
// audit history and existing role references.
func (s *Service) DeactivatePermission(ctx context.Context, id int64) error {
	return s.repo.DeactivatePermission(ctx, id)
}

// SetRolePermissions replaces the permission set of a role by diffing the
// current assignments against the requested set.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	existing := make(map[int64]struct{}, len(role.PermissionIDs))
	for _, id := range role.PermissionIDs {
		existing[id] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	var attach []int64
	for _, id := range permissionIDs {
		keep[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			attach = append(attach, id)
		}
	}
	var detach []int64
	for _, id := range role.PermissionIDs {
		if _, ok := keep[id]; !ok {
			detach = append(detach, id)
		}
	}
	if len(attach) == 0 && len(detach) == 0 {
		return nil
	}
	return s.repo.ReplaceRolePermissions(ctx, roleID, attach, detach)
}

// AssignRole grants a role to a user, optionally time-bounded and
// condition-scoped.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, grantedBy int64, expiresAt *time.Time, conds []Condition) (Assignment, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return Assignment{}, err
	}
	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}
	if !exists {
		return Assignment{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if expiresAt != nil && expiresAt.Before(time.Now().UTC()) {
		return Assignment{}, errors.New("rbac: expiry must be in the future")
	}
	assigned, err := s.repo.Assign(ctx, Assignment{
		UserID:     userID,
		RoleID:     roleID,
		GrantedBy:  grantedBy,
		ExpiresAt:  expiresAt,
		Conditions: conds,
	})
	if err != nil {
		return Assignment{}, err
	}
	if s.onAssignment != nil {
		s.onAssignment(ctx, AssignmentEvent{UserID: userID, RoleID: roleID, Role: role.Name, Kind: "granted"})
	}
	return assigned, nil
}

// RevokeRole revokes an active assignment. The permissions disappear from
// the next resolution.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID int64) error {
	if err := s.repo.Revoke(ctx, userID, roleID); err != nil {
		return err
	}
	if s.onAssignment != nil {
		s.onAssignment(ctx, AssignmentEvent{UserID: userID, RoleID: roleID, Kind: "revoked"})
	}
	return nil
}

// EffectivePermissions resolves the deduplicated permission strings a user
// currently holds.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64, reqCtx RequestContext) ([]string, error) {
	resolved, err := s.resolver.Resolve(ctx, userID, reqCtx)
	if err != nil {
		return nil, err
	}
	return resolved.Effective, nil
}
