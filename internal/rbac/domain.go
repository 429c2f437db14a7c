package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// WildcardPermission authorizes every check when present in an effective set.
const WildcardPermission = "*"

// PermID identifies a permission as a resource plus action pair.
// The string form ("grades:update") appears only at storage and wire
// boundaries; code constructs PermIDs, not bare strings.
type PermID struct {
	Resource string
	Action   string
}

// String renders the canonical resource:action form.
func (p PermID) String() string {
	if p.Resource == WildcardPermission && p.Action == "" {
		return WildcardPermission
	}
	return p.Resource + ":" + p.Action
}

// IsWildcard reports whether the identifier is the global wildcard.
func (p PermID) IsWildcard() bool {
	return p.Resource == WildcardPermission && p.Action == ""
}

// Wildcard is the identifier matching every permission check.
var Wildcard = PermID{Resource: WildcardPermission}

// ParsePermID parses the canonical resource:action form.
func ParsePermID(s string) (PermID, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == WildcardPermission {
		return Wildcard, nil
	}
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" {
		return PermID{}, fmt.Errorf("rbac: invalid permission id %q", s)
	}
	return PermID{Resource: resource, Action: action}, nil
}

// Perm builds a PermID from its parts.
func Perm(resource, action string) PermID {
	return PermID{Resource: strings.ToLower(resource), Action: strings.ToLower(action)}
}

// Category classifies permissions into a closed set.
type Category string

// Permission categories.
const (
	CategoryAcademic       Category = "academic"
	CategoryAdministrative Category = "administrative"
	CategorySystem         Category = "system"
	CategoryReporting      Category = "reporting"
	CategoryFinancial      Category = "financial"
	CategoryCommunication  Category = "communication"
)

// Categories lists every valid permission category.
func Categories() []Category {
	return []Category{
		CategoryAcademic,
		CategoryAdministrative,
		CategorySystem,
		CategoryReporting,
		CategoryFinancial,
		CategoryCommunication,
	}
}

// Valid reports whether the category belongs to the closed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryAcademic, CategoryAdministrative, CategorySystem,
		CategoryReporting, CategoryFinancial, CategoryCommunication:
		return true
	}
	return false
}

// Permission represents an atomic capability. Deactivation is soft; a
// permission referenced by a role in active use is never hard deleted.
type Permission struct {
	ID          int64
	PermID      PermID
	Name        string
	Description string
	Category    Category
	IsActive    bool
	Conditions  []Condition
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role represents a named bundle of permissions with a hierarchy level.
// System roles are immutable through normal update paths; only seed or
// migration code may alter them.
type Role struct {
	ID            int64
	Name          string
	Description   string
	Category      Category
	Level         int
	IsSystem      bool
	IsActive      bool
	PermissionIDs []int64
	CreatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MinRoleLevel and MaxRoleLevel bound the role hierarchy.
const (
	MinRoleLevel = 1
	MaxRoleLevel = 10
)

// Assignment links a user to a role. An assignment with ExpiresAt in the
// past is inactive without requiring an explicit revoke.
type Assignment struct {
	ID         int64
	UserID     int64
	RoleID     int64
	GrantedBy  int64
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	Conditions []Condition
	IsActive   bool
	RevokedAt  *time.Time
}

// ActiveAt reports whether the assignment grants anything at the given time.
func (a Assignment) ActiveAt(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return false
	}
	return true
}

// UserPermissions is the resolved projection for one user. It is rebuilt on
// demand and cached with its own expiry; it is never the source of truth.
type UserPermissions struct {
	UserID      int64        `json:"user_id"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
	Effective   []string     `json:"effective_permissions"`
	LastUpdated time.Time    `json:"last_updated"`
	CacheExpiry time.Time    `json:"cache_expiry"`
}

// EffectiveSet returns the effective permissions as a membership set.
func (u *UserPermissions) EffectiveSet() map[string]struct{} {
	set := make(map[string]struct{}, len(u.Effective))
	for _, p := range u.Effective {
		set[p] = struct{}{}
	}
	return set
}

// HasWildcard reports whether the projection grants everything.
func (u *UserPermissions) HasWildcard() bool {
	for _, p := range u.Effective {
		if p == WildcardPermission {
			return true
		}
	}
	return false
}

// Expired reports whether the projection must be re-resolved.
func (u *UserPermissions) Expired(now time.Time) bool {
	return !now.Before(u.CacheExpiry)
}

// CoarseRole is the account-level role recorded on the user record itself,
// independent of RBAC assignments. It drives the minimal fallback permission
// set when the resolver backing store is unreachable.
type CoarseRole string

// Coarse account roles.
const (
	CoarseStudent CoarseRole = "student"
	CoarseStaff   CoarseRole = "staff"
	CoarseAdmin   CoarseRole = "admin"
)

// Valid reports whether the coarse role belongs to the closed set.
func (c CoarseRole) Valid() bool {
	switch c {
	case CoarseStudent, CoarseStaff, CoarseAdmin:
		return true
	}
	return false
}

// fallbackPermissions maps each coarse role to the minimal hard-coded grant
// applied when resolution is unavailable on initial load. The table is
// exhaustive over the closed CoarseRole set.
var fallbackPermissions = map[CoarseRole][]PermID{
	CoarseStudent: {
		Perm("courses", "read"),
		Perm("grades", "read"),
		Perm("payments", "read"),
		Perm("support", "create"),
	},
	CoarseStaff: {
		Perm("courses", "read"),
		Perm("grades", "read"),
		Perm("students", "read"),
		Perm("support", "create"),
	},
	CoarseAdmin: {
		Perm("courses", "read"),
		Perm("grades", "read"),
		Perm("students", "read"),
		Perm("users", "read"),
		Perm("support", "create"),
	},
}

// FallbackPermissions returns the minimal permission strings for a coarse
// account role. Unknown roles receive nothing.
func FallbackPermissions(role CoarseRole) []string {
	ids, ok := fallbackPermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Admin role names recognised by convenience checks.
const (
	RoleNameAdmin       = "admin"
	RoleNameSystemAdmin = "system_admin"

	// AdminRoleLevel is the minimum hierarchy level treated as elevated.
	AdminRoleLevel = 8
)

// Sentinel errors for the rbac package.
var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("rbac: duplicate")
	// ErrSystemRole indicates an attempt to mutate a system role through a
	// normal update path.
	ErrSystemRole = errors.New("rbac: system role is immutable")
	// ErrRoleAssigned indicates an attempt to delete a role that still has
	// active assignments.
	ErrRoleAssigned = errors.New("rbac: role has active assignments")
	// ErrResolutionUnavailable indicates the permission backing store is
	// unreachable; callers fall back to the coarse-role minimal set.
	ErrResolutionUnavailable = errors.New("rbac: resolution unavailable")
	// ErrStaleCache signals internally that a background refresh failed and
	// the existing snapshot is being retained. Never user-visible.
	ErrStaleCache = errors.New("rbac: stale cache retained")
)

// dedupeSorted flattens permission strings into a deduplicated set with a
// stable order, so two resolutions of identical state compare equal.
func dedupeSorted(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
