package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a resolved projection stays fresh. It matches
// the session cache TTL so both sides expire together.
const DefaultCacheTTL = 5 * time.Minute

// Resolver computes the UserPermissions projection for a user.
type Resolver struct {
	repo  RepositoryPort
	ttl   time.Duration
	group singleflight.Group
	clock func() time.Time
}

// NewResolver constructs a Resolver with the given snapshot TTL.
func NewResolver(repo RepositoryPort, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		repo: repo,
		ttl:  ttl,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// TTL exposes the configured snapshot lifetime.
func (r *Resolver) TTL() time.Duration {
	return r.ttl
}

// Resolve computes the flattened permission set the user currently holds.
// Unknown users fail with ErrNotFound; a storage failure is reported as
// ErrResolutionUnavailable so callers can apply the coarse-role fallback.
//
// Concurrent resolves for the same user collapse into a single fetch.
func (r *Resolver) Resolve(ctx context.Context, userID int64, reqCtx RequestContext) (*UserPermissions, error) {
	ch := r.group.DoChan(flightKey(userID, reqCtx), func() (interface{}, error) {
		return r.resolve(ctx, userID, reqCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*UserPermissions), nil
	}
}

// flightKey scopes the singleflight collapse to every request attribute
// conditions can distinguish, so resolves from different departments,
// semesters or client addresses never share a result.
func flightKey(userID int64, reqCtx RequestContext) string {
	return fmt.Sprintf("%d|%s|%s|%s", userID, reqCtx.Department, reqCtx.Semester, reqCtx.IP)
}

func (r *Resolver) resolve(ctx context.Context, userID int64, reqCtx RequestContext) (*UserPermissions, error) {
	now := r.clock()
	if reqCtx.Now.IsZero() {
		reqCtx.Now = now
	}

	exists, err := r.repo.UserExists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}

	assignments, err := r.repo.ListAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}

	var (
		roleIDs []int64
		// assignment conditions narrow every permission the role carries
		assignmentConds = make(map[int64][]Condition)
	)
	for _, a := range assignments {
		if !a.ActiveAt(now) {
			continue
		}
		if !EvaluateConditions(a.Conditions, reqCtx) {
			continue
		}
		roleIDs = append(roleIDs, a.RoleID)
		assignmentConds[a.RoleID] = a.Conditions
	}

	roles, err := r.repo.GetRolesByIDs(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}

	var (
		activeRoles []Role
		permIDs     []int64
	)
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		activeRoles = append(activeRoles, role)
		permIDs = append(permIDs, role.PermissionIDs...)
	}

	perms, err := r.repo.GetPermissionsByIDs(ctx, permIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}

	var (
		activePerms []Permission
		effective   []string
	)
	for _, p := range perms {
		if !p.IsActive {
			continue
		}
		// Deny wins: a failing condition removes this permission only.
		if !EvaluateConditions(p.Conditions, reqCtx) {
			continue
		}
		activePerms = append(activePerms, p)
		effective = append(effective, p.PermID.String())
	}

	return &UserPermissions{
		UserID:      userID,
		Roles:       activeRoles,
		Permissions: activePerms,
		Effective:   dedupeSorted(effective),
		LastUpdated: now,
		CacheExpiry: now.Add(r.ttl),
	}, nil
}

// Fallback builds the minimal hard-coded projection for a coarse account
// role. Used when the backing store is unreachable on the initial resolve:
// better a small known-safe grant than locking the user out entirely.
func (r *Resolver) Fallback(userID int64, coarse CoarseRole) *UserPermissions {
	now := r.clock()
	return &UserPermissions{
		UserID:      userID,
		Effective:   dedupeSorted(FallbackPermissions(coarse)),
		LastUpdated: now,
		CacheExpiry: now.Add(r.ttl),
	}
}

// IsUnavailable reports whether the error signals a reachable-store failure
// rather than a bad request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrResolutionUnavailable)
}
