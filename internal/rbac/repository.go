package rbac

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/varsity-erp/varsity-erp/internal/platform/db"
)

// RepositoryPort defines data access for permissions, roles and assignments.
type RepositoryPort interface {
	UserExists(ctx context.Context, userID int64) (bool, error)

	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	DeactivatePermission(ctx context.Context, id int64) error

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRolesByIDs(ctx context.Context, ids []int64) ([]Role, error)
	CreateRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, r Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	CountActiveAssignments(ctx context.Context, roleID int64) (int64, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermission(ctx context.Context, roleID, permissionID int64) error
	ReplaceRolePermissions(ctx context.Context, roleID int64, attach, detach []int64) error

	ListAssignmentsForUser(ctx context.Context, userID int64) ([]Assignment, error)
	Assign(ctx context.Context, a Assignment) (Assignment, error)
	Revoke(ctx context.Context, userID, roleID int64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

// UserExists reports whether the user account exists.
func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

const permissionColumns = `id, resource, action, name, description, category, is_active, conditions, created_at, updated_at`

// ListPermissions returns all permissions ordered by resource and action.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// GetPermissionsByIDs fetches permissions by primary key.
func (r *Repository) GetPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1) ORDER BY resource, action`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// CreatePermission inserts a new permission.
func (r *Repository) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	conds, err := marshalConditions(p.Conditions)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, name, description, category, is_active, conditions)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING `+permissionColumns,
		p.PermID.Resource, p.PermID.Action, p.Name, p.Description, string(p.Category), conds)
	perm, err := scanPermission(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Permission{}, ErrDuplicate
		}
		return Permission{}, err
	}
	return perm, nil
}

// DeactivatePermission flips the active flag. Permissions are never hard
// deleted so audit history stays intact.
func (r *Repository) DeactivatePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const roleColumns = `id, name, description, category, level, is_system, is_active, created_by, created_at, updated_at`

// ListRoles returns all roles ordered by level then name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, err
	}
	return r.attachPermissionIDs(ctx, roles)
}

// GetRole fetches a role by ID including its permission identifiers.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	roles, err := r.attachPermissionIDs(ctx, []Role{role})
	if err != nil {
		return Role{}, err
	}
	return roles[0], nil
}

// GetRolesByIDs fetches roles by primary key including permission identifiers.
func (r *Repository) GetRolesByIDs(ctx context.Context, ids []int64) ([]Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ANY($1) ORDER BY level DESC, name`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, err
	}
	return r.attachPermissionIDs(ctx, roles)
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, category, level, is_system, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING `+roleColumns,
		role.Name, role.Description, string(role.Category), role.Level, role.IsSystem, role.CreatedBy)
	created, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrDuplicate
		}
		return Role{}, err
	}
	return created, nil
}

// UpdateRole updates a non-system role.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE roles
		SET name = $2, description = $3, category = $4, level = $5, is_active = $6, updated_at = now()
		WHERE id = $1 AND is_system = FALSE
		RETURNING `+roleColumns,
		role.ID, role.Name, role.Description, string(role.Category), role.Level, role.IsActive)
	updated, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	roles, err := r.attachPermissionIDs(ctx, []Role{updated})
	if err != nil {
		return Role{}, err
	}
	return roles[0], nil
}

// DeleteRole removes a non-system role by ID.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = FALSE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveAssignments counts active, unexpired assignments of a role.
func (r *Repository) CountActiveAssignments(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM user_role_assignments
		WHERE role_id = $1 AND is_active = TRUE AND (expires_at IS NULL OR expires_at >= now())`, roleID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// AttachPermission adds a permission to a role.
func (r *Repository) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
		ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID)
	return err
}

// DetachPermission removes a permission from a role.
func (r *Repository) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return err
}

// ReplaceRolePermissions applies an attach/detach diff atomically, so a
// resolve running concurrently never observes a half-updated role.
func (r *Repository) ReplaceRolePermissions(ctx context.Context, roleID int64, attach, detach []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, id := range attach {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
				ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, id); err != nil {
				return err
			}
		}
		for _, id := range detach {
			if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

const assignmentColumns = `id, user_id, role_id, granted_by, granted_at, expires_at, conditions, is_active, revoked_at`

// ListAssignmentsForUser returns every assignment held by the user,
// including revoked and expired ones; the resolver filters.
func (r *Repository) ListAssignmentsForUser(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM user_role_assignments WHERE user_id = $1 ORDER BY granted_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Assign records a user-role grant.
func (r *Repository) Assign(ctx context.Context, a Assignment) (Assignment, error) {
	conds, err := marshalConditions(a.Conditions)
	if err != nil {
		return Assignment{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO user_role_assignments (user_id, role_id, granted_by, expires_at, conditions, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING `+assignmentColumns,
		a.UserID, a.RoleID, a.GrantedBy, a.ExpiresAt, conds)
	created, err := scanAssignment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Assignment{}, ErrDuplicate
		}
		return Assignment{}, err
	}
	return created, nil
}

// Revoke marks the active assignment inactive. The row is kept for audit.
func (r *Repository) Revoke(ctx context.Context, userID, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_role_assignments
		SET is_active = FALSE, revoked_at = now()
		WHERE user_id = $1 AND role_id = $2 AND is_active = TRUE`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) attachPermissionIDs(ctx context.Context, roles []Role) ([]Role, error) {
	if len(roles) == 0 {
		return roles, nil
	}
	ids := make([]int64, len(roles))
	index := make(map[int64]int, len(roles))
	for i, role := range roles {
		ids[i] = role.ID
		index[role.ID] = i
	}
	rows, err := r.pool.Query(ctx, `SELECT role_id, permission_id FROM role_permissions WHERE role_id = ANY($1) ORDER BY permission_id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var roleID, permID int64
		if err := rows.Scan(&roleID, &permID); err != nil {
			return nil, err
		}
		if i, ok := index[roleID]; ok {
			roles[i].PermissionIDs = append(roles[i].PermissionIDs, permID)
		}
	}
	return roles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (Permission, error) {
	var (
		p        Permission
		category string
		conds    []byte
	)
	if err := row.Scan(&p.ID, &p.PermID.Resource, &p.PermID.Action, &p.Name, &p.Description, &category, &p.IsActive, &conds, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Permission{}, err
	}
	p.Category = Category(category)
	if err := unmarshalConditions(conds, &p.Conditions); err != nil {
		return Permission{}, err
	}
	return p, nil
}

func scanPermissions(rows pgx.Rows) ([]Permission, error) {
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanRole(row rowScanner) (Role, error) {
	var (
		role     Role
		category string
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &category, &role.Level, &role.IsSystem, &role.IsActive, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	role.Category = Category(category)
	return role, nil
}

func scanRoles(rows pgx.Rows) ([]Role, error) {
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var (
		a     Assignment
		conds []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.GrantedBy, &a.GrantedAt, &a.ExpiresAt, &conds, &a.IsActive, &a.RevokedAt); err != nil {
		return Assignment{}, err
	}
	if err := unmarshalConditions(conds, &a.Conditions); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func marshalConditions(conds []Condition) ([]byte, error) {
	if len(conds) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(conds)
}

func unmarshalConditions(raw []byte, dest *[]Condition) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
