package courses

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/varsity-erp/varsity-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const courseColumns = `id, code, title, department, credits, semester, is_active, created_at, updated_at`

// ListCourses returns active courses, optionally filtered by department.
func (r *Repository) ListCourses(ctx context.Context, department string) ([]Course, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+courseColumns+` FROM courses
		WHERE is_active = TRUE AND ($1 = '' OR department = $1)
		ORDER BY code`, department)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Code, &c.Title, &c.Department, &c.Credits, &c.Semester, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCourse fetches one course by ID.
func (r *Repository) GetCourse(ctx context.Context, id int64) (Course, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id)
	var c Course
	if err := row.Scan(&c.ID, &c.Code, &c.Title, &c.Department, &c.Credits, &c.Semester, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Course{}, shared.ErrNotFound
		}
		return Course{}, err
	}
	return c, nil
}
