package courses

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/varsity-erp/varsity-erp/internal/shared"
)

type memoryCourseRepo struct {
	courses map[int64]Course
}

func (r *memoryCourseRepo) ListCourses(ctx context.Context, department string) ([]Course, error) {
	var out []Course
	for _, c := range r.courses {
		if !c.IsActive {
			continue
		}
		if department != "" && c.Department != department {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *memoryCourseRepo) GetCourse(ctx context.Context, id int64) (Course, error) {
	c, ok := r.courses[id]
	if !ok {
		return Course{}, shared.ErrNotFound
	}
	return c, nil
}

var _ RepositoryPort = (*memoryCourseRepo)(nil)

func TestListCoursesFiltersByDepartment(t *testing.T) {
	repo := &memoryCourseRepo{courses: map[int64]Course{
		1: {ID: 1, Code: "CS101", Department: "computer-science", IsActive: true},
		2: {ID: 2, Code: "MATH201", Department: "mathematics", IsActive: true},
		3: {ID: 3, Code: "CS999", Department: "computer-science", IsActive: false},
	}}
	svc := NewService(repo)

	all, err := svc.ListCourses(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	cs, err := svc.ListCourses(context.Background(), " computer-science ")
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, "CS101", cs[0].Code)
}

func TestGetCourseNotFound(t *testing.T) {
	svc := NewService(&memoryCourseRepo{courses: map[int64]Course{}})

	_, err := svc.GetCourse(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
