package courses

import (
	"context"
	"strings"
)

// RepositoryPort defines data access methods for courses.
type RepositoryPort interface {
	ListCourses(ctx context.Context, department string) ([]Course, error)
	GetCourse(ctx context.Context, id int64) (Course, error)
}

// Service handles course catalog logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListCourses returns active catalog entries.
func (s *Service) ListCourses(ctx context.Context, department string) ([]Course, error) {
	return s.repo.ListCourses(ctx, strings.TrimSpace(department))
}

// GetCourse returns one catalog entry.
func (s *Service) GetCourse(ctx context.Context, id int64) (Course, error) {
	return s.repo.GetCourse(ctx, id)
}
