package auth

import (
	"time"

	"github.com/varsity-erp/varsity-erp/internal/rbac"
)

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	CoarseRole   rbac.CoarseRole
	Department   string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
