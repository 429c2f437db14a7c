package users

import (
	"time"

	"github.com/varsity-erp/varsity-erp/internal/rbac"
)

// User represents a user account for management.
type User struct {
	ID         int64
	Email      string
	Name       string
	CoarseRole rbac.CoarseRole
	Department string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
