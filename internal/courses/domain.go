package courses

import "time"

// Course represents a catalog entry in the course register.
type Course struct {
	ID         int64     `json:"id"`
	Code       string    `json:"code"`
	Title      string    `json:"title"`
	Department string    `json:"department"`
	Credits    int       `json:"credits"`
	Semester   string    `json:"semester"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
