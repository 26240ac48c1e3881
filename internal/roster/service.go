// internal/roster/service.go
package roster

import "context"

// NewStudent is the input for RegisterStudent.
type NewStudent struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Service defines the interface for the roster service.
type Service interface {
	RegisterStudent(ctx context.Context, in NewStudent) (*Student, error)
	GetStudent(ctx context.Context, id int64) (*Student, error)
}
