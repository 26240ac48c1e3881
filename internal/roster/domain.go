// internal/roster/domain.go
package roster

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Student represents a registered borrower. BorrowedBooks and FineAmount are
// maintained by the circulation engine.
type Student struct {
	ID             int64           `json:"id" db:"id"`
	RegistrationNo string          `json:"registration_no" db:"registration_no"`
	Name           string          `json:"name" db:"name"`
	Email          string          `json:"email,omitempty" db:"email"`
	Phone          string          `json:"phone,omitempty" db:"phone"`
	BorrowedBooks  int             `json:"borrowed_books" db:"borrowed_books"`
	FineAmount     decimal.Decimal `json:"fine_amount" db:"fine_amount"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

var (
	// ErrDuplicateRegistration is returned by repositories when the
	// registration number is already taken.
	ErrDuplicateRegistration = errors.New("registration number already taken")
	ErrRateLimited           = errors.New("registration rate limit exceeded")
)

// Repository persists students.
type Repository interface {
	// CreateStudent stores s and sets its ID and CreatedAt.
	CreateStudent(ctx context.Context, s *Student) error
	GetStudent(ctx context.Context, id int64) (*Student, error)
}
