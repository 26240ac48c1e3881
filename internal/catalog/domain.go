// internal/catalog/domain.go
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bookledger/internal/circulation"
)

// Book is a catalog record. Available is owned by the circulation engine
// once the book is added.
type Book struct {
	ID        int64           `json:"id" db:"id"`
	Title     string          `json:"title" db:"title"`
	Author    string          `json:"author" db:"author"`
	ISBN      string          `json:"isbn" db:"isbn"`
	Pages     int             `json:"pages" db:"pages"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Category  string          `json:"category" db:"category"`
	Quantity  int             `json:"quantity" db:"quantity"`
	Available int             `json:"available" db:"available"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ErrDuplicateBook is returned when the ISBN or the title is already taken.
var ErrDuplicateBook = fmt.Errorf("%w: book with this ISBN or title already exists", circulation.ErrValidation)

// Repository persists catalog records.
type Repository interface {
	// CreateBook stores b and sets its ID and CreatedAt.
	CreateBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, id int64) (*Book, error)
}

// NormalizeISBN strips separators and checks that 13 digits remain.
func NormalizeISBN(isbn string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(isbn))
	if len(digits) != 13 {
		return "", fmt.Errorf("%w: ISBN must have 13 digits, got %q", circulation.ErrValidation, isbn)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: ISBN must be numeric, got %q", circulation.ErrValidation, isbn)
		}
	}
	return digits, nil
}
