// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/shopspring/decimal"
)

// NewBook is the input for AddBook.
type NewBook struct {
	Title    string          `json:"title"`
	Author   string          `json:"author"`
	ISBN     string          `json:"isbn"`
	Pages    int             `json:"pages"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
	Quantity int             `json:"quantity"`
}

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, in NewBook) (*Book, error)
	GetBook(ctx context.Context, id int64) (*Book, error)
}
