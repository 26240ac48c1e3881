// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookledger/internal/circulation"
)

// service implements the Service interface.
type service struct {
	repo   Repository
	logger *slog.Logger
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		repo:   repo,
		logger: logger.With(slog.String("component", "catalog")),
		tracer: otel.Tracer("bookledger/catalog"),
	}
}

// AddBook validates and stores a new book with every copy available.
func (s *service) AddBook(ctx context.Context, in NewBook) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book")
	defer span.End()

	isbn, err := NormalizeISBN(in.ISBN)
	if err != nil {
		return nil, err
	}
	for _, f := range [...]struct{ name, value string }{
		{"title", in.Title}, {"author", in.Author}, {"category", in.Category},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, fmt.Errorf("%w: %s is required", circulation.ErrValidation, f.name)
		}
	}
	if in.Quantity < 0 || in.Pages < 0 || in.Price.IsNegative() {
		return nil, fmt.Errorf("%w: quantity, pages and price must not be negative", circulation.ErrValidation)
	}

	b := &Book{
		Title:     strings.TrimSpace(in.Title),
		Author:    strings.TrimSpace(in.Author),
		ISBN:      isbn,
		Pages:     in.Pages,
		Price:     in.Price.Round(2),
		Category:  strings.TrimSpace(in.Category),
		Quantity:  in.Quantity,
		Available: in.Quantity,
	}
	if err := s.repo.CreateBook(ctx, b); err != nil {
		return nil, fmt.Errorf("add book %q: %w", b.Title, err)
	}

	span.SetAttributes(attribute.Int64("book.id", b.ID))
	s.logger.InfoContext(ctx, "book added", slog.Int64("book_id", b.ID), slog.String("isbn", b.ISBN))
	return b, nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id int64) (*Book, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: book id must be positive", circulation.ErrValidation)
	}
	return s.repo.GetBook(ctx, id)
}
