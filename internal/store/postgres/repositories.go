package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"bookledger/internal/catalog"
	"bookledger/internal/roster"
)

// Catalog returns the catalog repository backed by s.
func (s *Store) Catalog() catalog.Repository { return catalogRepo{db: s.db} }

// Roster returns the roster repository backed by s.
func (s *Store) Roster() roster.Repository { return rosterRepo{db: s.db} }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type catalogRepo struct{ db *sqlx.DB }

func (r catalogRepo) CreateBook(ctx context.Context, b *catalog.Book) error {
	query, args, err := dialect.Insert("books").Rows(goqu.Record{
		"title":     b.Title,
		"author":    b.Author,
		"isbn":      b.ISBN,
		"pages":     b.Pages,
		"price":     b.Price.String(),
		"category":  b.Category,
		"quantity":  b.Quantity,
		"available": b.Available,
	}).Returning("id", "created_at").Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build book insert: %w", err)
	}

	row := r.db.QueryRowxContext(ctx, query, args...)
	if err := row.Scan(&b.ID, &b.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return catalog.ErrDuplicateBook
		}
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (r catalogRepo) GetBook(ctx context.Context, id int64) (*catalog.Book, error) {
	query, args, err := dialect.From("books").
		Select("id", "title", "author", "isbn", "pages", "price", "category", "quantity", "available", "created_at").
		Where(goqu.C("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build book query: %w", err)
	}
	var b catalog.Book
	if err := r.db.GetContext(ctx, &b, query, args...); err != nil {
		return nil, notFound(err, "book", id)
	}
	return &b, nil
}

type rosterRepo struct{ db *sqlx.DB }

func (r rosterRepo) CreateStudent(ctx context.Context, s *roster.Student) error {
	query, args, err := dialect.Insert("students").Rows(goqu.Record{
		"registration_no": s.RegistrationNo,
		"name":            s.Name,
		"email":           s.Email,
		"phone":           s.Phone,
	}).Returning("id", "created_at").Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build student insert: %w", err)
	}

	row := r.db.QueryRowxContext(ctx, query, args...)
	if err := row.Scan(&s.ID, &s.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return roster.ErrDuplicateRegistration
		}
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

func (r rosterRepo) GetStudent(ctx context.Context, id int64) (*roster.Student, error) {
	query, args, err := dialect.From("students").
		Select("id", "registration_no", "name", "email", "phone", "borrowed_books", "fine_amount", "created_at").
		Where(goqu.C("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build student query: %w", err)
	}
	var s roster.Student
	if err := r.db.GetContext(ctx, &s, query, args...); err != nil {
		return nil, notFound(err, "student", id)
	}
	return &s, nil
}
