package memory

import (
	"context"
	"fmt"
	"strings"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/roster"
)

// Catalog returns the catalog repository backed by s.
func (s *Store) Catalog() catalog.Repository { return catalogRepo{s} }

// Roster returns the roster repository backed by s.
func (s *Store) Roster() roster.Repository { return rosterRepo{s} }

type catalogRepo struct{ s *Store }

func (r catalogRepo) CreateBook(_ context.Context, b *catalog.Book) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, other := range r.s.st.books {
		if other.ISBN == b.ISBN || strings.EqualFold(other.Title, b.Title) {
			return catalog.ErrDuplicateBook
		}
	}
	r.s.st.lastBookID++
	b.ID = r.s.st.lastBookID
	b.CreatedAt = r.s.now()
	r.s.st.books[b.ID] = *b
	return nil
}

func (r catalogRepo) GetBook(_ context.Context, id int64) (*catalog.Book, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.st.books[id]
	if !ok {
		return nil, fmt.Errorf("book %d: %w", id, circulation.ErrNotFound)
	}
	return &b, nil
}

type rosterRepo struct{ s *Store }

func (r rosterRepo) CreateStudent(_ context.Context, st *roster.Student) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, other := range r.s.st.students {
		if other.RegistrationNo == st.RegistrationNo {
			return roster.ErrDuplicateRegistration
		}
	}
	r.s.st.lastStudentID++
	st.ID = r.s.st.lastStudentID
	st.CreatedAt = r.s.now()
	r.s.st.students[st.ID] = *st
	return nil
}

func (r rosterRepo) GetStudent(_ context.Context, id int64) (*roster.Student, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.st.students[id]
	if !ok {
		return nil, fmt.Errorf("student %d: %w", id, circulation.ErrNotFound)
	}
	return &st, nil
}
