// Package memory is an in-process store for the circulation engine, the
// catalog and the roster. A single writer lock serializes units of work; each
// unit runs against a private copy of the state that replaces the shared one
// only when the unit succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/roster"
	"bookledger/pkg/eventstore"
)

type state struct {
	books    map[int64]catalog.Book
	students map[int64]roster.Student
	txns     map[int64]circulation.Transaction
	journal  *eventstore.Memory

	lastBookID    int64
	lastStudentID int64
	lastTxnID     int64
}

func (st *state) clone() *state {
	cp := &state{
		books:         make(map[int64]catalog.Book, len(st.books)),
		students:      make(map[int64]roster.Student, len(st.students)),
		txns:          make(map[int64]circulation.Transaction, len(st.txns)),
		journal:       st.journal.Clone(),
		lastBookID:    st.lastBookID,
		lastStudentID: st.lastStudentID,
		lastTxnID:     st.lastTxnID,
	}
	for k, v := range st.books {
		cp.books[k] = v
	}
	for k, v := range st.students {
		cp.students[k] = v
	}
	for k, v := range st.txns {
		cp.txns[k] = v
	}
	return cp
}

// Store keeps everything in memory. The zero value is not usable; call New.
type Store struct {
	mu  sync.Mutex
	st  *state
	seq atomic.Int64
	now func() time.Time
}

var (
	_ circulation.Store          = (*Store)(nil)
	_ circulation.InvariantChecker = (*Store)(nil)
)

func New() *Store {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

// NewWithClock uses now for creation timestamps.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		st: &state{
			books:    make(map[int64]catalog.Book),
			students: make(map[int64]roster.Student),
			txns:     make(map[int64]circulation.Transaction),
			journal:  eventstore.NewMemory(now),
		},
		now: now,
	}
}

// WithinTx runs fn against a copy of the state and publishes the copy only if
// fn succeeds and ctx is still live.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, circulation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work, store: s}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) GetBook(_ context.Context, id int64) (*circulation.Book, error) {
	var out *circulation.Book
	err := s.read(func(st *state) (err error) {
		out, err = st.book(id)
		return err
	})
	return out, err
}

func (s *Store) GetStudent(_ context.Context, id int64) (*circulation.Student, error) {
	var out *circulation.Student
	err := s.read(func(st *state) (err error) {
		out, err = st.student(id)
		return err
	})
	return out, err
}

func (s *Store) GetTransaction(_ context.Context, id int64) (*circulation.Transaction, error) {
	var out *circulation.Transaction
	err := s.read(func(st *state) (err error) {
		out, err = st.transaction(id)
		return err
	})
	return out, err
}

func (s *Store) ListTransactions(_ context.Context, f circulation.TransactionFilter) ([]*circulation.Transaction, error) {
	var out []*circulation.Transaction
	err := s.read(func(st *state) error {
		out = st.list(f)
		return nil
	})
	return out, err
}

func (s *Store) LoadEvents(_ context.Context, stream string) ([]eventstore.Event, error) {
	var out []eventstore.Event
	err := s.read(func(st *state) error {
		out = st.journal.LoadEvents(stream, 0, 0)
		return nil
	})
	return out, err
}

// CheckInvariants audits the committed state.
func (s *Store) CheckInvariants(_ context.Context) (circulation.InvariantReport, error) {
	var r circulation.InvariantReport
	err := s.read(func(st *state) error {
		for _, b := range st.books {
			if b.Available < 0 || b.Available > b.Quantity {
				r.BooksOutOfRange++
			}
		}
		open := make(map[int64]int)
		pairs := make(map[[2]int64]int)
		for _, t := range st.txns {
			if t.Open() {
				open[t.StudentID]++
				pairs[[2]int64{t.StudentID, t.BookID}]++
			}
		}
		for id, stu := range st.students {
			if stu.BorrowedBooks != open[id] {
				r.StudentsMiscounted++
			}
		}
		for _, n := range pairs {
			if n > 1 {
				r.DuplicateOpenPairs++
			}
		}
		return nil
	})
	return r, err
}

func (st *state) book(id int64) (*circulation.Book, error) {
	b, ok := st.books[id]
	if !ok {
		return nil, fmt.Errorf("book %d: %w", id, circulation.ErrNotFound)
	}
	return &circulation.Book{ID: b.ID, Title: b.Title, Author: b.Author, Quantity: b.Quantity, Available: b.Available}, nil
}

func (st *state) student(id int64) (*circulation.Student, error) {
	s, ok := st.students[id]
	if !ok {
		return nil, fmt.Errorf("student %d: %w", id, circulation.ErrNotFound)
	}
	return &circulation.Student{
		ID:             s.ID,
		RegistrationNo: s.RegistrationNo,
		Name:           s.Name,
		BorrowedBooks:  s.BorrowedBooks,
		FineAmount:     s.FineAmount,
	}, nil
}

func (st *state) transaction(id int64) (*circulation.Transaction, error) {
	t, ok := st.txns[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, circulation.ErrNotFound)
	}
	return &t, nil
}

func (st *state) list(f circulation.TransactionFilter) []*circulation.Transaction {
	var out []*circulation.Transaction
	for _, t := range st.txns {
		if f.Matches(&t) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type tx struct {
	st    *state
	store *Store
}

func (t *tx) LockStudent(_ context.Context, id int64) (*circulation.Student, error) {
	return t.st.student(id)
}

func (t *tx) LockBook(_ context.Context, id int64) (*circulation.Book, error) {
	return t.st.book(id)
}

func (t *tx) LockTransaction(_ context.Context, id int64) (*circulation.Transaction, error) {
	return t.st.transaction(id)
}

func (t *tx) OpenTransactions(_ context.Context, studentID int64) ([]*circulation.Transaction, error) {
	return t.st.list(circulation.TransactionFilter{StudentID: studentID, Status: circulation.StatusBorrowed}), nil
}

func (t *tx) NextTransactionSeq(_ context.Context) (int64, error) {
	return t.store.seq.Add(1), nil
}

func (t *tx) InsertTransaction(_ context.Context, txn *circulation.Transaction) error {
	if txn.Open() {
		for _, other := range t.st.txns {
			if other.Open() && other.StudentID == txn.StudentID && other.BookID == txn.BookID {
				return circulation.Deny(circulation.ReasonDuplicateBorrow, "open transaction %s", other.Code)
			}
		}
	}
	t.st.lastTxnID++
	txn.ID = t.st.lastTxnID
	t.st.txns[txn.ID] = *txn
	return nil
}

func (t *tx) SettleTransaction(_ context.Context, txn *circulation.Transaction) error {
	cur, ok := t.st.txns[txn.ID]
	if !ok {
		return fmt.Errorf("transaction %d: %w", txn.ID, circulation.ErrNotFound)
	}
	cur.Status = txn.Status
	cur.ReturnedAt = txn.ReturnedAt
	cur.FineAmount = txn.FineAmount
	t.st.txns[txn.ID] = cur
	return nil
}

func (t *tx) UpdateBookAvailable(_ context.Context, id int64, delta int) error {
	b, ok := t.st.books[id]
	if !ok {
		return fmt.Errorf("book %d: %w", id, circulation.ErrNotFound)
	}
	next := b.Available + delta
	if next < 0 {
		return circulation.Deny(circulation.ReasonUnavailable, "book %d has no copies left", id)
	}
	if next > b.Quantity {
		return fmt.Errorf("book %d: available %d would exceed quantity %d", id, next, b.Quantity)
	}
	b.Available = next
	t.st.books[id] = b
	return nil
}

func (t *tx) UpdateStudentCounters(_ context.Context, id int64, borrowedDelta int, fineDelta decimal.Decimal) error {
	s, ok := t.st.students[id]
	if !ok {
		return fmt.Errorf("student %d: %w", id, circulation.ErrNotFound)
	}
	if s.BorrowedBooks+borrowedDelta < 0 {
		return fmt.Errorf("student %d: borrowed books would go negative", id)
	}
	s.BorrowedBooks += borrowedDelta
	s.FineAmount = s.FineAmount.Add(fineDelta)
	t.st.students[id] = s
	return nil
}

func (t *tx) AppendEvents(_ context.Context, stream string, expectedVersion int, events []eventstore.Event) error {
	if err := t.st.journal.AppendEvents(stream, expectedVersion, events); err != nil {
		return fmt.Errorf("%w: %w", circulation.ErrTransient, err)
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
