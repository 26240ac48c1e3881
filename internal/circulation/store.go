// internal/circulation/store.go
package circulation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bookledger/pkg/eventstore"
)

// Store is the persistence the engine runs against. Point reads outside
// WithinTx see the latest committed state.
type Store interface {
	// WithinTx runs fn as one serializable unit of work. If fn returns an
	// error, or ctx is done before commit, nothing fn wrote is kept. Store
	// contention is reported as an error wrapping ErrTransient.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBook(ctx context.Context, id int64) (*Book, error)
	GetStudent(ctx context.Context, id int64) (*Student, error)
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	LoadEvents(ctx context.Context, stream string) ([]eventstore.Event, error)
}

// TransactionFilter narrows ListTransactions. Zero fields do not constrain.
// Results are ordered by id.
type TransactionFilter struct {
	StudentID int64
	Status    Status
	DueBefore time.Time
}

// Matches reports whether t passes the filter.
func (f TransactionFilter) Matches(t *Transaction) bool {
	if f.StudentID != 0 && t.StudentID != f.StudentID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.DueBefore.IsZero() && !t.DueAt.Before(f.DueBefore) {
		return false
	}
	return true
}

// Tx is the view of the store inside a unit of work. Lock methods take a
// write lock on the row that is held until the unit ends, and return
// ErrNotFound for missing rows.
type Tx interface {
	LockStudent(ctx context.Context, id int64) (*Student, error)
	LockBook(ctx context.Context, id int64) (*Book, error)
	LockTransaction(ctx context.Context, id int64) (*Transaction, error)
	OpenTransactions(ctx context.Context, studentID int64) ([]*Transaction, error)

	// NextTransactionSeq draws from a monotonic sequence. Numbers are unique
	// even across rolled back units, which may leave gaps.
	NextTransactionSeq(ctx context.Context) (int64, error)
	// InsertTransaction stores t and sets t.ID. A second open transaction for
	// the same student and book is refused with ReasonDuplicateBorrow.
	InsertTransaction(ctx context.Context, t *Transaction) error
	// SettleTransaction persists the return fields of t.
	SettleTransaction(ctx context.Context, t *Transaction) error

	// UpdateBookAvailable adds delta to available. It is refused with
	// ReasonUnavailable if the result would drop below zero and fails if it
	// would exceed the quantity.
	UpdateBookAvailable(ctx context.Context, id int64, delta int) error
	// UpdateStudentCounters adds the deltas to borrowed_books and
	// fine_amount. borrowed_books never goes negative.
	UpdateStudentCounters(ctx context.Context, id int64, borrowedDelta int, fineDelta decimal.Decimal) error

	AppendEvents(ctx context.Context, stream string, expectedVersion int, events []eventstore.Event) error
}

// InvariantReport counts rows breaking the ledger invariants.
type InvariantReport struct {
	BooksOutOfRange    int `json:"books_out_of_range" db:"books_out_of_range"`
	StudentsMiscounted int `json:"students_miscounted" db:"students_miscounted"`
	DuplicateOpenPairs int `json:"duplicate_open_pairs" db:"duplicate_open_pairs"`
}

// Violations is the total number of broken rows.
func (r InvariantReport) Violations() int {
	return r.BooksOutOfRange + r.StudentsMiscounted + r.DuplicateOpenPairs
}

// InvariantChecker is implemented by stores that can audit their own state.
type InvariantChecker interface {
	CheckInvariants(ctx context.Context) (InvariantReport, error)
}
