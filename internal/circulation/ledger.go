package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookledger/pkg/eventstore"
)

// Ledger owns the lifecycle of borrow transactions and keeps the book and
// student counters in step with them.
type Ledger struct {
	policy Policy
}

func NewLedger(p Policy) *Ledger {
	return &Ledger{policy: p}
}

// Open records a new borrow of b by s at now. It must run in the same unit of
// work that checked eligibility. The transaction row, both counter updates and
// the journal entry are written together; s and b are updated to reflect the
// new counters.
func (l *Ledger) Open(ctx context.Context, tx Tx, s *Student, b *Book, now time.Time, correlationID uuid.UUID) (*Transaction, error) {
	seq, err := tx.NextTransactionSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("next transaction sequence: %w", err)
	}

	t := &Transaction{
		Code:       FormatTransactionCode(seq),
		StudentID:  s.ID,
		BookID:     b.ID,
		BorrowedAt: now,
		DueAt:      now.Add(l.policy.LoanPeriod),
		Status:     StatusBorrowed,
		FineAmount: decimal.Zero,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert transaction %s: %w", t.Code, err)
	}
	if err := tx.UpdateBookAvailable(ctx, b.ID, -1); err != nil {
		return nil, fmt.Errorf("reserve copy of book %d: %w", b.ID, err)
	}
	if err := tx.UpdateStudentCounters(ctx, s.ID, 1, decimal.Zero); err != nil {
		return nil, fmt.Errorf("count borrow for student %d: %w", s.ID, err)
	}

	ev, err := eventstore.NewEvent(EventTransactionOpened, TransactionOpened{
		Code:          t.Code,
		StudentID:     t.StudentID,
		BookID:        t.BookID,
		BorrowedAt:    t.BorrowedAt,
		DueAt:         t.DueAt,
		CorrelationID: correlationID,
	}, map[string]interface{}{"correlation_id": correlationID.String()})
	if err != nil {
		return nil, err
	}
	if err := tx.AppendEvents(ctx, StreamName(t.Code), 0, []eventstore.Event{ev}); err != nil {
		return nil, fmt.Errorf("journal %s: %w", t.Code, err)
	}

	b.Available--
	s.BorrowedBooks++
	return t, nil
}

// FindOpen returns the open transaction for bookID among open, or nil.
func FindOpen(open []*Transaction, bookID int64) *Transaction {
	for _, t := range open {
		if t.BookID == bookID && t.Open() {
			return t
		}
	}
	return nil
}

// FindOpenTransaction looks up the open transaction for a student and book
// inside a unit of work.
func (l *Ledger) FindOpenTransaction(ctx context.Context, tx Tx, studentID, bookID int64) (*Transaction, error) {
	open, err := tx.OpenTransactions(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return FindOpen(open, bookID), nil
}

// ListOpenTransactions returns the student's open transactions.
func (l *Ledger) ListOpenTransactions(ctx context.Context, store Store, studentID int64) ([]*Transaction, error) {
	return store.ListTransactions(ctx, TransactionFilter{StudentID: studentID, Status: StatusBorrowed})
}

// GetTransaction returns the transaction with the given id or ErrNotFound.
func (l *Ledger) GetTransaction(ctx context.Context, store Store, id int64) (*Transaction, error) {
	return store.GetTransaction(ctx, id)
}
