package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"bookledger/internal/circulation"
	"bookledger/pkg/eventstore"
)

var transactionColumns = []interface{}{
	"id", "code", "student_id", "book_id", "borrowed_at", "due_at", "returned_at", "status", "fine_amount",
}

func lockIf(ds *goqu.SelectDataset, lock bool) *goqu.SelectDataset {
	if lock {
		return ds.ForUpdate(exp.Wait)
	}
	return ds
}

func getBook(ctx context.Context, q sqlx.QueryerContext, id int64, lock bool) (*circulation.Book, error) {
	query, args, err := lockIf(dialect.From("books").
		Select("id", "title", "author", "quantity", "available").
		Where(goqu.C("id").Eq(id)), lock).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build book query: %w", err)
	}
	var b circulation.Book
	if err := sqlx.GetContext(ctx, q, &b, query, args...); err != nil {
		return nil, notFound(err, "book", id)
	}
	return &b, nil
}

func getStudent(ctx context.Context, q sqlx.QueryerContext, id int64, lock bool) (*circulation.Student, error) {
	query, args, err := lockIf(dialect.From("students").
		Select("id", "registration_no", "name", "borrowed_books", "fine_amount").
		Where(goqu.C("id").Eq(id)), lock).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build student query: %w", err)
	}
	var s circulation.Student
	if err := sqlx.GetContext(ctx, q, &s, query, args...); err != nil {
		return nil, notFound(err, "student", id)
	}
	return &s, nil
}

func getTransaction(ctx context.Context, q sqlx.QueryerContext, id int64, lock bool) (*circulation.Transaction, error) {
	query, args, err := lockIf(dialect.From("transactions").
		Select(transactionColumns...).
		Where(goqu.C("id").Eq(id)), lock).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build transaction query: %w", err)
	}
	var t circulation.Transaction
	if err := sqlx.GetContext(ctx, q, &t, query, args...); err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return &t, nil
}

func listTransactions(ctx context.Context, q sqlx.QueryerContext, f circulation.TransactionFilter) ([]*circulation.Transaction, error) {
	ds := dialect.From("transactions").Select(transactionColumns...).Order(goqu.C("id").Asc())
	if f.StudentID != 0 {
		ds = ds.Where(goqu.C("student_id").Eq(f.StudentID))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(f.Status)))
	}
	if !f.DueBefore.IsZero() {
		ds = ds.Where(goqu.C("due_at").Lt(f.DueBefore))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build transaction list: %w", err)
	}
	var out []*circulation.Transaction
	if err := sqlx.SelectContext(ctx, q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// tx implements circulation.Tx on a serializable transaction.
type tx struct {
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

func (t *tx) LockStudent(ctx context.Context, id int64) (*circulation.Student, error) {
	return getStudent(ctx, t.tx, id, true)
}

func (t *tx) LockBook(ctx context.Context, id int64) (*circulation.Book, error) {
	return getBook(ctx, t.tx, id, true)
}

func (t *tx) LockTransaction(ctx context.Context, id int64) (*circulation.Transaction, error) {
	return getTransaction(ctx, t.tx, id, true)
}

func (t *tx) OpenTransactions(ctx context.Context, studentID int64) ([]*circulation.Transaction, error) {
	return listTransactions(ctx, t.tx, circulation.TransactionFilter{StudentID: studentID, Status: circulation.StatusBorrowed})
}

func (t *tx) NextTransactionSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := t.tx.GetContext(ctx, &seq, `SELECT nextval('transaction_code_seq')`); err != nil {
		return 0, fmt.Errorf("draw transaction sequence: %w", err)
	}
	return seq, nil
}

func (t *tx) InsertTransaction(ctx context.Context, txn *circulation.Transaction) error {
	query, args, err := dialect.Insert("transactions").Rows(goqu.Record{
		"code":        txn.Code,
		"student_id":  txn.StudentID,
		"book_id":     txn.BookID,
		"borrowed_at": txn.BorrowedAt,
		"due_at":      txn.DueAt,
		"status":      string(txn.Status),
		"fine_amount": txn.FineAmount.String(),
	}).Returning("id").Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if err := t.tx.GetContext(ctx, &txn.ID, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "transactions_open_pair_idx" {
			return circulation.Deny(circulation.ReasonDuplicateBorrow, "student %d already holds book %d", txn.StudentID, txn.BookID)
		}
		return err
	}
	return nil
}

func (t *tx) SettleTransaction(ctx context.Context, txn *circulation.Transaction) error {
	var returnedAt interface{}
	if txn.ReturnedAt != nil {
		returnedAt = *txn.ReturnedAt
	}
	query, args, err := dialect.Update("transactions").Set(goqu.Record{
		"status":      string(txn.Status),
		"returned_at": returnedAt,
		"fine_amount": txn.FineAmount.String(),
	}).Where(goqu.C("id").Eq(txn.ID)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build settle: %w", err)
	}
	return t.execOne(ctx, query, args, "transaction", txn.ID)
}

func (t *tx) UpdateBookAvailable(ctx context.Context, id int64, delta int) error {
	query, args, err := dialect.Update("books").
		Set(goqu.Record{"available": goqu.L("available + ?", delta)}).
		Where(goqu.C("id").Eq(id), goqu.L("available + ? BETWEEN 0 AND quantity", delta)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build availability update: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	// Nothing matched: find out why.
	b, err := getBook(ctx, t.tx, id, false)
	if err != nil {
		return err
	}
	if b.Available+delta < 0 {
		return circulation.Deny(circulation.ReasonUnavailable, "book %d has no copies left", id)
	}
	return fmt.Errorf("book %d: available %d would exceed quantity %d", id, b.Available+delta, b.Quantity)
}

func (t *tx) UpdateStudentCounters(ctx context.Context, id int64, borrowedDelta int, fineDelta decimal.Decimal) error {
	query, args, err := dialect.Update("students").
		Set(goqu.Record{
			"borrowed_books": goqu.L("borrowed_books + ?", borrowedDelta),
			"fine_amount":    goqu.L("fine_amount + ?", fineDelta.String()),
		}).
		Where(goqu.C("id").Eq(id), goqu.L("borrowed_books + ? >= 0", borrowedDelta)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build counter update: %w", err)
	}
	return t.execOne(ctx, query, args, "student", id)
}

func (t *tx) AppendEvents(ctx context.Context, stream string, expectedVersion int, events []eventstore.Event) error {
	return t.events.AppendEvents(ctx, t.tx, stream, expectedVersion, events)
}

func (t *tx) execOne(ctx context.Context, query string, args []interface{}, what string, id int64) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("update %s %d: %d rows matched", what, id, n)
	}
	return nil
}
