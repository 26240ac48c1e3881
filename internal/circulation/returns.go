package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookledger/pkg/eventstore"
)

// AnyStudent scopes a return to no particular student (staff returns).
const AnyStudent int64 = 0

// ReturnProcessor settles open transactions.
type ReturnProcessor struct {
	policy Policy
}

func NewReturnProcessor(p Policy) *ReturnProcessor {
	return &ReturnProcessor{policy: p}
}

// Process settles t at now on behalf of callerStudentID, which must own t
// unless it is AnyStudent. t must have been read under lock in the same unit
// of work. It returns the fine charged; t is updated in place.
func (rp *ReturnProcessor) Process(ctx context.Context, tx Tx, t *Transaction, callerStudentID int64, now time.Time, correlationID uuid.UUID) (decimal.Decimal, error) {
	if callerStudentID != AnyStudent && t.StudentID != callerStudentID {
		return decimal.Zero, Deny(ReasonUnauthorized, "transaction %s belongs to another student", t.Code)
	}
	if !t.Open() {
		return decimal.Zero, Deny(ReasonAlreadyReturned, "transaction %s", t.Code)
	}

	fine, err := rp.policy.Fine(t.DueAt, now)
	if err != nil {
		return decimal.Zero, err
	}

	returnedAt := now
	t.Status = StatusReturned
	t.ReturnedAt = &returnedAt
	t.FineAmount = fine
	if err := tx.SettleTransaction(ctx, t); err != nil {
		return decimal.Zero, fmt.Errorf("settle transaction %s: %w", t.Code, err)
	}
	// Student before book, the same order Borrow locks them in.
	if err := tx.UpdateStudentCounters(ctx, t.StudentID, -1, fine); err != nil {
		return decimal.Zero, fmt.Errorf("settle counters for student %d: %w", t.StudentID, err)
	}
	if err := tx.UpdateBookAvailable(ctx, t.BookID, 1); err != nil {
		return decimal.Zero, fmt.Errorf("release copy of book %d: %w", t.BookID, err)
	}

	ev, err := eventstore.NewEvent(EventTransactionSettled, TransactionSettled{
		Code:          t.Code,
		StudentID:     t.StudentID,
		BookID:        t.BookID,
		ReturnedAt:    returnedAt,
		Fine:          fine,
		CorrelationID: correlationID,
	}, map[string]interface{}{"correlation_id": correlationID.String()})
	if err != nil {
		return decimal.Zero, err
	}
	// The opened event is version 1; anything else means the stream moved.
	if err := tx.AppendEvents(ctx, StreamName(t.Code), 1, []eventstore.Event{ev}); err != nil {
		return decimal.Zero, fmt.Errorf("journal %s: %w", t.Code, err)
	}
	return fine, nil
}
