// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bookledger/pkg/eventstore"
)

// Service defines the interface for the circulation service.
type Service interface {
	Borrow(ctx context.Context, studentID, bookID int64) (*BorrowReceipt, error)
	// Return settles a transaction on behalf of staff.
	Return(ctx context.Context, transactionID int64) (*ReturnReceipt, error)
	// ReturnAsStudent settles a transaction the student must own.
	ReturnAsStudent(ctx context.Context, transactionID, studentID int64) (*ReturnReceipt, error)
	FineStatus(ctx context.Context, studentID int64) (*FineStatus, error)
	Transaction(ctx context.Context, transactionID int64) (*Transaction, error)
	OpenTransactions(ctx context.Context, studentID int64) ([]LoanView, error)
	History(ctx context.Context, studentID int64) ([]TransactionView, error)
	// Transactions lists every transaction, newest first.
	Transactions(ctx context.Context) ([]TransactionView, error)
	Overdue(ctx context.Context) ([]LoanView, error)
	Journal(ctx context.Context, transactionID int64) ([]eventstore.Event, error)
}

type BorrowReceipt struct {
	Transaction     *Transaction `json:"transaction"`
	TransactionCode string       `json:"transaction_code"`
	DueDate         time.Time    `json:"due_date"`
	BooksBorrowed   int          `json:"books_borrowed"`
	CopiesLeft      int          `json:"copies_left"`
}

type ReturnReceipt struct {
	Transaction *Transaction    `json:"transaction"`
	FineAmount  decimal.Decimal `json:"fine_amount"`
}

type FineStatus struct {
	StudentID     int64           `json:"student_id"`
	BorrowedCount int             `json:"borrowed_count"`
	FineAmount    decimal.Decimal `json:"fine_amount"`
}

// TransactionView is a transaction with the book and student it refers to.
type TransactionView struct {
	*Transaction
	BookTitle      string `json:"book_title"`
	BookAuthor     string `json:"book_author"`
	StudentName    string `json:"student_name"`
	RegistrationNo string `json:"registration_no"`
}

// LoanView is an open transaction as of a point in time.
type LoanView struct {
	TransactionView
	DaysOverdue   int64           `json:"days_overdue"`
	DaysRemaining int64           `json:"days_remaining"`
	AccruedFine   decimal.Decimal `json:"accrued_fine"`
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
