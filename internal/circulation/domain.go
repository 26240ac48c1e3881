// internal/circulation/domain.go
package circulation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MaxBooksPerStudent = 3
	ReturnDays         = 7
	FinePerDay         = 10
)

// Status is the lifecycle state of a transaction. borrowed -> returned is the
// only transition and returned is terminal.
type Status string

const (
	StatusBorrowed Status = "borrowed"
	StatusReturned Status = "returned"
)

// Book is the slice of a catalog record the engine reads and mutates.
type Book struct {
	ID        int64  `json:"id" db:"id"`
	Title     string `json:"title" db:"title"`
	Author    string `json:"author" db:"author"`
	Quantity  int    `json:"quantity" db:"quantity"`
	Available int    `json:"available" db:"available"`
}

// Student is the slice of a roster record the engine reads and mutates.
type Student struct {
	ID             int64           `json:"id" db:"id"`
	RegistrationNo string          `json:"registration_no" db:"registration_no"`
	Name           string          `json:"name" db:"name"`
	BorrowedBooks  int             `json:"borrowed_books" db:"borrowed_books"`
	FineAmount     decimal.Decimal `json:"fine_amount" db:"fine_amount"`
}

// Transaction is one borrow episode.
type Transaction struct {
	ID         int64           `json:"id" db:"id"`
	Code       string          `json:"transaction_code" db:"code"`
	StudentID  int64           `json:"student_id" db:"student_id"`
	BookID     int64           `json:"book_id" db:"book_id"`
	BorrowedAt time.Time       `json:"borrow_date" db:"borrowed_at"`
	DueAt      time.Time       `json:"due_date" db:"due_at"`
	ReturnedAt *time.Time      `json:"return_date,omitempty" db:"returned_at"`
	Status     Status          `json:"status" db:"status"`
	FineAmount decimal.Decimal `json:"fine_amount" db:"fine_amount"`
}

// Open reports whether the transaction has not been settled yet.
func (t *Transaction) Open() bool { return t.Status == StatusBorrowed }

// Policy holds the lending rules. The zero value is not usable; start from
// DefaultPolicy.
type Policy struct {
	MaxBooksPerStudent int
	LoanPeriod         time.Duration
	FinePerDay         decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		MaxBooksPerStudent: MaxBooksPerStudent,
		LoanPeriod:         ReturnDays * 24 * time.Hour,
		FinePerDay:         decimal.NewFromInt(FinePerDay),
	}
}

func (p Policy) validate() error {
	if p.MaxBooksPerStudent <= 0 {
		return fmt.Errorf("%w: max books per student must be positive", ErrValidation)
	}
	if p.LoanPeriod <= 0 {
		return fmt.Errorf("%w: loan period must be positive", ErrValidation)
	}
	if p.FinePerDay.IsNegative() {
		return fmt.Errorf("%w: fine per day must not be negative", ErrValidation)
	}
	return nil
}

// FormatTransactionCode renders a sequence number as a human readable code,
// e.g. 1 -> TXN0001. Sequences past 9999 simply widen.
func FormatTransactionCode(seq int64) string {
	return fmt.Sprintf("TXN%04d", seq)
}

// StreamName is the journal stream holding the events of one transaction.
func StreamName(code string) string {
	return "transaction-" + code
}

// Journal event types.
const (
	EventTransactionOpened  = "TransactionOpened"
	EventTransactionSettled = "TransactionSettled"
)

// TransactionOpened is journaled when a borrow commits.
type TransactionOpened struct {
	Code          string    `json:"transaction_code"`
	StudentID     int64     `json:"student_id"`
	BookID        int64     `json:"book_id"`
	BorrowedAt    time.Time `json:"borrow_date"`
	DueAt         time.Time `json:"due_date"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}

// TransactionSettled is journaled when a return commits.
type TransactionSettled struct {
	Code          string          `json:"transaction_code"`
	StudentID     int64           `json:"student_id"`
	BookID        int64           `json:"book_id"`
	ReturnedAt    time.Time       `json:"return_date"`
	Fine          decimal.Decimal `json:"fine_amount"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
}
