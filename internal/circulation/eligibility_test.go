package circulation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCheckBorrowEligibility(t *testing.T) {
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	p := DefaultPolicy()

	onTime := &Transaction{Code: "TXN0001", BookID: 7, DueAt: now.Add(48 * time.Hour), Status: StatusBorrowed}
	late := &Transaction{Code: "TXN0002", BookID: 8, DueAt: now.Add(-time.Hour), Status: StatusBorrowed}

	tests := []struct {
		name    string
		student Student
		book    Book
		open    []*Transaction
		want    Reason
	}{
		{
			name:    "eligible",
			student: Student{ID: 1},
			book:    Book{ID: 9, Quantity: 1, Available: 1},
		},
		{
			name:    "limit reached",
			student: Student{ID: 1, BorrowedBooks: 3},
			book:    Book{ID: 9, Quantity: 1, Available: 1},
			want:    ReasonBorrowLimit,
		},
		{
			name:    "no copies",
			student: Student{ID: 1},
			book:    Book{ID: 9, Quantity: 1, Available: 0},
			want:    ReasonUnavailable,
		},
		{
			name:    "overdue loan",
			student: Student{ID: 1, BorrowedBooks: 1},
			book:    Book{ID: 9, Quantity: 1, Available: 1},
			open:    []*Transaction{late},
			want:    ReasonHasOverdue,
		},
		{
			name:    "due exactly now is not overdue",
			student: Student{ID: 1, BorrowedBooks: 1},
			book:    Book{ID: 9, Quantity: 1, Available: 1},
			open:    []*Transaction{{Code: "TXN0003", BookID: 5, DueAt: now, Status: StatusBorrowed}},
		},
		{
			name:    "pending fine",
			student: Student{ID: 1, FineAmount: decimal.NewFromInt(10)},
			book:    Book{ID: 9, Quantity: 1, Available: 1},
			want:    ReasonPendingFine,
		},
		{
			name:    "already holds the book",
			student: Student{ID: 1, BorrowedBooks: 1},
			book:    Book{ID: 7, Quantity: 2, Available: 1},
			open:    []*Transaction{onTime},
			want:    ReasonDuplicateBorrow,
		},
		{
			name:    "limit wins over everything",
			student: Student{ID: 1, BorrowedBooks: 3, FineAmount: decimal.NewFromInt(10)},
			book:    Book{ID: 8, Quantity: 1, Available: 0},
			open:    []*Transaction{late},
			want:    ReasonBorrowLimit,
		},
		{
			name:    "unavailable wins over overdue",
			student: Student{ID: 1, BorrowedBooks: 1},
			book:    Book{ID: 8, Quantity: 1, Available: 0},
			open:    []*Transaction{late},
			want:    ReasonUnavailable,
		},
		{
			name:    "overdue wins over fine and duplicate",
			student: Student{ID: 1, BorrowedBooks: 2, FineAmount: decimal.NewFromInt(10)},
			book:    Book{ID: 7, Quantity: 2, Available: 1},
			open:    []*Transaction{onTime, late},
			want:    ReasonHasOverdue,
		},
		{
			name:    "fine wins over duplicate",
			student: Student{ID: 1, BorrowedBooks: 1, FineAmount: decimal.NewFromInt(10)},
			book:    Book{ID: 7, Quantity: 2, Available: 1},
			open:    []*Transaction{onTime},
			want:    ReasonPendingFine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckBorrowEligibility(p, &tt.student, &tt.book, tt.open, now)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			reason, ok := ReasonOf(err)
			assert.True(t, ok, "expected a denial, got %v", err)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestFindOpenSkipsReturned(t *testing.T) {
	returned := &Transaction{BookID: 7, Status: StatusReturned}
	open := &Transaction{BookID: 7, Status: StatusBorrowed}

	assert.Nil(t, FindOpen([]*Transaction{returned}, 7))
	assert.Same(t, open, FindOpen([]*Transaction{returned, open}, 7))
	assert.Nil(t, FindOpen([]*Transaction{open}, 8))
}
