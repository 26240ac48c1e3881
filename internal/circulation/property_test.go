package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/roster"
	"bookledger/internal/store/memory"
)

// ledgerMachine drives random borrows, returns and clock moves against the
// memory store and cross-checks the counters after every step.
type ledgerMachine struct {
	clock    *testClock
	store    *memory.Store
	svc      circulation.Service
	books    []int64
	students []int64
	copies   map[int64]int
	fines    map[int64]decimal.Decimal
	open     map[int64]*circulation.Transaction
}

func newLedgerMachine(t *rapid.T) *ledgerMachine {
	clock := &testClock{now: start}
	store := memory.NewWithClock(clock.Now)
	svc, err := circulation.NewService(store, circulation.WithClock(clock), circulation.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	m := &ledgerMachine{
		clock:  clock,
		store:  store,
		svc:    svc,
		copies: make(map[int64]int),
		fines:  make(map[int64]decimal.Decimal),
		open:   make(map[int64]*circulation.Transaction),
	}

	ctx := context.Background()
	nBooks := rapid.IntRange(1, 4).Draw(t, "books")
	for i := 0; i < nBooks; i++ {
		copies := rapid.IntRange(1, 3).Draw(t, "copies")
		b := &catalog.Book{Title: string(rune('A' + i)), ISBN: "978000000000" + string(rune('0'+i)), Quantity: copies, Available: copies}
		if err := store.Catalog().CreateBook(ctx, b); err != nil {
			t.Fatalf("create book: %v", err)
		}
		m.books = append(m.books, b.ID)
		m.copies[b.ID] = copies
	}
	nStudents := rapid.IntRange(1, 4).Draw(t, "students")
	for i := 0; i < nStudents; i++ {
		s := &roster.Student{RegistrationNo: "2000000" + string(rune('0'+i)), Name: "S"}
		if err := store.Roster().CreateStudent(ctx, s); err != nil {
			t.Fatalf("create student: %v", err)
		}
		m.students = append(m.students, s.ID)
		m.fines[s.ID] = decimal.Zero
	}
	return m
}

func (m *ledgerMachine) Borrow(t *rapid.T) {
	studentID := rapid.SampledFrom(m.students).Draw(t, "student")
	bookID := rapid.SampledFrom(m.books).Draw(t, "book")

	receipt, err := m.svc.Borrow(context.Background(), studentID, bookID)
	if err != nil {
		if _, denied := circulation.ReasonOf(err); !denied {
			t.Fatalf("borrow: unexpected error %v", err)
		}
		return
	}

	held := 0
	for _, txn := range m.open {
		if txn.StudentID == studentID {
			held++
			if txn.BookID == bookID {
				t.Fatalf("borrow granted a second open loan of book %d to student %d", bookID, studentID)
			}
			if txn.DueAt.Before(m.clock.Now()) {
				t.Fatalf("borrow granted to student %d with overdue %s", studentID, txn.Code)
			}
		}
	}
	if held >= circulation.MaxBooksPerStudent {
		t.Fatalf("borrow granted past the limit to student %d", studentID)
	}
	if m.fines[studentID].IsPositive() {
		t.Fatalf("borrow granted to student %d with a pending fine", studentID)
	}
	m.open[receipt.Transaction.ID] = receipt.Transaction
}

func (m *ledgerMachine) Return(t *rapid.T) {
	if len(m.open) == 0 {
		t.Skip("nothing to return")
	}
	ids := make([]int64, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	id := rapid.SampledFrom(ids).Draw(t, "transaction")
	txn := m.open[id]

	want := decimal.NewFromInt(circulation.FinePerDay * circulation.DaysOverdue(txn.DueAt, m.clock.Now()))
	ret, err := m.svc.Return(context.Background(), id)
	if err != nil {
		t.Fatalf("return %s: %v", txn.Code, err)
	}
	if !ret.FineAmount.Equal(want) {
		t.Fatalf("return %s: fine %s, want %s", txn.Code, ret.FineAmount, want)
	}
	m.fines[txn.StudentID] = m.fines[txn.StudentID].Add(want)
	delete(m.open, id)

	if _, err := m.svc.Return(context.Background(), id); !circulation.IsDenied(err, circulation.ReasonAlreadyReturned) {
		t.Fatalf("second return of %s: got %v", txn.Code, err)
	}
}

func (m *ledgerMachine) Advance(t *rapid.T) {
	hours := rapid.IntRange(1, 24*10).Draw(t, "hours")
	m.clock.Advance(time.Duration(hours) * time.Hour)
}

func (m *ledgerMachine) check(t *rapid.T) {
	ctx := context.Background()
	report, err := m.store.CheckInvariants(ctx)
	if err != nil {
		t.Fatalf("check invariants: %v", err)
	}
	if report.Violations() != 0 {
		t.Fatalf("invariants broken: %+v", report)
	}

	out := make(map[int64]int)
	for _, txn := range m.open {
		out[txn.BookID]++
	}
	for _, id := range m.books {
		b, err := m.store.GetBook(ctx, id)
		if err != nil {
			t.Fatalf("get book: %v", err)
		}
		if b.Available+out[id] != m.copies[id] {
			t.Fatalf("book %d: %d on shelf and %d out of %d copies", id, b.Available, out[id], m.copies[id])
		}
	}
	for _, id := range m.students {
		s, err := m.store.GetStudent(ctx, id)
		if err != nil {
			t.Fatalf("get student: %v", err)
		}
		if !s.FineAmount.Equal(m.fines[id]) {
			t.Fatalf("student %d: fine %s, want %s", id, s.FineAmount, m.fines[id])
		}
	}
}

func TestLedgerStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newLedgerMachine(t)
		t.Repeat(map[string]func(*rapid.T){
			"borrow":  m.Borrow,
			"return":  m.Return,
			"advance": m.Advance,
			"":        m.check,
		})
	})
}

func TestFineIsLinearInWholeDays(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		late := time.Duration(rapid.Int64Range(0, int64(400*24*time.Hour)).Draw(t, "late"))
		rate := decimal.New(rapid.Int64Range(0, 10_000).Draw(t, "cents"), -2)
		due := start

		fine, err := circulation.CalculateFine(due, due.Add(late), rate)
		if err != nil {
			t.Fatal(err)
		}
		want := rate.Mul(decimal.NewFromInt(int64(late / (24 * time.Hour))))
		if !fine.Equal(want) {
			t.Fatalf("fine %s after %s at %s/day, want %s", fine, late, rate, want)
		}
		if early, _ := circulation.CalculateFine(due, due.Add(-late), rate); !early.IsZero() {
			t.Fatalf("early return charged %s", early)
		}
	})
}
