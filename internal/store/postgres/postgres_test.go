package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/roster"
)

// setupTestStore connects to the database named by the PG* variables and
// skips the test if it is unreachable. Tables are emptied before each test.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)
	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}

	s := New(db, 2*time.Second)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = db.Exec(`TRUNCATE TABLE transactions, books, students, ledger_events RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	_, err = db.Exec(`ALTER SEQUENCE transaction_code_seq RESTART`)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func addBook(t *testing.T, s *Store, title, isbn string, copies int) *catalog.Book {
	t.Helper()
	b := &catalog.Book{
		Title: title, Author: "Author", ISBN: isbn, Category: "Fiction",
		Price: decimal.RequireFromString("9.99"), Quantity: copies, Available: copies,
	}
	require.NoError(t, s.Catalog().CreateBook(context.Background(), b))
	return b
}

func addStudent(t *testing.T, s *Store, regNo, name string) *roster.Student {
	t.Helper()
	st := &roster.Student{RegistrationNo: regNo, Name: name}
	require.NoError(t, s.Roster().CreateStudent(context.Background(), st))
	return st
}

func newService(t *testing.T, s *Store, clock circulation.Clock) circulation.Service {
	t.Helper()
	svc, err := circulation.NewService(s, circulation.WithClock(clock))
	require.NoError(t, err)
	return svc
}

func TestBorrowReturnRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc := newService(t, s, clock)

	book := addBook(t, s, "Pride and Prejudice", "9780141439518", 5)
	student := addStudent(t, s, "10000001", "Test User")

	receipt, err := svc.Borrow(ctx, student.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "TXN0001", receipt.TransactionCode)
	assert.Equal(t, 4, receipt.CopiesLeft)
	assert.Equal(t, 1, receipt.BooksBorrowed)
	assert.True(t, receipt.DueDate.Equal(clock.Now().AddDate(0, 0, 7)))

	stored, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Available)

	// Three days late.
	clock.Advance(10 * 24 * time.Hour)
	ret, err := svc.Return(ctx, receipt.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, ret.FineAmount.Equal(decimal.NewFromInt(30)), "fine = %s", ret.FineAmount)

	stored, err = s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Available)

	st, err := s.GetStudent(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, st.BorrowedBooks)
	assert.True(t, st.FineAmount.Equal(decimal.NewFromInt(30)))

	txn, err := s.GetTransaction(ctx, receipt.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, txn.Status)
	require.NotNil(t, txn.ReturnedAt)

	events, err := svc.Journal(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, circulation.EventTransactionOpened, events[0].EventType)
	assert.Equal(t, circulation.EventTransactionSettled, events[1].EventType)

	_, err = svc.Return(ctx, txn.ID)
	assert.True(t, circulation.IsDenied(err, circulation.ReasonAlreadyReturned))

	report, err := s.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Violations())
}

func TestTransactionCodesAreSequential(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	svc := newService(t, s, &stepClock{now: time.Now().UTC()})

	student := addStudent(t, s, "10000002", "Reader")
	first := addBook(t, s, "Emma", "9780141439587", 1)
	second := addBook(t, s, "Persuasion", "9780141439686", 1)

	r1, err := svc.Borrow(ctx, student.ID, first.ID)
	require.NoError(t, err)
	r2, err := svc.Borrow(ctx, student.ID, second.ID)
	require.NoError(t, err)

	assert.Equal(t, "TXN0001", r1.TransactionCode)
	assert.Equal(t, "TXN0002", r2.TransactionCode)
}

func TestOpenPairIndexRefusesDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	student := addStudent(t, s, "10000003", "Reader")
	book := addBook(t, s, "Middlemarch", "9780141439549", 3)
	now := time.Now().UTC()

	insert := func(code string) error {
		return s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
			return tx.InsertTransaction(ctx, &circulation.Transaction{
				Code: code, StudentID: student.ID, BookID: book.ID,
				BorrowedAt: now, DueAt: now.AddDate(0, 0, 7), Status: circulation.StatusBorrowed,
			})
		})
	}
	require.NoError(t, insert("TXN9001"))
	err := insert("TXN9002")
	assert.True(t, circulation.IsDenied(err, circulation.ReasonDuplicateBorrow), "got %v", err)
}

func TestAvailabilityUpdateRefusesUnderflow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, "Ulysses", "9780141182803", 1)

	err := s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		if err := tx.UpdateBookAvailable(ctx, book.ID, -1); err != nil {
			return err
		}
		return tx.UpdateBookAvailable(ctx, book.ID, -1)
	})
	assert.True(t, circulation.IsDenied(err, circulation.ReasonUnavailable), "got %v", err)

	// The whole unit rolled back.
	stored, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Available)
}

func TestConcurrentBorrowPreventsDoubleBooking(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	svc := newService(t, s, &stepClock{now: time.Now().UTC()})

	book := addBook(t, s, "The Great Gatsby", "9780743273565", 1)
	var students []*roster.Student
	for i := 0; i < 10; i++ {
		students = append(students, addStudent(t, s, fmt.Sprintf("2000%04d", i), fmt.Sprintf("Student %d", i)))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, st := range students {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := svc.Borrow(ctx, id, book.ID)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t,
				circulation.IsDenied(err, circulation.ReasonUnavailable) || isTransient(err),
				"unexpected error: %v", err)
		}(st.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "only one concurrent borrow should succeed")

	stored, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Available)

	report, err := s.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Violations())
}

func TestRepositoriesMapUniqueViolations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	addBook(t, s, "Dracula", "9780141439846", 2)
	err := s.Catalog().CreateBook(ctx, &catalog.Book{
		Title: "dracula", Author: "Bram Stoker", ISBN: "9780486411095", Category: "Horror", Quantity: 1, Available: 1,
	})
	assert.ErrorIs(t, err, catalog.ErrDuplicateBook)

	addStudent(t, s, "30000001", "First")
	err = s.Roster().CreateStudent(ctx, &roster.Student{RegistrationNo: "30000001", Name: "Second"})
	assert.ErrorIs(t, err, roster.ErrDuplicateRegistration)

	_, err = s.Catalog().GetBook(ctx, 9999)
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	_, err = s.Roster().GetStudent(ctx, 9999)
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func isTransient(err error) bool {
	return err != nil && errors.Is(err, circulation.ErrTransient)
}

func TestJournalSpansUseConfiguredProvider(t *testing.T) {
	base := setupTestStore(t)
	recorder := tracetest.NewSpanRecorder()
	s := New(base.DB(), 2*time.Second, WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))))
	clock := &stepClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	svc := newService(t, s, clock)

	student := addStudent(t, s, "30000001", "Ada")
	book := addBook(t, s, "Dune", "9780441013593", 1)
	_, err := svc.Borrow(context.Background(), student.ID, book.ID)
	require.NoError(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Contains(t, names, "eventstore.append")
}
