// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/roster"
)

// Target is the system the experiments run against. Books and students are
// seeded through the repositories so the roster rate limit does not apply.
type Target struct {
	Circulation circulation.Service
	Checker     circulation.InvariantChecker
	Books       catalog.Repository
	Students    roster.Repository
}

// Settings size the experiments.
type Settings struct {
	Workers  int
	Students int
	Copies   int
	Duration time.Duration
}

// RegisterExperiments registers all predefined experiments against t.
func (e *Engine) RegisterExperiments(t Target, s Settings) {
	e.RegisterExperiment(ConcurrentBorrowRace(t, s))
	e.RegisterExperiment(DuplicateBorrowStorm(t, s))
	e.RegisterExperiment(BorrowReturnChurn(t, s))
}

func invariantMetric(t Target) Metric {
	return Metric{
		Name: "invariant_violations",
		Query: func(ctx context.Context) (float64, error) {
			r, err := t.Checker.CheckInvariants(ctx)
			return float64(r.Violations()), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func invariantAssertion() Assertion {
	return Assertion{
		Metric:    "invariant_violations",
		Condition: func(v float64) bool { return v == 0 },
		Message:   "ledger invariants must hold",
	}
}

func counterMetric(name string, c *atomic.Int64) Metric {
	return Metric{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: Threshold{Operator: ">=", Value: 0},
	}
}

// ConcurrentBorrowRace has every student race for the single copy of a
// fresh book.
func ConcurrentBorrowRace(t Target, s Settings) Experiment {
	var winners, unexpected atomic.Int64

	return Experiment{
		Name:        "concurrent-borrow-race",
		Hypothesis:  "Exactly one of many simultaneous borrowers gets the last copy",
		SteadyState: []Metric{invariantMetric(t)},
		Observed:    []Metric{counterMetric("race_winners", &winners), counterMetric("unexpected_errors", &unexpected)},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				book, err := seedBook(ctx, t, 1)
				if err != nil {
					return err
				}
				students, err := seedStudents(ctx, t, s.Students)
				if err != nil {
					return err
				}

				var wg sync.WaitGroup
				for _, st := range students {
					wg.Add(1)
					go func(id int64) {
						defer wg.Done()
						_, err := t.Circulation.Borrow(ctx, id, book.ID)
						switch {
						case err == nil:
							winners.Add(1)
						case !expected(err):
							unexpected.Add(1)
						}
					}(st.ID)
				}
				wg.Wait()
				return nil
			},
		}},
		Validation: []Assertion{
			invariantAssertion(),
			{Metric: "race_winners", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one borrower wins"},
			{Metric: "unexpected_errors", Condition: func(v float64) bool { return v == 0 }, Message: "losers are refused cleanly"},
		},
		Duration: s.Duration,
	}
}

// DuplicateBorrowStorm has one student fire many borrows of the same book
// at once.
func DuplicateBorrowStorm(t Target, s Settings) Experiment {
	var studentID atomic.Int64

	return Experiment{
		Name:        "duplicate-borrow-storm",
		Hypothesis:  "Parallel borrows of one title by one student open a single transaction",
		SteadyState: []Metric{invariantMetric(t)},
		Observed: []Metric{{
			Name: "open_transactions",
			Query: func(ctx context.Context) (float64, error) {
				if studentID.Load() == 0 {
					return 0, nil
				}
				open, err := t.Circulation.OpenTransactions(ctx, studentID.Load())
				return float64(len(open)), err
			},
			Threshold: Threshold{Operator: "<=", Value: 1},
		}},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				book, err := seedBook(ctx, t, max(s.Copies, 2))
				if err != nil {
					return err
				}
				students, err := seedStudents(ctx, t, 1)
				if err != nil {
					return err
				}
				studentID.Store(students[0].ID)

				var wg sync.WaitGroup
				for i := 0; i < s.Workers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						t.Circulation.Borrow(ctx, students[0].ID, book.ID)
					}()
				}
				wg.Wait()
				return nil
			},
		}},
		Validation: []Assertion{
			invariantAssertion(),
			{Metric: "open_transactions", Condition: func(v float64) bool { return v == 1 }, Message: "one open transaction per student and book"},
		},
		Duration: s.Duration,
	}
}

// BorrowReturnChurn runs borrow and return cycles from many students over
// a book with few copies.
func BorrowReturnChurn(t Target, s Settings) Experiment {
	const rounds = 5
	var (
		unexpected atomic.Int64
		bookID     atomic.Int64
	)

	return Experiment{
		Name:        "borrow-return-churn",
		Hypothesis:  "Interleaved borrows and returns never lose or invent a copy",
		SteadyState: []Metric{invariantMetric(t)},
		Observed: []Metric{
			counterMetric("unexpected_errors", &unexpected),
			{
				Name: "copies_on_shelf",
				Query: func(ctx context.Context) (float64, error) {
					if bookID.Load() == 0 {
						return 0, nil
					}
					b, err := t.Books.GetBook(ctx, bookID.Load())
					if err != nil {
						return 0, err
					}
					return float64(b.Available), nil
				},
				Threshold: Threshold{Operator: ">=", Value: 0},
			},
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				book, err := seedBook(ctx, t, s.Copies)
				if err != nil {
					return err
				}
				bookID.Store(book.ID)
				students, err := seedStudents(ctx, t, s.Workers)
				if err != nil {
					return err
				}

				var wg sync.WaitGroup
				for _, st := range students {
					wg.Add(1)
					go func(id int64) {
						defer wg.Done()
						for i := 0; i < rounds; i++ {
							receipt, err := t.Circulation.Borrow(ctx, id, book.ID)
							if err != nil {
								if !expected(err) {
									unexpected.Add(1)
								}
								continue
							}
							if err := settle(ctx, t, receipt.Transaction.ID, id); err != nil {
								unexpected.Add(1)
							}
						}
					}(st.ID)
				}
				wg.Wait()
				return nil
			},
		}},
		Validation: []Assertion{
			invariantAssertion(),
			{Metric: "unexpected_errors", Condition: func(v float64) bool { return v == 0 }, Message: "only denials and contention are tolerated"},
			{Metric: "copies_on_shelf", Condition: func(v float64) bool { return v == float64(s.Copies) }, Message: "every copy is back on the shelf"},
		},
		Duration: s.Duration,
	}
}

// expected reports whether err is an outcome a racing caller must be
// prepared for.
func expected(err error) bool {
	_, denied := circulation.ReasonOf(err)
	return denied || errors.Is(err, circulation.ErrTransient)
}

// settle returns a borrowed copy, retrying past contention so the copy is
// not left out.
func settle(ctx context.Context, t Target, transactionID, studentID int64) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if _, err = t.Circulation.ReturnAsStudent(ctx, transactionID, studentID); !errors.Is(err, circulation.ErrTransient) {
			return err
		}
	}
	return err
}

func seedBook(ctx context.Context, t Target, copies int) (*catalog.Book, error) {
	b := &catalog.Book{
		Title:     "Chaos " + uuid.NewString(),
		Author:    "Game Day",
		ISBN:      fmt.Sprintf("979%010d", rand.Int64N(10_000_000_000)),
		Category:  "Testing",
		Price:     decimal.Zero,
		Quantity:  copies,
		Available: copies,
	}
	if err := t.Books.CreateBook(ctx, b); err != nil {
		return nil, fmt.Errorf("seed book: %w", err)
	}
	return b, nil
}

func seedStudents(ctx context.Context, t Target, n int) ([]*roster.Student, error) {
	out := make([]*roster.Student, 0, n)
	for len(out) < n {
		st := &roster.Student{RegistrationNo: roster.RandomRegistrationNumber(), Name: "Chaos Student"}
		err := t.Students.CreateStudent(ctx, st)
		if errors.Is(err, roster.ErrDuplicateRegistration) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("seed student: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}
