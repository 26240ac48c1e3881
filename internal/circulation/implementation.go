// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"bookledger/pkg/eventstore"
)

const instrumentationName = "bookledger/circulation"

// service implements the Service interface.
type service struct {
	store   Store
	ledger  *Ledger
	returns *ReturnProcessor
	policy  Policy
	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
	clock   Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	borrowOutcomes metric.Int64Counter
	returnOutcomes metric.Int64Counter
	finesAssessed  metric.Float64Counter
	retries        metric.Int64Counter
}

type options struct {
	policy         Policy
	retry          RetryPolicy
	breaker        BreakerSettings
	clock          Clock
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures the service.
type Option func(*options)

func WithPolicy(p Policy) Option { return func(o *options) { o.policy = p } }

func WithRetryPolicy(p RetryPolicy) Option { return func(o *options) { o.retry = p } }

func WithBreakerSettings(s BreakerSettings) Option { return func(o *options) { o.breaker = s } }

func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// NewService creates a new circulation service instance.
func NewService(store Store, opts ...Option) (Service, error) {
	o := options{
		policy:         DefaultPolicy(),
		retry:          DefaultRetryPolicy(),
		breaker:        DefaultBreakerSettings(),
		clock:          systemClock{},
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.policy.validate(); err != nil {
		return nil, err
	}
	if err := o.retry.validate(); err != nil {
		return nil, err
	}

	logger := o.logger.With(slog.String("component", "circulation"))
	s := &service{
		store:   store,
		ledger:  NewLedger(o.policy),
		returns: NewReturnProcessor(o.policy),
		policy:  o.policy,
		retry:   o.retry,
		breaker: newBreaker("circulation-store", o.breaker, logger),
		clock:   o.clock,
		logger:  logger,
		tracer:  o.tracerProvider.Tracer(instrumentationName),
	}

	meter := o.meterProvider.Meter(instrumentationName)
	var err error
	if s.borrowOutcomes, err = meter.Int64Counter("circulation.borrow.outcomes",
		metric.WithDescription("Borrow attempts by outcome")); err != nil {
		return nil, fmt.Errorf("create borrow counter: %w", err)
	}
	if s.returnOutcomes, err = meter.Int64Counter("circulation.return.outcomes",
		metric.WithDescription("Return attempts by outcome")); err != nil {
		return nil, fmt.Errorf("create return counter: %w", err)
	}
	if s.finesAssessed, err = meter.Float64Counter("circulation.fines.assessed",
		metric.WithDescription("Fines charged at return")); err != nil {
		return nil, fmt.Errorf("create fines counter: %w", err)
	}
	if s.retries, err = meter.Int64Counter("circulation.store.retries",
		metric.WithDescription("Units of work re-run after store contention")); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	return s, nil
}

// Borrow checks eligibility and opens a transaction in one unit of work.
func (s *service) Borrow(ctx context.Context, studentID, bookID int64) (*BorrowReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.Int64("student.id", studentID),
			attribute.Int64("book.id", bookID),
		),
	)
	defer span.End()

	correlationID := uuid.New()
	var receipt *BorrowReceipt
	err := validateIDs(idArg{"student id", studentID}, idArg{"book id", bookID})
	if err == nil {
		err = s.run(ctx, "borrow", correlationID, func(ctx context.Context, tx Tx) error {
			now := s.clock.Now()

			// Lock order is student then book everywhere.
			student, err := tx.LockStudent(ctx, studentID)
			if err != nil {
				return err
			}
			book, err := tx.LockBook(ctx, bookID)
			if err != nil {
				return err
			}
			open, err := tx.OpenTransactions(ctx, studentID)
			if err != nil {
				return err
			}
			if err := CheckBorrowEligibility(s.policy, student, book, open, now); err != nil {
				return err
			}

			t, err := s.ledger.Open(ctx, tx, student, book, now, correlationID)
			if err != nil {
				return err
			}
			receipt = &BorrowReceipt{
				Transaction:     t,
				TransactionCode: t.Code,
				DueDate:         t.DueAt,
				BooksBorrowed:   student.BorrowedBooks,
				CopiesLeft:      book.Available,
			}
			return nil
		})
	}

	s.borrowOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		s.finish(ctx, span, "borrow", correlationID, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("transaction.code", receipt.TransactionCode))
	s.logger.DebugContext(ctx, "book borrowed",
		slog.String("transaction", receipt.TransactionCode),
		slog.Int64("student_id", studentID),
		slog.Int64("book_id", bookID),
		slog.String("correlation_id", correlationID.String()),
	)
	return receipt, nil
}

func (s *service) Return(ctx context.Context, transactionID int64) (*ReturnReceipt, error) {
	return s.settle(ctx, transactionID, AnyStudent)
}

func (s *service) ReturnAsStudent(ctx context.Context, transactionID, studentID int64) (*ReturnReceipt, error) {
	if err := validateIDs(idArg{"student id", studentID}); err != nil {
		s.returnOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
		return nil, err
	}
	return s.settle(ctx, transactionID, studentID)
}

func (s *service) settle(ctx context.Context, transactionID, callerStudentID int64) (*ReturnReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(
			attribute.Int64("transaction.id", transactionID),
			attribute.Bool("scoped", callerStudentID != AnyStudent),
		),
	)
	defer span.End()

	correlationID := uuid.New()
	var receipt *ReturnReceipt
	err := validateIDs(idArg{"transaction id", transactionID})
	if err == nil {
		err = s.run(ctx, "return", correlationID, func(ctx context.Context, tx Tx) error {
			now := s.clock.Now()

			t, err := tx.LockTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			fine, err := s.returns.Process(ctx, tx, t, callerStudentID, now, correlationID)
			if err != nil {
				return err
			}
			receipt = &ReturnReceipt{Transaction: t, FineAmount: fine}
			return nil
		})
	}

	s.returnOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		s.finish(ctx, span, "return", correlationID, err)
		return nil, err
	}

	if receipt.FineAmount.IsPositive() {
		s.finesAssessed.Add(ctx, receipt.FineAmount.InexactFloat64())
	}
	span.SetAttributes(
		attribute.String("transaction.code", receipt.Transaction.Code),
		attribute.String("fine", receipt.FineAmount.String()),
	)
	s.logger.DebugContext(ctx, "book returned",
		slog.String("transaction", receipt.Transaction.Code),
		slog.String("fine", receipt.FineAmount.String()),
		slog.String("correlation_id", correlationID.String()),
	)
	return receipt, nil
}

func (s *service) FineStatus(ctx context.Context, studentID int64) (*FineStatus, error) {
	if err := validateIDs(idArg{"student id", studentID}); err != nil {
		return nil, err
	}
	student, err := s.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, s.readError(ctx, "fine status", err)
	}
	return &FineStatus{
		StudentID:     student.ID,
		BorrowedCount: student.BorrowedBooks,
		FineAmount:    student.FineAmount,
	}, nil
}

func (s *service) Transaction(ctx context.Context, transactionID int64) (*Transaction, error) {
	if err := validateIDs(idArg{"transaction id", transactionID}); err != nil {
		return nil, err
	}
	t, err := s.ledger.GetTransaction(ctx, s.store, transactionID)
	if err != nil {
		return nil, s.readError(ctx, "get transaction", err)
	}
	return t, nil
}

// OpenTransactions lists the student's loans with their standing as of now.
func (s *service) OpenTransactions(ctx context.Context, studentID int64) ([]LoanView, error) {
	if err := validateIDs(idArg{"student id", studentID}); err != nil {
		return nil, err
	}
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return nil, s.readError(ctx, "open transactions", err)
	}
	open, err := s.ledger.ListOpenTransactions(ctx, s.store, studentID)
	if err != nil {
		return nil, s.readError(ctx, "open transactions", err)
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].DueAt.Before(open[j].DueAt) })
	views, err := s.loanViews(ctx, open)
	if err != nil {
		return nil, s.readError(ctx, "open transactions", err)
	}
	return views, nil
}

// History lists every transaction of the student, newest first.
func (s *service) History(ctx context.Context, studentID int64) ([]TransactionView, error) {
	if err := validateIDs(idArg{"student id", studentID}); err != nil {
		return nil, err
	}
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return nil, s.readError(ctx, "history", err)
	}
	all, err := s.store.ListTransactions(ctx, TransactionFilter{StudentID: studentID})
	if err != nil {
		return nil, s.readError(ctx, "history", err)
	}
	views, err := s.describe(ctx, newestFirst(all))
	if err != nil {
		return nil, s.readError(ctx, "history", err)
	}
	return views, nil
}

func (s *service) Transactions(ctx context.Context) ([]TransactionView, error) {
	all, err := s.store.ListTransactions(ctx, TransactionFilter{})
	if err != nil {
		return nil, s.readError(ctx, "transactions", err)
	}
	views, err := s.describe(ctx, newestFirst(all))
	if err != nil {
		return nil, s.readError(ctx, "transactions", err)
	}
	return views, nil
}

// Overdue lists open transactions past due, most overdue first.
func (s *service) Overdue(ctx context.Context) ([]LoanView, error) {
	late, err := s.store.ListTransactions(ctx, TransactionFilter{Status: StatusBorrowed, DueBefore: s.clock.Now()})
	if err != nil {
		return nil, s.readError(ctx, "overdue", err)
	}
	sort.SliceStable(late, func(i, j int) bool { return late[i].DueAt.Before(late[j].DueAt) })
	views, err := s.loanViews(ctx, late)
	if err != nil {
		return nil, s.readError(ctx, "overdue", err)
	}
	return views, nil
}

func (s *service) Journal(ctx context.Context, transactionID int64) ([]eventstore.Event, error) {
	t, err := s.Transaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.LoadEvents(ctx, StreamName(t.Code))
	if err != nil {
		return nil, s.readError(ctx, "journal", err)
	}
	return events, nil
}

// Ids are assigned in commit order, so the highest id is the newest.
func newestFirst(ts []*Transaction) []*Transaction {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].ID > ts[j].ID })
	return ts
}

// describe attaches book and student names to ts. Each book and student is
// read once.
func (s *service) describe(ctx context.Context, ts []*Transaction) ([]TransactionView, error) {
	books := make(map[int64]*Book)
	students := make(map[int64]*Student)
	out := make([]TransactionView, 0, len(ts))
	for _, t := range ts {
		b, ok := books[t.BookID]
		if !ok {
			var err error
			if b, err = s.store.GetBook(ctx, t.BookID); err != nil {
				return nil, err
			}
			books[t.BookID] = b
		}
		st, ok := students[t.StudentID]
		if !ok {
			var err error
			if st, err = s.store.GetStudent(ctx, t.StudentID); err != nil {
				return nil, err
			}
			students[t.StudentID] = st
		}
		out = append(out, TransactionView{
			Transaction:    t,
			BookTitle:      b.Title,
			BookAuthor:     b.Author,
			StudentName:    st.Name,
			RegistrationNo: st.RegistrationNo,
		})
	}
	return out, nil
}

// loanViews describes open transactions with their standing as of now.
func (s *service) loanViews(ctx context.Context, ts []*Transaction) ([]LoanView, error) {
	described, err := s.describe(ctx, ts)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]LoanView, 0, len(described))
	for _, d := range described {
		v := LoanView{TransactionView: d, DaysOverdue: DaysOverdue(d.DueAt, now)}
		if now.Before(d.DueAt) {
			v.DaysRemaining = int64(d.DueAt.Sub(now) / day)
		}
		if v.AccruedFine, err = s.policy.Fine(d.DueAt, now); err != nil {
			return nil, fmt.Errorf("fine for %s: %w", d.Code, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// run executes fn as a unit of work behind the breaker and retry policy.
func (s *service) run(ctx context.Context, op string, correlationID uuid.UUID, fn func(context.Context, Tx) error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.retry.Do(ctx, func(ctx context.Context) error {
			return s.store.WithinTx(ctx, fn)
		}, func(err error, next time.Duration) {
			s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
			s.logger.WarnContext(ctx, "store contention, retrying",
				slog.String("operation", op),
				slog.Duration("backoff", next),
				slog.String("correlation_id", correlationID.String()),
				slog.Any("error", err),
			)
		})
	})
	err = breakerError(op, err)
	if isStoreFault(err) {
		return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
	}
	return err
}

// finish records a failed operation on the span and in the log.
func (s *service) finish(ctx context.Context, span trace.Span, op string, correlationID uuid.UUID, err error) {
	attrs := []any{
		slog.String("operation", op),
		slog.String("correlation_id", correlationID.String()),
		slog.Any("error", err),
	}
	if reason, denied := ReasonOf(err); denied {
		span.SetAttributes(attribute.String("denial.reason", string(reason)))
		s.logger.InfoContext(ctx, "request denied", attrs...)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case errors.Is(err, ErrStoreFailure):
		s.logger.ErrorContext(ctx, "unit of work failed", attrs...)
	case errors.Is(err, ErrTransient):
		s.logger.WarnContext(ctx, "unit of work gave up", attrs...)
	default:
		s.logger.InfoContext(ctx, "request rejected", attrs...)
	}
}

func (s *service) readError(ctx context.Context, op string, err error) error {
	if !isStoreFault(err) {
		return err
	}
	s.logger.ErrorContext(ctx, "read failed", slog.String("operation", op), slog.Any("error", err))
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

type idArg struct {
	name string
	id   int64
}

// validateIDs rejects non-positive ids before any store access.
func validateIDs(args ...idArg) error {
	for _, a := range args {
		if a.id <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrValidation, a.name, a.id)
		}
	}
	return nil
}
