// Package postgres implements the circulation store, catalog and roster
// repositories on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"

	"bookledger/internal/circulation"
	"bookledger/pkg/eventstore"
)

//go:embed schema.sql
var schema string

var dialect = goqu.Dialect("postgres")

// SQLSTATE codes that mean "try again".
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled, raised by statement_timeout
}

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"
)

// Config tunes the connection pool and unit of work.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockTimeout bounds how long a unit of work waits for a row lock.
	LockTimeout time.Duration
}

type Store struct {
	db          *sqlx.DB
	events      *eventstore.EventStore
	lockTimeout time.Duration
}

var (
	_ circulation.Store          = (*Store)(nil)
	_ circulation.InvariantChecker = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithTracerProvider records journal spans on tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) { s.events = s.events.WithTracerProvider(tp) }
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, cfg.LockTimeout, opts...), nil
}

// New wraps an open connection pool.
func New(db *sqlx.DB, lockTimeout time.Duration, opts ...Option) *Store {
	s := &Store{db: db, events: eventstore.NewEventStore(), lockTimeout: lockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the pool for health checks and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, eventstore.Schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// WithinTx runs fn in a serializable transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, circulation.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	defer sqlTx.Rollback()

	if s.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, &tx{tx: sqlTx, events: s.events}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify marks contention errors as transient and leaves the rest alone.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if transientCodes[pqErr.Code] {
			return fmt.Errorf("%w: %w", circulation.ErrTransient, err)
		}
		if pqErr.Code == checkViolation && pqErr.Constraint == "books_available_range" {
			return circulation.Deny(circulation.ReasonUnavailable, "%s", pqErr.Message)
		}
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %w", circulation.ErrTransient, err)
	}
	return err
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, circulation.ErrNotFound)
	}
	return fmt.Errorf("load %s %d: %w", what, id, err)
}

func (s *Store) GetBook(ctx context.Context, id int64) (*circulation.Book, error) {
	return getBook(ctx, s.db, id, false)
}

func (s *Store) GetStudent(ctx context.Context, id int64) (*circulation.Student, error) {
	return getStudent(ctx, s.db, id, false)
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*circulation.Transaction, error) {
	return getTransaction(ctx, s.db, id, false)
}

func (s *Store) ListTransactions(ctx context.Context, f circulation.TransactionFilter) ([]*circulation.Transaction, error) {
	return listTransactions(ctx, s.db, f)
}

func (s *Store) LoadEvents(ctx context.Context, stream string) ([]eventstore.Event, error) {
	return s.events.LoadEvents(ctx, s.db, stream, 0, 0)
}

// CheckInvariants audits the committed state.
func (s *Store) CheckInvariants(ctx context.Context) (circulation.InvariantReport, error) {
	var r circulation.InvariantReport
	err := s.db.GetContext(ctx, &r, `
		SELECT
			(SELECT COUNT(*) FROM books WHERE available < 0 OR available > quantity) AS books_out_of_range,
			(SELECT COUNT(*) FROM students s
			  WHERE s.borrowed_books <> (SELECT COUNT(*) FROM transactions t
			                              WHERE t.student_id = s.id AND t.status = 'borrowed')) AS students_miscounted,
			(SELECT COUNT(*) FROM (SELECT 1 FROM transactions WHERE status = 'borrowed'
			                       GROUP BY student_id, book_id HAVING COUNT(*) > 1) d) AS duplicate_open_pairs
	`)
	if err != nil {
		return r, fmt.Errorf("check invariants: %w", err)
	}
	return r, nil
}
