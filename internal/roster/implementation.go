// internal/roster/implementation.go
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"bookledger/internal/circulation"
)

const maxRegistrationAttempts = 5

// service implements the Service interface.
type service struct {
	repo        Repository
	rateLimiter *rate.Limiter
	newRegNo    func() string
	logger      *slog.Logger
}

// Option configures the roster service.
type Option func(*service)

// WithRateLimit admits one registration per interval with the given burst.
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(s *service) { s.rateLimiter = rate.NewLimiter(rate.Every(interval), burst) }
}

// WithRegistrationNumbers replaces the random registration number source.
func WithRegistrationNumbers(next func() string) Option {
	return func(s *service) { s.newRegNo = next }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// NewService creates a new roster service instance.
func NewService(repo Repository, opts ...Option) Service {
	s := &service{
		repo:        repo,
		rateLimiter: rate.NewLimiter(rate.Every(1*time.Minute), 5), // burst of 5, then one per minute
		newRegNo:    RandomRegistrationNumber,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "roster"))
	return s
}

// RandomRegistrationNumber returns a random 8 digit number without a leading
// zero.
func RandomRegistrationNumber() string {
	return strconv.Itoa(10_000_000 + rand.IntN(90_000_000))
}

// RegisterStudent creates a new student with a unique registration number.
func (s *service) RegisterStudent(ctx context.Context, in NewStudent) (*Student, error) {
	if err := s.admit(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", circulation.ErrValidation)
	}

	for attempt := 1; attempt <= maxRegistrationAttempts; attempt++ {
		st := &Student{
			RegistrationNo: s.newRegNo(),
			Name:           name,
			Email:          strings.TrimSpace(in.Email),
			Phone:          strings.TrimSpace(in.Phone),
			FineAmount:     decimal.Zero,
		}
		err := s.repo.CreateStudent(ctx, st)
		if err == nil {
			s.logger.InfoContext(ctx, "student registered",
				slog.Int64("student_id", st.ID),
				slog.String("registration_no", st.RegistrationNo),
			)
			return st, nil
		}
		if !errors.Is(err, ErrDuplicateRegistration) {
			return nil, fmt.Errorf("register student: %w", err)
		}
		s.logger.DebugContext(ctx, "registration number collision", slog.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("register student: no free registration number after %d attempts", maxRegistrationAttempts)
}

// admit takes a registration token or reports how long until the next one.
func (s *service) admit() error {
	res := s.rateLimiter.Reserve()
	if !res.OK() {
		return fmt.Errorf("%w: %w", ErrRateLimited, &circulation.RateLimitError{})
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return fmt.Errorf("%w: %w", ErrRateLimited, &circulation.RateLimitError{Delay: d})
	}
	return nil
}

// GetStudent retrieves a student by their ID.
func (s *service) GetStudent(ctx context.Context, id int64) (*Student, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: student id must be positive", circulation.ErrValidation)
	}
	return s.repo.GetStudent(ctx, id)
}
