package roster

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bookledger/internal/circulation"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) CreateStudent(ctx context.Context, s *Student) error {
	args := m.Called(ctx, s.RegistrationNo)
	if args.Error(0) == nil {
		s.ID = 21
	}
	return args.Error(0)
}

func (m *mockRepository) GetStudent(ctx context.Context, id int64) (*Student, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*Student)
	return s, args.Error(1)
}

func sequence(numbers ...string) func() string {
	i := 0
	return func() string {
		n := numbers[i%len(numbers)]
		i++
		return n
	}
}

func TestRegisterStudent(t *testing.T) {
	repo := new(mockRepository)
	repo.On("CreateStudent", mock.Anything, "12345678").Return(nil)

	st, err := NewService(repo, WithRegistrationNumbers(sequence("12345678"))).
		RegisterStudent(context.Background(), NewStudent{Name: " Ada ", Email: "ada@example.com "})
	require.NoError(t, err)

	assert.Equal(t, int64(21), st.ID)
	assert.Equal(t, "Ada", st.Name)
	assert.Equal(t, "ada@example.com", st.Email)
	assert.True(t, st.FineAmount.IsZero())
	assert.Zero(t, st.BorrowedBooks)
	repo.AssertExpectations(t)
}

func TestRegisterStudentRetriesCollisions(t *testing.T) {
	repo := new(mockRepository)
	repo.On("CreateStudent", mock.Anything, "11111111").Return(ErrDuplicateRegistration).Twice()
	repo.On("CreateStudent", mock.Anything, "22222222").Return(nil).Once()

	next := sequence("11111111", "11111111", "22222222")
	st, err := NewService(repo, WithRegistrationNumbers(next)).RegisterStudent(context.Background(), NewStudent{Name: "Grace"})
	require.NoError(t, err)
	assert.Equal(t, "22222222", st.RegistrationNo)
	repo.AssertExpectations(t)
}

func TestRegisterStudentGivesUp(t *testing.T) {
	repo := new(mockRepository)
	repo.On("CreateStudent", mock.Anything, "11111111").Return(ErrDuplicateRegistration)

	_, err := NewService(repo, WithRegistrationNumbers(sequence("11111111"))).
		RegisterStudent(context.Background(), NewStudent{Name: "Grace"})
	require.Error(t, err)
	repo.AssertNumberOfCalls(t, "CreateStudent", maxRegistrationAttempts)
}

func TestRegisterStudentStoreError(t *testing.T) {
	repo := new(mockRepository)
	boom := errors.New("connection refused")
	repo.On("CreateStudent", mock.Anything, mock.Anything).Return(boom)

	_, err := NewService(repo).RegisterStudent(context.Background(), NewStudent{Name: "Grace"})
	assert.ErrorIs(t, err, boom)
	repo.AssertNumberOfCalls(t, "CreateStudent", 1)
}

func TestRegisterStudentValidation(t *testing.T) {
	repo := new(mockRepository)
	_, err := NewService(repo).RegisterStudent(context.Background(), NewStudent{Name: "   "})
	assert.ErrorIs(t, err, circulation.ErrValidation)
	repo.AssertNotCalled(t, "CreateStudent", mock.Anything, mock.Anything)
}

func TestRegistrationRateLimit(t *testing.T) {
	repo := new(mockRepository)
	repo.On("CreateStudent", mock.Anything, mock.Anything).Return(nil)
	svc := NewService(repo, WithRateLimit(time.Hour, 2))

	for i := 0; i < 2; i++ {
		_, err := svc.RegisterStudent(context.Background(), NewStudent{Name: "S" + strconv.Itoa(i)})
		require.NoError(t, err)
	}
	_, err := svc.RegisterStudent(context.Background(), NewStudent{Name: "S3"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, circulation.ErrTooManyRequests)
	assert.NotErrorIs(t, err, circulation.ErrTransient)

	var limited *circulation.RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.InDelta(t, time.Hour.Seconds(), limited.Delay.Seconds(), 5, "the wait is the time until the next token")
	repo.AssertNumberOfCalls(t, "CreateStudent", 2)

	// A refused request does not consume the next token.
	_, err = svc.RegisterStudent(context.Background(), NewStudent{Name: "S4"})
	require.ErrorAs(t, err, &limited)
	assert.InDelta(t, time.Hour.Seconds(), limited.Delay.Seconds(), 5)
}

func TestRandomRegistrationNumber(t *testing.T) {
	for i := 0; i < 100; i++ {
		n := RandomRegistrationNumber()
		require.Len(t, n, 8)
		assert.NotEqual(t, byte('0'), n[0])
	}
}

func TestGetStudent(t *testing.T) {
	repo := new(mockRepository)
	repo.On("GetStudent", mock.Anything, int64(2)).Return(&Student{ID: 2, Name: "Lin"}, nil)
	svc := NewService(repo)

	st, err := svc.GetStudent(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Lin", st.Name)

	_, err = svc.GetStudent(context.Background(), -1)
	assert.ErrorIs(t, err, circulation.ErrValidation)
}
