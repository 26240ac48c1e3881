package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	p := cfg.Policy()
	assert.Equal(t, 3, p.MaxBooksPerStudent)
	assert.Equal(t, 7*24*time.Hour, p.LoanPeriod)
	assert.True(t, p.FinePerDay.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, uint(3), cfg.Retry.MaxAttempts)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
port: "9090"
store: memory
database:
  lock_timeout: 500ms
loans:
  loan_days: 14
  fine_per_day: 2.5
retry:
  max_attempts: 5
  initial_interval: 10ms
  max_interval: 80ms
breaker:
  consecutive_failures: 2
  open_timeout: 1s
`)
	t.Setenv("PORT", "7070")
	t.Setenv("MAX_BOOKS_PER_STUDENT", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 500*time.Millisecond, cfg.Database.LockTimeout)
	assert.Equal(t, 14*24*time.Hour, cfg.Policy().LoanPeriod)
	assert.True(t, cfg.Policy().FinePerDay.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 4, cfg.Loans.MaxBooksPerStudent)
	assert.Equal(t, uint(5), cfg.Retry.MaxAttempts)
	assert.Equal(t, 80*time.Millisecond, cfg.Retry.MaxInterval)
	assert.Equal(t, uint32(2), cfg.Breaker.ConsecutiveFailures)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Registration.Burst)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := writeFile(t, "store: redis\nloans:\n  loan_days: 0\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store "redis"`)
	assert.Contains(t, err.Error(), "loan_days")
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("MAX_BOOKS_PER_STUDENT", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "MAX_BOOKS_PER_STUDENT")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}
