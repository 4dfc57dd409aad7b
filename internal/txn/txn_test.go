package txn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner() (*Runner, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	return NewRunner(DefaultConfig(), clk, nil, zerolog.Nop()), clk
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	r, clk := newTestRunner()
	calls := 0

	err := r.Do(context.Background(), "update_ticket", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestDoGivesUpAfterRetries(t *testing.T) {
	r, clk := newTestRunner()
	calls := 0

	err := r.Do(context.Background(), "update_ticket", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("wrap: %w", storage.ErrVersionConflict)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clk.Sleeps())
}

func TestDoDoesNotRetryIntegrity(t *testing.T) {
	r, _ := newTestRunner()
	calls := 0

	err := r.Do(context.Background(), "create_ticket", func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	})

	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, 1, calls)
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	r, _ := newTestRunner()
	calls := 0

	err := r.Do(context.Background(), "get_ticket", func(ctx context.Context) error {
		calls++
		return storage.ErrNotFound
	})

	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	r, _ := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := r.Do(ctx, "update_ticket", func(ctx context.Context) error {
		calls++
		cancel()
		return driver.ErrBadConn
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	r := NewRunner(Config{MaxRetries: 6, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second, AttemptTimeout: time.Second}, clock.Real(), nil, zerolog.Nop())

	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for retry, w := range want {
		assert.Equal(t, w, r.Backoff(retry), "retry %d", retry)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, ClassTransient},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ClassTransient},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, ClassTransient},
		{"connection", &pgconn.PgError{Code: "08006"}, ClassTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ClassTransient},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ClassIntegrity},
		{"syntax", &pgconn.PgError{Code: "42601"}, ClassPermanent},
		{"bad conn", driver.ErrBadConn, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"marked transient", fmt.Errorf("redis: %w", ErrTransient), ClassTransient},
		{"plain", errors.New("boom"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
