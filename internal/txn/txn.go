// Package txn runs persistence operations with bounded retries.
package txn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTransient marks an error as safe to retry
	ErrTransient = errors.New("transient persistence error")

	// ErrIntegrity wraps constraint violations, which are never retried
	ErrIntegrity = errors.New("integrity violation")
)

// Error classes used in logs and metrics
const (
	ClassTransient = "transient"
	ClassIntegrity = "integrity"
	ClassPermanent = "permanent"
)

// Config controls retry behaviour
type Config struct {
	MaxRetries     int           `validate:"gte=0,lte=10"`
	BaseBackoff    time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=BaseBackoff"`
	AttemptTimeout time.Duration `validate:"gt=0"`
}

// DefaultConfig returns 3 retries with 1s, 2s, 4s backoff capped at 10s
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseBackoff:    time.Second,
		MaxBackoff:     10 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Runner executes operations with retry on transient errors
type Runner struct {
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewRunner creates a new Runner
func NewRunner(cfg Config, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		tracer:  otel.Tracer("docqueue/txn"),
		logger:  logger.With().Str("component", "txn").Logger(),
	}
}

// Do runs fn, retrying transient failures with exponential backoff. Each
// attempt gets its own deadline. Integrity errors are wrapped with
// ErrIntegrity and returned immediately.
func (r *Runner) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := r.cfg.MaxRetries + 1
	var (
		lastErr error
		tried   int
	)

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.metrics.RecordTxnRetry(op)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-r.clock.After(r.Backoff(attempt)):
			}
		}

		tried++
		err := r.attempt(ctx, op, attempt, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		switch Classify(err) {
		case ClassIntegrity:
			r.metrics.RecordTxnFailure(op, ClassIntegrity)
			return fmt.Errorf("%s: %w: %w", op, ErrIntegrity, err)
		case ClassPermanent:
			r.metrics.RecordTxnFailure(op, ClassPermanent)
			return err
		}

		if ctx.Err() != nil {
			break
		}

		r.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Msg("transient persistence failure, retrying")
	}

	r.metrics.RecordTxnFailure(op, ClassTransient)
	return fmt.Errorf("%s failed after %d attempts: %w", op, tried, lastErr)
}

func (r *Runner) attempt(ctx context.Context, op string, attempt int, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "txn."+op, trace.WithAttributes(
		attribute.String("txn.op", op),
		attribute.Int("txn.attempt", attempt+1),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err))
	}
	return err
}

// Backoff returns the wait before the given retry: base*2^(n-1), capped
func (r *Runner) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	backoff := r.cfg.BaseBackoff << (retry - 1)
	if backoff > r.cfg.MaxBackoff || backoff <= 0 {
		return r.cfg.MaxBackoff
	}
	return backoff
}

// Classify sorts an error into transient, integrity or permanent
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case isIntegrity(err):
		return ClassIntegrity
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) ||
		errors.Is(err, storage.ErrVersionConflict) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "55P03", pgErr.Code == "57P01":
			return true
		case len(pgErr.Code) == 5 && (pgErr.Code[:2] == "40" || pgErr.Code[:2] == "08"):
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isIntegrity(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23"
}
