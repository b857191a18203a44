// Package store is the transactional persistence abstraction behind the
// identity, room, and message journal domains. It wraps a pgx connection
// pool with the same per-call tracing/metrics the teacher repo applies to
// every database call, plus a circuit breaker around transaction retries.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	dbLatency           metric.Float64Histogram
	dbActiveConnections metric.Int64UpDownCounter
)

func init() {
	var err error
	meter := otel.Meter("store-client")
	dbLatency, err = meter.Float64Histogram("db.query.latency", metric.WithUnit("ms"))
	if err != nil {
		panic(err)
	}
	dbActiveConnections, err = meter.Int64UpDownCounter("db.active.connections", metric.WithUnit("connections"))
	if err != nil {
		panic(err)
	}
}

// Store wraps a Postgres connection pool and a circuit breaker used for
// transaction retries (see RunTx).
type Store struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
}

// New connects to Postgres and configures connection-level metrics.
func New(dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		dbActiveConnections.Add(ctx, 1)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, span := otel.Tracer("store-client").Start(context.Background(), "store.ping")
	defer span.End()
	if err := pool.Ping(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ping database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	span.SetStatus(codes.Ok, "database connected")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres-tx",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Business-logic denials (room full, not a member, ...) are not
			// infrastructure failures; only a RetryableError should count
			// against the breaker.
			if err == nil {
				return true
			}
			var retryable *RetryableError
			return !errors.As(err, &retryable)
		},
	})

	return &Store{pool: pool, breaker: breaker}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) pgx.Row {
	start := time.Now()
	ctx, span := otel.Tracer("store-client").Start(ctx, "store.query.row")
	defer func() {
		dbLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("db.query", query)))
		span.End()
	}()
	return s.pool.QueryRow(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	ctx, span := otel.Tracer("store-client").Start(ctx, "store.query")
	defer func() {
		dbLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("db.query", query)))
		span.End()
	}()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
	}
	return rows, err
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	ctx, span := otel.Tracer("store-client").Start(ctx, "store.exec")
	defer func() {
		dbLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("db.query", query)))
		span.End()
	}()
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exec failed")
	}
	return tag, err
}

// TxQuerier is the narrow slice of pgx.Tx that transaction bodies depend
// on. Depending on this instead of the full pgx.Tx interface lets callers
// fake a transaction in tests without a real Postgres connection.
type TxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// RetryableError wraps an underlying store error to mark it as a transient
// failure eligible for retry (connection reset, deadlock, serialization
// failure). Callers of RunTx distinguish these from permanent failures like
// integrity violations, which must not be retried.
type RetryableError struct {
	Err error
}

func (r *RetryableError) Error() string { return r.Err.Error() }
func (r *RetryableError) Unwrap() error { return r.Err }

// RunTx executes fn inside a serializable transaction, retrying up to 3
// times on a RetryableError and tripping the circuit breaker after
// repeated failures, per the store's transient-error contract.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx TxQuerier) error) error {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.runTxOnce(ctx, fn)
		})
		if err == nil {
			return nil
		}

		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Store) runTxOnce(ctx context.Context, fn func(ctx context.Context, tx TxQuerier) error) error {
	ctx, span := otel.Tracer("store-client").Start(ctx, "store.transaction")
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		span.RecordError(err)
		return &RetryableError{Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction body failed")
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return &RetryableError{Err: err}
	}
	return nil
}
