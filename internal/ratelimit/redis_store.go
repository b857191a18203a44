package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var redisLatency metric.Float64Histogram

func init() {
	var err error
	meter := otel.Meter("ratelimit-store")
	redisLatency, err = meter.Float64Histogram("ratelimit.store.latency", metric.WithUnit("ms"))
	if err != nil {
		panic(err)
	}
}

// RedisStore persists counters as a Redis hash, keyed by "ratelimit:{key}".
// A Redis WATCH/MULTI transaction backs CompareAndSwap so concurrent
// requests for the same (principal, action) pair never double-count.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key string) string {
	return "ratelimit:" + key
}

func (s *RedisStore) Load(ctx context.Context, key string) (window, error) {
	start := time.Now()
	ctx, span := otel.Tracer("ratelimit-store").Start(ctx, "ratelimit.load")
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "load")))
		span.End()
	}()

	vals, err := s.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "HGetAll failed")
		return window{}, err
	}
	if len(vals) == 0 {
		return window{}, nil
	}
	return decodeWindow(vals), nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, prev, next window, ttl time.Duration) (bool, error) {
	start := time.Now()
	ctx, span := otel.Tracer("ratelimit-store").Start(ctx, "ratelimit.cas")
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "cas")))
		span.End()
	}()

	rk := redisKey(key)
	swapped := false

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		current := window{}
		if len(vals) > 0 {
			current = decodeWindow(vals)
		}
		if current != prev {
			return nil // stale read; caller retries with a fresh Load
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, rk, encodeWindow(next))
			if ttl > 0 {
				p.Expire(ctx, rk, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}

	if err := s.client.Watch(ctx, txf, rk); err != nil {
		if err == redis.TxFailedErr {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Watch transaction failed")
		return false, err
	}
	return swapped, nil
}

func encodeWindow(w window) map[string]interface{} {
	return map[string]interface{}{
		"start":         w.Start.UnixNano(),
		"count":         w.Count,
		"blocked_until": w.BlockedUntil.UnixNano(),
	}
}

func decodeWindow(vals map[string]string) window {
	start, _ := strconv.ParseInt(vals["start"], 10, 64)
	count, _ := strconv.Atoi(vals["count"])
	blockedUntil, _ := strconv.ParseInt(strings.TrimSpace(vals["blocked_until"]), 10, 64)

	w := window{Count: count}
	if start > 0 {
		w.Start = time.Unix(0, start)
	}
	if blockedUntil > 0 {
		w.BlockedUntil = time.Unix(0, blockedUntil)
	}
	return w
}
