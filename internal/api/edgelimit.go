package api

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/studyrooms/backend/internal/apperr"
)

// EdgeLimiter is a coarse, cheap per-address defense sitting in front of
// the application-level rate-limit engine (internal/ratelimit.Engine),
// which is scoped per-principal and per-action and only runs once a
// request has already been parsed this far. This layer absorbs floods
// before they reach a domain call at all.
type EdgeLimiter struct {
	limiter *limiter.Limiter
	trust   bool
}

// NewEdgeLimiter builds an EdgeLimiter backed by Redis (shared across
// replicas) enforcing `rate` requests per `period` per client address.
func NewEdgeLimiter(client *redis.Client, rate int64, period time.Duration, trustForwardedFor bool) (*EdgeLimiter, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "edge-limiter"})
	if err != nil {
		return nil, err
	}
	return &EdgeLimiter{
		limiter: limiter.New(store, limiter.Rate{Period: period, Limit: rate}),
		trust:   trustForwardedFor,
	}, nil
}

// Middleware rejects a request once the caller's address exceeds the
// configured rate, before anything downstream runs. An edge-limiter store
// outage fails open: it must not take the whole HTTP surface down with it.
func (e *EdgeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := clientAddress(req, e.trust)
		result, err := e.limiter.Get(req.Context(), key)
		if err != nil {
			next.ServeHTTP(w, req)
			return
		}
		if result.Reached {
			retryAfter := int(time.Until(time.Unix(result.Reset, 0)).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			apperr.WriteHTTP(w, apperr.New(apperr.RateLimitExceeded, "too many requests").WithRetryAfter(retryAfter))
			return
		}
		next.ServeHTTP(w, req)
	})
}
