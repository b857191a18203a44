package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// newTestEdgeLimiter builds an EdgeLimiter over ulule/limiter's in-memory
// store (grounded on RoseWrightdev's own test/local-dev store choice)
// instead of a real Redis instance.
func newTestEdgeLimiter(rate int64, period time.Duration) *EdgeLimiter {
	return &EdgeLimiter{
		limiter: limiter.New(memory.NewStore(), limiter.Rate{Period: period, Limit: rate}),
		trust:   false,
	}
}

func TestEdgeLimiter_AllowsUnderThreshold(t *testing.T) {
	el := newTestEdgeLimiter(2, time.Minute)
	handler := el.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEdgeLimiter_RejectsOverThreshold(t *testing.T) {
	el := newTestEdgeLimiter(1, time.Minute)
	handler := el.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.RemoteAddr = "10.0.0.2:1234"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestEdgeLimiter_DistinctAddressesHaveIndependentBudgets(t *testing.T) {
	el := newTestEdgeLimiter(1, time.Minute)
	handler := el.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	reqA := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	reqA.RemoteAddr = "10.0.0.3:1234"
	recA := httptest.NewRecorder()
	handler.ServeHTTP(recA, reqA)
	assert.Equal(t, http.StatusOK, recA.Code)

	reqB := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	reqB.RemoteAddr = "10.0.0.4:1234"
	recB := httptest.NewRecorder()
	handler.ServeHTTP(recB, reqB)
	assert.Equal(t, http.StatusOK, recB.Code)
}
