// Package ratelimit implements the fixed-window, sticky-block rate limiter
// shared by the HTTP surface and the session gateway.
package ratelimit

import (
	"context"
	"time"

	"github.com/studyrooms/backend/internal/apperr"
	"github.com/studyrooms/backend/internal/config"
)

// Result is the outcome of a Check call. Limit is the policy's configured
// ceiling for the action, included so HTTP handlers can render
// X-RateLimit-Limit without reaching back into config.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// deniedCode maps a rate-limited action to the error code the caller should
// surface; actions absent from this map fall back to RateLimitExceeded.
var deniedCode = map[string]apperr.Code{
	"join_attempt": apperr.JoinLimitExceeded,
	"chat_send":    apperr.ChatRateLimitExceeded,
}

// Engine enforces per-(principal, action) fixed-window limits with sticky
// blocks: once a window is exceeded, every check is denied until
// blocked_until elapses, with no further counting in between.
type Engine struct {
	store    Store
	policies map[string]config.RateLimitPolicy
	maxRetry int
}

// NewEngine builds an Engine from the configured per-action policies.
func NewEngine(store Store, policies map[string]config.RateLimitPolicy) *Engine {
	return &Engine{store: store, policies: policies, maxRetry: 8}
}

// Check increments the window for (principal, action) and reports whether
// the action is allowed. A violation that crosses the limit starts a sticky
// block; that block is never reset early.
func (e *Engine) Check(ctx context.Context, principal, action string) (Result, *apperr.Error) {
	policy, ok := e.policies[action]
	if !ok {
		return Result{}, apperr.New(apperr.Internal, "unknown rate-limit action: "+action)
	}

	key := action + ":" + principal
	now := time.Now()

	for attempt := 0; attempt < e.maxRetry; attempt++ {
		current, err := e.store.Load(ctx, key)
		if err != nil {
			return Result{}, apperr.New(apperr.Internal, "rate limit store unavailable")
		}

		if current.BlockedUntil.After(now) {
			return Result{Allowed: false, Limit: policy.Limit, ResetAt: current.BlockedUntil}, deniedError(action, current.BlockedUntil)
		}

		next := current
		// A non-zero BlockedUntil here is an expired block: the counter
		// restarts with a fresh window once the block is over.
		if current.Start.IsZero() || now.Sub(current.Start) >= policy.Window || !current.BlockedUntil.IsZero() {
			next.Start = now
			next.Count = 0
			next.BlockedUntil = time.Time{}
		}
		next.Count++

		if next.Count > policy.Limit {
			next.BlockedUntil = now.Add(policy.Block)
			swapped, err := e.store.CompareAndSwap(ctx, key, current, next, policy.Block)
			if err != nil {
				return Result{}, apperr.New(apperr.Internal, "rate limit store unavailable")
			}
			if !swapped {
				continue
			}
			return Result{Allowed: false, Limit: policy.Limit, ResetAt: next.BlockedUntil}, deniedError(action, next.BlockedUntil)
		}

		swapped, err := e.store.CompareAndSwap(ctx, key, current, next, policy.Window)
		if err != nil {
			return Result{}, apperr.New(apperr.Internal, "rate limit store unavailable")
		}
		if !swapped {
			continue
		}

		return Result{
			Allowed:   true,
			Limit:     policy.Limit,
			Remaining: policy.Limit - next.Count,
			ResetAt:   next.Start.Add(policy.Window),
		}, nil
	}

	return Result{}, apperr.New(apperr.Internal, "rate limit check could not make progress")
}

// RecordViolation extends (or starts) a sticky block for (principal,
// action) without requiring the caller to have gone through Check first.
// It runs the same CAS retry loop Check uses, so a concurrent Check for the
// same key can never clobber the block it sets.
func (e *Engine) RecordViolation(ctx context.Context, principal, action string) *apperr.Error {
	policy, ok := e.policies[action]
	if !ok {
		return apperr.New(apperr.Internal, "unknown rate-limit action: "+action)
	}

	key := action + ":" + principal
	now := time.Now()

	for attempt := 0; attempt < e.maxRetry; attempt++ {
		current, err := e.store.Load(ctx, key)
		if err != nil {
			return apperr.New(apperr.Internal, "rate limit store unavailable")
		}

		next := current
		next.BlockedUntil = now.Add(policy.Block)

		swapped, err := e.store.CompareAndSwap(ctx, key, current, next, policy.Block)
		if err != nil {
			return apperr.New(apperr.Internal, "rate limit store unavailable")
		}
		if !swapped {
			continue
		}
		return nil
	}

	return apperr.New(apperr.Internal, "rate limit violation could not be recorded")
}

func deniedError(action string, resetAt time.Time) *apperr.Error {
	code, ok := deniedCode[action]
	if !ok {
		code = apperr.RateLimitExceeded
	}
	retryAfter := int(time.Until(resetAt).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return apperr.New(code, "rate limit exceeded for "+action).WithRetryAfter(retryAfter)
}
