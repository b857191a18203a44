package connguard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studyrooms/backend/internal/apperr"
)

const (
	activeSetKey = "admission:active"
	waitZSetKey  = "admission:wait"
)

// AdmissionQueue implements the system-wide admission cap: once the number
// of active principals reaches the configured capacity, further joins queue
// in arrival order and are admitted one-for-one as memberships tear down.
// Backed by Redis so admission state is shared across gateway replicas.
type AdmissionQueue struct {
	client   *redis.Client
	capacity int
}

// NewAdmissionQueue builds an AdmissionQueue enforcing the given system-wide
// capacity (spec default: 100 active principals).
func NewAdmissionQueue(client *redis.Client, capacity int) *AdmissionQueue {
	return &AdmissionQueue{client: client, capacity: capacity}
}

// TryAdmit admits principalID immediately if under capacity; otherwise it
// enqueues the principal by arrival time and returns SystemAtCapacity.
func (q *AdmissionQueue) TryAdmit(ctx context.Context, principalID string) *apperr.Error {
	count, err := q.client.SCard(ctx, activeSetKey).Result()
	if err != nil {
		return apperr.New(apperr.Internal, "admission store unavailable")
	}

	if count < int64(q.capacity) {
		if err := q.client.SAdd(ctx, activeSetKey, principalID).Err(); err != nil {
			return apperr.New(apperr.Internal, "admission store unavailable")
		}
		return nil
	}

	score := float64(time.Now().UnixNano())
	if err := q.client.ZAdd(ctx, waitZSetKey, redis.Z{Score: score, Member: principalID}).Err(); err != nil {
		return apperr.New(apperr.Internal, "admission store unavailable")
	}
	return apperr.New(apperr.SystemAtCapacity, "system is at capacity; queued for admission")
}

// Release removes principalID from the active set, freeing a slot. Callers
// should follow a Release with Promote to admit the earliest waiter.
func (q *AdmissionQueue) Release(ctx context.Context, principalID string) error {
	return q.client.SRem(ctx, activeSetKey, principalID).Err()
}

// Promote admits the earliest-queued waiter, if any, and returns its
// principal id. Returns "" if the queue is empty.
func (q *AdmissionQueue) Promote(ctx context.Context) (string, error) {
	results, err := q.client.ZPopMin(ctx, waitZSetKey, 1).Result()
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	principalID, ok := results[0].Member.(string)
	if !ok {
		return "", nil
	}
	if err := q.client.SAdd(ctx, activeSetKey, principalID).Err(); err != nil {
		return "", err
	}
	return principalID, nil
}

// Position reports a waiting principal's 1-indexed queue position, or 0 if
// it is not currently waiting.
func (q *AdmissionQueue) Position(ctx context.Context, principalID string) (int64, error) {
	rank, err := q.client.ZRank(ctx, waitZSetKey, principalID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}
