package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter counts hits per key in fixed windows. Each window has its own
// counter key, so a lost EXPIRE can never pin a key at its limit.
type RateLimiter struct {
	client RedisClient
	now    func() time.Time
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	bucket := r.now().UnixNano() / int64(window)
	k := fmt.Sprintf("%s:%d", key, bucket)

	count, err := r.client.Incr(ctx, k)
	if err != nil {
		return false, err
	}
	if count == 1 {
		// twice the window so the counter outlives clock skew between replicas
		if err := r.client.Expire(ctx, k, 2*window); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// AccountJobsKey limits job submissions per account.
func AccountJobsKey(accountID string) string {
	return "vibephoto:rl:jobs:" + accountID
}
