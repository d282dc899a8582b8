// Package ratelimit provides redis-backed fixed-window limiting for the
// two metered surfaces: the outbound Cost Explorer call budget (every
// call has a real dollar and quota cost, so the cap is enforced before
// the SDK is ever invoked) and inbound API request throttling.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, callsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(callsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes one call from the window named by key.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := l.store.AllowN(ctx, fmt.Sprintf("ratelimit:%s", key), 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
