package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter admits organization traffic against a shared tokens-per-minute
// budget kept in Redis, so every router replica sees the same counts.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

// NewWithStore wraps an existing limiter backend.
func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(organizationID string) string {
	return fmt.Sprintf("ratelimit:org:%s", organizationID)
}

// Allow consumes tokens from the organization's window.
func (l *Limiter) Allow(ctx context.Context, organizationID string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(organizationID), tokens)
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", organizationID, err)
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, organizationID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(organizationID))
}
