package idgen

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anthanhphan/atapp/internal/obslog"
)

// Clock abstracts SequenceGenerator's time source, so a deployment can pin
// every node's sequence timestamps to the same source instead of each
// node's own wall clock.
type Clock interface {
	// Now returns the current timestamp in milliseconds.
	Now() int64
}

// SystemClock reads the local wall clock. The default for a standalone node.
type SystemClock struct{}

func (s *SystemClock) Now() int64 {
	return time.Now().UnixMilli()
}

// RedisClock reads the current time off a shared Redis instance via the
// TIME command, so every node pointed at it agrees on "now" regardless of
// local clock skew. pkg/clock.RedisSource wraps this for the tick loop;
// SequenceGenerator can use the same instance directly.
type RedisClock struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisClock(client *redis.Client) *RedisClock {
	return &RedisClock{
		client: client,
		ctx:    context.Background(),
	}
}

func (r *RedisClock) Now() int64 {
	// TIME returns [seconds, microseconds].
	res, err := r.client.Time(r.ctx).Result()
	if err != nil {
		obslog.Warnw("redis clock unreachable, falling back to system clock", "error", err.Error())
		return time.Now().UnixMilli()
	}

	return res.Unix()*1000 + int64(res.Nanosecond())/1000000
}
