// Package clock supplies the tick loop's "now" source. The default is the
// local system clock; when atapp.bus.redis_clock names a Redis address, the
// loop instead reads Redis's TIME command each tick, so every node in a
// cluster pointed at the same Redis computes expire_at against the same
// clock rather than each node's own (possibly skewed) wall clock.
package clock

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anthanhphan/atapp/pkg/idgen"
)

// Source abstracts the tick loop's "now" reads.
type Source interface {
	Now() time.Time
}

// SystemSource reads the local wall clock.
type SystemSource struct{}

func (SystemSource) Now() time.Time { return time.Now() }

// RedisSource reads Redis's TIME command via idgen.RedisClock, adapted to
// return a time.Time instead of the millisecond int64 SequenceGenerator
// wants.
type RedisSource struct {
	underlying *idgen.RedisClock
}

// NewRedisSource dials addr and returns a Source backed by it.
func NewRedisSource(addr string) *RedisSource {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisSource{underlying: idgen.NewRedisClock(client)}
}

func (s *RedisSource) Now() time.Time {
	return time.UnixMilli(s.underlying.Now())
}
