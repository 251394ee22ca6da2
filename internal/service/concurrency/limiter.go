package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const acquireScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`

const releaseScript = `
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`

// Limiter caps in-flight sends per messaging account across every process
// sharing the Redis instance.
type Limiter struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	acquire *redis.Script
	release *redis.Script
}

// NewLimiter constructs a concurrency limiter. The TTL bounds how long a slot
// held by a crashed process stays counted.
func NewLimiter(client *redis.Client, prefix string, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if prefix == "" {
		prefix = "blast"
	}
	return &Limiter{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		acquire: redis.NewScript(acquireScript),
		release: redis.NewScript(releaseScript),
	}
}

// Acquire attempts to take one in-flight slot for the account.
func (l *Limiter) Acquire(ctx context.Context, accountID string, limit int) (bool, error) {
	if accountID == "" || limit <= 0 {
		return true, nil
	}

	res, err := l.acquire.Run(ctx, l.client, []string{l.key(accountID)}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	if _, err := l.release.Run(ctx, l.client, []string{l.key(accountID)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

func (l *Limiter) key(accountID string) string {
	return fmt.Sprintf("%s:account:%s:inflight", l.prefix, accountID)
}
