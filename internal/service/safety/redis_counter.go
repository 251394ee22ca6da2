package safety

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const reserveScript = `
local hourKey = KEYS[1]
local dayKey = KEYS[2]
local hourLimit = tonumber(ARGV[1])
local dayLimit = tonumber(ARGV[2])
local hourTTL = tonumber(ARGV[3])
local dayTTL = tonumber(ARGV[4])

local hourCurrent = tonumber(redis.call('GET', hourKey) or '0')
local dayCurrent = tonumber(redis.call('GET', dayKey) or '0')

if hourCurrent >= hourLimit then
  return 1
end
if dayCurrent >= dayLimit then
  return 2
end

if redis.call('INCR', hourKey) == 1 then
  redis.call('PEXPIRE', hourKey, hourTTL)
end
if redis.call('INCR', dayKey) == 1 then
  redis.call('PEXPIRE', dayKey, dayTTL)
end
return 0
`

const releaseScript = `
for i, key in ipairs(KEYS) do
  local current = tonumber(redis.call('GET', key) or '0')
  if current > 0 then
    redis.call('DECR', key)
  end
end
return 0
`

// RedisCounterStore keeps quota counters in Redis under keys that embed the
// window start, so counts survive restarts and are shared across processes.
type RedisCounterStore struct {
	client  *redis.Client
	prefix  string
	reserve *redis.Script
	release *redis.Script
}

// NewRedisCounterStore constructs the store.
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "blast"
	}
	return &RedisCounterStore{
		client:  client,
		prefix:  prefix,
		reserve: redis.NewScript(reserveScript),
		release: redis.NewScript(releaseScript),
	}
}

func (s *RedisCounterStore) Reserve(ctx context.Context, accountID string, w Windows, hourLimit, dayLimit int) (Window, error) {
	hourKey, dayKey := s.keys(accountID, w)
	res, err := s.reserve.Run(ctx, s.client, []string{hourKey, dayKey},
		hourLimit, dayLimit,
		(2 * time.Hour).Milliseconds(),
		(49 * time.Hour).Milliseconds(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("quota reserve: %w", err)
	}
	switch res {
	case 1:
		return WindowHour, nil
	case 2:
		return WindowDay, nil
	default:
		return "", nil
	}
}

func (s *RedisCounterStore) Release(ctx context.Context, accountID string, w Windows) error {
	hourKey, dayKey := s.keys(accountID, w)
	if err := s.release.Run(ctx, s.client, []string{hourKey, dayKey}).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

func (s *RedisCounterStore) Usage(ctx context.Context, accountID string, w Windows) (Usage, error) {
	hourKey, dayKey := s.keys(accountID, w)
	vals, err := s.client.MGet(ctx, hourKey, dayKey).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("quota usage: %w", err)
	}
	return Usage{
		AccountID: accountID,
		HourStart: w.HourStart,
		HourCount: toInt(vals[0]),
		DayStart:  w.DayStart,
		DayCount:  toInt(vals[1]),
	}, nil
}

func (s *RedisCounterStore) keys(accountID string, w Windows) (string, string) {
	hourKey := fmt.Sprintf("%s:quota:%s:hour:%d", s.prefix, accountID, w.HourStart.Unix())
	dayKey := fmt.Sprintf("%s:quota:%s:day:%s", s.prefix, accountID, w.DayStart.Format("2006-01-02"))
	return hourKey, dayKey
}

func toInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
