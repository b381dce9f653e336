package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter keeps each window as a sorted set of event ids scored
// by millisecond timestamps.
type RedisLimiter struct {
	client *redis.Client
	clock  clockwork.Clock
}

// NewRedisLimiter creates a limiter sharing client.
func NewRedisLimiter(client *redis.Client, clk clockwork.Clock) *RedisLimiter {
	return &RedisLimiter{client: client, clock: clk}
}

// windowKey returns the key for a rate limit window.
func windowKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}

// reserveScript trims KEYS[1] to the window ending at ARGV[1], then adds
// ARGV[4] if fewer than ARGV[3] events remain.
//
// Returns {allowed, count, oldest score}.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, count + 1, 0}
end

local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, count, tonumber(oldest[2])}
`)

// Reserve atomically checks and records one event.
func (l *RedisLimiter) Reserve(ctx context.Context, key string, limit Limit) (Decision, error) {
	now := l.clock.Now().UnixMilli()
	member := ulid.Make().String()

	res, err := reserveScript.Run(ctx, l.client,
		[]string{windowKey(key)},
		now, limit.Window.Milliseconds(), limit.Requests, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("reserve script: unexpected reply length %d", len(res))
	}

	d := Decision{Limit: limit.Requests}
	if res[0] == 1 {
		d.Allowed = true
		d.Remaining = limit.Requests - int(res[1])
		d.token = member
		return d, nil
	}
	wait := time.Duration(res[2]+limit.Window.Milliseconds()-now) * time.Millisecond
	d.RetryAfter = retryAfter(wait)
	return d, nil
}

// Cancel removes the event recorded by an allowed reservation.
func (l *RedisLimiter) Cancel(ctx context.Context, key string, d Decision) error {
	if !d.Allowed || d.token == "" {
		return nil
	}
	return l.client.ZRem(ctx, windowKey(key), d.token).Err()
}

var _ Blocker = (*RedisBlocker)(nil)

// RedisBlocker manages temporary blocks as keys with TTLs.
type RedisBlocker struct {
	client *redis.Client
}

// NewRedisBlocker creates a new blocker.
func NewRedisBlocker(client *redis.Client) *RedisBlocker {
	return &RedisBlocker{client: client}
}

func blockedKey(key string) string {
	return fmt.Sprintf("blocked:%s", key)
}

func violationsKey(key string) string {
	return fmt.Sprintf("violations:%s", key)
}

// IsBlocked checks if key is blocked.
func (b *RedisBlocker) IsBlocked(ctx context.Context, key string) (bool, error) {
	exists, err := b.client.Exists(ctx, blockedKey(key)).Result()
	return exists > 0, err
}

// Block blocks key for the specified duration.
func (b *RedisBlocker) Block(ctx context.Context, key string, duration time.Duration, reason string) error {
	return b.client.Set(ctx, blockedKey(key), reason, duration).Err()
}

// Unblock removes a block.
func (b *RedisBlocker) Unblock(ctx context.Context, key string) error {
	return b.client.Del(ctx, blockedKey(key)).Err()
}

// RecordViolation increments the violation counter, starting its TTL on
// the first violation.
func (b *RedisBlocker) RecordViolation(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := violationsKey(key)
	count, err := b.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := b.client.Expire(ctx, k, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}
