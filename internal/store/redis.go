package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/deaddrop/internal/metrics"
	"github.com/eldtechnologies/deaddrop/internal/models"
)

var _ InboxStore = (*RedisStore)(nil)

// RedisStore keeps inboxes in Redis. Each message body lives once in a
// hash with a pending-delivery counter; each inbox is a list of message
// ids in enqueue order.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client so rate limiters can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Backend() string { return "redis" }

const messageKeyPrefix = "message:"

// inboxKey returns the key for an agent's delivery list.
func inboxKey(agentID string) string {
	return fmt.Sprintf("inbox:%s", agentID)
}

// messageKey returns the key for a stored message hash.
func messageKey(msgID string) string {
	return messageKeyPrefix + msgID
}

// Enqueue stores the message once and pushes its id onto every
// recipient's list inside a single MULTI/EXEC.
func (s *RedisStore) Enqueue(ctx context.Context, msg *models.Message) error {
	defer metrics.ObserveStore("redis", "enqueue", time.Now())

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ttl := msg.ExpiresAt.Sub(msg.CreatedAt)
	key := messageKey(msg.ID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"data", data,
			"expires_at", msg.ExpiresAt.UnixMilli(),
			"pending", len(msg.To),
		)
		pipe.PExpire(ctx, key, ttl)
		for _, recipient := range msg.To {
			pipe.RPush(ctx, inboxKey(recipient), msg.ID)
			pipe.PExpire(ctx, inboxKey(recipient), ttl)
		}
		return nil
	})
	return err
}

// pollScript pops up to ARGV[1] live ids from the head of KEYS[1],
// discarding expired ones, then drops expired ids from the rest of the
// list. Every id leaving the list releases one pending delivery on its
// message hash; the hash is deleted when none remain.
//
// Message hashes are addressed from inside the script rather than
// through KEYS, so the store needs a single-node Redis (or one whose
// keys all live on one shard); it is not Redis Cluster safe.
//
// Returns {remaining, expired, {{data, expires_at}, ...}}.
var pollScript = redis.NewScript(`
local take = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local prefix = ARGV[3]

local function live(key)
	local exp = redis.call('HGET', key, 'expires_at')
	return exp and tonumber(exp) > now
end

local function release(key)
	if redis.call('EXISTS', key) == 1 then
		if redis.call('HINCRBY', key, 'pending', -1) <= 0 then
			redis.call('DEL', key)
		end
	end
end

local taken = {}
local expired = 0

while #taken < take do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		break
	end
	local key = prefix .. id
	if live(key) then
		local fields = redis.call('HMGET', key, 'data', 'expires_at')
		taken[#taken + 1] = fields
	else
		expired = expired + 1
	end
	release(key)
end

local remaining = 0
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	local key = prefix .. id
	if live(key) then
		remaining = remaining + 1
	else
		redis.call('LREM', KEYS[1], 1, id)
		expired = expired + 1
		release(key)
	end
end

return {remaining, expired, taken}
`)

// Poll atomically drains up to take live deliveries from agentID's list.
func (s *RedisStore) Poll(ctx context.Context, agentID string, take int, now time.Time) (PollResult, error) {
	defer metrics.ObserveStore("redis", "poll", time.Now())

	var result PollResult
	raw, err := pollScript.Run(ctx, s.client,
		[]string{inboxKey(agentID)},
		take, now.UnixMilli(), messageKeyPrefix,
	).Slice()
	if err != nil {
		return result, err
	}
	if len(raw) != 3 {
		return result, fmt.Errorf("poll script: unexpected reply length %d", len(raw))
	}

	remaining, _ := raw[0].(int64)
	expired, _ := raw[1].(int64)
	result.Remaining = int(remaining)
	result.Expired = int(expired)

	taken, _ := raw[2].([]interface{})
	for _, entry := range taken {
		fields, ok := entry.([]interface{})
		if !ok || len(fields) != 2 {
			return result, fmt.Errorf("poll script: malformed entry")
		}
		msg, err := decodeMessage(fields[0], fields[1])
		if err != nil {
			return result, err
		}
		result.Messages = append(result.Messages, msg)
	}
	return result, nil
}

func decodeMessage(data, expiresAt interface{}) (models.Message, error) {
	var msg models.Message
	body, ok := data.(string)
	if !ok {
		return msg, fmt.Errorf("poll script: missing message data")
	}
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, err
	}
	if s, ok := expiresAt.(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			msg.ExpiresAt = time.UnixMilli(ms).UTC()
		}
	}
	return msg, nil
}

// Sweep is a no-op: message hashes and inbox lists carry key TTLs, and
// stale ids left in a list are discarded by the next poll.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Stats scans all inbox lists and counts the deliveries a poll at now
// would still return: ids whose message hash exists and has not
// expired. It is meant for the admin endpoint, not for hot paths.
func (s *RedisStore) Stats(ctx context.Context, now time.Time, top int) (models.InboxStats, error) {
	defer metrics.ObserveStore("redis", "stats", time.Now())

	var stats models.InboxStats
	var counts []models.InboxCount
	live := make(map[string]bool) // message id -> reachable at now

	iter := s.client.Scan(ctx, 0, inboxKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return stats, err
		}
		if err := s.resolveLive(ctx, ids, now, live); err != nil {
			return stats, err
		}

		var n int64
		for _, id := range ids {
			if live[id] {
				n++
			}
		}
		if n == 0 {
			continue
		}
		counts = append(counts, models.InboxCount{AgentID: key[len("inbox:"):], Count: n})
		stats.TotalQueued += n
	}
	if err := iter.Err(); err != nil {
		return stats, err
	}

	for _, ok := range live {
		if ok {
			stats.StoredMessages++
		}
	}
	stats.Busiest = topInboxes(counts, top)
	return stats, nil
}

// resolveLive records in live whether each id not yet seen points at an
// unexpired message hash.
func (s *RedisStore) resolveLive(ctx context.Context, ids []string, now time.Time, live map[string]bool) error {
	var unknown []string
	for _, id := range ids {
		if _, seen := live[id]; !seen {
			live[id] = false
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	cmds := make([]*redis.StringCmd, len(unknown))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range unknown {
			cmds[i] = pipe.HGet(ctx, messageKey(id), "expires_at")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	nowMs := now.UnixMilli()
	for i, cmd := range cmds {
		expiresAt, err := cmd.Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		live[unknown[i]] = expiresAt > nowMs
	}
	return nil
}
