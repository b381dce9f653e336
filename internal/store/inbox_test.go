package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/deaddrop/internal/models"
)

const testTTL = 7 * 24 * time.Hour

func newTestMessage(id, from string, createdAt time.Time, to ...string) *models.Message {
	return &models.Message{
		ID:        id,
		From:      from,
		To:        to,
		Body:      "body of " + id,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(testTTL),
	}
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// inboxStoreSuite runs the behaviour every InboxStore must share.
func inboxStoreSuite(t *testing.T, newStore func(t *testing.T) InboxStore) {
	ctx := context.Background()
	now := testEpoch

	t.Run("empty inbox", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Poll(ctx, "dd_nobody", 10, now)
		require.NoError(t, err)
		assert.Empty(t, res.Messages)
		assert.Zero(t, res.Remaining)
		assert.Zero(t, res.Expired)
	})

	t.Run("fifo across senders", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_a", "dd_x", now, "dd_y")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_b", "dd_z", now.Add(time.Second), "dd_y")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_c", "dd_x", now.Add(2*time.Second), "dd_y")))

		res, err := s.Poll(ctx, "dd_y", 2, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_a", "msg_b"}, messageIDs(res.Messages))
		assert.Equal(t, 1, res.Remaining)

		res, err = s.Poll(ctx, "dd_y", 2, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_c"}, messageIDs(res.Messages))
		assert.Zero(t, res.Remaining)
	})

	t.Run("message fields survive", func(t *testing.T) {
		s := newStore(t)
		msg := newTestMessage("msg_full", "dd_x", now, "dd_y", "dd_z")
		msg.ReplyTo = "msg_earlier"
		require.NoError(t, s.Enqueue(ctx, msg))

		res, err := s.Poll(ctx, "dd_y", 1, now)
		require.NoError(t, err)
		require.Len(t, res.Messages, 1)
		got := res.Messages[0]
		assert.Equal(t, "dd_x", got.From)
		assert.Equal(t, []string{"dd_y", "dd_z"}, got.To)
		assert.Equal(t, "body of msg_full", got.Body)
		assert.Equal(t, "msg_earlier", got.ReplyTo)
		assert.True(t, got.CreatedAt.Equal(now))
	})

	t.Run("fan out is independent per recipient", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_1", "dd_x", now, "dd_a", "dd_b", "dd_c")))

		for _, r := range []string{"dd_a", "dd_b", "dd_c"} {
			res, err := s.Poll(ctx, r, 10, now)
			require.NoError(t, err)
			assert.Equal(t, []string{"msg_1"}, messageIDs(res.Messages), r)

			res, err = s.Poll(ctx, r, 10, now)
			require.NoError(t, err)
			assert.Empty(t, res.Messages, r)
		}

		res, err := s.Poll(ctx, "dd_x", 10, now)
		require.NoError(t, err)
		assert.Empty(t, res.Messages)
	})

	t.Run("expired deliveries are discarded", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_old", "dd_x", now, "dd_y")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_mid", "dd_x", now.Add(time.Hour), "dd_y")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_new", "dd_x", now.Add(2*time.Hour), "dd_y")))

		// Exactly at expiry of msg_old: it is unreachable.
		at := now.Add(testTTL)
		res, err := s.Poll(ctx, "dd_y", 1, at)
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_mid"}, messageIDs(res.Messages))
		assert.Equal(t, 1, res.Remaining)
		assert.Equal(t, 1, res.Expired)

		// msg_new expires while still queued behind the head.
		res, err = s.Poll(ctx, "dd_y", 1, now.Add(testTTL+3*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, res.Messages)
		assert.Zero(t, res.Remaining)
		assert.Equal(t, 1, res.Expired)
	})

	t.Run("remaining excludes expired tail", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_1", "dd_x", now.Add(time.Hour), "dd_y")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_2", "dd_x", now, "dd_y")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_3", "dd_x", now.Add(time.Hour), "dd_y")))

		res, err := s.Poll(ctx, "dd_y", 1, now.Add(testTTL))
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_1"}, messageIDs(res.Messages))
		assert.Equal(t, 1, res.Remaining)
		assert.Equal(t, 1, res.Expired)
	})

	t.Run("concurrent polls never share a delivery", func(t *testing.T) {
		s := newStore(t)
		const total = 40
		for i := 0; i < total; i++ {
			require.NoError(t, s.Enqueue(ctx, newTestMessage(fmt.Sprintf("msg_%02d", i), "dd_x", now, "dd_y")))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					res, err := s.Poll(ctx, "dd_y", 1, now)
					if !assert.NoError(t, err) || len(res.Messages) == 0 {
						return
					}
					mu.Lock()
					seen[res.Messages[0].ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_1", "dd_x", now, "dd_a", "dd_b")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_2", "dd_x", now, "dd_a")))

		stats, err := s.Stats(ctx, now, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalQueued)
		assert.Equal(t, int64(2), stats.StoredMessages)
		require.Len(t, stats.Busiest, 2)
		assert.Equal(t, models.InboxCount{AgentID: "dd_a", Count: 2}, stats.Busiest[0])
		assert.Equal(t, models.InboxCount{AgentID: "dd_b", Count: 1}, stats.Busiest[1])

		stats, err = s.Stats(ctx, now, 1)
		require.NoError(t, err)
		assert.Len(t, stats.Busiest, 1)
	})

	t.Run("stats count only live deliveries", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_old", "dd_x", now, "dd_a", "dd_b")))
		require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_new", "dd_x", now.Add(2*time.Hour), "dd_a")))

		stats, err := s.Stats(ctx, now.Add(testTTL+time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalQueued)
		assert.Equal(t, int64(1), stats.StoredMessages)
		assert.Equal(t, []models.InboxCount{{AgentID: "dd_a", Count: 1}}, stats.Busiest)

		stats, err = s.Stats(ctx, now.Add(testTTL+3*time.Hour), 10)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalQueued)
		assert.Zero(t, stats.StoredMessages)
		assert.Empty(t, stats.Busiest)
	})
}

func TestMemoryInbox(t *testing.T) {
	inboxStoreSuite(t, func(t *testing.T) InboxStore {
		return NewMemoryInbox()
	})
}

func TestMemoryInboxSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryInbox()
	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_old", "dd_x", testEpoch, "dd_y", "dd_z")))
	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_new", "dd_x", testEpoch.Add(time.Hour), "dd_y")))

	removed, err := s.Sweep(ctx, testEpoch.Add(testTTL))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// dd_z's emptied inbox was forgotten but still accepts deliveries.
	_, ok := s.inboxes.Load("dd_z")
	assert.False(t, ok)
	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_late", "dd_x", testEpoch.Add(testTTL), "dd_z")))

	res, err := s.Poll(ctx, "dd_z", 10, testEpoch.Add(testTTL))
	require.NoError(t, err)
	assert.Equal(t, []string{"msg_late"}, messageIDs(res.Messages))

	res, err = s.Poll(ctx, "dd_y", 10, testEpoch.Add(testTTL))
	require.NoError(t, err)
	assert.Equal(t, []string{"msg_new"}, messageIDs(res.Messages))
	assert.Zero(t, res.Expired)
}

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	inboxStoreSuite(t, func(t *testing.T) InboxStore {
		s, _ := newMiniredisStore(t)
		return s
	})
}

func TestRedisStoreReleasesMessageHash(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)

	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_1", "dd_x", testEpoch, "dd_a", "dd_b")))
	assert.True(t, mr.Exists("message:msg_1"))
	assert.Equal(t, testTTL, mr.TTL("message:msg_1"))

	_, err := s.Poll(ctx, "dd_a", 1, testEpoch)
	require.NoError(t, err)
	assert.True(t, mr.Exists("message:msg_1"), "still pending for dd_b")

	_, err = s.Poll(ctx, "dd_b", 1, testEpoch)
	require.NoError(t, err)
	assert.False(t, mr.Exists("message:msg_1"))
}

func TestRedisStoreEvictedMessageCountsAsExpired(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)

	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_1", "dd_x", testEpoch, "dd_a")))
	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_2", "dd_x", testEpoch, "dd_a")))
	mr.Del("message:msg_1")

	res, err := s.Poll(ctx, "dd_a", 5, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg_2"}, messageIDs(res.Messages))
	assert.Equal(t, 1, res.Expired)
}

func TestRedisStoreStatsSkipsEvictedMessages(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)

	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_1", "dd_x", testEpoch, "dd_a", "dd_b")))
	require.NoError(t, s.Enqueue(ctx, newTestMessage("msg_2", "dd_x", testEpoch, "dd_a")))
	mr.Del("message:msg_1")

	stats, err := s.Stats(ctx, testEpoch, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalQueued)
	assert.Equal(t, int64(1), stats.StoredMessages)
	assert.Equal(t, []models.InboxCount{{AgentID: "dd_a", Count: 1}}, stats.Busiest)
}
