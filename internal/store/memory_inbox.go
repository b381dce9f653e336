package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eldtechnologies/deaddrop/internal/models"
)

var _ InboxStore = (*MemoryInbox)(nil)

// MemoryInbox keeps delivery queues in process memory. Each recipient
// has its own queue and lock, so polls on different agents never
// contend and a single poll is atomic with respect to concurrent polls
// and sends on the same inbox.
type MemoryInbox struct {
	inboxes sync.Map // agent id -> *inbox
}

type inbox struct {
	mu    sync.Mutex
	queue []*models.Message
	dead  bool // removed from the map by Sweep; writers must retry
}

// NewMemoryInbox creates an empty in-memory inbox store.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{}
}

func (s *MemoryInbox) Close() error                   { return nil }
func (s *MemoryInbox) Ping(ctx context.Context) error { return nil }
func (s *MemoryInbox) Backend() string                { return "memory" }

// Enqueue appends msg to the tail of every recipient's queue. The
// message is shared between queues and must not be mutated afterwards.
func (s *MemoryInbox) Enqueue(ctx context.Context, msg *models.Message) error {
	for _, recipient := range msg.To {
		for {
			v, _ := s.inboxes.LoadOrStore(recipient, &inbox{})
			ib := v.(*inbox)
			ib.mu.Lock()
			if ib.dead {
				ib.mu.Unlock()
				continue
			}
			ib.queue = append(ib.queue, msg)
			ib.mu.Unlock()
			break
		}
	}
	return nil
}

// Poll drains up to take live deliveries from the head of the queue.
func (s *MemoryInbox) Poll(ctx context.Context, agentID string, take int, now time.Time) (PollResult, error) {
	var result PollResult

	v, ok := s.inboxes.Load(agentID)
	if !ok {
		return result, nil
	}
	ib := v.(*inbox)

	ib.mu.Lock()
	defer ib.mu.Unlock()

	kept := make([]*models.Message, 0, len(ib.queue))
	for _, msg := range ib.queue {
		switch {
		case msg.Expired(now):
			result.Expired++
		case len(result.Messages) < take:
			result.Messages = append(result.Messages, copyMessage(msg))
		default:
			kept = append(kept, msg)
		}
	}
	ib.queue = kept
	result.Remaining = len(kept)
	return result, nil
}

// Sweep drops expired deliveries from every queue and forgets empty ones.
func (s *MemoryInbox) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	s.inboxes.Range(func(key, v any) bool {
		ib := v.(*inbox)
		ib.mu.Lock()
		kept := ib.queue[:0]
		for _, msg := range ib.queue {
			if msg.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		for i := len(kept); i < len(ib.queue); i++ {
			ib.queue[i] = nil
		}
		ib.queue = kept
		if len(ib.queue) == 0 {
			ib.dead = true
			s.inboxes.CompareAndDelete(key, ib)
		}
		ib.mu.Unlock()
		return ctx.Err() == nil
	})
	return removed, ctx.Err()
}

// Stats counts live deliveries per inbox and distinct stored messages.
func (s *MemoryInbox) Stats(ctx context.Context, now time.Time, top int) (models.InboxStats, error) {
	var stats models.InboxStats
	stored := make(map[string]struct{})
	var counts []models.InboxCount

	s.inboxes.Range(func(key, v any) bool {
		ib := v.(*inbox)
		ib.mu.Lock()
		var live int64
		for _, msg := range ib.queue {
			if !msg.Expired(now) {
				live++
				stored[msg.ID] = struct{}{}
			}
		}
		ib.mu.Unlock()
		if live > 0 {
			counts = append(counts, models.InboxCount{AgentID: key.(string), Count: live})
			stats.TotalQueued += live
		}
		return true
	})

	stats.StoredMessages = int64(len(stored))
	stats.Busiest = topInboxes(counts, top)
	return stats, nil
}

func topInboxes(counts []models.InboxCount, top int) []models.InboxCount {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].AgentID < counts[j].AgentID
	})
	if len(counts) > top {
		counts = counts[:top]
	}
	if counts == nil {
		counts = []models.InboxCount{}
	}
	return counts
}

func copyMessage(msg *models.Message) models.Message {
	m := *msg
	m.To = append([]string(nil), msg.To...)
	return m
}
