package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryLimiter keeps one window per key, each under its own lock.
type MemoryLimiter struct {
	clock   clockwork.Clock
	windows sync.Map // key -> *window
	nextID  atomic.Uint64
}

type hit struct {
	at time.Time
	id uint64
}

type window struct {
	mu   sync.Mutex
	hits []hit // ascending by at
	dead bool  // removed by Sweep; callers must load a fresh window
}

// prune drops hits that left the window ending at now.
func (w *window) prune(now time.Time, span time.Duration) {
	i := 0
	for i < len(w.hits) && !now.Before(w.hits[i].at.Add(span)) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// NewMemoryLimiter creates a limiter reading time from clk.
func NewMemoryLimiter(clk clockwork.Clock) *MemoryLimiter {
	return &MemoryLimiter{clock: clk}
}

// Reserve records an event for key if fewer than limit.Requests events
// happened in the last limit.Window.
func (l *MemoryLimiter) Reserve(ctx context.Context, key string, limit Limit) (Decision, error) {
	w := l.lockWindow(key)
	defer w.mu.Unlock()

	now := l.clock.Now()
	w.prune(now, limit.Window)
	d := Decision{Limit: limit.Requests}
	if len(w.hits) >= limit.Requests {
		d.RetryAfter = retryAfter(w.hits[0].at.Add(limit.Window).Sub(now))
		return d, nil
	}

	id := l.nextID.Add(1)
	w.hits = append(w.hits, hit{at: now, id: id})
	d.Allowed = true
	d.Remaining = limit.Requests - len(w.hits)
	d.token = formatToken(id)
	return d, nil
}

// lockWindow returns key's live window, locked.
func (l *MemoryLimiter) lockWindow(key string) *window {
	for {
		v, _ := l.windows.LoadOrStore(key, &window{})
		w := v.(*window)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// Cancel removes the event recorded by an allowed reservation.
func (l *MemoryLimiter) Cancel(ctx context.Context, key string, d Decision) error {
	if !d.Allowed {
		return nil
	}
	v, ok := l.windows.Load(key)
	if !ok {
		return nil
	}
	w := v.(*window)
	id := parseToken(d.token)

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, h := range w.hits {
		if h.id == id {
			w.hits = append(w.hits[:i], w.hits[i+1:]...)
			break
		}
	}
	return nil
}

// Sweep forgets keys with no events younger than maxWindow.
func (l *MemoryLimiter) Sweep(maxWindow time.Duration) int {
	now := l.clock.Now()
	removed := 0
	l.windows.Range(func(key, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		w.prune(now, maxWindow)
		if len(w.hits) == 0 {
			w.dead = true
			l.windows.CompareAndDelete(key, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

var _ Blocker = (*MemoryBlocker)(nil)

// MemoryBlocker keeps blocks and violation counters in memory.
type MemoryBlocker struct {
	clock      clockwork.Clock
	mu         sync.Mutex
	blocks     map[string]time.Time // key -> block expiry
	violations map[string]violation
}

type violation struct {
	count   int64
	resetAt time.Time
}

// NewMemoryBlocker creates an in-memory blocker.
func NewMemoryBlocker(clk clockwork.Clock) *MemoryBlocker {
	return &MemoryBlocker{
		clock:      clk,
		blocks:     make(map[string]time.Time),
		violations: make(map[string]violation),
	}
}

func (b *MemoryBlocker) IsBlocked(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.blocks[key]
	if !ok {
		return false, nil
	}
	if !b.clock.Now().Before(until) {
		delete(b.blocks, key)
		return false, nil
	}
	return true, nil
}

func (b *MemoryBlocker) Block(ctx context.Context, key string, duration time.Duration, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[key] = b.clock.Now().Add(duration)
	return nil
}

func (b *MemoryBlocker) Unblock(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocks, key)
	return nil
}

func (b *MemoryBlocker) RecordViolation(ctx context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	v := b.violations[key]
	if !now.Before(v.resetAt) {
		v = violation{resetAt: now.Add(window)}
	}
	v.count++
	b.violations[key] = v
	return v.count, nil
}

func formatToken(id uint64) string {
	return strconv.FormatUint(id, 36)
}

func parseToken(token string) uint64 {
	id, _ := strconv.ParseUint(token, 36, 64)
	return id
}
