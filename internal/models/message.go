package models

import "time"

// Message is one logical send. Each recipient in To receives an
// independent delivery of the same immutable record.
type Message struct {
	ID        string    `json:"message_id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Body      string    `json:"body"`
	ReplyTo   string    `json:"reply_to,omitempty"` // opaque threading hint
	CreatedAt time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"-"`
}

// Expired reports whether the message is unreachable at now.
func (m *Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// InboxCount is the number of pending deliveries for one agent.
type InboxCount struct {
	AgentID string `json:"agent_id"`
	Count   int64  `json:"count"`
}

// InboxStats summarizes pending deliveries across all inboxes.
type InboxStats struct {
	TotalQueued    int64        `json:"total_queued"`
	StoredMessages int64        `json:"-"`
	Busiest        []InboxCount `json:"busiest"`
}
