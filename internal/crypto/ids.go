package crypto

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	AgentIDPrefix   = "dd_"
	MessageIDPrefix = "msg_"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewAgentID returns a fresh agent identifier.
func NewAgentID() string {
	return AgentIDPrefix + NewUUIDv7().String()
}

// NewMessageID returns a fresh, lexically time-ordered message identifier.
func NewMessageID() string {
	return MessageIDPrefix + ulid.Make().String()
}
