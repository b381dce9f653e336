package models

import (
	"strings"
	"time"
)

// Agent represents a registered network participant.
type Agent struct {
	ID          string     `json:"agent_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Active      bool       `json:"active"`
	KeyHash     string     `json:"-"` // derivation of the API key, never the key itself
	Seq         int64      `json:"-"` // registration order
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// NameKey returns the case-folded form of name used for uniqueness.
func NameKey(name string) string {
	return strings.ToLower(name)
}
