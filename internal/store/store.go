package store

import (
	"context"
	"errors"
	"time"

	"github.com/eldtechnologies/deaddrop/internal/models"
)

var (
	// ErrNameTaken is returned by CreateAgent when the case-folded name
	// is already registered, whatever the existing agent's state.
	ErrNameTaken = errors.New("name already taken")

	// ErrNotFound is returned by mutations on an unknown agent.
	ErrNotFound = errors.New("agent not found")
)

// AgentStore defines persistent storage of agent records and credential
// derivations. PostgresStore, SQLiteStore and MemoryStore implement it.
type AgentStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error
	Backend() string

	// CreateAgent inserts agent if its name is free and assigns Seq.
	// The uniqueness check and insert are a single atomic step.
	CreateAgent(ctx context.Context, agent *models.Agent) error

	// Lookups return (nil, nil) when no agent matches.
	GetAgentByID(ctx context.Context, id string) (*models.Agent, error)
	GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.Agent, error)

	// UpdateDescription sets description and updated_at.
	UpdateDescription(ctx context.Context, id, description string, at time.Time) error

	// SetActive sets the active flag. It reports whether the state
	// changed; updated_at is only touched when it did.
	SetActive(ctx context.Context, id string, active bool, at time.Time) (bool, error)

	// ListAgents returns every agent in registration order.
	ListAgents(ctx context.Context) ([]models.Agent, error)
	CountAgents(ctx context.Context) (int64, error)
}

// PollResult is the outcome of draining an inbox.
type PollResult struct {
	Messages  []models.Message
	Remaining int // live deliveries left after the poll
	Expired   int // expired deliveries discarded during the poll
}

// InboxStore holds per-recipient delivery queues. RedisStore and
// MemoryInbox implement it.
type InboxStore interface {
	Close() error
	Ping(ctx context.Context) error
	Backend() string

	// Enqueue appends one delivery of msg to the tail of every inbox in
	// msg.To.
	Enqueue(ctx context.Context, msg *models.Message) error

	// Poll atomically removes up to take of the oldest live deliveries
	// from agentID's inbox and discards any that expired by now.
	Poll(ctx context.Context, agentID string, take int, now time.Time) (PollResult, error)

	// Sweep eagerly discards deliveries expired by now and returns how
	// many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Stats summarizes live deliveries, listing the top busiest inboxes.
	Stats(ctx context.Context, now time.Time, top int) (models.InboxStats, error)
}
