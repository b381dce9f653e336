// Package registry owns agent identities: registration, credential
// checks and profile mutations, keeping the capability index in step
// with the agent store.
package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/deaddrop/internal/apperr"
	"github.com/eldtechnologies/deaddrop/internal/crypto"
	"github.com/eldtechnologies/deaddrop/internal/index"
	"github.com/eldtechnologies/deaddrop/internal/metrics"
	"github.com/eldtechnologies/deaddrop/internal/models"
	"github.com/eldtechnologies/deaddrop/internal/store"
)

const (
	MinNameLength        = 3
	MaxNameLength        = 128
	MaxDescriptionLength = 1024
)

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Registry coordinates the agent store and the capability index.
type Registry struct {
	agents store.AgentStore
	index  *index.Index
	hasher *crypto.KeyHasher
	clock  clockwork.Clock
	logger zerolog.Logger

	locks sync.Map // agent id -> *sync.Mutex
}

// New creates a registry.
func New(agents store.AgentStore, idx *index.Index, hasher *crypto.KeyHasher, clk clockwork.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		agents: agents,
		index:  idx,
		hasher: hasher,
		clock:  clk,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Registration is a new agent plus its plaintext credential. The
// credential is never available again.
type Registration struct {
	Agent  *models.Agent
	APIKey string
}

// RebuildIndex loads every agent from the store into the index.
func (r *Registry) RebuildIndex(ctx context.Context) (int, error) {
	agents, err := r.agents.ListAgents(ctx)
	if err != nil {
		return 0, apperr.Unavailable(err)
	}
	r.index.Rebuild(agents)
	return len(agents), nil
}

// Register validates and creates a new agent.
func (r *Registry) Register(ctx context.Context, name, description string) (*Registration, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)

	if n := utf8.RuneCountInString(name); n < MinNameLength || n > MaxNameLength {
		return nil, apperr.Validation("name must be %d-%d characters", MinNameLength, MaxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return nil, apperr.Validation("name must contain only alphanumeric characters, hyphens, or underscores")
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}

	key, hash, err := r.hasher.GenerateAPIKey()
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	agent := &models.Agent{
		ID:          crypto.NewAgentID(),
		Name:        name,
		Description: description,
		Active:      true,
		KeyHash:     hash,
		CreatedAt:   r.now(),
	}
	if err := r.agents.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return nil, apperr.Conflict("name '%s' is already taken", name)
		}
		return nil, apperr.Unavailable(err)
	}

	r.index.Registered(agent)
	metrics.AgentsRegistered.Inc()
	r.logger.Info().
		Str("agent_id", agent.ID).
		Str("name", agent.Name).
		Msg("agent registered")

	return &Registration{Agent: agent, APIKey: key}, nil
}

// Authenticate resolves an Authorization header value to its agent.
// Inactive agents authenticate so they can reactivate and drain mail.
func (r *Registry) Authenticate(ctx context.Context, authorization string) (*models.Agent, error) {
	key, err := crypto.ParseBearer(authorization)
	if err != nil {
		if errors.Is(err, crypto.ErrMissingCredential) {
			return nil, apperr.Unauthorized("missing Authorization header")
		}
		return nil, apperr.Unauthorized("invalid or missing auth token")
	}

	agent, err := r.agents.GetAgentByKeyHash(ctx, r.hasher.Hash(key))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if agent == nil {
		return nil, apperr.Unauthorized("invalid or missing auth token")
	}
	return agent, nil
}

// Profile returns the agent's current record.
func (r *Registry) Profile(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := r.agents.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if agent == nil {
		return nil, apperr.NotFound("agent '%s' not found", agentID)
	}
	return agent, nil
}

// UpdateDescription replaces the description and re-indexes the agent.
func (r *Registry) UpdateDescription(ctx context.Context, agentID, description string) error {
	description = strings.TrimSpace(description)
	if err := validateDescription(description); err != nil {
		return err
	}

	unlock := r.lock(agentID)
	defer unlock()

	if err := r.agents.UpdateDescription(ctx, agentID, description, r.now()); err != nil {
		return r.mutationError(agentID, err)
	}
	return r.reindex(ctx, agentID)
}

// SetActive activates or deactivates an agent. Setting the current
// state again succeeds without touching updated_at.
func (r *Registry) SetActive(ctx context.Context, agentID string, active bool) error {
	unlock := r.lock(agentID)
	defer unlock()

	changed, err := r.agents.SetActive(ctx, agentID, active, r.now())
	if err != nil {
		return r.mutationError(agentID, err)
	}
	if !changed {
		return nil
	}

	state := "inactive"
	if active {
		state = "active"
	}
	metrics.AgentStateChanges.WithLabelValues(state).Inc()
	r.logger.Info().Str("agent_id", agentID).Str("state", state).Msg("agent state changed")

	return r.reindex(ctx, agentID)
}

// ResolveActive checks that every id names an active agent. The error
// does not distinguish unknown agents from inactive ones.
func (r *Registry) ResolveActive(ctx context.Context, ids []string) error {
	for _, id := range ids {
		agent, err := r.agents.GetAgentByID(ctx, id)
		if err != nil {
			return apperr.Unavailable(err)
		}
		if agent == nil || !agent.Active {
			return apperr.NotFound("recipient '%s' not found or inactive", id)
		}
	}
	return nil
}

// now is the current time at the second precision used on the wire.
func (r *Registry) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Second)
}

// lock serializes mutations of one agent and returns the unlock func.
func (r *Registry) lock(agentID string) func() {
	v, _ := r.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// reindex projects the stored record into the index. Callers hold the
// agent's lock.
func (r *Registry) reindex(ctx context.Context, agentID string) error {
	agent, err := r.agents.GetAgentByID(ctx, agentID)
	if err != nil {
		return apperr.Unavailable(err)
	}
	if agent == nil {
		r.index.Remove(agentID)
		return nil
	}
	r.index.Put(agent)
	return nil
}

func (r *Registry) mutationError(agentID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("agent '%s' not found", agentID)
	}
	return apperr.Unavailable(err)
}

func validateDescription(description string) error {
	if n := utf8.RuneCountInString(description); n < 1 || n > MaxDescriptionLength {
		return apperr.Validation("description must be 1-%d characters", MaxDescriptionLength)
	}
	return nil
}
