package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eldtechnologies/deaddrop/internal/models"
)

var _ AgentStore = (*MemoryStore)(nil)

// MemoryStore keeps agents in process memory. Each record carries its
// own lock so mutations on different agents never contend, and names
// are reserved with an atomic LoadOrStore.
type MemoryStore struct {
	seq    atomic.Int64
	count  atomic.Int64
	byID   sync.Map // agent id -> *agentRecord
	byName sync.Map // case-folded name -> agent id
	byKey  sync.Map // key hash -> agent id
}

type agentRecord struct {
	mu    sync.RWMutex
	agent models.Agent
}

func (r *agentRecord) snapshot() *models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.agent
	if a.UpdatedAt != nil {
		t := *a.UpdatedAt
		a.UpdatedAt = &t
	}
	return &a
}

// NewMemoryStore creates an empty in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Close()                         {}
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Backend() string                { return "memory" }

// CreateAgent reserves the name and stores the agent.
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if _, taken := s.byName.LoadOrStore(models.NameKey(agent.Name), agent.ID); taken {
		return ErrNameTaken
	}
	agent.Seq = s.seq.Add(1)
	rec := &agentRecord{agent: *agent}
	s.byID.Store(agent.ID, rec)
	s.byKey.Store(agent.KeyHash, agent.ID)
	s.count.Add(1)
	return nil
}

func (s *MemoryStore) record(id string) *agentRecord {
	v, ok := s.byID.Load(id)
	if !ok {
		return nil
	}
	return v.(*agentRecord)
}

// GetAgentByID retrieves an agent by ID.
func (s *MemoryStore) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, nil
	}
	return rec.snapshot(), nil
}

// GetAgentByKeyHash retrieves the agent owning a credential derivation.
func (s *MemoryStore) GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.Agent, error) {
	id, ok := s.byKey.Load(keyHash)
	if !ok {
		return nil, nil
	}
	return s.GetAgentByID(ctx, id.(string))
}

// UpdateDescription sets a new description.
func (s *MemoryStore) UpdateDescription(ctx context.Context, id, description string, at time.Time) error {
	rec := s.record(id)
	if rec == nil {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.agent.Description = description
	rec.agent.UpdatedAt = &at
	return nil
}

// SetActive flips the active flag when it differs.
func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool, at time.Time) (bool, error) {
	rec := s.record(id)
	if rec == nil {
		return false, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.agent.Active == active {
		return false, nil
	}
	rec.agent.Active = active
	rec.agent.UpdatedAt = &at
	return true, nil
}

// ListAgents returns all agents in registration order.
func (s *MemoryStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	s.byID.Range(func(_, v any) bool {
		agents = append(agents, *v.(*agentRecord).snapshot())
		return true
	})
	sort.Slice(agents, func(i, j int) bool { return agents[i].Seq < agents[j].Seq })
	return agents, nil
}

// CountAgents returns the total number of registered agents.
func (s *MemoryStore) CountAgents(ctx context.Context) (int64, error) {
	return s.count.Load(), nil
}
