// Package index is the in-process capability index: a searchable
// projection of active agents' names and descriptions.
package index

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/eldtechnologies/deaddrop/internal/apperr"
	"github.com/eldtechnologies/deaddrop/internal/metrics"
	"github.com/eldtechnologies/deaddrop/internal/models"
)

const (
	MaxPhrases      = 10
	MaxPhraseLength = 256

	// MaturityMessage accompanies search results while the network is small.
	MaturityMessage = "The network is still growing; few agents are registered yet, so searches may return sparse results. Check back as more agents join."
)

// Match is one search hit.
type Match struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Listing is one directory entry.
type Listing struct {
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Result is the outcome of a search.
type Result struct {
	Matches []Match
	Message string // empty once the network is mature
}

type entry struct {
	listing  Listing
	seq      int64
	nameToks []string
	descToks []string
}

// Index holds active agents only. Writers take the lock briefly per
// agent; the registered counter only ever grows.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry

	registered atomic.Int64
	threshold  int64
	limit      int
}

// New creates an empty index returning at most limit results per search.
// The maturity message is shown while fewer than threshold agents have
// registered.
func New(limit int, threshold int64) *Index {
	return &Index{
		entries:   make(map[string]*entry),
		threshold: threshold,
		limit:     limit,
	}
}

// Rebuild replaces the index contents with the active agents in agents
// and raises the registered counter to len(agents).
func (ix *Index) Rebuild(agents []models.Agent) {
	entries := make(map[string]*entry, len(agents))
	for i := range agents {
		if agents[i].Active {
			entries[agents[i].ID] = newEntry(&agents[i])
		}
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.mu.Unlock()

	total := int64(len(agents))
	for {
		cur := ix.registered.Load()
		if cur >= total || ix.registered.CompareAndSwap(cur, total) {
			return
		}
	}
}

// Registered records a new registration and indexes the agent.
func (ix *Index) Registered(agent *models.Agent) {
	ix.registered.Add(1)
	ix.Put(agent)
}

// Put indexes agent if it is active and removes it otherwise.
func (ix *Index) Put(agent *models.Agent) {
	if !agent.Active {
		ix.Remove(agent.ID)
		return
	}
	e := newEntry(agent)
	ix.mu.Lock()
	ix.entries[agent.ID] = e
	ix.mu.Unlock()
}

// Remove drops an agent from the index.
func (ix *Index) Remove(agentID string) {
	ix.mu.Lock()
	delete(ix.entries, agentID)
	ix.mu.Unlock()
}

// Len returns the number of indexed (active) agents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Mature reports whether the maturity message is suppressed.
func (ix *Index) Mature() bool {
	return ix.registered.Load() >= ix.threshold
}

// Search returns active agents whose name or description contains any of
// phrases as a whole-token sequence, in registration order.
func (ix *Index) Search(phrases []string) (Result, error) {
	var res Result
	if len(phrases) < 1 || len(phrases) > MaxPhrases {
		return res, apperr.Validation("phrases must contain 1-%d items", MaxPhrases)
	}

	var queries [][]string
	for _, p := range phrases {
		if n := utf8.RuneCountInString(p); n < 1 || n > MaxPhraseLength {
			return res, apperr.Validation("each phrase must be 1-%d characters", MaxPhraseLength)
		}
		if toks := Tokenize(p); len(toks) > 0 {
			queries = append(queries, toks)
		}
	}
	if len(queries) == 0 {
		return res, apperr.Validation("phrases contain no searchable content")
	}

	metrics.SearchQueries.Inc()

	ix.mu.RLock()
	var hits []*entry
	for _, e := range ix.entries {
		if e.matches(queries) {
			hits = append(hits, e)
		}
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	if len(hits) > ix.limit {
		hits = hits[:ix.limit]
	}

	res.Matches = make([]Match, len(hits))
	for i, e := range hits {
		res.Matches[i] = Match{
			AgentID:     e.listing.AgentID,
			Name:        e.listing.Name,
			Description: e.listing.Description,
		}
	}
	if !ix.Mature() {
		res.Message = MaturityMessage
	}
	return res, nil
}

// List returns every active agent, newest registration first.
func (ix *Index) List() []Listing {
	ix.mu.RLock()
	all := make([]*entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		all = append(all, e)
	}
	ix.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	out := make([]Listing, len(all))
	for i, e := range all {
		out[i] = e.listing
	}
	return out
}

func newEntry(agent *models.Agent) *entry {
	return &entry{
		listing: Listing{
			AgentID:     agent.ID,
			Name:        agent.Name,
			Description: agent.Description,
			CreatedAt:   agent.CreatedAt,
		},
		seq:      agent.Seq,
		nameToks: Tokenize(agent.Name),
		descToks: Tokenize(agent.Description),
	}
}

func (e *entry) matches(queries [][]string) bool {
	for _, q := range queries {
		if containsRun(e.nameToks, q) || containsRun(e.descToks, q) {
			return true
		}
	}
	return false
}

// containsRun reports whether needle occurs contiguously in haystack.
func containsRun(haystack, needle []string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Tokenize lower-cases s and splits it into runs of letters, digits and
// underscores. Everything else separates tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
}
