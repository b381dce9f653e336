package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/deaddrop/internal/models"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAgent(n int, name string) *models.Agent {
	return &models.Agent{
		ID:          fmt.Sprintf("dd_test-%04d", n),
		Name:        name,
		Description: "Summarizes research papers",
		Active:      true,
		KeyHash:     fmt.Sprintf("hash-%04d", n),
		CreatedAt:   testEpoch,
	}
}

// agentStoreSuite runs the behaviour every AgentStore must share.
func agentStoreSuite(t *testing.T, newStore func(t *testing.T) AgentStore) {
	ctx := context.Background()

	t.Run("create and lookup", func(t *testing.T) {
		s := newStore(t)
		a := newTestAgent(1, "scout")
		require.NoError(t, s.CreateAgent(ctx, a))
		assert.Positive(t, a.Seq)

		got, err := s.GetAgentByID(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "scout", got.Name)
		assert.Equal(t, a.Description, got.Description)
		assert.True(t, got.Active)
		assert.True(t, got.CreatedAt.Equal(testEpoch))
		assert.Nil(t, got.UpdatedAt)

		byKey, err := s.GetAgentByKeyHash(ctx, a.KeyHash)
		require.NoError(t, err)
		require.NotNil(t, byKey)
		assert.Equal(t, a.ID, byKey.ID)

		missing, err := s.GetAgentByID(ctx, "dd_missing")
		require.NoError(t, err)
		assert.Nil(t, missing)

		missing, err = s.GetAgentByKeyHash(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("name is unique case-insensitively", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, newTestAgent(1, "Planner")))
		assert.ErrorIs(t, s.CreateAgent(ctx, newTestAgent(2, "planner")), ErrNameTaken)

		// Still taken while the owner is inactive.
		_, err := s.SetActive(ctx, "dd_test-0001", false, testEpoch)
		require.NoError(t, err)
		assert.ErrorIs(t, s.CreateAgent(ctx, newTestAgent(3, "PLANNER")), ErrNameTaken)

		count, err := s.CountAgents(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("concurrent registrations of one name", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.CreateAgent(ctx, newTestAgent(i, "racer"))
				if err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, ErrNameTaken)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("update description", func(t *testing.T) {
		s := newStore(t)
		a := newTestAgent(1, "scout")
		require.NoError(t, s.CreateAgent(ctx, a))

		at := testEpoch.Add(time.Hour)
		require.NoError(t, s.UpdateDescription(ctx, a.ID, "Finds flights", at))

		got, err := s.GetAgentByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Finds flights", got.Description)
		require.NotNil(t, got.UpdatedAt)
		assert.True(t, got.UpdatedAt.Equal(at))

		assert.ErrorIs(t, s.UpdateDescription(ctx, "dd_missing", "x", at), ErrNotFound)
	})

	t.Run("set active is idempotent", func(t *testing.T) {
		s := newStore(t)
		a := newTestAgent(1, "scout")
		require.NoError(t, s.CreateAgent(ctx, a))

		changed, err := s.SetActive(ctx, a.ID, true, testEpoch)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = s.SetActive(ctx, a.ID, false, testEpoch.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.SetActive(ctx, a.ID, false, testEpoch.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := s.GetAgentByID(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		require.NotNil(t, got.UpdatedAt)
		assert.True(t, got.UpdatedAt.Equal(testEpoch.Add(time.Minute)))

		_, err = s.SetActive(ctx, "dd_missing", true, testEpoch)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list in registration order", func(t *testing.T) {
		s := newStore(t)
		for i, name := range []string{"charlie", "alpha", "bravo"} {
			require.NoError(t, s.CreateAgent(ctx, newTestAgent(i, name)))
		}

		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 3)
		assert.Equal(t, "charlie", agents[0].Name)
		assert.Equal(t, "alpha", agents[1].Name)
		assert.Equal(t, "bravo", agents[2].Name)
		assert.Less(t, agents[0].Seq, agents[1].Seq)
		assert.Less(t, agents[1].Seq, agents[2].Seq)
	})
}

func TestMemoryStore(t *testing.T) {
	agentStoreSuite(t, func(t *testing.T) AgentStore {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	agentStoreSuite(t, func(t *testing.T) AgentStore {
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "agents.db"))
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "agents.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateAgent(ctx, newTestAgent(1, "scout")))
	s.Close()

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetAgentByID(ctx, "dd_test-0001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "scout", got.Name)
}

// TestPostgresStore needs a disposable database in TEST_DATABASE_URL.
func TestPostgresStore(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, databaseURL))

	agentStoreSuite(t, func(t *testing.T) AgentStore {
		s, err := NewPostgresStore(ctx, databaseURL)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE agents RESTART IDENTITY`)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}
