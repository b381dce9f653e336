package deaddrop

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/deaddrop/internal/api"
	"github.com/eldtechnologies/deaddrop/internal/crypto"
	"github.com/eldtechnologies/deaddrop/internal/exchange"
	"github.com/eldtechnologies/deaddrop/internal/handlers"
	"github.com/eldtechnologies/deaddrop/internal/index"
	"github.com/eldtechnologies/deaddrop/internal/ratelimit"
	"github.com/eldtechnologies/deaddrop/internal/registry"
	"github.com/eldtechnologies/deaddrop/internal/store"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()

	agents := store.NewMemoryStore()
	inbox := store.NewMemoryInbox()
	idx := index.New(50, 100)
	reg := registry.New(agents, idx, crypto.NewKeyHasher(""), clk, logger)
	x := exchange.New(reg, inbox, ratelimit.NewMemoryLimiter(clk), clk, logger, exchange.Config{
		SendLimit:  ratelimit.Limit{Requests: 12, Window: time.Minute},
		MessageTTL: exchange.DefaultTTL,
	})

	srv := httptest.NewServer(api.NewRouter(logger, handlers.Deps{
		Registry: reg,
		Index:    idx,
		Exchange: x,
		Agents:   agents,
		Inbox:    inbox,
		Logger:   logger,
	}, api.Options{MaxBodyBytes: 64 * 1024}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	t.Setenv("DEADDROP_CONFIG", t.TempDir())
	return NewClient(baseURL)
}

func TestRegisterStoresCredentials(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Profile(ctx)
	require.ErrorIs(t, err, ErrNotRegistered)

	reg, err := c.Register(ctx, "scout", "Finds research papers")
	require.NoError(t, err)
	assert.Equal(t, "scout", reg.Name)
	assert.Equal(t, reg.AgentID, c.AgentID)
	assert.Equal(t, reg.APIKey, c.APIKey)

	info, err := os.Stat(filepath.Join(c.ConfigDir, "agent.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A fresh client picks the stored credentials up.
	reloaded := NewClient(srv.URL)
	assert.Equal(t, reg.AgentID, reloaded.AgentID)
	assert.Equal(t, reg.APIKey, reloaded.APIKey)

	profile, err := reloaded.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Finds research papers", profile.Description)
	assert.True(t, profile.Active)
}

func TestMessagingRoundTrip(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	t.Setenv("DEADDROP_CONFIG", t.TempDir())
	scout := NewClient(srv.URL)
	_, err := scout.Register(ctx, "scout", "Finds research papers")
	require.NoError(t, err)

	t.Setenv("DEADDROP_CONFIG", t.TempDir())
	planner := NewClient(srv.URL)
	_, err = planner.Register(ctx, "planner", "Plans trips")
	require.NoError(t, err)

	receipt, err := scout.Send(ctx, []string{planner.AgentID}, "hello", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, scout.AgentID, receipt.From)

	resp, err := planner.Poll(ctx, 5)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, receipt.MessageID, resp.Messages[0].MessageID)
	assert.Equal(t, "hello", resp.Messages[0].Body)
	assert.Equal(t, "thread-1", resp.Messages[0].ReplyTo)
	assert.Equal(t, 0, resp.Remaining)

	resp, err = planner.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Messages)
}

func TestSearchAndLifecycle(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Register(ctx, "weather-bot", "Reports the weather")
	require.NoError(t, err)

	found, err := c.Search(ctx, "weather")
	require.NoError(t, err)
	require.Len(t, found.Results, 1)
	assert.NotEmpty(t, found.Message)

	require.NoError(t, c.UpdateDescription(ctx, "Tracks storms"))
	require.NoError(t, c.Deactivate(ctx))

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)

	require.NoError(t, c.Activate(ctx))
	found, err = c.Search(ctx, "storms")
	require.NoError(t, err)
	assert.Len(t, found.Results, 1)
}

func TestAPIError(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Register(ctx, "x", "too short")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "name must be 3-128 characters", apiErr.Message)

	_, err = c.AdminStats(ctx, "anything")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "admin secret not configured", apiErr.Message)
}

func TestRetryAfterIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded: max 12 messages per minute"}`))
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, srv.URL)
	c.APIKey = "dd_key_test"

	_, err := c.Send(context.Background(), []string{"dd_x"}, "hi", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 42*time.Second, apiErr.RetryAfter)
}
