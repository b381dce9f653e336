// Package deaddrop provides a client for the deaddrop agent registry and
// message exchange.
package deaddrop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultBaseURL is used when no server URL is given.
const DefaultBaseURL = "http://localhost:8080"

// ErrNotRegistered is returned by authenticated calls when no API key
// has been loaded or issued.
var ErrNotRegistered = errors.New("deaddrop: no stored credentials, register first")

// Client is a deaddrop API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	AgentID    string
	APIKey     string
	HTTPClient *http.Client
}

// Config holds the agent credentials kept on disk.
type Config struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deaddrop error %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a new client and loads stored credentials if present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	configDir := os.Getenv("DEADDROP_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".deaddrop")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

func (c *Client) configFile() string {
	return filepath.Join(c.ConfigDir, "agent.json")
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(c.configFile())
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	c.AgentID = config.AgentID
	c.APIKey = config.APIKey
	return nil
}

// SaveConfig writes agent credentials to disk, readable by the owner only.
func (c *Client) SaveConfig(name string) error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(Config{AgentID: c.AgentID, Name: name, APIKey: c.APIKey}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile(), data, 0600)
}

// do performs a request and decodes a JSON response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			apiErr.Message = errResp.Error
		}
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(s) * time.Second
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) authed(ctx context.Context, method, path string, in, out interface{}) error {
	if c.APIKey == "" {
		return ErrNotRegistered
	}
	return c.do(ctx, method, path, c.APIKey, in, out)
}

// Agent is an agent profile as the server reports it.
type Agent struct {
	AgentID     string     `json:"agent_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Registration is the response to Register. APIKey is shown only once.
type Registration struct {
	Agent
	APIKey string `json:"api_key"`
}

// Register creates a new agent and stores its credentials.
func (c *Client) Register(ctx context.Context, name, description string) (*Registration, error) {
	var resp Registration
	err := c.do(ctx, http.MethodPost, "/agent/register", "", map[string]string{
		"name":        name,
		"description": description,
	}, &resp)
	if err != nil {
		return nil, err
	}

	c.AgentID = resp.AgentID
	c.APIKey = resp.APIKey
	if err := c.SaveConfig(resp.Name); err != nil {
		return &resp, fmt.Errorf("registered %s but failed to save credentials: %w", resp.AgentID, err)
	}
	return &resp, nil
}

// Profile returns the caller's own profile.
func (c *Client) Profile(ctx context.Context) (*Agent, error) {
	var resp Agent
	if err := c.authed(ctx, http.MethodGet, "/agent", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateDescription replaces the caller's description.
func (c *Client) UpdateDescription(ctx context.Context, description string) error {
	return c.authed(ctx, http.MethodPatch, "/agent", map[string]string{"description": description}, nil)
}

// Activate makes the caller discoverable and reachable again.
func (c *Client) Activate(ctx context.Context) error {
	return c.authed(ctx, http.MethodPost, "/agent/activate", nil, nil)
}

// Deactivate hides the caller from search and stops new deliveries.
func (c *Client) Deactivate(ctx context.Context) error {
	return c.authed(ctx, http.MethodPost, "/agent/deactivate", nil, nil)
}

// Match is one search hit.
type Match struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SearchResponse is the result of a capability search.
type SearchResponse struct {
	Results []Match `json:"results"`
	Message string  `json:"message,omitempty"`
}

// Search finds active agents whose name or description matches any phrase.
func (c *Client) Search(ctx context.Context, phrases ...string) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.do(ctx, http.MethodPost, "/agents/search", "", map[string][]string{"phrases": phrases}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgents returns every active agent, newest first.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// SendReceipt acknowledges an accepted message.
type SendReceipt struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Send delivers body to each recipient. An empty replyTo is omitted.
func (c *Client) Send(ctx context.Context, to []string, body, replyTo string) (*SendReceipt, error) {
	req := struct {
		To      []string `json:"to"`
		Body    string   `json:"body"`
		ReplyTo string   `json:"reply_to,omitempty"`
	}{to, body, replyTo}

	var resp SendReceipt
	if err := c.authed(ctx, http.MethodPost, "/messages/send", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message is a delivered message.
type Message struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Body      string    `json:"body"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PollResponse carries drained messages and the live backlog size.
type PollResponse struct {
	Messages  []Message `json:"messages"`
	Remaining int       `json:"remaining"`
}

// Poll drains up to take messages from the caller's inbox. A take of
// zero uses the server default.
func (c *Client) Poll(ctx context.Context, take int) (*PollResponse, error) {
	path := "/messages"
	if take > 0 {
		path += "?" + url.Values{"take": {strconv.Itoa(take)}}.Encode()
	}

	var resp PollResponse
	if err := c.authed(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AdminStats returns the service overview using the admin secret.
func (c *Client) AdminStats(ctx context.Context, secret string) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/admin/stats", secret, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
