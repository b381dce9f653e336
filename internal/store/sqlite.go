package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/deaddrop/internal/metrics"
	"github.com/eldtechnologies/deaddrop/internal/models"
)

var _ AgentStore = (*SQLiteStore)(nil)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/deaddrop.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/deaddrop.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		name_key TEXT UNIQUE NOT NULL,
		description TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		key_hash TEXT UNIQUE NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

// CreateAgent inserts a new agent. The UNIQUE name_key column makes the
// uniqueness check part of the insert.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	defer metrics.ObserveStore("sqlite", "create_agent", time.Now())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, name_key, description, active, key_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, models.NameKey(agent.Name), agent.Description,
		agent.Active, agent.KeyHash, agent.CreatedAt.UTC())
	if err != nil {
		if isNameConflict(err) {
			return ErrNameTaken
		}
		return err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	agent.Seq = seq
	return nil
}

func isNameConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "agents.name_key")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var updatedAt sql.NullTime
	err := row.Scan(
		&agent.Seq,
		&agent.ID,
		&agent.Name,
		&agent.Description,
		&agent.Active,
		&agent.KeyHash,
		&agent.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if updatedAt.Valid {
		agent.UpdatedAt = &updatedAt.Time
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by ID.
func (s *SQLiteStore) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	defer metrics.ObserveStore("sqlite", "get_agent", time.Now())
	return scanSQLiteAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
}

// GetAgentByKeyHash retrieves the agent owning a credential derivation.
func (s *SQLiteStore) GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.Agent, error) {
	defer metrics.ObserveStore("sqlite", "get_agent_by_key", time.Now())
	return scanSQLiteAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE key_hash = ?`, keyHash))
}

// UpdateDescription sets a new description.
func (s *SQLiteStore) UpdateDescription(ctx context.Context, id, description string, at time.Time) error {
	defer metrics.ObserveStore("sqlite", "update_description", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET description = ?, updated_at = ? WHERE id = ?
	`, description, at.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips the active flag when it differs.
func (s *SQLiteStore) SetActive(ctx context.Context, id string, active bool, at time.Time) (bool, error) {
	defer metrics.ObserveStore("sqlite", "set_active", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET active = ?, updated_at = ? WHERE id = ? AND active <> ?
	`, active, at.UTC(), id, active)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// ListAgents returns all agents in registration order.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	defer metrics.ObserveStore("sqlite", "list_agents", time.Now())

	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// CountAgents returns the total number of registered agents.
func (s *SQLiteStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}
