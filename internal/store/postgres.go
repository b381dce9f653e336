package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/deaddrop/internal/metrics"
	"github.com/eldtechnologies/deaddrop/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	pgUniqueViolation   = "23505"
	pgNameKeyConstraint = "agents_name_key_unique"

	agentColumns = "seq, id, name, description, active, key_hash, created_at, updated_at"
)

var _ AgentStore = (*PostgresStore)(nil)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// RunMigrations applies the embedded schema files in name order. Every
// file is idempotent, so running them on each start is safe.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationFiles.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Backend() string { return "postgres" }

// CreateAgent inserts a new agent. The name_key constraint makes the
// uniqueness check part of the insert.
func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	defer metrics.ObserveStore("postgres", "create_agent", time.Now())

	err := s.pool.QueryRow(ctx, `
		INSERT INTO agents (id, name, name_key, description, active, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`, agent.ID, agent.Name, models.NameKey(agent.Name), agent.Description,
		agent.Active, agent.KeyHash, agent.CreatedAt).Scan(&agent.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == pgNameKeyConstraint {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	agent := &models.Agent{}
	err := row.Scan(
		&agent.Seq,
		&agent.ID,
		&agent.Name,
		&agent.Description,
		&agent.Active,
		&agent.KeyHash,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by ID.
func (s *PostgresStore) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	defer metrics.ObserveStore("postgres", "get_agent", time.Now())
	return scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetAgentByKeyHash retrieves the agent owning a credential derivation.
func (s *PostgresStore) GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.Agent, error) {
	defer metrics.ObserveStore("postgres", "get_agent_by_key", time.Now())
	return scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE key_hash = $1`, keyHash))
}

// UpdateDescription sets a new description.
func (s *PostgresStore) UpdateDescription(ctx context.Context, id, description string, at time.Time) error {
	defer metrics.ObserveStore("postgres", "update_description", time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET description = $2, updated_at = $3 WHERE id = $1
	`, id, description, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips the active flag when it differs.
func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool, at time.Time) (bool, error) {
	defer metrics.ObserveStore("postgres", "set_active", time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET active = $2, updated_at = $3 WHERE id = $1 AND active <> $2
	`, id, active, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// ListAgents returns all agents in registration order.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	defer metrics.ObserveStore("postgres", "list_agents", time.Now())

	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// CountAgents returns the total number of registered agents.
func (s *PostgresStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}
