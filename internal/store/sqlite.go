// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task/user persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			endpoint_url TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			stage TEXT NOT NULL DEFAULT 'registered',
			total_tasks INTEGER NOT NULL DEFAULT 0,
			successful_tasks INTEGER NOT NULL DEFAULT 0,
			total_exec_time REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_category ON agents(category);
		CREATE INDEX IF NOT EXISTS idx_agents_stage ON agents(stage);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			execution_time REAL NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			completed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_customer ON tasks(customer_id);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			credits REAL NOT NULL DEFAULT 0,
			total_spent REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// RegisterAgent inserts a new agent listing.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	metadata, err := json.Marshal(agent.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Stage == "" {
		agent.Stage = StageRegistered
	}

	query := `
		INSERT INTO agents (id, name, description, category, endpoint_url, metadata, stage,
			total_tasks, successful_tasks, total_exec_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Description,
		agent.Category,
		agent.EndpointURL,
		string(metadata),
		agent.Stage,
		agent.TotalTasks,
		agent.SuccessfulTasks,
		agent.TotalExecTime,
		agent.CreatedAt.Format(time.RFC3339),
		agent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, agent.ID)
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("registered agent", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent listing by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, name, description, category, endpoint_url, metadata, stage,
			total_tasks, successful_tasks, total_exec_time, created_at, updated_at
		FROM agents WHERE id = ?
	`
	return s.scanAgent(s.db.QueryRowContext(ctx, query, id))
}

// SetAgentStage updates the lifecycle stage of an agent listing.
func (s *SQLiteStore) SetAgentStage(ctx context.Context, id, stage string) error {
	query := `UPDATE agents SET stage = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, stage, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating agent stage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// SearchAgents returns registered agents matching the filter, newest first.
func (s *SQLiteStore) SearchAgents(ctx context.Context, filter SearchFilter) ([]*Agent, error) {
	query := `
		SELECT id, name, description, category, endpoint_url, metadata, stage,
			total_tasks, successful_tasks, total_exec_time, created_at, updated_at
		FROM agents WHERE stage = ?
	`
	args := []any{StageRegistered}

	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}
	if filter.NamePattern != "" {
		query += " AND name LIKE ?"
		args = append(args, "%"+filter.NamePattern+"%")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStats accumulates task outcome counters on the agent listing.
func (s *SQLiteStore) UpdateAgentStats(ctx context.Context, id string, success bool, execTime float64) error {
	successful := 0
	if success {
		successful = 1
	}
	query := `
		UPDATE agents
		SET total_tasks = total_tasks + 1,
			successful_tasks = successful_tasks + ?,
			total_exec_time = total_exec_time + ?,
			updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, successful, execTime, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating agent stats: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	parameters, err := json.Marshal(task.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}

	query := `
		INSERT INTO tasks (id, agent_id, customer_id, instance_id, endpoint, parameters,
			status, result, error, execution_time, cost, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.CustomerID,
		task.InstanceID,
		task.Endpoint,
		string(parameters),
		task.Status,
		encodeResult(task.Result),
		task.Error,
		task.ExecutionTime,
		task.Cost,
		task.CreatedAt.Format(time.RFC3339),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// UpdateTask persists the mutable fields of a task record.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks
		SET status = ?, result = ?, error = ?, execution_time = ?, cost = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		task.Status,
		encodeResult(task.Result),
		task.Error,
		task.ExecutionTime,
		task.Cost,
		nullTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, task.ID)
	}
	return nil
}

// GetTask retrieves a task record by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `
		SELECT id, agent_id, customer_id, instance_id, endpoint, parameters,
			status, result, error, execution_time, cost, created_at, completed_at
		FROM tasks WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var task Task
	var parameters string
	var result sql.NullString
	var createdAt string
	var completedAt sql.NullString

	err := row.Scan(
		&task.ID,
		&task.AgentID,
		&task.CustomerID,
		&task.InstanceID,
		&task.Endpoint,
		&parameters,
		&task.Status,
		&result,
		&task.Error,
		&task.ExecutionTime,
		&task.Cost,
		&createdAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	if err := json.Unmarshal([]byte(parameters), &task.Parameters); err != nil {
		return nil, fmt.Errorf("decoding parameters: %w", err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &task.Result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
	}
	task.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		task.CompletedAt, err = time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
	}
	return &task, nil
}

// CreateUser inserts a new customer account.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO users (id, name, api_key, credits, total_spent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Name,
		user.APIKey,
		user.Credits,
		user.TotalSpent,
		user.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a customer account by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, name, api_key, credits, total_spent, created_at FROM users WHERE id = ?`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id), id)
}

// GetUserByAPIKey retrieves a customer account by its API key.
func (s *SQLiteStore) GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	query := `SELECT id, name, api_key, credits, total_spent, created_at FROM users WHERE api_key = ?`
	return s.scanUser(s.db.QueryRowContext(ctx, query, apiKey), "by api key")
}

// AddUserSpend deducts credits and accumulates total spend for a user.
func (s *SQLiteStore) AddUserSpend(ctx context.Context, id string, amount float64) error {
	query := `UPDATE users SET credits = credits - ?, total_spent = total_spent + ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, amount, amount, id)
	if err != nil {
		return fmt.Errorf("updating user spend: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

// Close releases database resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var metadata, createdAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Description,
		&agent.Category,
		&agent.EndpointURL,
		&metadata,
		&agent.Stage,
		&agent.TotalTasks,
		&agent.SuccessfulTasks,
		&agent.TotalExecTime,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	if err := json.Unmarshal([]byte(metadata), &agent.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

func (s *SQLiteStore) scanUser(row scanner, ref string) (*User, error) {
	var user User
	var createdAt string

	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.APIKey,
		&user.Credits,
		&user.TotalSpent,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

func encodeResult(result map[string]any) any {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
