// Package repository implements the task store over SQLite or PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/db"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the task store interface consumed by the orchestrator.
type Store interface {
	ListProjectsByStatus(ctx context.Context, status models.ProjectStatus) ([]models.Project, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	ListTasksByProject(ctx context.Context, projectID string, status models.TaskStatus) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	CreateProject(ctx context.Context, p *models.Project) error
	CreateTask(ctx context.Context, t *models.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	UpdateTaskAssignment(ctx context.Context, id, sessionID string) error
	UpdateTaskUsage(ctx context.Context, id string, usage models.Usage) error
	DeleteTask(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	priority   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL REFERENCES projects(id),
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	priority            INTEGER NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'queued',
	model               TEXT NOT NULL DEFAULT '',
	session_estimates   TEXT NOT NULL DEFAULT '{}',
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	blocker_id          TEXT NOT NULL DEFAULT '',
	assigned_session_id TEXT NOT NULL DEFAULT '',
	input_tokens        INTEGER NOT NULL DEFAULT 0,
	output_tokens       INTEGER NOT NULL DEFAULT 0,
	total_tokens        INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens   INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd            REAL NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
`

// SQLStore implements Store over a db.Pool.
type SQLStore struct {
	pool *db.Pool
}

// New creates a store and applies the schema.
func New(ctx context.Context, pool *db.Pool) (*SQLStore, error) {
	if _, err := pool.Writer().ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLStore{pool: pool}, nil
}

// taskRow is the storage shape of a task; JSON columns expand into the model.
type taskRow struct {
	ID                  string    `db:"id"`
	ProjectID           string    `db:"project_id"`
	Title               string    `db:"title"`
	Description         string    `db:"description"`
	Priority            int       `db:"priority"`
	Status              string    `db:"status"`
	Model               string    `db:"model"`
	SessionEstimates    string    `db:"session_estimates"`
	AcceptanceCriteria  string    `db:"acceptance_criteria"`
	BlockerID           string    `db:"blocker_id"`
	AssignedSessionID   string    `db:"assigned_session_id"`
	InputTokens         int64     `db:"input_tokens"`
	OutputTokens        int64     `db:"output_tokens"`
	TotalTokens         int64     `db:"total_tokens"`
	CacheReadTokens     int64     `db:"cache_read_tokens"`
	CacheCreationTokens int64     `db:"cache_creation_tokens"`
	CostUSD             float64   `db:"cost_usd"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r *taskRow) toModel() (*models.Task, error) {
	t := &models.Task{
		ID:                r.ID,
		ProjectID:         r.ProjectID,
		Title:             r.Title,
		Description:       r.Description,
		Priority:          r.Priority,
		Status:            models.TaskStatus(r.Status),
		Model:             models.Model(r.Model),
		BlockerID:         r.BlockerID,
		AssignedSessionID: r.AssignedSessionID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.SessionEstimates != "" && r.SessionEstimates != "{}" {
		if err := json.Unmarshal([]byte(r.SessionEstimates), &t.SessionEstimates); err != nil {
			return nil, fmt.Errorf("failed to decode session estimates for task %s: %w", r.ID, err)
		}
	}
	if r.AcceptanceCriteria != "" && r.AcceptanceCriteria != "[]" {
		if err := json.Unmarshal([]byte(r.AcceptanceCriteria), &t.AcceptanceCriteria); err != nil {
			return nil, fmt.Errorf("failed to decode acceptance criteria for task %s: %w", r.ID, err)
		}
	}
	return t, nil
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListProjectsByStatus returns projects with the given status, priority
// descending.
func (s *SQLStore) ListProjectsByStatus(ctx context.Context, status models.ProjectStatus) ([]models.Project, error) {
	query := s.pool.Reader().Rebind(
		`SELECT id, name, status, priority, created_at, updated_at
		 FROM projects WHERE status = ? ORDER BY priority DESC, created_at ASC`)
	var out []models.Project
	if err := s.pool.Reader().SelectContext(ctx, &out, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return out, nil
}

const taskColumns = `id, project_id, title, description, priority, status, model,
	session_estimates, acceptance_criteria, blocker_id, assigned_session_id,
	input_tokens, output_tokens, total_tokens, cache_read_tokens,
	cache_creation_tokens, cost_usd, created_at, updated_at`

func (s *SQLStore) listTasks(ctx context.Context, where string, args ...any) ([]models.Task, error) {
	query := s.pool.Reader().Rebind(
		`SELECT ` + taskColumns + ` FROM tasks WHERE ` + where +
			` ORDER BY priority DESC, created_at ASC, id ASC`)
	var rows []taskRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]models.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// ListTasksByStatus returns tasks with the given status in scheduling order.
func (s *SQLStore) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	return s.listTasks(ctx, "status = ?", string(status))
}

// ListTasksByProject returns a project's tasks with the given status.
func (s *SQLStore) ListTasksByProject(ctx context.Context, projectID string, status models.TaskStatus) ([]models.Task, error) {
	return s.listTasks(ctx, "project_id = ? AND status = ?", projectID, string(status))
}

// GetTask reads one task.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := s.pool.Reader().Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	var row taskRow
	if err := s.pool.Reader().GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return row.toModel()
}

// CreateProject inserts a project, defaulting status and timestamps.
func (s *SQLStore) CreateProject(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = models.ProjectStatusActive
	}

	query := s.pool.Writer().Rebind(
		`INSERT INTO projects (id, name, status, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		p.ID, p.Name, string(p.Status), p.Priority, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", p.ID, err)
	}
	return nil
}

// CreateTask inserts a task, defaulting status and timestamps.
func (s *SQLStore) CreateTask(ctx context.Context, t *models.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskStatusQueued
	}

	estimates, err := encodeJSON(t.SessionEstimates, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode session estimates: %w", err)
	}
	criteria, err := encodeJSON(t.AcceptanceCriteria, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode acceptance criteria: %w", err)
	}

	query := s.pool.Writer().Rebind(
		`INSERT INTO tasks (id, project_id, title, description, priority, status, model,
			session_estimates, acceptance_criteria, blocker_id, assigned_session_id,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.pool.Writer().ExecContext(ctx, query,
		t.ID, t.ProjectID, t.Title, t.Description, t.Priority, string(t.Status),
		string(t.Model), estimates, criteria, t.BlockerID, t.AssignedSessionID,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) execOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus sets a task's status.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	err := s.execOne(ctx, id,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// UpdateTaskAssignment records the owning session and moves the task to
// assigned.
func (s *SQLStore) UpdateTaskAssignment(ctx context.Context, id, sessionID string) error {
	err := s.execOne(ctx, id,
		`UPDATE tasks SET assigned_session_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		sessionID, string(models.TaskStatusAssigned), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task assignment: %w", err)
	}
	return nil
}

// UpdateTaskUsage accumulates usage counters onto the task row.
func (s *SQLStore) UpdateTaskUsage(ctx context.Context, id string, usage models.Usage) error {
	err := s.execOne(ctx, id,
		`UPDATE tasks SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			total_tokens = total_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			cost_usd = cost_usd + ?,
			updated_at = ?
		 WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, usage.TotalTokens,
		usage.CacheReadTokens, usage.CacheCreationTokens, usage.CostUSD,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task usage: %w", err)
	}
	return nil
}

// TaskUsage reads the accumulated usage counters for a task.
func (s *SQLStore) TaskUsage(ctx context.Context, id string) (models.Usage, error) {
	query := s.pool.Reader().Rebind(
		`SELECT input_tokens, output_tokens, total_tokens, cache_read_tokens,
			cache_creation_tokens, cost_usd
		 FROM tasks WHERE id = ?`)
	var u models.Usage
	row := s.pool.Reader().QueryRowxContext(ctx, query, id)
	err := row.Scan(&u.InputTokens, &u.OutputTokens, &u.TotalTokens,
		&u.CacheReadTokens, &u.CacheCreationTokens, &u.CostUSD)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return u, fmt.Errorf("failed to read task usage: %w", err)
	}
	return u, nil
}

// DeleteTask removes a task row.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	err := s.execOne(ctx, id, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Ping probes the backing database.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
