// Package models defines the core domain entities for TrafficControl:
// tasks, projects, agent sessions, and usage accounting.
package models

import "time"

// Model identifies an agent model tier.
type Model string

const (
	ModelOpus   Model = "opus"
	ModelSonnet Model = "sonnet"
	ModelHaiku  Model = "haiku"
)

// FallbackOrder is the fixed model preference order used by the scheduler
// when a task's preferred model has no capacity.
var FallbackOrder = []Model{ModelOpus, ModelSonnet, ModelHaiku}

// Valid reports whether m is a known model tier.
func (m Model) Valid() bool {
	switch m {
	case ModelOpus, ModelSonnet, ModelHaiku:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task row.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a unit of work owned by the external task store.
// A task is admissible iff Status == TaskStatusQueued.
type Task struct {
	ID                 string         `json:"id" db:"id"`
	ProjectID          string         `json:"project_id" db:"project_id"`
	Title              string         `json:"title" db:"title"`
	Description        string         `json:"description" db:"description"`
	Priority           int            `json:"priority" db:"priority"`
	Status             TaskStatus     `json:"status" db:"status"`
	Model              Model          `json:"model,omitempty" db:"model"`
	SessionEstimates   map[Model]int  `json:"session_estimates,omitempty" db:"-"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty" db:"-"`
	BlockerID          string         `json:"blocker_id,omitempty" db:"blocker_id"`
	AssignedSessionID  string         `json:"assigned_session_id,omitempty" db:"assigned_session_id"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusActive ProjectStatus = "active"
	ProjectStatusPaused ProjectStatus = "paused"
)

// Project groups tasks. Only active projects contribute tasks to scheduling.
type Project struct {
	ID        string        `json:"id" db:"id"`
	Name      string        `json:"name" db:"name"`
	Status    ProjectStatus `json:"status" db:"status"`
	Priority  int           `json:"priority" db:"priority"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusBlocked  SessionStatus = "blocked"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusFailed   SessionStatus = "failed"
)

// Terminal reports whether the status admits no further events.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusComplete || s == SessionStatusFailed
}

// Session is a single agent invocation for one task.
// Sessions are created and mutated exclusively by the session manager.
type Session struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Model     Model         `json:"model"`
	Status    SessionStatus `json:"status"`
	Usage     Usage         `json:"usage"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
}

// Usage is the normalized token and cost accumulator for a session.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CostUSD += other.CostUSD
}
