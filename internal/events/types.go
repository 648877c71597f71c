// Package events defines the closed set of event types and payloads for the
// TrafficControl event system.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// Event types for agent sessions
const (
	AgentSpawned   = "agent.spawned"
	AgentQuestion  = "agent.question"
	AgentBlocked   = "agent.blocked"
	AgentCompleted = "agent.completed"
	AgentFailed    = "agent.failed"
	AgentToolCall  = "agent.tool_call"
)

// Event types for tasks
const (
	TaskQueued    = "task.queued"
	TaskAssigned  = "task.assigned"
	TaskCompleted = "task.completed"
)

// Event types for capacity transitions
const (
	CapacityAvailable = "capacity.available"
	CapacityExhausted = "capacity.exhausted"
)

// Event types for database health
const (
	DatabaseHealthy   = "database.healthy"
	DatabaseDegraded  = "database.degraded"
	DatabaseRecovered = "database.recovered"
)

// Event types for system lifecycle
const (
	SystemStarted = "system.started"
	SystemStopped = "system.stopped"
	SystemError   = "system.error"
)

// Event types for chat traffic
const (
	ChatIn  = "chat.in"
	ChatOut = "chat.out"
)

// Event type for pre-flight backlog validation
const (
	BacklogValidationComplete = "backlog.validation_complete"
)

// Event is an immutable record on the bus.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// New creates a new event with a UUID and current timestamp.
func New(eventType string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewCorrelated creates a new event carrying a correlation ID.
func NewCorrelated(eventType string, payload any, correlationID string) *Event {
	e := New(eventType, payload)
	e.CorrelationID = correlationID
	return e
}

// AgentSpawnedPayload accompanies agent.spawned.
type AgentSpawnedPayload struct {
	SessionID string       `json:"session_id"`
	TaskID    string       `json:"task_id"`
	Model     models.Model `json:"model"`
}

// AgentQuestionPayload accompanies agent.question.
type AgentQuestionPayload struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Question  string `json:"question"`
}

// AgentBlockedPayload accompanies agent.blocked.
type AgentBlockedPayload struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason"`
}

// AgentCompletedPayload accompanies agent.completed.
type AgentCompletedPayload struct {
	SessionID  string       `json:"session_id"`
	TaskID     string       `json:"task_id"`
	Model      models.Model `json:"model"`
	Result     string       `json:"result"`
	DurationMs int64        `json:"duration_ms"`
	Usage      models.Usage `json:"usage"`
}

// AgentFailedPayload accompanies agent.failed.
type AgentFailedPayload struct {
	SessionID string       `json:"session_id"`
	TaskID    string       `json:"task_id"`
	Model     models.Model `json:"model"`
	Errors    []string     `json:"errors,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Usage     models.Usage `json:"usage"`
}

// ToolCallPayload accompanies agent.tool_call. Progress updates set
// IsProgress and ElapsedSeconds.
type ToolCallPayload struct {
	SessionID      string         `json:"session_id"`
	ToolID         string         `json:"tool_id"`
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input,omitempty"`
	IsProgress     bool           `json:"is_progress,omitempty"`
	ElapsedSeconds float64        `json:"elapsed_seconds,omitempty"`
}

// TaskPayload accompanies task.queued, task.assigned and task.completed.
type TaskPayload struct {
	TaskID    string            `json:"task_id"`
	ProjectID string            `json:"project_id,omitempty"`
	Status    models.TaskStatus `json:"status"`
	SessionID string            `json:"session_id,omitempty"`
}

// CapacityPayload accompanies capacity.available and capacity.exhausted.
type CapacityPayload struct {
	Model     models.Model `json:"model"`
	Limit     int          `json:"limit"`
	Active    int          `json:"active"`
	Available int          `json:"available"`
}

// DatabasePayload accompanies the database health events.
type DatabasePayload struct {
	Error               string `json:"error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
}

// SystemErrorPayload accompanies system.error.
type SystemErrorPayload struct {
	Reason string `json:"reason"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChatPayload accompanies chat.in and chat.out.
type ChatPayload struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Text     string `json:"text"`
}

// BacklogValidationPayload accompanies backlog.validation_complete.
type BacklogValidationPayload struct {
	TasksChecked int      `json:"tasks_checked"`
	Warnings     []string `json:"warnings,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}
