// Package adapter provides a uniform interface over agent runtimes.
//
// Two variants exist: an in-process SDK client and a CLI subprocess speaking
// line-delimited JSON over stdout. Both deliver normalized messages to a
// handler; higher layers never see runtime-specific wire formats.
package adapter

import (
	"context"

	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// PermissionMode controls how the agent handles tool permission prompts.
type PermissionMode string

const (
	PermissionBypass  PermissionMode = "bypass"
	PermissionDefault PermissionMode = "default"
)

// AskUserQuestionTool is the tool name agents use to ask the operator a
// question. The session manager routes these to chat.
const AskUserQuestionTool = "AskUserQuestion"

// QueryConfig configures a single agent invocation.
type QueryConfig struct {
	WorkDir            string
	Model              models.Model
	SystemPromptSuffix string
	MaxTurns           int
	PermissionMode     PermissionMode
	ResumeSessionID    string
}

// MessageKind discriminates the normalized message union.
type MessageKind string

const (
	// KindToolUse is an assistant message invoking a tool.
	KindToolUse MessageKind = "tool_use"
	// KindToolProgress reports elapsed time for a running tool.
	KindToolProgress MessageKind = "tool_progress"
	// KindResultSuccess is the terminal success message.
	KindResultSuccess MessageKind = "result_success"
	// KindResultError is the terminal error message.
	KindResultError MessageKind = "result_error"
	// KindSystem is adapter bookkeeping, ignored by higher layers.
	KindSystem MessageKind = "system"
)

// Message is the normalized message union. Kind determines which fields are
// populated.
type Message struct {
	Kind MessageKind

	// For tool_use and tool_progress
	ToolID         string
	ToolName       string
	Input          map[string]any
	ElapsedSeconds float64

	// For result_success
	Text       string
	DurationMs int64

	// For result_error
	Errors []string

	// For both result kinds
	Usage models.Usage
}

// MessageHandler receives normalized messages as they stream in.
// Handlers are invoked serially per query, in adapter order.
type MessageHandler func(msg *Message)

// ActiveQuery is a handle on a running agent invocation.
type ActiveQuery interface {
	// SessionID returns the session this query belongs to.
	SessionID() string

	// IsRunning reports whether the query is still producing messages.
	IsRunning() bool

	// Inject delivers operator text into the running query.
	Inject(text string) error

	// Close requests shutdown. The terminal message may still arrive within
	// the caller's grace window; after Close returns no new work starts.
	Close() error
}

// Adapter starts agent queries and normalizes their usage reporting.
type Adapter interface {
	// StartQuery spawns an agent for the session and streams normalized
	// messages to onMessage until a terminal message is delivered.
	StartQuery(ctx context.Context, sessionID, prompt string, cfg QueryConfig, onMessage MessageHandler) (ActiveQuery, error)

	// ExtractUsage normalizes a raw usage record, using the remembered
	// session model when the record itself does not carry one.
	ExtractUsage(sessionID string, raw RawUsage) models.Usage
}
