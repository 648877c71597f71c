// Package approval runs the per-task approval protocol over chat: a posted
// request resolves exactly once by reaction, reply, explicit cancel, or
// deadline timeout. Timeout never approves.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/agent/adapter"
	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// DefaultTimeout is the approval deadline when none is configured.
const DefaultTimeout = 5 * time.Minute

// Status is the resolved state of an approval.
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Result is the outcome of one approval request.
type Result struct {
	Status Status
	Reason string
	UserID string
}

var approveReactions = map[string]bool{
	"white_check_mark": true,
	"heavy_check_mark": true,
	"check":            true,
	"+1":               true,
	"thumbsup":         true,
}

var rejectReactions = map[string]bool{
	"x":                           true,
	"heavy_multiplication_x":      true,
	"negative_squared_cross_mark": true,
	"-1":                          true,
	"thumbsdown":                  true,
}

var approveKeywords = map[string]bool{
	"approve": true, "approved": true, "yes": true, "ok": true, "go": true, "lgtm": true,
}

var rejectKeywords = map[string]bool{
	"reject": true, "rejected": true, "no": true, "stop": true, "cancel": true,
}

// pending is one unresolved approval.
type pending struct {
	taskID   string
	threadTS string
	timer    *time.Timer
	resultCh chan Result
}

// Manager owns the pending-approval map.
type Manager struct {
	transport chat.Transport
	channelID string
	timeout   time.Duration
	logger    *logger.Logger

	mu       sync.Mutex
	byTask   map[string]*pending
	byThread map[string]*pending
}

// NewManager creates an approval manager posting to the given channel.
func NewManager(transport chat.Transport, channelID string, cfg config.ApprovalConfig, log *logger.Logger) *Manager {
	timeout := DefaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &Manager{
		transport: transport,
		channelID: channelID,
		timeout:   timeout,
		logger:    log.WithFields(zap.String("component", "approval")),
		byTask:    make(map[string]*pending),
		byThread:  make(map[string]*pending),
	}
}

// nominal per-session token shape for the cost estimate line.
const (
	estimateInputTokens  = 30_000
	estimateOutputTokens = 8_000
)

// EstimateCost prices a task's expected sessions on the chosen model.
func EstimateCost(task *models.Task, model models.Model) float64 {
	sessions := 1
	if n, ok := task.SessionEstimates[model]; ok && n > 0 {
		sessions = n
	}
	return float64(sessions) * adapter.CostUSD(model, estimateInputTokens, estimateOutputTokens)
}

func formatRequest(task *models.Task, model models.Model, queuePos int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "%s\n", task.Description)
	}
	fmt.Fprintf(&b, "Model: %s | Queue position: %d | Estimated cost: $%.2f\n",
		model, queuePos, EstimateCost(task, model))
	b.WriteString("React :white_check_mark: / :x: or reply approve / reject.")
	return b.String()
}

// RequestApproval posts the request and blocks until it resolves. A failed
// send resolves immediately as timeout.
func (m *Manager) RequestApproval(ctx context.Context, task *models.Task, model models.Model, queuePos int) Result {
	ts, err := m.transport.SendMessage(ctx, chat.OutboundMessage{
		Channel: m.channelID,
		Text:    formatRequest(task, model, queuePos),
	})
	if err != nil {
		m.logger.Error("approval request send failed",
			zap.String("task_id", task.ID), zap.Error(err))
		return Result{Status: StatusTimeout, Reason: "Failed to send Slack message"}
	}

	p := &pending{
		taskID:   task.ID,
		threadTS: ts,
		resultCh: make(chan Result, 1),
	}
	p.timer = time.AfterFunc(m.timeout, func() {
		m.resolve(task.ID, Result{
			Status: StatusTimeout,
			Reason: fmt.Sprintf("No response within %s", m.timeout),
		})
	})

	m.mu.Lock()
	m.byTask[task.ID] = p
	m.byThread[ts] = p
	m.mu.Unlock()

	select {
	case res := <-p.resultCh:
		return res
	case <-ctx.Done():
		m.resolve(task.ID, Result{Status: StatusRejected, Reason: "Request cancelled"})
		return <-p.resultCh
	}
}

// resolve settles a pending approval exactly once.
func (m *Manager) resolve(taskID string, res Result) bool {
	m.mu.Lock()
	p, ok := m.byTask[taskID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byTask, taskID)
	delete(m.byThread, p.threadTS)
	m.mu.Unlock()

	p.timer.Stop()
	p.resultCh <- res

	m.logger.Info("approval resolved",
		zap.String("task_id", taskID),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason))
	return true
}

// HandleReaction applies an emoji reaction to a pending approval. Unknown
// reactions are ignored.
func (m *Manager) HandleReaction(reaction, taskID, userID string) {
	switch {
	case approveReactions[reaction]:
		m.resolve(taskID, Result{Status: StatusApproved, UserID: userID})
	case rejectReactions[reaction]:
		m.resolve(taskID, Result{Status: StatusRejected, UserID: userID})
	}
}

// HandleReply applies a thread reply to a pending approval. Unrecognized
// replies are ignored.
func (m *Manager) HandleReply(text, taskID, userID string) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return
	}

	keyword := normalized
	reason := ""
	if idx := strings.Index(normalized, ":"); idx >= 0 {
		keyword = strings.TrimSpace(normalized[:idx])
		reason = strings.TrimSpace(normalized[idx+1:])
	}

	switch {
	case approveKeywords[keyword] || strings.HasPrefix(keyword, "approve"):
		m.resolve(taskID, Result{Status: StatusApproved, UserID: userID})
	case rejectKeywords[keyword] || strings.HasPrefix(keyword, "reject"):
		m.resolve(taskID, Result{Status: StatusRejected, Reason: reason, UserID: userID})
	}
}

// taskForThread maps a chat thread to its pending approval.
func (m *Manager) taskForThread(threadTS string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byThread[threadTS]
	if !ok {
		return "", false
	}
	return p.taskID, true
}

// HandleThreadReaction routes a reaction by its message ts. Returns whether
// the reaction belonged to a pending approval.
func (m *Manager) HandleThreadReaction(r chat.InboundReaction) bool {
	taskID, ok := m.taskForThread(r.MessageTS)
	if !ok {
		return false
	}
	m.HandleReaction(r.Reaction, taskID, r.UserID)
	return true
}

// HandleThreadReply routes a thread reply. Returns whether the reply belonged
// to a pending approval.
func (m *Manager) HandleThreadReply(msg chat.InboundMessage) bool {
	taskID, ok := m.taskForThread(msg.ThreadTS)
	if !ok {
		return false
	}
	m.HandleReply(msg.Text, taskID, msg.UserID)
	return true
}

// CancelApproval resolves a pending approval as rejected.
func (m *Manager) CancelApproval(taskID, reason string) bool {
	return m.resolve(taskID, Result{Status: StatusRejected, Reason: reason})
}

// PendingCount returns the number of unresolved approvals.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTask)
}

// Destroy resolves every pending approval as rejected.
func (m *Manager) Destroy() {
	m.mu.Lock()
	taskIDs := make([]string, 0, len(m.byTask))
	for id := range m.byTask {
		taskIDs = append(taskIDs, id)
	}
	m.mu.Unlock()

	for _, id := range taskIDs {
		m.resolve(id, Result{Status: StatusRejected, Reason: "Manager destroyed"})
	}
}
