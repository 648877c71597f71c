// Package session tracks running agent sessions and translates adapter
// message streams into bus events.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/agent/adapter"
	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// DefaultCloseGrace is how long Close waits for a terminal message before
// synthesizing one.
const DefaultCloseGrace = 5 * time.Second

// SpawnRequest describes one agent invocation.
type SpawnRequest struct {
	TaskID             string
	Model              models.Model
	Prompt             string
	WorkDir            string
	SystemPromptSuffix string
	MaxTurns           int
	ResumeSessionID    string
}

// managed is the manager's record of one live session.
type managed struct {
	mu       sync.Mutex
	session  models.Session
	query    adapter.ActiveQuery
	terminal bool
	done     chan struct{}
}

// Manager owns the session lifecycle: it reserves capacity, starts adapter
// queries, maps their messages to events, and releases capacity exactly once
// per session.
type Manager struct {
	adapter    adapter.Adapter
	capacity   *capacity.Tracker
	bus        *bus.Bus
	logger     *logger.Logger
	closeGrace time.Duration

	mu       sync.Mutex
	sessions map[string]*managed
}

// NewManager creates a session manager.
func NewManager(a adapter.Adapter, cap *capacity.Tracker, b *bus.Bus, closeGrace time.Duration, log *logger.Logger) *Manager {
	if closeGrace <= 0 {
		closeGrace = DefaultCloseGrace
	}
	return &Manager{
		adapter:    a,
		capacity:   cap,
		bus:        b,
		logger:     log.WithFields(zap.String("component", "session-manager")),
		closeGrace: closeGrace,
		sessions:   make(map[string]*managed),
	}
}

// Spawn reserves capacity and starts an agent for the request. Capacity is
// reserved before the adapter starts; a start failure releases it and emits
// agent.failed so observers see a consistent lifecycle.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	sessionID := uuid.New().String()

	if err := m.capacity.Reserve(req.Model, sessionID); err != nil {
		return "", fmt.Errorf("failed to reserve %s capacity: %w", req.Model, err)
	}

	ms := &managed{
		session: models.Session{
			ID:        sessionID,
			TaskID:    req.TaskID,
			Model:     req.Model,
			Status:    models.SessionStatusRunning,
			StartedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sessionID] = ms
	m.mu.Unlock()

	cfg := adapter.QueryConfig{
		WorkDir:            req.WorkDir,
		Model:              req.Model,
		SystemPromptSuffix: req.SystemPromptSuffix,
		MaxTurns:           req.MaxTurns,
		PermissionMode:     adapter.PermissionBypass,
		ResumeSessionID:    req.ResumeSessionID,
	}

	query, err := m.adapter.StartQuery(ctx, sessionID, req.Prompt, cfg, func(msg *adapter.Message) {
		m.handleMessage(ms, msg)
	})
	if err != nil {
		// The adapter may have delivered a terminal message through the
		// callback before failing; finishSession keeps the emit single.
		usage, won := m.finishSession(ms, models.SessionStatusFailed, models.Usage{})
		if won {
			m.bus.Emit(events.New(events.AgentFailed, &events.AgentFailedPayload{
				SessionID: sessionID,
				TaskID:    req.TaskID,
				Model:     req.Model,
				Reason:    fmt.Sprintf("failed to start agent: %v", err),
				Usage:     usage,
			}))
		}
		return "", fmt.Errorf("failed to start agent for task %s: %w", req.TaskID, err)
	}

	ms.mu.Lock()
	ms.query = query
	ms.mu.Unlock()

	m.logger.Info("agent spawned",
		zap.String("session_id", sessionID),
		zap.String("task_id", req.TaskID),
		zap.String("model", string(req.Model)))

	m.bus.Emit(events.New(events.AgentSpawned, &events.AgentSpawnedPayload{
		SessionID: sessionID,
		TaskID:    req.TaskID,
		Model:     req.Model,
	}))
	return sessionID, nil
}

// handleMessage maps one adapter message onto the bus. Messages arriving
// after a terminal message are dropped.
func (m *Manager) handleMessage(ms *managed, msg *adapter.Message) {
	ms.mu.Lock()
	if ms.terminal {
		ms.mu.Unlock()
		return
	}
	sessionID := ms.session.ID
	taskID := ms.session.TaskID
	model := ms.session.Model
	ms.mu.Unlock()

	switch msg.Kind {
	case adapter.KindToolUse:
		if msg.ToolName == adapter.AskUserQuestionTool {
			question := ""
			if q, ok := msg.Input["question"].(string); ok {
				question = q
			}
			ms.mu.Lock()
			ms.session.Status = models.SessionStatusBlocked
			ms.mu.Unlock()

			m.bus.Emit(events.New(events.AgentBlocked, &events.AgentBlockedPayload{
				SessionID: sessionID,
				TaskID:    taskID,
				Reason:    "waiting for an operator answer",
			}))
			m.bus.Emit(events.New(events.AgentQuestion, &events.AgentQuestionPayload{
				SessionID: sessionID,
				TaskID:    taskID,
				Question:  question,
			}))
			return
		}
		m.bus.Emit(events.New(events.AgentToolCall, &events.ToolCallPayload{
			SessionID: sessionID,
			ToolID:    msg.ToolID,
			ToolName:  msg.ToolName,
			Input:     msg.Input,
		}))

	case adapter.KindToolProgress:
		m.bus.Emit(events.New(events.AgentToolCall, &events.ToolCallPayload{
			SessionID:      sessionID,
			ToolID:         msg.ToolID,
			ToolName:       msg.ToolName,
			IsProgress:     true,
			ElapsedSeconds: msg.ElapsedSeconds,
		}))

	case adapter.KindResultSuccess:
		usage, won := m.finishSession(ms, models.SessionStatusComplete, msg.Usage)
		if !won {
			return
		}
		m.bus.Emit(events.New(events.AgentCompleted, &events.AgentCompletedPayload{
			SessionID:  sessionID,
			TaskID:     taskID,
			Model:      model,
			Result:     msg.Text,
			DurationMs: msg.DurationMs,
			Usage:      usage,
		}))

	case adapter.KindResultError:
		usage, won := m.finishSession(ms, models.SessionStatusFailed, msg.Usage)
		if !won {
			return
		}
		m.bus.Emit(events.New(events.AgentFailed, &events.AgentFailedPayload{
			SessionID: sessionID,
			TaskID:    taskID,
			Model:     model,
			Errors:    msg.Errors,
			Usage:     usage,
		}))

	case adapter.KindSystem:
		// Adapter bookkeeping, nothing to surface.
	}
}

// finishSession marks the session terminal, accumulates final usage, and
// releases its capacity slot. Only the first caller wins; the winner is the
// only one allowed to emit the terminal event.
func (m *Manager) finishSession(ms *managed, status models.SessionStatus, usage models.Usage) (models.Usage, bool) {
	ms.mu.Lock()
	if ms.terminal {
		total := ms.session.Usage
		ms.mu.Unlock()
		return total, false
	}
	ms.terminal = true
	ms.session.Status = status
	ms.session.EndedAt = time.Now().UTC()
	ms.session.Usage.Add(usage)
	total := ms.session.Usage
	sessionID := ms.session.ID
	model := ms.session.Model
	ms.mu.Unlock()
	close(ms.done)

	m.capacity.Release(model, sessionID)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.logger.Info("session finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Float64("cost_usd", total.CostUSD))
	return total, true
}

// Inject delivers operator text into a running session, unblocking a pending
// question.
func (m *Manager) Inject(sessionID, text string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active session %s", sessionID)
	}

	ms.mu.Lock()
	query := ms.query
	if ms.session.Status == models.SessionStatusBlocked {
		ms.session.Status = models.SessionStatusRunning
	}
	ms.mu.Unlock()

	if query == nil {
		return fmt.Errorf("session %s has no active query", sessionID)
	}
	return query.Inject(text)
}

// Close shuts down one session. It waits the grace window for the adapter's
// terminal message; when none arrives a cancelled failure is synthesized so
// every session ends in exactly one terminal event.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ms.mu.Lock()
	query := ms.query
	taskID := ms.session.TaskID
	model := ms.session.Model
	ms.mu.Unlock()

	if query != nil {
		if err := query.Close(); err != nil {
			m.logger.Warn("query close failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	select {
	case <-ms.done:
		return nil
	case <-time.After(m.closeGrace):
	}

	usage, won := m.finishSession(ms, models.SessionStatusFailed, models.Usage{})
	if !won {
		return nil
	}
	m.bus.Emit(events.New(events.AgentFailed, &events.AgentFailedPayload{
		SessionID: sessionID,
		TaskID:    taskID,
		Model:     model,
		Reason:    "cancelled",
		Usage:     usage,
	}))
	return nil
}

// CloseAll closes every active session, bounded by ctx.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			_ = m.Close(sessionID)
		}(id)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with sessions still closing")
	}
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (models.Session, bool) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return models.Session{}, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.session, true
}

// Active returns snapshots of all live sessions.
func (m *Manager) Active() []models.Session {
	m.mu.Lock()
	list := make([]*managed, 0, len(m.sessions))
	for _, ms := range m.sessions {
		list = append(list, ms)
	}
	m.mu.Unlock()

	out := make([]models.Session, 0, len(list))
	for _, ms := range list {
		ms.mu.Lock()
		out = append(out, ms.session)
		ms.mu.Unlock()
	}
	return out
}

// Live returns the active sessions in capacity-sync form.
func (m *Manager) Live() []capacity.LiveSession {
	sessions := m.Active()
	out := make([]capacity.LiveSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, capacity.LiveSession{SessionID: s.ID, Model: s.Model})
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
