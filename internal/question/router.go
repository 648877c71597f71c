// Package question correlates agent questions with chat-thread replies and
// routes the answers back into the owning session.
package question

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/approval"
	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
)

// Injector delivers operator text into a running session.
type Injector interface {
	Inject(sessionID, text string) error
}

// Pending is one unanswered agent question.
type Pending struct {
	SessionID string
	TaskID    string
	ThreadTS  string
	Question  string
	AskedAt   time.Time
}

// CommandFunc produces the reply text for a chat command.
type CommandFunc func() string

// Router owns the pending-question map.
type Router struct {
	transport chat.Transport
	channelID string
	injector  Injector
	approvals *approval.Manager
	logger    *logger.Logger

	mu        sync.Mutex
	bySession map[string]*Pending
	byThread  map[string]*Pending
	commands  map[string]CommandFunc
	unsubs    []func()
}

// NewRouter creates a question router and subscribes it to session events.
func NewRouter(transport chat.Transport, channelID string, injector Injector, approvals *approval.Manager, b *bus.Bus, log *logger.Logger) *Router {
	r := &Router{
		transport: transport,
		channelID: channelID,
		injector:  injector,
		approvals: approvals,
		logger:    log.WithFields(zap.String("component", "question-router")),
		bySession: make(map[string]*Pending),
		byThread:  make(map[string]*Pending),
		commands:  make(map[string]CommandFunc),
	}
	r.commands["help"] = r.helpText

	r.unsubs = append(r.unsubs,
		b.On(events.AgentQuestion, r.onQuestion),
		b.On(events.AgentCompleted, r.onSessionEnd),
		b.On(events.AgentFailed, r.onSessionEnd),
	)
	return r
}

// SetCommand registers a chat command (e.g. status, tasks).
func (r *Router) SetCommand(name string, fn CommandFunc) {
	r.mu.Lock()
	r.commands[strings.ToLower(name)] = fn
	r.mu.Unlock()
}

func (r *Router) helpText() string {
	r.mu.Lock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return "Available commands: " + strings.Join(names, ", ")
}

// onQuestion posts the question to chat and records the pending entry under
// the returned thread id.
func (r *Router) onQuestion(e *events.Event) {
	payload, ok := e.Payload.(*events.AgentQuestionPayload)
	if !ok {
		return
	}

	text := fmt.Sprintf("Agent question (task %s):\n%s\nReply in this thread to answer.",
		payload.TaskID, payload.Question)
	ts, err := r.transport.SendMessage(context.Background(), chat.OutboundMessage{
		Channel: r.channelID,
		Text:    text,
	})
	if err != nil {
		r.logger.Error("failed to post agent question",
			zap.String("session_id", payload.SessionID), zap.Error(err))
		return
	}

	p := &Pending{
		SessionID: payload.SessionID,
		TaskID:    payload.TaskID,
		ThreadTS:  ts,
		Question:  payload.Question,
		AskedAt:   time.Now().UTC(),
	}
	r.mu.Lock()
	// A session asks one question at a time; a newer question supersedes.
	if prev, ok := r.bySession[payload.SessionID]; ok {
		delete(r.byThread, prev.ThreadTS)
	}
	r.bySession[payload.SessionID] = p
	r.byThread[ts] = p
	r.mu.Unlock()
}

// onSessionEnd drops any pending question for a finished session.
func (r *Router) onSessionEnd(e *events.Event) {
	var sessionID string
	switch payload := e.Payload.(type) {
	case *events.AgentCompletedPayload:
		sessionID = payload.SessionID
	case *events.AgentFailedPayload:
		sessionID = payload.SessionID
	default:
		return
	}

	r.mu.Lock()
	if p, ok := r.bySession[sessionID]; ok {
		delete(r.bySession, sessionID)
		delete(r.byThread, p.ThreadTS)
	}
	r.mu.Unlock()
}

// HandleInbound routes one inbound chat message: thread replies answer
// pending questions, then pending approvals, then commands.
func (r *Router) HandleInbound(msg chat.InboundMessage) {
	if msg.ThreadTS != "" {
		r.mu.Lock()
		p, ok := r.byThread[msg.ThreadTS]
		if ok {
			delete(r.bySession, p.SessionID)
			delete(r.byThread, p.ThreadTS)
		}
		r.mu.Unlock()

		if ok {
			if err := r.injector.Inject(p.SessionID, msg.Text); err != nil {
				r.logger.Warn("failed to inject reply",
					zap.String("session_id", p.SessionID), zap.Error(err))
			}
			return
		}
		if r.approvals != nil && r.approvals.HandleThreadReply(msg) {
			return
		}
	}

	r.handleCommand(msg)
}

func (r *Router) handleCommand(msg chat.InboundMessage) {
	name := strings.ToLower(strings.TrimSpace(msg.Text))
	r.mu.Lock()
	fn, ok := r.commands[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	reply := fn()
	if reply == "" {
		return
	}
	_, err := r.transport.SendMessage(context.Background(), chat.OutboundMessage{
		Channel:  r.channelID,
		Text:     reply,
		ThreadTS: msg.ThreadTS,
	})
	if err != nil {
		r.logger.Warn("failed to send command reply",
			zap.String("command", name), zap.Error(err))
	}
}

// PendingCount returns the number of unanswered questions.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}

// Destroy unsubscribes from the bus and clears pending questions.
func (r *Router) Destroy() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.mu.Lock()
	r.bySession = make(map[string]*Pending)
	r.byThread = make(map[string]*Pending)
	r.mu.Unlock()
}
