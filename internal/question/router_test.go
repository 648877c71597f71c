package question

import (
	"strings"
	"testing"

	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

type fakeInjector struct {
	calls map[string][]string
	err   error
}

func (f *fakeInjector) Inject(sessionID, text string) error {
	if f.err != nil {
		return f.err
	}
	if f.calls == nil {
		f.calls = make(map[string][]string)
	}
	f.calls[sessionID] = append(f.calls[sessionID], text)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *chat.MemoryTransport, *fakeInjector, *bus.Bus) {
	t.Helper()
	log := testLogger()
	b := bus.New(100, log)
	transport := chat.NewMemoryTransport()
	inj := &fakeInjector{}
	r := NewRouter(transport, "C-main", inj, nil, b, log)
	t.Cleanup(r.Destroy)
	return r, transport, inj, b
}

func askQuestion(b *bus.Bus, sessionID, taskID, question string) {
	b.Emit(events.New(events.AgentQuestion, &events.AgentQuestionPayload{
		SessionID: sessionID,
		TaskID:    taskID,
		Question:  question,
	}))
}

func TestQuestionPostedAndTracked(t *testing.T) {
	r, transport, _, b := newTestRouter(t)

	askQuestion(b, "s1", "task-1", "which database?")

	msg, ok := transport.LastSent()
	if !ok || !strings.Contains(msg.Text, "which database?") {
		t.Fatalf("question not posted: %+v", msg)
	}
	if r.PendingCount() != 1 {
		t.Errorf("expected 1 pending question, got %d", r.PendingCount())
	}
}

func TestThreadReplyInjected(t *testing.T) {
	r, _, inj, b := newTestRouter(t)

	askQuestion(b, "s1", "task-1", "which database?")

	// The memory transport assigned ts-1 to the question message.
	r.HandleInbound(chat.InboundMessage{ThreadTS: "ts-1", Text: "use postgres", UserID: "U1"})

	if got := inj.calls["s1"]; len(got) != 1 || got[0] != "use postgres" {
		t.Errorf("reply not injected: %v", inj.calls)
	}
	if r.PendingCount() != 0 {
		t.Error("pending question not dropped after reply")
	}

	// A second reply on the same thread is no longer routed.
	r.HandleInbound(chat.InboundMessage{ThreadTS: "ts-1", Text: "actually mysql"})
	if got := inj.calls["s1"]; len(got) != 1 {
		t.Errorf("stale thread reply was injected: %v", got)
	}
}

func TestSessionEndDropsPending(t *testing.T) {
	r, _, inj, b := newTestRouter(t)

	askQuestion(b, "s1", "task-1", "q1")
	askQuestion(b, "s2", "task-2", "q2")

	b.Emit(events.New(events.AgentCompleted, &events.AgentCompletedPayload{SessionID: "s1"}))
	b.Emit(events.New(events.AgentFailed, &events.AgentFailedPayload{SessionID: "s2"}))

	if r.PendingCount() != 0 {
		t.Errorf("expected pending questions dropped, got %d", r.PendingCount())
	}

	// Replies after session end are ignored silently.
	r.HandleInbound(chat.InboundMessage{ThreadTS: "ts-1", Text: "too late"})
	if len(inj.calls) != 0 {
		t.Errorf("reply injected into ended session: %v", inj.calls)
	}
}

func TestNewerQuestionSupersedes(t *testing.T) {
	r, _, inj, b := newTestRouter(t)

	askQuestion(b, "s1", "task-1", "first?")
	askQuestion(b, "s1", "task-1", "second?")

	if r.PendingCount() != 1 {
		t.Fatalf("expected 1 pending question, got %d", r.PendingCount())
	}
	// Reply on the stale thread does nothing; on the new thread it injects.
	r.HandleInbound(chat.InboundMessage{ThreadTS: "ts-1", Text: "stale"})
	r.HandleInbound(chat.InboundMessage{ThreadTS: "ts-2", Text: "fresh"})
	if got := inj.calls["s1"]; len(got) != 1 || got[0] != "fresh" {
		t.Errorf("unexpected injections: %v", inj.calls)
	}
}

func TestCommands(t *testing.T) {
	r, transport, _, _ := newTestRouter(t)
	r.SetCommand("status", func() string { return "running, 2 active sessions" })

	r.HandleInbound(chat.InboundMessage{Text: "STATUS"})

	msg, ok := transport.LastSent()
	if !ok || msg.Text != "running, 2 active sessions" {
		t.Errorf("command reply not sent: %+v", msg)
	}

	r.HandleInbound(chat.InboundMessage{Text: "help"})
	msg, _ = transport.LastSent()
	if !strings.Contains(msg.Text, "status") || !strings.Contains(msg.Text, "help") {
		t.Errorf("help should list commands: %q", msg.Text)
	}
}

func TestUnknownMessageIgnored(t *testing.T) {
	r, transport, _, _ := newTestRouter(t)

	r.HandleInbound(chat.InboundMessage{Text: "hello there"})

	if len(transport.Sent()) != 0 {
		t.Error("unknown message should not produce a reply")
	}
}
