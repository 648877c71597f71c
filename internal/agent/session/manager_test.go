package session

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/agent/adapter"
	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

// fakeAdapter hands the message handler back to the test so it can drive the
// stream. deliverOnStart is pushed through the callback before startErr is
// returned, mimicking a subprocess that dies during startup.
type fakeAdapter struct {
	startErr       error
	deliverOnStart *adapter.Message
	onMsg          adapter.MessageHandler
	query          *fakeQuery
}

func (f *fakeAdapter) StartQuery(_ context.Context, sessionID, _ string, _ adapter.QueryConfig, onMessage adapter.MessageHandler) (adapter.ActiveQuery, error) {
	if f.deliverOnStart != nil {
		onMessage(f.deliverOnStart)
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.onMsg = onMessage
	f.query = &fakeQuery{sessionID: sessionID, running: true}
	return f.query, nil
}

func (f *fakeAdapter) ExtractUsage(_ string, raw adapter.RawUsage) models.Usage {
	return models.Usage{
		InputTokens:  raw.InputTokens,
		OutputTokens: raw.OutputTokens,
		TotalTokens:  raw.InputTokens + raw.OutputTokens,
	}
}

type fakeQuery struct {
	sessionID string
	running   bool
	injected  []string
	closed    bool
}

func (q *fakeQuery) SessionID() string { return q.sessionID }
func (q *fakeQuery) IsRunning() bool   { return q.running }
func (q *fakeQuery) Inject(text string) error {
	q.injected = append(q.injected, text)
	return nil
}
func (q *fakeQuery) Close() error {
	q.closed = true
	q.running = false
	return nil
}

type fixture struct {
	manager *Manager
	adapter *fakeAdapter
	tracker *capacity.Tracker
	bus     *bus.Bus
	emitted []*events.Event
}

func newFixture(t *testing.T, closeGrace time.Duration) *fixture {
	t.Helper()
	log := testLogger()
	b := bus.New(100, log)
	tr := capacity.NewTracker(map[models.Model]int{
		models.ModelOpus:   1,
		models.ModelSonnet: 2,
	}, b, log)

	f := &fixture{
		adapter: &fakeAdapter{},
		tracker: tr,
		bus:     b,
	}
	b.OnPattern(regexp.MustCompile(`^agent\.`), func(e *events.Event) {
		f.emitted = append(f.emitted, e)
	})
	f.manager = NewManager(f.adapter, tr, b, closeGrace, log)
	return f
}

func (f *fixture) eventTypes() []string {
	out := make([]string, 0, len(f.emitted))
	for _, e := range f.emitted {
		out = append(out, e.Type)
	}
	return out
}

func spawn(t *testing.T, f *fixture, model models.Model) string {
	t.Helper()
	id, err := f.manager.Spawn(context.Background(), SpawnRequest{
		TaskID: "task-1",
		Model:  model,
		Prompt: "do the thing",
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	return id
}

func TestSpawnReservesCapacityAndEmits(t *testing.T) {
	f := newFixture(t, time.Second)

	id := spawn(t, f, models.ModelOpus)

	if got := f.tracker.Available(models.ModelOpus); got != 0 {
		t.Errorf("expected opus slot reserved, available=%d", got)
	}
	if f.manager.Count() != 1 {
		t.Errorf("expected 1 live session, got %d", f.manager.Count())
	}
	if len(f.emitted) != 1 || f.emitted[0].Type != events.AgentSpawned {
		t.Fatalf("expected agent.spawned, got %v", f.eventTypes())
	}
	payload := f.emitted[0].Payload.(*events.AgentSpawnedPayload)
	if payload.SessionID != id || payload.TaskID != "task-1" {
		t.Errorf("unexpected spawn payload: %+v", payload)
	}
}

func TestSpawnFailureReleasesCapacity(t *testing.T) {
	f := newFixture(t, time.Second)
	f.adapter.startErr = errors.New("binary not found")

	_, err := f.manager.Spawn(context.Background(), SpawnRequest{
		TaskID: "task-1",
		Model:  models.ModelOpus,
		Prompt: "p",
	})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if got := f.tracker.Available(models.ModelOpus); got != 1 {
		t.Errorf("capacity not released on start failure, available=%d", got)
	}
	if f.manager.Count() != 0 {
		t.Errorf("expected no live sessions, got %d", f.manager.Count())
	}
	if len(f.emitted) != 1 || f.emitted[0].Type != events.AgentFailed {
		t.Fatalf("expected agent.failed, got %v", f.eventTypes())
	}
}

func TestStartErrorAfterTerminalMessageEmitsOneFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	f.adapter.deliverOnStart = &adapter.Message{
		Kind:   adapter.KindResultError,
		Errors: []string{"died during startup"},
	}
	f.adapter.startErr = errors.New("process exited")

	_, err := f.manager.Spawn(context.Background(), SpawnRequest{
		TaskID: "task-1",
		Model:  models.ModelOpus,
		Prompt: "p",
	})
	if err == nil {
		t.Fatal("expected spawn error")
	}

	failed := 0
	for _, e := range f.emitted {
		if e.Type == events.AgentFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one agent.failed, got %d (%v)", failed, f.eventTypes())
	}
	if got := f.tracker.Available(models.ModelOpus); got != 1 {
		t.Errorf("capacity not released exactly once, available=%d", got)
	}
	if f.manager.Count() != 0 {
		t.Errorf("expected no live sessions, got %d", f.manager.Count())
	}
}

func TestSpawnWhenExhausted(t *testing.T) {
	f := newFixture(t, time.Second)
	spawn(t, f, models.ModelOpus)

	_, err := f.manager.Spawn(context.Background(), SpawnRequest{
		TaskID: "task-2",
		Model:  models.ModelOpus,
		Prompt: "p",
	})
	if !errors.Is(err, capacity.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestQuestionBlocksAndInjectUnblocks(t *testing.T) {
	f := newFixture(t, time.Second)
	id := spawn(t, f, models.ModelOpus)

	f.adapter.onMsg(&adapter.Message{
		Kind:     adapter.KindToolUse,
		ToolName: adapter.AskUserQuestionTool,
		Input:    map[string]any{"question": "which branch?"},
	})

	s, ok := f.manager.Get(id)
	if !ok || s.Status != models.SessionStatusBlocked {
		t.Fatalf("expected blocked session, got %+v", s)
	}
	last := f.emitted[len(f.emitted)-1]
	if last.Type != events.AgentQuestion {
		t.Fatalf("expected agent.question, got %s", last.Type)
	}
	if q := last.Payload.(*events.AgentQuestionPayload).Question; q != "which branch?" {
		t.Errorf("unexpected question %q", q)
	}

	if err := f.manager.Inject(id, "main"); err != nil {
		t.Fatalf("inject failed: %v", err)
	}
	if got := f.adapter.query.injected; len(got) != 1 || got[0] != "main" {
		t.Errorf("reply not delivered to query: %v", got)
	}
	s, _ = f.manager.Get(id)
	if s.Status != models.SessionStatusRunning {
		t.Errorf("expected running after inject, got %s", s.Status)
	}
}

func TestQuestionEmitsBlockedEvent(t *testing.T) {
	f := newFixture(t, time.Second)
	id := spawn(t, f, models.ModelOpus)

	f.adapter.onMsg(&adapter.Message{
		Kind:     adapter.KindToolUse,
		ToolName: adapter.AskUserQuestionTool,
		Input:    map[string]any{"question": "deploy now?"},
	})

	var blocked *events.AgentBlockedPayload
	for _, e := range f.emitted {
		if e.Type == events.AgentBlocked {
			blocked = e.Payload.(*events.AgentBlockedPayload)
		}
	}
	if blocked == nil {
		t.Fatalf("expected agent.blocked, got %v", f.eventTypes())
	}
	if blocked.SessionID != id || blocked.TaskID != "task-1" || blocked.Reason == "" {
		t.Errorf("unexpected blocked payload: %+v", blocked)
	}
}

func TestToolCallEvents(t *testing.T) {
	f := newFixture(t, time.Second)
	spawn(t, f, models.ModelOpus)

	f.adapter.onMsg(&adapter.Message{
		Kind:     adapter.KindToolUse,
		ToolID:   "t1",
		ToolName: "Bash",
		Input:    map[string]any{"command": "ls"},
	})
	f.adapter.onMsg(&adapter.Message{
		Kind:           adapter.KindToolProgress,
		ToolID:         "t1",
		ToolName:       "Bash",
		ElapsedSeconds: 3.5,
	})

	if len(f.emitted) != 3 {
		t.Fatalf("expected spawned + 2 tool events, got %v", f.eventTypes())
	}
	progress := f.emitted[2].Payload.(*events.ToolCallPayload)
	if !progress.IsProgress || progress.ElapsedSeconds != 3.5 {
		t.Errorf("unexpected progress payload: %+v", progress)
	}
}

func TestResultSuccessCompletesSession(t *testing.T) {
	f := newFixture(t, time.Second)
	id := spawn(t, f, models.ModelOpus)

	f.adapter.onMsg(&adapter.Message{
		Kind:       adapter.KindResultSuccess,
		Text:       "done",
		DurationMs: 1200,
		Usage:      models.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, CostUSD: 0.01},
	})

	if f.manager.Count() != 0 {
		t.Errorf("session not removed after completion")
	}
	if got := f.tracker.Available(models.ModelOpus); got != 1 {
		t.Errorf("capacity not released, available=%d", got)
	}
	last := f.emitted[len(f.emitted)-1]
	if last.Type != events.AgentCompleted {
		t.Fatalf("expected agent.completed, got %s", last.Type)
	}
	payload := last.Payload.(*events.AgentCompletedPayload)
	if payload.SessionID != id || payload.Result != "done" || payload.Usage.TotalTokens != 150 {
		t.Errorf("unexpected completed payload: %+v", payload)
	}
}

func TestResultErrorFailsSession(t *testing.T) {
	f := newFixture(t, time.Second)
	spawn(t, f, models.ModelOpus)

	f.adapter.onMsg(&adapter.Message{
		Kind:   adapter.KindResultError,
		Errors: []string{"compile error"},
	})

	last := f.emitted[len(f.emitted)-1]
	if last.Type != events.AgentFailed {
		t.Fatalf("expected agent.failed, got %s", last.Type)
	}
	if errs := last.Payload.(*events.AgentFailedPayload).Errors; len(errs) != 1 || errs[0] != "compile error" {
		t.Errorf("unexpected errors: %v", errs)
	}
	if got := f.tracker.Available(models.ModelOpus); got != 1 {
		t.Errorf("capacity not released, available=%d", got)
	}
}

func TestMessagesAfterTerminalDropped(t *testing.T) {
	f := newFixture(t, time.Second)
	spawn(t, f, models.ModelOpus)

	f.adapter.onMsg(&adapter.Message{Kind: adapter.KindResultSuccess, Text: "done"})
	before := len(f.emitted)

	f.adapter.onMsg(&adapter.Message{Kind: adapter.KindToolUse, ToolName: "Bash"})
	f.adapter.onMsg(&adapter.Message{Kind: adapter.KindResultError, Errors: []string{"late"}})

	if len(f.emitted) != before {
		t.Errorf("events emitted after terminal: %v", f.eventTypes())
	}
}

func TestCloseSynthesizesCancelledFailure(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	id := spawn(t, f, models.ModelOpus)

	if err := f.manager.Close(id); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if !f.adapter.query.closed {
		t.Error("query was not closed")
	}
	last := f.emitted[len(f.emitted)-1]
	if last.Type != events.AgentFailed {
		t.Fatalf("expected synthesized agent.failed, got %s", last.Type)
	}
	if reason := last.Payload.(*events.AgentFailedPayload).Reason; reason != "cancelled" {
		t.Errorf("expected reason cancelled, got %q", reason)
	}
	if got := f.tracker.Available(models.ModelOpus); got != 1 {
		t.Errorf("capacity not released after close, available=%d", got)
	}
}

func TestCloseAfterTerminalIsNoop(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	id := spawn(t, f, models.ModelOpus)

	f.adapter.onMsg(&adapter.Message{Kind: adapter.KindResultSuccess, Text: "done"})
	before := len(f.emitted)

	if err := f.manager.Close(id); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(f.emitted) != before {
		t.Errorf("close after terminal emitted events: %v", f.eventTypes())
	}
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	spawn(t, f, models.ModelOpus)
	spawn(t, f, models.ModelSonnet)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.manager.CloseAll(ctx)

	if f.manager.Count() != 0 {
		t.Errorf("expected all sessions closed, got %d", f.manager.Count())
	}
}

func TestLiveSnapshot(t *testing.T) {
	f := newFixture(t, time.Second)
	id := spawn(t, f, models.ModelSonnet)

	live := f.manager.Live()
	if len(live) != 1 || live[0].SessionID != id || live[0].Model != models.ModelSonnet {
		t.Errorf("unexpected live snapshot: %+v", live)
	}
}
