package bus

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func TestEmitDeliversToTypedSubscriber(t *testing.T) {
	b := New(10, testLogger())

	var received *events.Event
	b.On(events.TaskQueued, func(e *events.Event) {
		received = e
	})

	payload := events.TaskPayload{TaskID: "task-1"}
	b.Emit(events.New(events.TaskQueued, payload))

	if received == nil {
		t.Fatal("subscriber was not invoked")
	}
	got, ok := received.Payload.(events.TaskPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", received.Payload)
	}
	if got.TaskID != "task-1" {
		t.Errorf("expected payload task-1, got %q", got.TaskID)
	}
}

func TestEmitDoesNotDeliverToOtherTypes(t *testing.T) {
	b := New(10, testLogger())

	called := false
	b.On(events.TaskQueued, func(e *events.Event) { called = true })

	b.Emit(events.New(events.TaskCompleted, nil))
	if called {
		t.Error("subscriber for task.queued should not receive task.completed")
	}
}

func TestHandlersInvokedInRegistrationOrder(t *testing.T) {
	b := New(10, testLogger())

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.On(events.SystemStarted, func(e *events.Event) {
			order = append(order, i)
		})
	}

	b.Emit(events.New(events.SystemStarted, nil))

	if len(order) != 5 {
		t.Fatalf("expected 5 invocations, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("invocation %d out of order: got handler %d", i, got)
		}
	}
}

func TestPatternHandlersRunAfterTyped(t *testing.T) {
	b := New(10, testLogger())

	var order []string
	b.OnPattern(regexp.MustCompile(`^agent\.`), func(e *events.Event) {
		order = append(order, "pattern")
	})
	b.On(events.AgentCompleted, func(e *events.Event) {
		order = append(order, "typed")
	})

	b.Emit(events.New(events.AgentCompleted, nil))

	if len(order) != 2 || order[0] != "typed" || order[1] != "pattern" {
		t.Errorf("expected [typed pattern], got %v", order)
	}
}

func TestPatternMatching(t *testing.T) {
	b := New(10, testLogger())

	var matched []string
	b.OnPattern(regexp.MustCompile(`^database\.`), func(e *events.Event) {
		matched = append(matched, e.Type)
	})

	b.Emit(events.New(events.DatabaseHealthy, nil))
	b.Emit(events.New(events.TaskQueued, nil))
	b.Emit(events.New(events.DatabaseDegraded, nil))

	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(matched), matched)
	}
	if matched[0] != events.DatabaseHealthy || matched[1] != events.DatabaseDegraded {
		t.Errorf("unexpected matches: %v", matched)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(10, testLogger())

	count := 0
	unsub := b.On(events.TaskQueued, func(e *events.Event) { count++ })

	b.Emit(events.New(events.TaskQueued, nil))
	unsub()
	b.Emit(events.New(events.TaskQueued, nil))

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}

	// Second unsubscribe is a no-op.
	unsub()
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New(10, testLogger())

	var systemErrors []*events.Event
	b.On(events.SystemError, func(e *events.Event) {
		systemErrors = append(systemErrors, e)
	})

	laterCalled := false
	b.On(events.TaskQueued, func(e *events.Event) {
		panic("boom")
	})
	b.On(events.TaskQueued, func(e *events.Event) {
		laterCalled = true
	})

	b.Emit(events.New(events.TaskQueued, nil))

	if !laterCalled {
		t.Error("handler registered after a panicking one was not invoked")
	}
	if len(systemErrors) != 1 {
		t.Fatalf("expected 1 system.error event, got %d", len(systemErrors))
	}
	payload, ok := systemErrors[0].Payload.(events.SystemErrorPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", systemErrors[0].Payload)
	}
	if payload.Reason != "event-handler-panic" {
		t.Errorf("unexpected reason %q", payload.Reason)
	}
}

func TestPanicInSystemErrorHandlerDoesNotRecurse(t *testing.T) {
	b := New(10, testLogger())

	calls := 0
	b.On(events.SystemError, func(e *events.Event) {
		calls++
		panic("handler is itself broken")
	})

	b.Emit(events.New(events.SystemError, events.SystemErrorPayload{Reason: "original"}))

	if calls != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", calls)
	}
}

func TestHistoryBounded(t *testing.T) {
	b := New(100, testLogger())

	for i := 1; i <= 10000; i++ {
		b.Emit(events.New(events.TaskQueued, events.TaskPayload{
			TaskID: fmt.Sprintf("task-%d", i),
		}))
	}

	history := b.History(nil)
	if len(history) != 100 {
		t.Fatalf("expected history length 100, got %d", len(history))
	}

	last := history[len(history)-1]
	payload := last.Payload.(events.TaskPayload)
	if payload.TaskID != "task-10000" {
		t.Errorf("expected newest entry task-10000, got %q", payload.TaskID)
	}

	first := history[0]
	firstPayload := first.Payload.(events.TaskPayload)
	if firstPayload.TaskID != "task-9901" {
		t.Errorf("expected oldest entry task-9901, got %q", firstPayload.TaskID)
	}
}

func TestHistoryFilterByType(t *testing.T) {
	b := New(50, testLogger())

	b.Emit(events.New(events.TaskQueued, nil))
	b.Emit(events.New(events.TaskCompleted, nil))
	b.Emit(events.New(events.TaskQueued, nil))

	filtered := b.History(&HistoryFilter{Type: events.TaskQueued})
	if len(filtered) != 2 {
		t.Errorf("expected 2 task.queued entries, got %d", len(filtered))
	}

	limited := b.History(&HistoryFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected 1 entry with limit, got %d", len(limited))
	}
	if limited[0].Type != events.TaskQueued {
		t.Errorf("limit should keep the newest entry, got %s", limited[0].Type)
	}
}

func TestDestroy(t *testing.T) {
	b := New(10, testLogger())

	called := false
	b.On(events.TaskQueued, func(e *events.Event) { called = true })
	b.Emit(events.New(events.TaskQueued, nil))
	if !called {
		t.Fatal("sanity: subscriber should fire before destroy")
	}

	b.Destroy()

	called = false
	if b.Emit(events.New(events.TaskQueued, nil)) {
		t.Error("Emit should report false after destroy")
	}
	if called {
		t.Error("no delivery after destroy")
	}
	if len(b.History(nil)) != 0 {
		t.Error("history should be cleared by destroy")
	}

	// Idempotent.
	b.Destroy()
}

func TestSubscribersCanUnsubscribeDuringEmit(t *testing.T) {
	b := New(10, testLogger())

	var unsub func()
	count := 0
	unsub = b.On(events.TaskQueued, func(e *events.Event) {
		count++
		unsub()
	})

	b.Emit(events.New(events.TaskQueued, nil))
	b.Emit(events.New(events.TaskQueued, nil))

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func BenchmarkEmitSingleHandler(b *testing.B) {
	bus := New(100, testLogger())
	bus.On(events.TaskQueued, func(e *events.Event) {})
	event := events.New(events.TaskQueued, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Emit(event)
	}
}
