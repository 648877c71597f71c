// Package bus provides the in-process event bus for TrafficControl.
//
// Fan-out is synchronous: Emit invokes every matching handler before
// returning. Typed handlers run in registration order, followed by pattern
// handlers. A panicking handler is isolated and surfaced as a system.error
// event; it never prevents later handlers from running.
package bus

import (
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
)

// DefaultHistorySize is the default capacity of the event history ring.
const DefaultHistorySize = 100

// AllEvents matches every event type, for pattern subscribers that mirror or
// relay the whole stream.
var AllEvents = regexp.MustCompile(`.`)

// Handler is invoked synchronously for each matching event.
type Handler func(event *events.Event)

type subscription struct {
	id      uint64
	handler Handler
	pattern *regexp.Regexp // nil for typed subscriptions
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	Type  string
	Limit int
}

// Bus is a typed pub/sub event bus with a bounded history ring.
type Bus struct {
	mu        sync.Mutex
	typed     map[string][]*subscription
	patterns  []*subscription
	history   []*events.Event // ring buffer, head is the oldest entry
	head      int
	count     int
	size      int
	nextSubID uint64
	destroyed bool
	logger    *logger.Logger
}

// New creates a bus with the given history capacity.
// A non-positive size falls back to DefaultHistorySize.
func New(historySize int, log *logger.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		typed:   make(map[string][]*subscription),
		history: make([]*events.Event, historySize),
		size:    historySize,
		logger:  log.WithFields(zap.String("component", "eventbus")),
	}
}

// Emit delivers the event to all matching subscribers and records it in
// history. Returns false if the bus has been destroyed.
func (b *Bus) Emit(event *events.Event) bool {
	if event == nil {
		return false
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return false
	}

	// Record in the ring before delivery so handlers observe their own event
	// in history.
	b.history[(b.head+b.count)%b.size] = event
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}

	// Snapshot matching handlers so delivery happens outside the lock;
	// handlers are free to subscribe, unsubscribe, or emit.
	matched := make([]*subscription, 0, len(b.typed[event.Type])+len(b.patterns))
	matched = append(matched, b.typed[event.Type]...)
	for _, sub := range b.patterns {
		if sub.pattern.MatchString(event.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.invoke(sub, event)
	}
	return true
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(sub *subscription, event *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Any("panic", r))
			// Surface on the system.error channel, except for system.error
			// events themselves to avoid recursion.
			if event.Type != events.SystemError {
				b.Emit(events.New(events.SystemError, events.SystemErrorPayload{
					Reason: "event-handler-panic",
					Source: event.Type,
					Error:  fmt.Sprint(r),
				}))
			}
		}
	}()
	sub.handler(event)
}

// On registers a handler for a single event type.
// The returned function removes the subscription; calling it twice is safe.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return func() {}
	}

	b.nextSubID++
	sub := &subscription{id: b.nextSubID, handler: handler}
	b.typed[eventType] = append(b.typed[eventType], sub)

	return func() { b.removeTyped(eventType, sub.id) }
}

// OnPattern registers a handler for every event whose type matches pattern.
// Pattern handlers run after typed handlers for the same event.
func (b *Bus) OnPattern(pattern *regexp.Regexp, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return func() {}
	}

	b.nextSubID++
	sub := &subscription{id: b.nextSubID, handler: handler, pattern: pattern}
	b.patterns = append(b.patterns, sub)

	return func() { b.removePattern(sub.id) }
}

func (b *Bus) removeTyped(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.typed[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.typed[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removePattern(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.patterns {
		if sub.id == id {
			b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
			return
		}
	}
}

// History returns retained events oldest-first. A nil filter returns all.
func (b *Bus) History(filter *HistoryFilter) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]*events.Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.history[(b.head+i)%b.size]
		if filter != nil && filter.Type != "" && e.Type != filter.Type {
			continue
		}
		result = append(result, e)
	}
	if filter != nil && filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// Destroy drops all subscribers and clears history. Idempotent.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.typed = make(map[string][]*subscription)
	b.patterns = nil
	b.history = make([]*events.Event, b.size)
	b.head = 0
	b.count = 0
	b.logger.Info("event bus destroyed")
}
