package chat

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTransport is an in-memory Transport for tests. Sent messages are
// recorded; tests deliver inbound traffic with DeliverMessage and
// DeliverReaction.
type MemoryTransport struct {
	mu       sync.Mutex
	sent     []OutboundMessage
	nextTS   int
	sendErr  error
	nextID   int
	msgFns   map[int]MessageHandler
	reactFns map[int]ReactionHandler
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		msgFns:   make(map[int]MessageHandler),
		reactFns: make(map[int]ReactionHandler),
	}
}

// FailSends makes subsequent SendMessage calls return err (nil restores
// normal behavior).
func (t *MemoryTransport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// SendMessage records the message and returns a synthetic ts.
func (t *MemoryTransport) SendMessage(_ context.Context, msg OutboundMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.sent = append(t.sent, msg)
	t.nextTS++
	return fmt.Sprintf("ts-%d", t.nextTS), nil
}

// Sent returns a copy of the messages sent so far.
func (t *MemoryTransport) Sent() []OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OutboundMessage(nil), t.sent...)
}

// LastSent returns the most recent message, or false when none were sent.
func (t *MemoryTransport) LastSent() (OutboundMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return OutboundMessage{}, false
	}
	return t.sent[len(t.sent)-1], true
}

// OnMessage registers an inbound message handler.
func (t *MemoryTransport) OnMessage(handler MessageHandler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.msgFns[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.msgFns, id)
		t.mu.Unlock()
	}
}

// OnReaction registers an inbound reaction handler.
func (t *MemoryTransport) OnReaction(handler ReactionHandler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.reactFns[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.reactFns, id)
		t.mu.Unlock()
	}
}

// MessageHandlerCount reports how many inbound message handlers are
// registered.
func (t *MemoryTransport) MessageHandlerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgFns)
}

// DeliverMessage fans an inbound message out to registered handlers.
func (t *MemoryTransport) DeliverMessage(msg InboundMessage) {
	t.mu.Lock()
	fns := make([]MessageHandler, 0, len(t.msgFns))
	for _, fn := range t.msgFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// DeliverReaction fans an inbound reaction out to registered handlers.
func (t *MemoryTransport) DeliverReaction(r InboundReaction) {
	t.mu.Lock()
	fns := make([]ReactionHandler, 0, len(t.reactFns))
	for _, fn := range t.reactFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// Close is a no-op.
func (t *MemoryTransport) Close() error { return nil }
