package chat

import (
	"context"

	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
)

// EventingTransport decorates a Transport, mirroring its traffic onto the
// event bus: inbound messages become chat.in events, successful sends become
// chat.out events. Handlers registered on it see the raw traffic unchanged.
type EventingTransport struct {
	inner Transport
	bus   *bus.Bus
}

var _ Transport = (*EventingTransport)(nil)

// NewEventingTransport wraps inner and starts mirroring inbound messages.
func NewEventingTransport(inner Transport, b *bus.Bus) *EventingTransport {
	t := &EventingTransport{inner: inner, bus: b}
	inner.OnMessage(func(msg InboundMessage) {
		b.Emit(events.New(events.ChatIn, &events.ChatPayload{
			Channel:  msg.Channel,
			ThreadTS: msg.ThreadTS,
			UserID:   msg.UserID,
			Text:     msg.Text,
		}))
	})
	return t
}

// SendMessage posts through the inner transport and mirrors the send. Failed
// sends emit nothing.
func (t *EventingTransport) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	ts, err := t.inner.SendMessage(ctx, msg)
	if err != nil {
		return "", err
	}
	t.bus.Emit(events.New(events.ChatOut, &events.ChatPayload{
		Channel:  msg.Channel,
		ThreadTS: msg.ThreadTS,
		Text:     msg.Text,
	}))
	return ts, nil
}

// OnMessage registers a handler on the inner transport.
func (t *EventingTransport) OnMessage(handler MessageHandler) func() {
	return t.inner.OnMessage(handler)
}

// OnReaction registers a handler on the inner transport.
func (t *EventingTransport) OnReaction(handler ReactionHandler) func() {
	return t.inner.OnReaction(handler)
}

// Close closes the inner transport.
func (t *EventingTransport) Close() error {
	return t.inner.Close()
}
