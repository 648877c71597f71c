// Package chat defines the outbound/inbound chat transport boundary and its
// concrete implementations.
package chat

import "context"

// OutboundMessage is one message to post. ThreadTS threads the message under
// an existing one when set.
type OutboundMessage struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// InboundMessage is a message received from the channel.
type InboundMessage struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	UserID   string `json:"user_id"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// InboundReaction is an emoji reaction on a posted message.
type InboundReaction struct {
	Channel   string `json:"channel"`
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	MessageTS string `json:"message_ts"`
}

// MessageHandler receives inbound messages.
type MessageHandler func(msg InboundMessage)

// ReactionHandler receives inbound reactions.
type ReactionHandler func(r InboundReaction)

// Transport is the chat boundary. Retries and rate limiting are the
// transport's responsibility; callers treat a returned error as final.
type Transport interface {
	// SendMessage posts a message and returns its message id (thread ts).
	SendMessage(ctx context.Context, msg OutboundMessage) (string, error)

	// OnMessage registers a handler for inbound messages and returns a
	// function that removes it.
	OnMessage(handler MessageHandler) func()

	// OnReaction registers a handler for inbound reactions and returns a
	// function that removes it.
	OnReaction(handler ReactionHandler) func()

	// Close releases transport resources.
	Close() error
}
