package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
)

// DefaultRelayTimeout bounds a single relay send invocation.
const DefaultRelayTimeout = 15 * time.Second

// RelayTransport shells out to a relay CLI for outbound sends and runs a
// long-lived `listen` subprocess whose stdout streams inbound messages and
// reactions as JSON lines.
type RelayTransport struct {
	binPath string
	token   string
	timeout time.Duration
	logger  *logger.Logger

	mu       sync.Mutex
	nextID   int
	msgFns   map[int]MessageHandler
	reactFns map[int]ReactionHandler
	listener *exec.Cmd
	cancel   context.CancelFunc
	closed   bool
}

// relayEvent is one line of relay listen output.
type relayEvent struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	Text      string `json:"text,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	MessageTS string `json:"message_ts,omitempty"`
}

// relaySendResult is the relay send command's stdout.
type relaySendResult struct {
	OK        bool   `json:"ok"`
	MessageTS string `json:"message_ts"`
	Error     string `json:"error,omitempty"`
}

// NewRelayTransport creates a relay-backed transport and starts the inbound
// listener for the given channel.
func NewRelayTransport(ctx context.Context, cfg config.ChatConfig, log *logger.Logger) (*RelayTransport, error) {
	if cfg.RelayCLIPath == "" {
		return nil, fmt.Errorf("relay cli path is required")
	}
	timeout := DefaultRelayTimeout
	if cfg.RelayTimeoutMs > 0 {
		timeout = time.Duration(cfg.RelayTimeoutMs) * time.Millisecond
	}

	t := &RelayTransport{
		binPath:  cfg.RelayCLIPath,
		token:    cfg.Token,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "relay-transport")),
		msgFns:   make(map[int]MessageHandler),
		reactFns: make(map[int]ReactionHandler),
	}
	if err := t.startListener(ctx, cfg.ChannelID); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *RelayTransport) startListener(ctx context.Context, channelID string) error {
	listenCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(listenCtx, t.binPath, "listen", "--channel", channelID, "--format", "json")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open listener stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start relay listener: %w", err)
	}

	t.mu.Lock()
	t.listener = cmd
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(stdout)
	go func() {
		err := cmd.Wait()
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			t.logger.Error("relay listener exited", zap.Error(err))
		}
	}()
	return nil
}

func (t *RelayTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev relayEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			t.logger.Warn("failed to parse relay event", zap.Error(err))
			continue
		}
		t.dispatch(ev)
	}
}

func (t *RelayTransport) dispatch(ev relayEvent) {
	t.mu.Lock()
	msgFns := make([]MessageHandler, 0, len(t.msgFns))
	for _, fn := range t.msgFns {
		msgFns = append(msgFns, fn)
	}
	reactFns := make([]ReactionHandler, 0, len(t.reactFns))
	for _, fn := range t.reactFns {
		reactFns = append(reactFns, fn)
	}
	t.mu.Unlock()

	switch ev.Type {
	case "message":
		msg := InboundMessage{
			Channel:  ev.Channel,
			Text:     ev.Text,
			UserID:   ev.UserID,
			ThreadTS: ev.ThreadTS,
		}
		for _, fn := range msgFns {
			fn(msg)
		}
	case "reaction":
		r := InboundReaction{
			Channel:   ev.Channel,
			Reaction:  ev.Reaction,
			UserID:    ev.UserID,
			MessageTS: ev.MessageTS,
		}
		for _, fn := range reactFns {
			fn(r)
		}
	default:
		t.logger.Debug("ignoring relay event", zap.String("type", ev.Type))
	}
}

// SendMessage invokes the relay send command and returns the posted message
// ts. Each invocation is bounded by the configured timeout.
func (t *RelayTransport) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	if msg.Channel == "" {
		return "", fmt.Errorf("channel is required")
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{"send", "--channel", msg.Channel, "--format", "json"}
	if msg.ThreadTS != "" {
		args = append(args, "--thread", msg.ThreadTS)
	}

	cmd := exec.CommandContext(sendCtx, t.binPath, args...)
	cmd.Stdin = strings.NewReader(msg.Text)

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("relay send failed: %w", err)
	}

	var res relaySendResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return "", fmt.Errorf("failed to parse relay send output: %w", err)
	}
	if !res.OK {
		return "", fmt.Errorf("relay send rejected: %s", res.Error)
	}
	return res.MessageTS, nil
}

// OnMessage registers an inbound message handler.
func (t *RelayTransport) OnMessage(handler MessageHandler) func() {
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
func (t *RelayTransport) OnReaction(handler ReactionHandler) func() {
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

// Close stops the inbound listener.
func (t *RelayTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}
