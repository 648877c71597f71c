package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

const (
	sdkDefaultMaxTurns  = 50
	sdkDefaultMaxTokens = 8192
)

// defaultModelIDs maps model tiers to Anthropic API model aliases.
var defaultModelIDs = map[models.Model]string{
	models.ModelOpus:   "claude-opus-4-0",
	models.ModelSonnet: "claude-sonnet-4-0",
	models.ModelHaiku:  "claude-3-5-haiku-latest",
}

// SDKMessagesClient is the subset of the Anthropic SDK used by the adapter.
// Satisfied by *sdk.MessageService; tests pass a mock.
type SDKMessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// SDKAdapter runs agents in-process against the Anthropic Messages API.
type SDKAdapter struct {
	msg        SDKMessagesClient
	modelIDs   map[models.Model]string
	logger     *logger.Logger
	normalizer *UsageNormalizer
}

// NewSDKAdapter creates an SDK adapter from an API key.
func NewSDKAdapter(apiKey string, log *logger.Logger) (*SDKAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewSDKAdapterWithClient(&client.Messages, log), nil
}

// NewSDKAdapterWithClient creates an SDK adapter over an existing messages
// client.
func NewSDKAdapterWithClient(msg SDKMessagesClient, log *logger.Logger) *SDKAdapter {
	return &SDKAdapter{
		msg:        msg,
		modelIDs:   defaultModelIDs,
		logger:     log.WithFields(zap.String("component", "sdk-adapter")),
		normalizer: NewUsageNormalizer(),
	}
}

// ExtractUsage normalizes a raw usage record for the session.
func (a *SDKAdapter) ExtractUsage(sessionID string, raw RawUsage) models.Usage {
	return a.normalizer.Normalize(sessionID, raw)
}

// sdkQuery is a running in-process agent loop.
type sdkQuery struct {
	sessionID string
	cancel    context.CancelFunc
	inject    chan string
	done      chan struct{}

	mu      sync.Mutex
	running bool
	closed  bool
}

// StartQuery runs the agent loop in a goroutine, streaming normalized
// messages until the model stops calling tools or the turn cap is hit.
func (a *SDKAdapter) StartQuery(ctx context.Context, sessionID, prompt string, cfg QueryConfig, onMessage MessageHandler) (ActiveQuery, error) {
	modelID, ok := a.modelIDs[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("no API model for tier %q", cfg.Model)
	}
	a.normalizer.RememberModel(sessionID, cfg.Model)

	runCtx, cancel := context.WithCancel(ctx)
	q := &sdkQuery{
		sessionID: sessionID,
		cancel:    cancel,
		inject:    make(chan string, 4),
		done:      make(chan struct{}),
		running:   true,
	}
	go a.run(runCtx, q, prompt, modelID, cfg, onMessage)
	return q, nil
}

func (a *SDKAdapter) run(ctx context.Context, q *sdkQuery, prompt, modelID string, cfg QueryConfig, onMessage MessageHandler) {
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		close(q.done)
		a.normalizer.Forget(q.sessionID)
	}()

	log := a.logger.WithSessionID(q.sessionID)
	started := time.Now()

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = sdkDefaultMaxTurns
	}

	conversation := []sdk.MessageParam{
		sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
	}
	var total models.Usage
	var lastText string

	fail := func(reason string) {
		onMessage(&Message{
			Kind:   KindResultError,
			Errors: []string{reason},
			Usage:  total,
		})
	}

	for turn := 0; turn < maxTurns; turn++ {
		params := sdk.MessageNewParams{
			Model:     sdk.Model(modelID),
			MaxTokens: sdkDefaultMaxTokens,
			Messages:  conversation,
			Tools:     []sdk.ToolUnionParam{askUserQuestionTool()},
		}
		if cfg.SystemPromptSuffix != "" {
			params.System = []sdk.TextBlockParam{{Text: cfg.SystemPromptSuffix}}
		}

		msg, err := a.msg.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled by Close; the session layer synthesizes the
				// terminal message.
				return
			}
			log.Error("messages request failed", zap.Error(err))
			fail(fmt.Sprintf("messages request failed: %v", err))
			return
		}

		total.Add(a.normalizer.Normalize(q.sessionID, RawUsage{
			InputTokens:         msg.Usage.InputTokens,
			OutputTokens:        msg.Usage.OutputTokens,
			CacheReadTokens:     msg.Usage.CacheReadInputTokens,
			CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
			Model:               cfg.Model,
		}))

		assistantBlocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
		var toolResults []sdk.ContentBlockParamUnion

		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					lastText = block.Text
					assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(block.Text))
				}
			case "tool_use":
				input := map[string]any{}
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &input); err != nil {
						log.Warn("failed to decode tool input",
							zap.String("tool", block.Name), zap.Error(err))
					}
				}
				assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
				onMessage(&Message{
					Kind:     KindToolUse,
					ToolID:   block.ID,
					ToolName: block.Name,
					Input:    input,
				})

				if block.Name == AskUserQuestionTool {
					answer, ok := q.waitForReply(ctx)
					if !ok {
						return
					}
					toolResults = append(toolResults, sdk.NewToolResultBlock(block.ID, answer, false))
				} else {
					toolResults = append(toolResults, sdk.NewToolResultBlock(block.ID,
						fmt.Sprintf("tool %q is not available", block.Name), true))
				}
			}
		}

		if len(assistantBlocks) > 0 {
			conversation = append(conversation, sdk.NewAssistantMessage(assistantBlocks...))
		}
		if len(toolResults) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(toolResults...))
			continue
		}

		onMessage(&Message{
			Kind:       KindResultSuccess,
			Text:       lastText,
			DurationMs: time.Since(started).Milliseconds(),
			Usage:      total,
		})
		return
	}

	fail(fmt.Sprintf("turn limit of %d reached", maxTurns))
}

// waitForReply blocks until operator text is injected or the query ends.
func (q *sdkQuery) waitForReply(ctx context.Context) (string, bool) {
	select {
	case text := <-q.inject:
		return text, true
	case <-ctx.Done():
		return "", false
	}
}

func askUserQuestionTool() sdk.ToolUnionParam {
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
		ExtraFields: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
			},
			"required": []string{"question"},
		},
	}, AskUserQuestionTool)
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String("Ask the operator a question and wait for their reply.")
	}
	return u
}

// SessionID returns the owning session.
func (q *sdkQuery) SessionID() string { return q.sessionID }

// IsRunning reports whether the agent loop is still active.
func (q *sdkQuery) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Inject delivers operator text into the running loop, answering a pending
// question.
func (q *sdkQuery) Inject(text string) error {
	q.mu.Lock()
	if !q.running || q.closed {
		q.mu.Unlock()
		return fmt.Errorf("query for session %s is not running", q.sessionID)
	}
	q.mu.Unlock()

	select {
	case q.inject <- text:
		return nil
	default:
		return fmt.Errorf("reply buffer full for session %s", q.sessionID)
	}
}

// Close cancels the agent loop.
func (q *sdkQuery) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done
	return nil
}
