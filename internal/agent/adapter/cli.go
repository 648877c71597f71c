package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// CLIAdapter runs agents as subprocesses speaking line-delimited JSON
// (stream-json) over stdin/stdout.
type CLIAdapter struct {
	binPath    string
	logger     *logger.Logger
	normalizer *UsageNormalizer

	mu      sync.Mutex
	queries map[string]*cliQuery
}

// NewCLIAdapter creates a CLI adapter invoking the given binary.
func NewCLIAdapter(binPath string, log *logger.Logger) *CLIAdapter {
	return &CLIAdapter{
		binPath:    binPath,
		logger:     log.WithFields(zap.String("component", "cli-adapter")),
		normalizer: NewUsageNormalizer(),
		queries:    make(map[string]*cliQuery),
	}
}

// wireMessage is a line of agent CLI stream-json output. The message type
// determines which fields are populated.
type wireMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For assistant messages
	Message *wireAssistant `json:"message,omitempty"`

	// For tool_progress messages
	ToolUseID      string  `json:"tool_use_id,omitempty"`
	ToolName       string  `json:"tool_name,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`

	// For result messages
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	Usage      *wireUsage      `json:"usage,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

type wireAssistant struct {
	Role    string             `json:"role"`
	Model   string             `json:"model,omitempty"`
	Content []wireContentBlock `json:"content,omitempty"`
}

type wireContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

type wireUserMessage struct {
	Type    string              `json:"type"`
	Message wireUserMessageBody `json:"message"`
}

type wireUserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// cliQuery is a running subprocess invocation.
type cliQuery struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	logger    *logger.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	terminal bool
}

// StartQuery spawns the agent subprocess and begins streaming messages.
func (a *CLIAdapter) StartQuery(ctx context.Context, sessionID, prompt string, cfg QueryConfig, onMessage MessageHandler) (ActiveQuery, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if cfg.PermissionMode == PermissionBypass {
		args = append(args, "--dangerously-skip-permissions")
	}
	if cfg.Model != "" {
		args = append(args, "--model", string(cfg.Model))
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.SystemPromptSuffix != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPromptSuffix)
	}

	cmd := exec.CommandContext(ctx, a.binPath, args...)
	cmd.Dir = cfg.WorkDir
	// The subprocess must use its own credentials, not ours.
	cmd.Env = scrubEnv(os.Environ(), "ANTHROPIC_API_KEY", "CI")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	a.normalizer.RememberModel(sessionID, cfg.Model)

	q := &cliQuery{
		sessionID: sessionID,
		cmd:       cmd,
		stdin:     stdin,
		running:   true,
		logger:    a.logger.WithSessionID(sessionID),
	}

	a.mu.Lock()
	a.queries[sessionID] = q
	a.mu.Unlock()

	go a.readLoop(q, stdout, onMessage)

	if err := q.Inject(prompt); err != nil {
		q.logger.Error("failed to send initial prompt", zap.Error(err))
		_ = q.Close()
		a.removeQuery(sessionID)
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	return q, nil
}

// ExtractUsage normalizes a raw usage record for the session.
func (a *CLIAdapter) ExtractUsage(sessionID string, raw RawUsage) models.Usage {
	return a.normalizer.Normalize(sessionID, raw)
}

func (a *CLIAdapter) removeQuery(sessionID string) {
	a.mu.Lock()
	delete(a.queries, sessionID)
	a.mu.Unlock()
	a.normalizer.Forget(sessionID)
}

// readLoop scans subprocess stdout and delivers normalized messages.
func (a *CLIAdapter) readLoop(q *cliQuery, stdout io.Reader, onMessage MessageHandler) {
	scanner := bufio.NewScanner(stdout)
	// Allow for large JSON messages (up to 10MB).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		for _, msg := range a.normalizeLine(q.sessionID, line) {
			if msg.Kind == KindResultSuccess || msg.Kind == KindResultError {
				q.markTerminal()
			}
			onMessage(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		q.logger.Error("read loop error", zap.Error(err))
	}

	err := q.cmd.Wait()
	q.mu.Lock()
	q.running = false
	sawTerminal := q.terminal
	wasClosed := q.closed
	q.mu.Unlock()

	// A process that dies without a result message still terminates the
	// session; deliver a synthetic error unless we closed it ourselves.
	if !sawTerminal && !wasClosed {
		reason := "agent process exited without a result"
		if err != nil {
			reason = fmt.Sprintf("agent process exited: %v", err)
		}
		onMessage(&Message{
			Kind:   KindResultError,
			Errors: []string{reason},
		})
	}

	a.removeQuery(q.sessionID)
}

// normalizeLine converts one wire line to zero or more normalized messages.
func (a *CLIAdapter) normalizeLine(sessionID string, line []byte) []*Message {
	var wire wireMessage
	if err := json.Unmarshal(line, &wire); err != nil {
		a.logger.Warn("failed to parse agent output line",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}

	switch wire.Type {
	case "assistant":
		if wire.Message == nil {
			return nil
		}
		if wire.Message.Model != "" {
			a.normalizer.RememberModel(sessionID, modelFromAPIName(wire.Message.Model))
		}
		var msgs []*Message
		for _, block := range wire.Message.Content {
			if block.Type != "tool_use" {
				continue
			}
			msgs = append(msgs, &Message{
				Kind:     KindToolUse,
				ToolID:   block.ID,
				ToolName: block.Name,
				Input:    block.Input,
			})
		}
		return msgs

	case "tool_progress":
		return []*Message{{
			Kind:           KindToolProgress,
			ToolID:         wire.ToolUseID,
			ToolName:       wire.ToolName,
			ElapsedSeconds: wire.ElapsedSeconds,
		}}

	case "result":
		raw := RawUsage{CostUSD: wire.CostUSD}
		if wire.Usage != nil {
			raw.InputTokens = wire.Usage.InputTokens
			raw.OutputTokens = wire.Usage.OutputTokens
			raw.CacheReadTokens = wire.Usage.CacheReadInputTokens
			raw.CacheCreationTokens = wire.Usage.CacheCreationInputTokens
		}
		usage := a.normalizer.Normalize(sessionID, raw)

		if wire.IsError || wire.Subtype == "error" {
			errs := wire.Errors
			if len(errs) == 0 {
				if s := resultString(wire.Result); s != "" {
					errs = []string{s}
				} else {
					errs = []string{"agent reported an error"}
				}
			}
			return []*Message{{
				Kind:   KindResultError,
				Errors: errs,
				Usage:  usage,
			}}
		}
		return []*Message{{
			Kind:       KindResultSuccess,
			Text:       resultString(wire.Result),
			DurationMs: wire.DurationMS,
			Usage:      usage,
		}}

	case "system":
		return []*Message{{Kind: KindSystem}}

	default:
		return nil
	}
}

// resultString extracts the result text, which may be a bare string or an
// object with a text field.
func resultString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// modelFromAPIName maps an API model identifier to a model tier.
func modelFromAPIName(name string) models.Model {
	switch {
	case strings.Contains(name, "opus"):
		return models.ModelOpus
	case strings.Contains(name, "sonnet"):
		return models.ModelSonnet
	case strings.Contains(name, "haiku"):
		return models.ModelHaiku
	}
	return models.Model("")
}

// scrubEnv removes the named variables from an environment list.
func scrubEnv(env []string, names ...string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		drop := false
		for _, name := range names {
			if strings.HasPrefix(kv, name+"=") {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}

// SessionID returns the owning session.
func (q *cliQuery) SessionID() string { return q.sessionID }

// IsRunning reports whether the subprocess is still alive.
func (q *cliQuery) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// markTerminal records that a result message was delivered, so process exit
// does not synthesize a second one.
func (q *cliQuery) markTerminal() {
	q.mu.Lock()
	q.terminal = true
	q.mu.Unlock()
}

// Inject writes a user message to the subprocess stdin.
func (q *cliQuery) Inject(text string) error {
	q.mu.Lock()
	if !q.running || q.closed {
		q.mu.Unlock()
		return fmt.Errorf("query for session %s is not running", q.sessionID)
	}
	q.mu.Unlock()

	msg := wireUserMessage{
		Type: "user",
		Message: wireUserMessageBody{
			Role:    "user",
			Content: text,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	data = append(data, '\n')
	if _, err := q.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write user message: %w", err)
	}
	return nil
}

// Close requests subprocess shutdown.
func (q *cliQuery) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	_ = q.stdin.Close()
	if q.cmd.Process != nil {
		if err := q.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
			return fmt.Errorf("failed to kill agent process: %w", err)
		}
	}
	return nil
}
