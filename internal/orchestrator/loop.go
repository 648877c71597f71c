// Package orchestrator drives the tick loop: database health gating, task
// admission, approval gating, and graceful startup/shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/agent/session"
	"github.com/trafficcontrol/trafficcontrol/internal/approval"
	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/common/telemetry"
	"github.com/trafficcontrol/trafficcontrol/internal/contextbudget"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/orchestrator/state"
	"github.com/trafficcontrol/trafficcontrol/internal/scheduler"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
	"github.com/trafficcontrol/trafficcontrol/internal/task/repository"
)

// ErrStartupAborted is returned when the operator declines the startup
// confirmation or the confirmation window elapses.
var ErrStartupAborted = errors.New("startup aborted by operator")

// dbErrorMarkers classify an error as database-like by message substring.
var dbErrorMarkers = []string{
	"supabase", "database", "connection", "network",
	"timeout", "econnrefused", "enotfound",
}

const (
	startupProbeAttempts = 5
	startupProbeBaseWait = 500 * time.Millisecond
)

// Dashboard is the optional HTTP surface started by the loop.
type Dashboard interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// gateState tracks a task through the approval gate.
type gateState int

const (
	gatePending gateState = iota
	gateApproved
	gateRejected
)

// Deps collects the loop's collaborators.
type Deps struct {
	Store     repository.Store
	Scheduler *scheduler.Scheduler
	Sessions  *session.Manager
	Budget    *contextbudget.Manager
	Bus       *bus.Bus
	Snapshot  *state.Store
	Transport chat.Transport
	ChannelID string
	Approvals *approval.Manager
	Dashboard Dashboard
	Logger    *logger.Logger
}

// Loop is the main control loop.
type Loop struct {
	cfg       config.LoopConfig
	store     repository.Store
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	budget    *contextbudget.Manager
	bus       *bus.Bus
	snapshot  *state.Store
	transport chat.Transport
	channelID string
	approvals *approval.Manager
	dashboard Dashboard
	tracer    trace.Tracer
	logger    *logger.Logger

	mu                    sync.Mutex
	running               bool
	paused                bool
	degraded              bool
	consecutiveDbFailures int
	lastDbHealthyAt       time.Time
	lastDbError           error
	gates                 map[string]gateState
	started               map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
	unsubs []func()

	probeAttempts int
	probeBaseWait time.Duration
}

// NewLoop creates the loop and subscribes it to terminal session events.
func NewLoop(cfg config.LoopConfig, deps Deps) *Loop {
	l := &Loop{
		cfg:       cfg,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		sessions:  deps.Sessions,
		budget:    deps.Budget,
		bus:       deps.Bus,
		snapshot:  deps.Snapshot,
		transport: deps.Transport,
		channelID: deps.ChannelID,
		approvals: deps.Approvals,
		dashboard: deps.Dashboard,
		tracer:    telemetry.Tracer("orchestrator"),
		logger:    deps.Logger.WithFields(zap.String("component", "main-loop")),
		gates:     make(map[string]gateState),
		started:   make(map[string]struct{}),

		probeAttempts: startupProbeAttempts,
		probeBaseWait: startupProbeBaseWait,
	}
	l.unsubs = append(l.unsubs,
		l.bus.On(events.AgentCompleted, l.onAgentCompleted),
		l.bus.On(events.AgentFailed, l.onAgentFailed),
		l.bus.On(events.AgentToolCall, l.onAgentToolCall),
	)
	return l
}

// isDatabaseError classifies an error by message substring.
func isDatabaseError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range dbErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// probeDatabase retries the health probe with exponential backoff.
func (l *Loop) probeDatabase(ctx context.Context) error {
	wait := l.probeBaseWait
	var lastErr error
	for attempt := 1; attempt <= l.probeAttempts; attempt++ {
		err := l.store.Ping(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		l.logger.Warn("database probe failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt == l.probeAttempts {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return fmt.Errorf("database unavailable after %d attempts: %w", l.probeAttempts, lastErr)
}

// Start runs the startup sequence and begins ticking. A returned error is
// fatal; the process should exit non-zero.
func (l *Loop) Start(ctx context.Context) error {
	if l.cfg.ValidateDatabaseOnStartup {
		if err := l.probeDatabase(ctx); err != nil {
			return err
		}
		l.bus.Emit(events.New(events.DatabaseHealthy, &events.DatabasePayload{}))
	}

	if snap, ok := l.snapshot.Load(); ok {
		// Old adapter sessions are not re-attached; log them for the operator.
		for _, agent := range snap.ActiveAgents {
			l.logger.Warn("previous run left an active session",
				zap.String("session_id", agent.SessionID),
				zap.String("task_id", agent.TaskID))
		}
	}
	l.scheduler.SyncCapacity(l.sessions.Live())

	report, err := l.validateBacklog(ctx)
	if err != nil {
		return fmt.Errorf("pre-flight validation failed: %w", err)
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("backlog validation found %d error(s): %s",
			len(report.Errors), strings.Join(report.Errors, "; "))
	}

	if err := l.confirmStartup(ctx, report.Summary()); err != nil {
		return err
	}

	if l.dashboard != nil {
		if err := l.dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	l.mu.Lock()
	l.running = true
	l.lastDbHealthyAt = time.Now().UTC()
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	l.bus.Emit(events.New(events.SystemStarted, nil))
	go l.run()
	return nil
}

// confirmStartup posts the pre-flight summary and waits for the operator to
// confirm or abort within the configured window.
func (l *Loop) confirmStartup(ctx context.Context, summary string) error {
	if l.transport == nil {
		return nil
	}

	text := summary + "\nReply `confirm` to start or `abort` to cancel."
	ts, err := l.transport.SendMessage(ctx, chat.OutboundMessage{
		Channel: l.channelID,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("failed to post startup confirmation: %w", err)
	}

	decision := make(chan bool, 1)
	var once sync.Once
	unsub := l.transport.OnMessage(func(msg chat.InboundMessage) {
		if msg.ThreadTS != ts {
			return
		}
		switch strings.ToLower(strings.TrimSpace(msg.Text)) {
		case "confirm", "yes", "start":
			once.Do(func() { decision <- true })
		case "abort", "cancel", "no", "stop":
			once.Do(func() { decision <- false })
		}
	})
	defer unsub()

	timeout := 10 * time.Minute
	if l.cfg.ConfirmTimeoutMs > 0 {
		timeout = time.Duration(l.cfg.ConfirmTimeoutMs) * time.Millisecond
	}

	select {
	case ok := <-decision:
		if !ok {
			return ErrStartupAborted
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: no confirmation within %s", ErrStartupAborted, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.doneCh)

	interval := 5 * time.Second
	if l.cfg.PollIntervalMs > 0 {
		interval = time.Duration(l.cfg.PollIntervalMs) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Tick(context.Background())
		case <-l.stopCh:
			return
		}
	}
}

// Tick runs one scheduling pass. Safe to call directly; the timer loop does
// nothing else.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	if !l.running || l.paused {
		l.mu.Unlock()
		return
	}
	degraded := l.degraded
	l.mu.Unlock()

	ctx, span := l.tracer.Start(ctx, "orchestrator.tick")
	defer span.End()

	if degraded {
		l.tryRecover(ctx)
		return
	}

	if err := l.tickOnce(ctx); err != nil {
		l.classifyTickError(err)
		return
	}

	l.mu.Lock()
	l.consecutiveDbFailures = 0
	l.lastDbHealthyAt = time.Now().UTC()
	l.mu.Unlock()
}

// tryRecover runs a single health probe while degraded.
func (l *Loop) tryRecover(ctx context.Context) {
	if err := l.store.Ping(ctx); err != nil {
		l.mu.Lock()
		l.lastDbError = err
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.degraded = false
	l.consecutiveDbFailures = 0
	l.lastDbHealthyAt = time.Now().UTC()
	l.lastDbError = nil
	l.mu.Unlock()

	l.logger.Info("database recovered, resuming scheduling")
	l.bus.Emit(events.New(events.DatabaseRecovered, &events.DatabasePayload{}))
}

func (l *Loop) classifyTickError(err error) {
	if !isDatabaseError(err) {
		l.logger.Error("tick failed", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.consecutiveDbFailures++
	l.lastDbError = err
	failures := l.consecutiveDbFailures
	threshold := l.cfg.MaxConsecutiveDbFailures
	if threshold <= 0 {
		threshold = 3
	}
	entering := !l.degraded && failures >= threshold
	if entering {
		l.degraded = true
	}
	l.mu.Unlock()

	l.logger.Warn("database-like tick failure",
		zap.Int("consecutive_failures", failures), zap.Error(err))

	if entering {
		l.logger.Error("entering degraded mode; existing sessions keep running")
		l.bus.Emit(events.New(events.DatabaseDegraded, &events.DatabasePayload{
			Error:               err.Error(),
			ConsecutiveFailures: failures,
		}))
	}
}

// tickOnce does the actual work of a healthy tick.
func (l *Loop) tickOnce(ctx context.Context) error {
	if !l.budget.IsWithinBudget() {
		l.budget.Compress()
	} else if l.budget.ShouldWarn() {
		l.logger.Warn("context budget nearing limit",
			zap.Int("estimate", l.budget.CurrentEstimate()))
	}

	if err := l.refreshProjects(ctx); err != nil {
		return err
	}
	if err := l.pullQueuedTasks(ctx); err != nil {
		return err
	}

	if l.scheduler.CanSchedule() {
		res := l.scheduler.ScheduleNext(ctx)
		switch res.Status {
		case scheduler.StatusScheduled:
			if err := l.store.UpdateTaskAssignment(ctx, res.TaskID, res.SessionID); err != nil {
				l.logger.Warn("failed to persist assignment",
					zap.String("task_id", res.TaskID), zap.Error(err))
			}
			if task, getErr := l.store.GetTask(ctx, res.TaskID); getErr == nil {
				l.budget.AddEntry(contextbudget.CategoryTask, true, res.TaskID,
					fmt.Sprintf("Task %s: %s", res.TaskID, task.Title))
			}
			l.saveSnapshot()
		case scheduler.StatusError:
			return res.Err
		}
	}
	return nil
}

func (l *Loop) refreshProjects(ctx context.Context) error {
	active, err := l.store.ListProjectsByStatus(ctx, models.ProjectStatusActive)
	if err != nil {
		return err
	}
	paused, err := l.store.ListProjectsByStatus(ctx, models.ProjectStatusPaused)
	if err != nil {
		return err
	}
	l.scheduler.SyncProjects(append(active, paused...))
	return nil
}

// pullQueuedTasks feeds approved queued tasks into the scheduler. Tasks
// without a resolved approval are gated through chat first.
func (l *Loop) pullQueuedTasks(ctx context.Context) error {
	tasks, err := l.store.ListTasksByStatus(ctx, models.TaskStatusQueued)
	if err != nil {
		return err
	}

	for i := range tasks {
		task := tasks[i]
		switch l.gateOf(task.ID) {
		case gateApproved:
			l.scheduler.AddTask(&task)
		case gatePending:
			// Waiting on chat.
		case gateRejected:
			// Already handled.
		}
	}
	return nil
}

// gateOf returns the task's approval state, starting the approval flow for
// tasks not yet seen. Without an approval manager every task is approved.
func (l *Loop) gateOf(taskID string) gateState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.approvals == nil {
		return gateApproved
	}
	if st, ok := l.gates[taskID]; ok {
		return st
	}
	l.gates[taskID] = gatePending
	go l.runApproval(taskID)
	return gatePending
}

func (l *Loop) runApproval(taskID string) {
	ctx := context.Background()
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		l.logger.Warn("approval skipped, task unreadable",
			zap.String("task_id", taskID), zap.Error(err))
		l.setGate(taskID, gateRejected)
		return
	}

	model := task.Model
	if !model.Valid() {
		model = models.ModelSonnet
	}
	res := l.approvals.RequestApproval(ctx, task, model, l.scheduler.QueueLen()+1)

	if res.Status == approval.StatusApproved {
		l.setGate(taskID, gateApproved)
		return
	}

	l.setGate(taskID, gateRejected)
	reason := res.Reason
	if reason == "" {
		reason = string(res.Status)
	}
	l.logger.Info("task blocked by approval outcome",
		zap.String("task_id", taskID),
		zap.String("status", string(res.Status)),
		zap.String("reason", reason))
	if err := l.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusBlocked); err != nil {
		l.logger.Warn("failed to mark task blocked",
			zap.String("task_id", taskID), zap.Error(err))
	}
	l.scheduler.RemoveTask(taskID)
}

func (l *Loop) setGate(taskID string, st gateState) {
	l.mu.Lock()
	l.gates[taskID] = st
	l.mu.Unlock()
}

// onAgentToolCall moves a task to in_progress the first time its agent acts.
func (l *Loop) onAgentToolCall(e *events.Event) {
	payload, ok := e.Payload.(*events.ToolCallPayload)
	if !ok {
		return
	}
	sess, ok := l.sessions.Get(payload.SessionID)
	if !ok || sess.TaskID == "" {
		return
	}

	l.mu.Lock()
	if _, seen := l.started[sess.TaskID]; seen {
		l.mu.Unlock()
		return
	}
	l.started[sess.TaskID] = struct{}{}
	l.mu.Unlock()

	if err := l.store.UpdateTaskStatus(context.Background(), sess.TaskID, models.TaskStatusInProgress); err != nil {
		l.logger.Warn("failed to mark task in progress",
			zap.String("task_id", sess.TaskID), zap.Error(err))
	}
}

// onAgentCompleted persists the terminal outcome of a successful session.
func (l *Loop) onAgentCompleted(e *events.Event) {
	payload, ok := e.Payload.(*events.AgentCompletedPayload)
	if !ok {
		return
	}
	l.finishTask(payload.TaskID, models.TaskStatusComplete, payload.Usage)
	l.bus.Emit(events.New(events.TaskCompleted, &events.TaskPayload{
		TaskID:    payload.TaskID,
		Status:    models.TaskStatusComplete,
		SessionID: payload.SessionID,
	}))
}

// onAgentFailed persists the terminal outcome of a failed session.
func (l *Loop) onAgentFailed(e *events.Event) {
	payload, ok := e.Payload.(*events.AgentFailedPayload)
	if !ok || payload.TaskID == "" {
		return
	}
	l.finishTask(payload.TaskID, models.TaskStatusFailed, payload.Usage)
}

func (l *Loop) finishTask(taskID string, status models.TaskStatus, usage models.Usage) {
	ctx := context.Background()
	if err := l.store.UpdateTaskStatus(ctx, taskID, status); err != nil {
		l.logger.Warn("failed to persist task status",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if usage.TotalTokens > 0 || usage.CostUSD > 0 {
		if err := l.store.UpdateTaskUsage(ctx, taskID, usage); err != nil {
			l.logger.Warn("failed to persist task usage",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	l.budget.RemoveEntriesByReference(taskID)

	l.mu.Lock()
	delete(l.gates, taskID)
	delete(l.started, taskID)
	l.mu.Unlock()

	l.saveSnapshot()
}

// saveSnapshot persists the current runtime state.
func (l *Loop) saveSnapshot() {
	l.mu.Lock()
	running := l.running
	paused := l.paused
	l.mu.Unlock()

	sessions := l.sessions.Active()
	agents := make([]state.ActiveAgent, 0, len(sessions))
	for _, s := range sessions {
		agents = append(agents, state.ActiveAgent{
			SessionID: s.ID,
			TaskID:    s.TaskID,
			Model:     s.Model,
			Status:    s.Status,
			StartedAt: s.StartedAt,
		})
	}
	err := l.snapshot.Save(&state.Snapshot{
		IsRunning:    running,
		IsPaused:     paused,
		ActiveAgents: agents,
	})
	if err != nil {
		l.logger.Warn("failed to save state snapshot", zap.Error(err))
	}
}

// Pause stops admitting new work; sessions and event routing continue.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume re-enables scheduling.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
}

// Stop shuts the loop down: stop ticking, drain sessions within the graceful
// window, persist the final snapshot, stop the dashboard.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.mu.Unlock()

	close(stopCh)
	<-doneCh

	grace := 30 * time.Second
	if l.cfg.GracefulShutdownTimeoutMs > 0 {
		grace = time.Duration(l.cfg.GracefulShutdownTimeoutMs) * time.Millisecond
	}
	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	l.sessions.CloseAll(drainCtx)

	l.saveSnapshot()

	if l.dashboard != nil {
		if err := l.dashboard.Shutdown(ctx); err != nil {
			l.logger.Warn("dashboard shutdown failed", zap.Error(err))
		}
	}

	for _, unsub := range l.unsubs {
		unsub()
	}
	l.bus.Emit(events.New(events.SystemStopped, nil))
	l.logger.Info("orchestrator stopped")
}

// LoopStatus is a point-in-time view for the dashboard and chat commands.
type LoopStatus struct {
	Running               bool      `json:"running"`
	Paused                bool      `json:"paused"`
	Degraded              bool      `json:"degraded"`
	ConsecutiveDbFailures int       `json:"consecutive_db_failures"`
	LastDbHealthyAt       time.Time `json:"last_db_healthy_at"`
	ActiveSessions        int       `json:"active_sessions"`
	QueuedTasks           int       `json:"queued_tasks"`
}

// Status reports the loop's current state.
func (l *Loop) Status() LoopStatus {
	l.mu.Lock()
	st := LoopStatus{
		Running:               l.running,
		Paused:                l.paused,
		Degraded:              l.degraded,
		ConsecutiveDbFailures: l.consecutiveDbFailures,
		LastDbHealthyAt:       l.lastDbHealthyAt,
	}
	l.mu.Unlock()

	st.ActiveSessions = l.sessions.Count()
	st.QueuedTasks = l.scheduler.QueueLen()
	return st
}
