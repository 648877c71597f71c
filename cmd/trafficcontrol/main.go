// Package main is the TrafficControl entry point: it wires the task store,
// event bus, agent adapter, scheduler, chat surfaces, and control loop, then
// runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trafficcontrol/trafficcontrol/internal/agent/adapter"
	"github.com/trafficcontrol/trafficcontrol/internal/agent/session"
	"github.com/trafficcontrol/trafficcontrol/internal/approval"
	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/common/telemetry"
	"github.com/trafficcontrol/trafficcontrol/internal/contextbudget"
	"github.com/trafficcontrol/trafficcontrol/internal/dashboard"
	"github.com/trafficcontrol/trafficcontrol/internal/db"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/notify"
	"github.com/trafficcontrol/trafficcontrol/internal/orchestrator"
	"github.com/trafficcontrol/trafficcontrol/internal/orchestrator/state"
	"github.com/trafficcontrol/trafficcontrol/internal/question"
	"github.com/trafficcontrol/trafficcontrol/internal/scheduler"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
	"github.com/trafficcontrol/trafficcontrol/internal/task/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting TrafficControl...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Task store
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open task store", zap.Error(err))
	}
	defer pool.Close()
	store, err := repository.New(ctx, pool)
	if err != nil {
		log.Fatal("Failed to initialize task store schema", zap.Error(err))
	}
	log.Info("Task store ready", zap.String("driver", pool.Driver()))

	// Event bus, with optional NATS mirroring
	eventBus := bus.New(bus.DefaultHistorySize, log)
	var forwarder *bus.NATSForwarder
	if cfg.NATS.URL != "" {
		forwarder, err = bus.NewNATSForwarder(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus.OnPattern(bus.AllEvents, forwarder.Forward)
		log.Info("Mirroring events to NATS", zap.String("url", cfg.NATS.URL))
	}

	// Capacity tracker
	limits := make(map[models.Model]int, len(models.FallbackOrder))
	for _, model := range models.FallbackOrder {
		limits[model] = cfg.Agents.LimitFor(string(model))
	}
	tracker := capacity.NewTracker(limits, eventBus, log)

	// Agent adapter
	var agentAdapter adapter.Adapter
	switch strings.ToLower(cfg.Agents.Mode) {
	case "sdk":
		agentAdapter, err = adapter.NewSDKAdapter(os.Getenv("ANTHROPIC_API_KEY"), log)
		if err != nil {
			log.Fatal("Failed to initialize SDK adapter", zap.Error(err))
		}
	default:
		binPath := os.Getenv("CLAUDE_CLI_PATH")
		if binPath == "" {
			binPath = "claude"
		}
		agentAdapter = adapter.NewCLIAdapter(binPath, log)
	}
	log.Info("Agent adapter ready", zap.String("mode", cfg.Agents.Mode))

	sessions := session.NewManager(agentAdapter, tracker, eventBus, cfg.Agents.CloseGrace(), log)

	sched := scheduler.New(tracker, func(ctx context.Context, task *models.Task, model models.Model) (string, error) {
		return sessions.Spawn(ctx, session.SpawnRequest{
			TaskID:   task.ID,
			Model:    model,
			Prompt:   buildPrompt(task),
			WorkDir:  cfg.Agents.WorkDir,
			MaxTurns: cfg.Agents.MaxTurns,
		})
	}, eventBus, log)

	budget := contextbudget.NewManager(cfg.Budget, eventBus, log)

	// Chat surfaces
	var transport chat.Transport
	if cfg.Chat.RelayCLIPath != "" {
		relay, err := chat.NewRelayTransport(ctx, cfg.Chat, log)
		if err != nil {
			log.Fatal("Failed to start chat relay", zap.Error(err))
		}
		transport = chat.NewEventingTransport(relay, eventBus)
	} else {
		log.Warn("No chat relay configured; startup confirmation and approvals are disabled")
	}

	var approvals *approval.Manager
	var notifier *notify.Controller
	var router *question.Router
	if transport != nil {
		approvalChannel := cfg.Chat.ApprovalChannelID
		if approvalChannel == "" {
			approvalChannel = cfg.Chat.ChannelID
		}
		approvals = approval.NewManager(transport, approvalChannel, cfg.Approval, log)
		notifier = notify.NewController(transport, cfg.Chat.ChannelID, cfg.Notifications, log)
		router = question.NewRouter(transport, cfg.Chat.ChannelID, sessions, approvals, eventBus, log)

		transport.OnMessage(router.HandleInbound)
		transport.OnReaction(func(r chat.InboundReaction) {
			approvals.HandleThreadReaction(r)
		})

		wireNotifications(eventBus, notifier)
	}

	// Snapshot store
	statePath := cfg.Loop.StateFilePath
	if statePath == "" {
		statePath = "./trafficcontrol.state.json"
	}
	snapshots := state.NewStore(statePath)

	// The dashboard reads loop status through a closure so it can be built
	// before the loop that owns it.
	var loop *orchestrator.Loop
	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(cfg.Dashboard, dashboard.Deps{
			Status: func() orchestrator.LoopStatus {
				if loop == nil {
					return orchestrator.LoopStatus{}
				}
				return loop.Status()
			},
			Scheduler: sched,
			Sessions:  sessions,
			Tracker:   tracker,
			Store:     store,
			Bus:       eventBus,
			Logger:    log,
		})
	}

	deps := orchestrator.Deps{
		Store:     store,
		Scheduler: sched,
		Sessions:  sessions,
		Budget:    budget,
		Bus:       eventBus,
		Snapshot:  snapshots,
		Transport: transport,
		ChannelID: cfg.Chat.ChannelID,
		Approvals: approvals,
		Logger:    log,
	}
	if dash != nil {
		deps.Dashboard = dash
	}
	loop = orchestrator.NewLoop(cfg.Loop, deps)

	if router != nil {
		registerCommands(router, loop, sched)
	}

	if err := loop.Start(ctx); err != nil {
		log.Error("Startup failed", zap.Error(err))
		cleanup(ctx, log, transport, notifier, router, approvals, forwarder)
		log.Sync()
		os.Exit(1)
	}
	log.Info("TrafficControl running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down TrafficControl...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	loop.Stop(shutdownCtx)
	cleanup(shutdownCtx, log, transport, notifier, router, approvals, forwarder)
	log.Info("TrafficControl stopped")
}

// cleanup tears down the chat surfaces and external connections in parallel.
func cleanup(ctx context.Context, log *logger.Logger, transport chat.Transport,
	notifier *notify.Controller, router *question.Router,
	approvals *approval.Manager, forwarder *bus.NATSForwarder) {

	var g errgroup.Group
	if router != nil {
		g.Go(func() error { router.Destroy(); return nil })
	}
	if approvals != nil {
		g.Go(func() error { approvals.Destroy(); return nil })
	}
	if notifier != nil {
		g.Go(func() error { notifier.Destroy(); return nil })
	}
	if transport != nil {
		g.Go(func() error { return transport.Close() })
	}
	if forwarder != nil {
		g.Go(func() error { forwarder.Close(); return nil })
	}
	g.Go(func() error { return telemetry.Shutdown(ctx) })
	if err := g.Wait(); err != nil {
		log.Warn("Cleanup finished with errors", zap.Error(err))
	}
}

// buildPrompt renders a task into the agent's starting prompt.
func buildPrompt(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

// wireNotifications feeds bus events into the notification queues.
func wireNotifications(b *bus.Bus, notifier *notify.Controller) {
	b.On(events.AgentQuestion, func(e *events.Event) {
		p, ok := e.Payload.(*events.AgentQuestionPayload)
		if !ok {
			return
		}
		notifier.Queue(notify.Notification{
			Kind:     notify.KindQuestion,
			Priority: notify.PriorityHigh,
			Text:     fmt.Sprintf("Agent question (task %s): %s", p.TaskID, p.Question),
		})
	})
	b.On(events.AgentFailed, func(e *events.Event) {
		p, ok := e.Payload.(*events.AgentFailedPayload)
		if !ok {
			return
		}
		reason := p.Reason
		if reason == "" && len(p.Errors) > 0 {
			reason = p.Errors[0]
		}
		notifier.Queue(notify.Notification{
			Kind:     notify.KindBlocker,
			Priority: notify.PriorityHigh,
			Text:     fmt.Sprintf("Agent failed (task %s): %s", p.TaskID, reason),
		})
	})
	b.On(events.TaskCompleted, func(e *events.Event) {
		p, ok := e.Payload.(*events.TaskPayload)
		if !ok {
			return
		}
		notifier.Queue(notify.Notification{
			Kind:     notify.KindCompletion,
			Priority: notify.PriorityNormal,
			Text:     fmt.Sprintf("Task %s completed", p.TaskID),
		})
	})
	b.On(events.DatabaseDegraded, func(e *events.Event) {
		notifier.SendImmediate(notify.Notification{
			Kind:     notify.KindBlocker,
			Priority: notify.PriorityHigh,
			Text:     "Task store unreachable; scheduling suspended until it recovers",
		})
	})
}

// registerCommands exposes chat commands for operator introspection.
func registerCommands(router *question.Router, loop *orchestrator.Loop, sched *scheduler.Scheduler) {
	router.SetCommand("status", func() string {
		st := loop.Status()
		return fmt.Sprintf(
			"running=%t paused=%t degraded=%t active_sessions=%d queued_tasks=%d",
			st.Running, st.Paused, st.Degraded, st.ActiveSessions, st.QueuedTasks)
	})
	router.SetCommand("tasks", func() string {
		queued := sched.QueuedTasks()
		if len(queued) == 0 {
			return "No tasks queued."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d task(s) queued:\n", len(queued))
		for _, t := range queued {
			fmt.Fprintf(&b, "- [p%d] %s: %s\n", t.Priority, t.ID, t.Title)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}
