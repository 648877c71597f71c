// Package dashboard serves the read-only operator dashboard: JSON status
// endpoints plus a websocket stream of bus events.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/agent/session"
	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/httpmw"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/orchestrator"
	"github.com/trafficcontrol/trafficcontrol/internal/scheduler"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
	"github.com/trafficcontrol/trafficcontrol/internal/task/repository"
)

// StatusFunc reports the control loop's current state.
type StatusFunc func() orchestrator.LoopStatus

// Deps collects the server's read-only views of the system.
type Deps struct {
	Status    StatusFunc
	Scheduler *scheduler.Scheduler
	Sessions  *session.Manager
	Tracker   *capacity.Tracker
	Store     repository.Store
	Bus       *bus.Bus
	Logger    *logger.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg    config.DashboardConfig
	deps   Deps
	logger *logger.Logger

	router   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
	unsub   func()
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates the dashboard server and registers its routes.
func NewServer(cfg config.DashboardConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "dashboard")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Dashboard binds to localhost; origin checks add nothing.
				return true
			},
		},
		clients: make(map[*client]bool),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		httpmw.RequestLogger(s.logger, "dashboard"),
		httpmw.OtelTracing("dashboard"),
	)

	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/tasks", s.handleTasks)
		api.GET("/queue", s.handleQueue)
		api.GET("/events", s.handleEvents)
	}

	s.router.GET("/ws", s.handleWS)
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard failed to bind %s: %w", addr, err)
	}

	s.unsub = s.deps.Bus.OnPattern(bus.AllEvents, s.relayEvent)

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("dashboard server stopped", zap.Error(serveErr))
		}
	}()

	s.logger.Info("dashboard listening", zap.String("addr", addr))
	return nil
}

// Shutdown stops the HTTP server and closes all websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}

	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type modelCapacity struct {
	Active int `json:"active"`
	Limit  int `json:"limit"`
}

type statusResponse struct {
	Loop     orchestrator.LoopStatus        `json:"loop"`
	Capacity map[models.Model]modelCapacity `json:"capacity"`
	Sessions []models.Session               `json:"sessions"`
	Usage    models.Usage                   `json:"usage"`
}

func (s *Server) handleStatus(c *gin.Context) {
	caps := make(map[models.Model]modelCapacity)
	for model, pair := range s.deps.Tracker.Snapshot() {
		caps[model] = modelCapacity{Active: pair[0], Limit: pair[1]}
	}

	sessions := s.deps.Sessions.Active()
	var usage models.Usage
	for _, sess := range sessions {
		usage.Add(sess.Usage)
	}

	c.JSON(http.StatusOK, statusResponse{
		Loop:     s.deps.Status(),
		Capacity: caps,
		Sessions: sessions,
		Usage:    usage,
	})
}

type tasksResponse struct {
	Tasks []models.Task `json:"tasks"`
	Total int           `json:"total"`
}

// handleTasks lists tasks by status (default queued).
func (s *Server) handleTasks(c *gin.Context) {
	status := models.TaskStatus(c.DefaultQuery("status", string(models.TaskStatusQueued)))

	tasks, err := s.deps.Store.ListTasksByStatus(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasksResponse{Tasks: tasks, Total: len(tasks)})
}

type queuedTask struct {
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	Priority  int    `json:"priority"`
	ProjectID string `json:"project_id"`
}

type queueResponse struct {
	Tasks []queuedTask `json:"tasks"`
	Total int          `json:"total"`
}

// handleQueue reports the in-memory admission queue in admission order.
func (s *Server) handleQueue(c *gin.Context) {
	queued := s.deps.Scheduler.QueuedTasks()
	tasks := make([]queuedTask, 0, len(queued))
	for _, t := range queued {
		tasks = append(tasks, queuedTask{
			TaskID:    t.ID,
			Title:     t.Title,
			Priority:  t.Priority,
			ProjectID: t.ProjectID,
		})
	}
	c.JSON(http.StatusOK, queueResponse{Tasks: tasks, Total: len(tasks)})
}

// handleEvents replays recent bus history, optionally filtered by type.
func (s *Server) handleEvents(c *gin.Context) {
	filter := &bus.HistoryFilter{Type: c.Query("type")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}
	history := s.deps.Bus.History(filter)
	c.JSON(http.StatusOK, gin.H{"events": history, "total": len(history)})
}

// handleWS upgrades the connection and streams every bus event as JSON.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.mu.Lock()
	s.clients[cl] = true
	s.mu.Unlock()
	s.logger.Debug("dashboard client connected", zap.String("client_id", cl.id))

	go s.writePump(cl)
	go s.readPump(cl)
}

func (s *Server) relayEvent(e *events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to encode event", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		select {
		case cl.send <- data:
		default:
			// Slow consumer; drop the connection rather than block the bus.
			close(cl.send)
			delete(s.clients, cl)
		}
	}
}

func (s *Server) writePump(cl *client) {
	defer cl.conn.Close()
	for data := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.drop(cl)
			return
		}
	}
}

// readPump discards inbound frames; its job is noticing the peer going away.
func (s *Server) readPump(cl *client) {
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			s.drop(cl)
			return
		}
	}
}

func (s *Server) drop(cl *client) {
	s.mu.Lock()
	if _, ok := s.clients[cl]; ok {
		close(cl.send)
		delete(s.clients, cl)
	}
	s.mu.Unlock()
	cl.conn.Close()
	s.logger.Debug("dashboard client disconnected", zap.String("client_id", cl.id))
}
