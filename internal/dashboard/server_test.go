package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trafficcontrol/trafficcontrol/internal/agent/session"
	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/db"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/orchestrator"
	"github.com/trafficcontrol/trafficcontrol/internal/scheduler"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
	"github.com/trafficcontrol/trafficcontrol/internal/task/repository"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

type testEnv struct {
	server *Server
	bus    *bus.Bus
	store  *repository.SQLStore
	sched  *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := testLogger()
	b := bus.New(100, log)

	pool, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	store, err := repository.New(context.Background(), pool)
	if err != nil {
		t.Fatal(err)
	}

	tracker := capacity.NewTracker(map[models.Model]int{
		models.ModelSonnet: 2,
	}, b, log)
	sched := scheduler.New(tracker, func(context.Context, *models.Task, models.Model) (string, error) {
		return "s1", nil
	}, b, log)

	env := &testEnv{bus: b, store: store, sched: sched}
	env.server = NewServer(config.DashboardConfig{Host: "127.0.0.1"}, Deps{
		Status: func() orchestrator.LoopStatus {
			return orchestrator.LoopStatus{Running: true}
		},
		Scheduler: sched,
		Sessions:  session.NewManager(nil, tracker, b, time.Second, log),
		Tracker:   tracker,
		Store:     store,
		Bus:       b,
		Logger:    log,
	})
	return env
}

func get(t *testing.T, env *testEnv, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode %s response: %v", path, err)
		}
	}
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var resp healthResponse
	rec := get(t, env, "/health", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if resp.Status != "ok" {
		t.Errorf("unexpected health payload: %+v", resp)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var resp statusResponse
	rec := get(t, env, "/api/v1/status", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !resp.Loop.Running {
		t.Error("expected loop running in status")
	}
	if got := resp.Capacity[models.ModelSonnet]; got.Limit != 2 || got.Active != 0 {
		t.Errorf("unexpected capacity: %+v", got)
	}
}

func TestTasksEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.CreateProject(ctx, &models.Project{ID: "p1", Name: "P1", Status: models.ProjectStatusActive}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CreateTask(ctx, &models.Task{ID: "t1", ProjectID: "p1", Title: "A task"}); err != nil {
		t.Fatal(err)
	}

	var resp tasksResponse
	rec := get(t, env, "/api/v1/tasks", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if resp.Total != 1 || resp.Tasks[0].ID != "t1" {
		t.Errorf("unexpected tasks response: %+v", resp)
	}

	rec = get(t, env, "/api/v1/tasks?status=complete", &resp)
	if rec.Code != http.StatusOK || resp.Total != 0 {
		t.Errorf("expected empty complete list, got %+v", resp)
	}
}

func TestQueueEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.sched.AddTask(&models.Task{
		ID: "t1", ProjectID: "p1", Title: "Queued",
		Priority: 5, Status: models.TaskStatusQueued,
	})

	var resp queueResponse
	rec := get(t, env, "/api/v1/queue", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if resp.Total != 1 || resp.Tasks[0].TaskID != "t1" {
		t.Errorf("unexpected queue response: %+v", resp)
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Emit(events.New(events.SystemStarted, nil))
	env.bus.Emit(events.New(events.TaskQueued, nil))

	var resp struct {
		Events []events.Event `json:"events"`
		Total  int            `json:"total"`
	}
	rec := get(t, env, "/api/v1/events?type="+events.TaskQueued, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if resp.Total != 1 || resp.Events[0].Type != events.TaskQueued {
		t.Errorf("unexpected events response: %+v", resp)
	}

	rec = get(t, env, "/api/v1/events?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.router)
	t.Cleanup(srv.Close)

	// The pattern relay is registered by Start; wire it directly here since
	// the test serves through httptest instead of the bound listener.
	env.server.unsub = env.bus.OnPattern(bus.AllEvents, env.server.relayEvent)
	t.Cleanup(func() { env.server.unsub() })

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Give the server a moment to register the client.
	waitForClients(t, env.server, 1)

	env.bus.Emit(events.New(events.SystemStarted, nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var e events.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if e.Type != events.SystemStarted {
		t.Errorf("expected system.started, got %s", e.Type)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitForClients(t, env.server, 1)

	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed after shutdown")
	}
}

func waitForClients(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.clients)
		s.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never reached %d connected clients", want)
}
