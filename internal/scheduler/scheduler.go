package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// SpawnFunc starts an agent session for a task on a model and returns the
// session id.
type SpawnFunc func(ctx context.Context, task *models.Task, model models.Model) (string, error)

// ResultStatus classifies one admission attempt.
type ResultStatus string

const (
	StatusScheduled  ResultStatus = "scheduled"
	StatusNoCapacity ResultStatus = "no_capacity"
	StatusQueueEmpty ResultStatus = "queue_empty"
	StatusError      ResultStatus = "error"
)

// Result is the outcome of one admission attempt.
type Result struct {
	Status    ResultStatus
	TaskID    string
	SessionID string
	Model     models.Model
	Err       error
}

// Scheduler admits queued tasks under capacity, in priority order.
type Scheduler struct {
	queue    *Queue
	capacity *capacity.Tracker
	spawn    SpawnFunc
	bus      *bus.Bus
	logger   *logger.Logger

	mu       sync.Mutex
	projects map[string]models.ProjectStatus
}

// New creates a scheduler.
func New(cap *capacity.Tracker, spawn SpawnFunc, b *bus.Bus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:    NewQueue(),
		capacity: cap,
		spawn:    spawn,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		projects: make(map[string]models.ProjectStatus),
	}
}

// AddTask queues an admissible task. Non-queued tasks are ignored.
func (s *Scheduler) AddTask(task *models.Task) {
	if task == nil || task.Status != models.TaskStatusQueued {
		return
	}
	if s.queue.Contains(task.ID) {
		s.queue.Enqueue(task)
		return
	}
	s.queue.Enqueue(task)
	s.bus.Emit(events.New(events.TaskQueued, &events.TaskPayload{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Status:    task.Status,
	}))
}

// RemoveTask drops a task from the queue.
func (s *Scheduler) RemoveTask(taskID string) {
	s.queue.Remove(taskID)
}

// QueueLen returns the number of queued tasks.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// QueuedTasks returns the queue contents in admission order.
func (s *Scheduler) QueuedTasks() []*models.Task {
	return s.queue.Snapshot()
}

// SetProjectStatus records a project's status for paused-project skipping.
func (s *Scheduler) SetProjectStatus(projectID string, status models.ProjectStatus) {
	s.mu.Lock()
	s.projects[projectID] = status
	s.mu.Unlock()
}

// SyncProjects replaces the project status table.
func (s *Scheduler) SyncProjects(projects []models.Project) {
	s.mu.Lock()
	s.projects = make(map[string]models.ProjectStatus, len(projects))
	for _, p := range projects {
		s.projects[p.ID] = p.Status
	}
	s.mu.Unlock()
}

func (s *Scheduler) projectPaused(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[projectID] == models.ProjectStatusPaused
}

// CanSchedule reports whether an admission could succeed: some model has a
// free slot and at least one non-paused task is queued.
func (s *Scheduler) CanSchedule() bool {
	if !s.capacity.HasAnyCapacity() {
		return false
	}
	for _, task := range s.queue.Snapshot() {
		if !s.projectPaused(task.ProjectID) {
			return true
		}
	}
	return false
}

// pickModel chooses the model for a task: the preferred model when it has
// capacity, otherwise the first model in the fixed fallback order with a free
// slot.
func (s *Scheduler) pickModel(task *models.Task) (models.Model, bool) {
	if task.Model.Valid() && s.capacity.Available(task.Model) > 0 {
		return task.Model, true
	}
	for _, m := range models.FallbackOrder {
		if m == task.Model {
			continue
		}
		if s.capacity.Available(m) > 0 {
			return m, true
		}
	}
	return "", false
}

// ScheduleNext admits at most one task. Paused-project tasks are skipped but
// stay queued; a spawn failure leaves the task queued with no capacity held.
func (s *Scheduler) ScheduleNext(ctx context.Context) Result {
	if !s.capacity.HasAnyCapacity() {
		return Result{Status: StatusNoCapacity}
	}

	var skipped []*models.Task
	defer func() {
		for _, t := range skipped {
			s.queue.Enqueue(t)
		}
	}()

	for {
		task := s.queue.Dequeue()
		if task == nil {
			return Result{Status: StatusQueueEmpty}
		}
		if s.projectPaused(task.ProjectID) {
			skipped = append(skipped, task)
			continue
		}

		model, ok := s.pickModel(task)
		if !ok {
			// Raced to exhaustion since the HasAnyCapacity check.
			s.queue.Enqueue(task)
			return Result{Status: StatusNoCapacity}
		}

		sessionID, err := s.spawn(ctx, task, model)
		if err != nil {
			s.queue.Enqueue(task)
			s.logger.Warn("spawn failed, task left queued",
				zap.String("task_id", task.ID),
				zap.String("model", string(model)),
				zap.Error(err))
			return Result{
				Status: StatusError,
				TaskID: task.ID,
				Model:  model,
				Err:    fmt.Errorf("failed to spawn agent for task %s: %w", task.ID, err),
			}
		}

		s.logger.Info("task admitted",
			zap.String("task_id", task.ID),
			zap.String("session_id", sessionID),
			zap.String("model", string(model)))

		s.bus.Emit(events.New(events.TaskAssigned, &events.TaskPayload{
			TaskID:    task.ID,
			ProjectID: task.ProjectID,
			Status:    models.TaskStatusAssigned,
			SessionID: sessionID,
		}))
		return Result{
			Status:    StatusScheduled,
			TaskID:    task.ID,
			SessionID: sessionID,
			Model:     model,
		}
	}
}

// ScheduleAll admits tasks greedily until the queue empties or capacity runs
// out. A spawn error for one task does not stop the sweep.
func (s *Scheduler) ScheduleAll(ctx context.Context) []Result {
	var results []Result
	for s.CanSchedule() {
		res := s.ScheduleNext(ctx)
		if res.Status == StatusNoCapacity || res.Status == StatusQueueEmpty {
			break
		}
		results = append(results, res)
		if res.Status == StatusError {
			// The failed task went back on the queue; admitting it again
			// immediately would spin.
			break
		}
	}
	return results
}

// SyncCapacity reconciles the tracker with the live session list.
func (s *Scheduler) SyncCapacity(live []capacity.LiveSession) {
	s.capacity.Sync(live)
}
