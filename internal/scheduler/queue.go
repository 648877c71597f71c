// Package scheduler decides which queued tasks become agent sessions, in
// priority order, bounded by model capacity.
package scheduler

import (
	"container/heap"
	"sync"

	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// taskHeap orders tasks by priority descending, then createdAt ascending,
// then id ascending so ordering is total and deterministic.
type taskHeap []*models.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*models.Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a deduplicating priority queue of admissible tasks. Replaced or
// removed entries stay in the heap and are skipped lazily on pop.
type Queue struct {
	mu   sync.Mutex
	heap taskHeap
	byID map[string]*models.Task
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*models.Task)}
}

// Enqueue adds a task. A task already queued under the same id is replaced
// with the newer row.
func (q *Queue) Enqueue(task *models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byID[task.ID] = task
	heap.Push(&q.heap, task)
}

// Dequeue removes and returns the highest-priority task, or nil when empty.
func (q *Queue) Dequeue() *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		task := heap.Pop(&q.heap).(*models.Task)
		current, ok := q.byID[task.ID]
		if !ok {
			continue
		}
		if current != task {
			// Superseded by a re-enqueue; drop the stale entry.
			continue
		}
		delete(q.byID, task.ID)
		return task
	}
	return nil
}

// Remove drops a task from the queue by id.
func (q *Queue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byID, taskID)
}

// Contains reports whether a task is queued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[taskID]
	return ok
}

// Len returns the number of live entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Peek returns the highest-priority task without removing it, or nil.
func (q *Queue) Peek() *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		task := q.heap[0]
		current, ok := q.byID[task.ID]
		if ok && current == task {
			return task
		}
		heap.Pop(&q.heap)
	}
	return nil
}

// Snapshot returns the queued tasks in scheduling order.
func (q *Queue) Snapshot() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Task, 0, len(q.byID))
	for _, t := range q.byID {
		out = append(out, t)
	}
	tmp := taskHeap(out)
	// A heap copy is not sorted; sort explicitly for a stable view.
	sortTasks(tmp)
	return tmp
}

func sortTasks(h taskHeap) {
	// Insertion sort; queues are small.
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h.Less(j, j-1); j-- {
			h.Swap(j, j-1)
		}
	}
}
