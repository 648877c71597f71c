// Package capacity tracks in-flight agent sessions per model and is the sole
// authority on admission.
package capacity

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// ErrExhausted is returned by Reserve when the model is at its limit.
var ErrExhausted = errors.New("capacity exhausted")

// ErrUnknownModel is returned for models without a configured limit.
var ErrUnknownModel = errors.New("unknown model")

// LiveSession is the ground-truth record used by Sync.
type LiveSession struct {
	SessionID string
	Model     models.Model
}

// Tracker maintains per-model limits and active session sets.
type Tracker struct {
	mu     sync.Mutex
	limits map[models.Model]int
	active map[models.Model]map[string]struct{}
	bus    *bus.Bus
	logger *logger.Logger
}

// NewTracker creates a tracker with the given per-model limits.
func NewTracker(limits map[models.Model]int, b *bus.Bus, log *logger.Logger) *Tracker {
	active := make(map[models.Model]map[string]struct{}, len(limits))
	for model := range limits {
		active[model] = make(map[string]struct{})
	}
	return &Tracker{
		limits: limits,
		active: active,
		bus:    b,
		logger: log.WithFields(zap.String("component", "capacity")),
	}
}

// Limit returns the configured limit for a model (0 for unknown models).
func (t *Tracker) Limit(model models.Model) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits[model]
}

// Available returns limit minus active count for a model.
func (t *Tracker) Available(model models.Model) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits[model] - len(t.active[model])
}

// ActiveCount returns the number of active sessions for a model.
func (t *Tracker) ActiveCount(model models.Model) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active[model])
}

// TotalActive returns the number of active sessions across all models.
func (t *Tracker) TotalActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, set := range t.active {
		total += len(set)
	}
	return total
}

// HasAnyCapacity reports whether at least one model can admit a session.
func (t *Tracker) HasAnyCapacity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for model, limit := range t.limits {
		if len(t.active[model]) < limit {
			return true
		}
	}
	return false
}

// Reserve adds a session to the model's active set.
// Fails with ErrExhausted when the model is already at its limit.
func (t *Tracker) Reserve(model models.Model, sessionID string) error {
	t.mu.Lock()
	limit, ok := t.limits[model]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	set := t.active[model]
	if len(set) >= limit {
		t.mu.Unlock()
		return fmt.Errorf("%w: model %s at limit %d", ErrExhausted, model, limit)
	}
	set[sessionID] = struct{}{}
	nowFull := len(set) >= limit
	activeCount := len(set)
	t.mu.Unlock()

	t.logger.Debug("reserved capacity",
		zap.String("model", string(model)),
		zap.String("session_id", sessionID),
		zap.Int("active", activeCount),
		zap.Int("limit", limit))

	if nowFull {
		t.bus.Emit(events.New(events.CapacityExhausted, events.CapacityPayload{
			Model:  model,
			Limit:  limit,
			Active: activeCount,
		}))
	}
	return nil
}

// Release removes a session from the model's active set.
// Releasing an unknown session is a warning, not an error.
func (t *Tracker) Release(model models.Model, sessionID string) {
	t.mu.Lock()
	limit := t.limits[model]
	set, ok := t.active[model]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("release for unknown model", zap.String("model", string(model)))
		return
	}
	if _, exists := set[sessionID]; !exists {
		t.mu.Unlock()
		t.logger.Warn("release for unknown session",
			zap.String("model", string(model)),
			zap.String("session_id", sessionID))
		return
	}
	wasFull := len(set) >= limit
	delete(set, sessionID)
	activeCount := len(set)
	t.mu.Unlock()

	t.logger.Debug("released capacity",
		zap.String("model", string(model)),
		zap.String("session_id", sessionID),
		zap.Int("active", activeCount),
		zap.Int("limit", limit))

	if wasFull && activeCount < limit {
		t.bus.Emit(events.New(events.CapacityAvailable, events.CapacityPayload{
			Model:     model,
			Limit:     limit,
			Active:    activeCount,
			Available: limit - activeCount,
		}))
	}
}

// Sync replaces all active sets from the ground-truth live session list.
// Called on startup and whenever the live set must be re-established.
func (t *Tracker) Sync(live []LiveSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for model := range t.active {
		t.active[model] = make(map[string]struct{})
	}
	for _, s := range live {
		set, ok := t.active[s.Model]
		if !ok {
			t.logger.Warn("live session for unconfigured model",
				zap.String("model", string(s.Model)),
				zap.String("session_id", s.SessionID))
			continue
		}
		set[s.SessionID] = struct{}{}
	}

	t.logger.Info("capacity synced from live sessions", zap.Int("sessions", len(live)))
}

// Snapshot returns per-model (active, limit) pairs for status reporting.
func (t *Tracker) Snapshot() map[models.Model][2]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.Model][2]int, len(t.limits))
	for model, limit := range t.limits {
		out[model] = [2]int{len(t.active[model]), limit}
	}
	return out
}
