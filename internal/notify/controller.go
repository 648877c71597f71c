// Package notify batches outbound chat notifications, honoring quiet hours
// and do-not-disturb windows.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
)

// Kind selects which queue a notification lands in.
type Kind string

const (
	KindQuestion   Kind = "question"
	KindBlocker    Kind = "blocker"
	KindReview     Kind = "review"
	KindCompletion Kind = "completion"
)

// queueOrder is the flush order across queues.
var queueOrder = []Kind{KindQuestion, KindBlocker, KindReview, KindCompletion}

// Priority controls quiet-hours / DND bypass.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is one outbound item.
type Notification struct {
	Kind     Kind
	Priority Priority
	Text     string
	ThreadTS string
}

// Stats is a point-in-time view of controller counters.
type Stats struct {
	TotalSent   int
	TotalFailed int
	Queued      map[Kind]int
	DndActive   bool
}

// Controller queues notifications and flushes them on a batch timer.
type Controller struct {
	transport chat.Transport
	channelID string
	interval  time.Duration
	quietFrom int
	quietTo   int
	logger    *logger.Logger
	now       func() time.Time

	mu          sync.Mutex
	queues      map[Kind][]Notification
	dndUntil    time.Time
	totalSent   int
	totalFailed int
	stopCh      chan struct{}
	destroyed   bool
}

// NewController creates a controller and starts its batch timer.
func NewController(transport chat.Transport, channelID string, cfg config.NotificationsConfig, log *logger.Logger) *Controller {
	c := &Controller{
		transport: transport,
		channelID: channelID,
		interval:  time.Duration(cfg.BatchIntervalMs) * time.Millisecond,
		quietFrom: cfg.QuietHoursStart,
		quietTo:   cfg.QuietHoursEnd,
		logger:    log.WithFields(zap.String("component", "notify")),
		now:       time.Now,
		queues:    make(map[Kind][]Notification),
		stopCh:    make(chan struct{}),
	}
	go c.batchLoop()
	return c
}

func (c *Controller) batchLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Flush()
		case <-c.stopCh:
			return
		}
	}
}

// Queue adds a notification to its kind's FIFO queue.
func (c *Controller) Queue(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.queues[n.Kind] = append(c.queues[n.Kind], n)
}

// quietHours reports whether the local hour falls in the configured quiet
// window: inclusive start, exclusive end, wrapping midnight when start > end.
func (c *Controller) quietHours(at time.Time) bool {
	if c.quietFrom == c.quietTo {
		return false
	}
	hour := at.Hour()
	if c.quietFrom < c.quietTo {
		return hour >= c.quietFrom && hour < c.quietTo
	}
	return hour >= c.quietFrom || hour < c.quietTo
}

// suppressed reports whether a notification must stay queued right now.
func (c *Controller) suppressed(n Notification, at time.Time) bool {
	if n.Priority == PriorityHigh {
		return false
	}
	if c.quietHours(at) {
		return true
	}
	return at.Before(c.dndUntil)
}

// Flush walks all queues and sends what the quiet-hours / DND rules allow.
// Sends that fail are dropped and counted; the transport owns retries.
func (c *Controller) Flush() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	at := c.now()

	var toSend []Notification
	for _, kind := range queueOrder {
		var kept []Notification
		for _, n := range c.queues[kind] {
			if c.suppressed(n, at) {
				kept = append(kept, n)
				continue
			}
			toSend = append(toSend, n)
		}
		c.queues[kind] = kept
	}
	c.mu.Unlock()

	for _, n := range toSend {
		c.deliver(n)
	}
}

// SendImmediate skips the batch queue. Quiet hours and DND still apply to
// normal-priority items; a suppressed item falls back to its queue.
func (c *Controller) SendImmediate(n Notification) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if c.suppressed(n, c.now()) {
		c.queues[n.Kind] = append(c.queues[n.Kind], n)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.deliver(n)
}

func (c *Controller) deliver(n Notification) {
	_, err := c.transport.SendMessage(context.Background(), chat.OutboundMessage{
		Channel:  c.channelID,
		Text:     n.Text,
		ThreadTS: n.ThreadTS,
	})

	c.mu.Lock()
	if err != nil {
		c.totalFailed++
	} else {
		c.totalSent++
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("notification send failed",
			zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

// SetDnd suppresses normal-priority sends for the given duration.
func (c *Controller) SetDnd(d time.Duration) {
	c.mu.Lock()
	c.dndUntil = c.now().Add(d)
	c.mu.Unlock()
}

// DisableDnd clears the DND window.
func (c *Controller) DisableDnd() {
	c.mu.Lock()
	c.dndUntil = time.Time{}
	c.mu.Unlock()
}

// GetStats returns current counters and queue depths.
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := make(map[Kind]int, len(c.queues))
	for kind, q := range c.queues {
		queued[kind] = len(q)
	}
	return Stats{
		TotalSent:   c.totalSent,
		TotalFailed: c.totalFailed,
		Queued:      queued,
		DndActive:   c.now().Before(c.dndUntil),
	}
}

// Destroy stops the batch timer and clears all queues.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.queues = make(map[Kind][]Notification)
	c.mu.Unlock()
	close(c.stopCh)
}
