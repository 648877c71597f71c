package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

// newTestController uses a long batch interval so tests drive Flush manually.
func newTestController(t *testing.T) (*Controller, *chat.MemoryTransport) {
	t.Helper()
	transport := chat.NewMemoryTransport()
	c := NewController(transport, "C123", config.NotificationsConfig{
		BatchIntervalMs: 60_000,
		QuietHoursStart: 22,
		QuietHoursEnd:   6,
	}, testLogger())
	t.Cleanup(c.Destroy)
	return c, transport
}

// atHour pins the controller clock to the given local hour.
func atHour(c *Controller, hour int) {
	c.now = func() time.Time {
		return time.Date(2026, 8, 24, hour, 30, 0, 0, time.Local)
	}
}

func TestFlushSendsQueued(t *testing.T) {
	c, transport := newTestController(t)
	atHour(c, 12)

	c.Queue(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "q1"})
	c.Queue(Notification{Kind: KindCompletion, Priority: PriorityNormal, Text: "done"})
	c.Flush()

	sent := transport.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sent, got %d", len(sent))
	}
	// Questions flush before completions.
	if sent[0].Text != "q1" || sent[1].Text != "done" {
		t.Errorf("unexpected flush order: %+v", sent)
	}
	if stats := c.GetStats(); stats.TotalSent != 2 || stats.Queued[KindQuestion] != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestQuietHoursKeepQueued(t *testing.T) {
	c, transport := newTestController(t)
	atHour(c, 23)

	c.Queue(Notification{Kind: KindReview, Priority: PriorityNormal, Text: "r"})
	c.Flush()

	if len(transport.Sent()) != 0 {
		t.Error("normal notification sent during quiet hours")
	}
	if c.GetStats().Queued[KindReview] != 1 {
		t.Error("notification dropped instead of kept queued")
	}

	// After quiet hours it goes out.
	atHour(c, 9)
	c.Flush()
	if len(transport.Sent()) != 1 {
		t.Error("notification not sent after quiet hours")
	}
}

func TestQuietHoursBoundaries(t *testing.T) {
	c, _ := newTestController(t)

	cases := []struct {
		hour  int
		quiet bool
	}{
		{21, false},
		{22, true}, // inclusive start
		{2, true},
		{5, true},
		{6, false}, // exclusive end
		{12, false},
	}
	for _, tc := range cases {
		at := time.Date(2026, 8, 24, tc.hour, 0, 0, 0, time.Local)
		if got := c.quietHours(at); got != tc.quiet {
			t.Errorf("quietHours(hour=%d) = %v, want %v", tc.hour, got, tc.quiet)
		}
	}
}

func TestHighPriorityBypassesQuietHours(t *testing.T) {
	c, transport := newTestController(t)
	atHour(c, 23)

	c.Queue(Notification{Kind: KindBlocker, Priority: PriorityHigh, Text: "urgent"})
	c.Flush()

	if len(transport.Sent()) != 1 {
		t.Error("high priority should bypass quiet hours")
	}
}

func TestDnd(t *testing.T) {
	c, transport := newTestController(t)
	atHour(c, 12)

	c.SetDnd(time.Hour)
	c.Queue(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "q"})
	c.Flush()
	if len(transport.Sent()) != 0 {
		t.Error("normal notification sent during DND")
	}
	if !c.GetStats().DndActive {
		t.Error("stats should report DND active")
	}

	c.DisableDnd()
	c.Flush()
	if len(transport.Sent()) != 1 {
		t.Error("notification not sent after DND disabled")
	}
}

func TestSendImmediate(t *testing.T) {
	c, transport := newTestController(t)
	atHour(c, 12)

	c.SendImmediate(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "now"})
	if len(transport.Sent()) != 1 {
		t.Fatal("immediate send did not go out")
	}

	// Suppressed immediate sends fall back to the queue.
	atHour(c, 23)
	c.SendImmediate(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "later"})
	if len(transport.Sent()) != 1 {
		t.Error("suppressed immediate send should not go out")
	}
	if c.GetStats().Queued[KindQuestion] != 1 {
		t.Error("suppressed immediate send should be queued")
	}

	// High priority goes out even in quiet hours.
	c.SendImmediate(Notification{Kind: KindBlocker, Priority: PriorityHigh, Text: "now2"})
	if len(transport.Sent()) != 2 {
		t.Error("high priority immediate send suppressed")
	}
}

func TestSendFailureCountsAndDrops(t *testing.T) {
	c, transport := newTestController(t)
	atHour(c, 12)
	transport.FailSends(errors.New("rate limited"))

	c.Queue(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "q"})
	c.Flush()

	stats := c.GetStats()
	if stats.TotalFailed != 1 || stats.TotalSent != 0 {
		t.Errorf("unexpected stats after failure: %+v", stats)
	}
	// The failed item is dropped, not retried.
	if stats.Queued[KindQuestion] != 0 {
		t.Error("failed notification should be dropped")
	}
}

func TestDestroyClearsQueues(t *testing.T) {
	c, transport := newTestController(t)
	atHour(c, 12)

	c.Queue(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "q"})
	c.Destroy()

	c.Flush()
	c.Queue(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "q2"})
	c.SendImmediate(Notification{Kind: KindQuestion, Priority: PriorityNormal, Text: "q3"})

	if len(transport.Sent()) != 0 {
		t.Error("destroyed controller must not send")
	}
	// Destroy twice is safe.
	c.Destroy()
}
