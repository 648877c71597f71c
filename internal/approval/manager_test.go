package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/chat"
	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func newTestManager(timeout time.Duration) (*Manager, *chat.MemoryTransport) {
	transport := chat.NewMemoryTransport()
	m := NewManager(transport, "C-approvals", config.ApprovalConfig{
		TimeoutMs: int(timeout.Milliseconds()),
	}, testLogger())
	return m, transport
}

func sampleTask() *models.Task {
	return &models.Task{
		ID:       "task-1",
		Title:    "Migrate billing tables",
		Priority: 5,
		Status:   models.TaskStatusQueued,
	}
}

// request runs RequestApproval in a goroutine and hands back the result.
func request(m *Manager, task *models.Task) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- m.RequestApproval(context.Background(), task, models.ModelSonnet, 1)
	}()
	return ch
}

// waitPending blocks until the request is registered.
func waitPending(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for m.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("approval request never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApproveByReaction(t *testing.T) {
	m, transport := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	m.HandleReaction("white_check_mark", "task-1", "U1")

	res := <-resCh
	if res.Status != StatusApproved || res.UserID != "U1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if msg, ok := transport.LastSent(); !ok || !strings.Contains(msg.Text, "Migrate billing tables") {
		t.Errorf("approval message not posted: %+v", msg)
	}
	if m.PendingCount() != 0 {
		t.Error("pending entry not cleared")
	}
}

func TestRejectByReaction(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	m.HandleReaction("thumbsdown", "task-1", "U2")

	if res := <-resCh; res.Status != StatusRejected {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestUnknownReactionIgnored(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	m.HandleReaction("eyes", "task-1", "U1")
	select {
	case res := <-resCh:
		t.Fatalf("unknown reaction resolved the approval: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	m.HandleReaction("x", "task-1", "U1")
	if res := <-resCh; res.Status != StatusRejected {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestApproveByReply(t *testing.T) {
	for _, text := range []string{"approve", "Approved", "YES", "ok", "go", "lgtm", "approve this one"} {
		m, _ := newTestManager(time.Minute)
		resCh := request(m, sampleTask())
		waitPending(t, m)

		m.HandleReply(text, "task-1", "U1")
		if res := <-resCh; res.Status != StatusApproved {
			t.Errorf("reply %q: expected approved, got %+v", text, res)
		}
	}
}

func TestRejectByReplyWithReason(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	m.HandleReply("reject: not ready", "task-1", "U1")

	res := <-resCh
	if res.Status != StatusRejected || res.Reason != "not ready" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestUnrecognizedReplyIgnored(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	m.HandleReply("what does this task do?", "task-1", "U1")
	select {
	case res := <-resCh:
		t.Fatalf("unrecognized reply resolved the approval: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	m.CancelApproval("task-1", "test cleanup")
	<-resCh
}

func TestTimeoutNeverApproves(t *testing.T) {
	m, _ := newTestManager(30 * time.Millisecond)
	resCh := request(m, sampleTask())

	res := <-resCh
	if res.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !strings.Contains(res.Reason, "No response") {
		t.Errorf("timeout reason should mention no response, got %q", res.Reason)
	}
}

func TestSendFailureResolvesTimeout(t *testing.T) {
	m, transport := newTestManager(time.Minute)
	transport.FailSends(errors.New("channel archived"))

	res := m.RequestApproval(context.Background(), sampleTask(), models.ModelSonnet, 1)
	if res.Status != StatusTimeout || res.Reason != "Failed to send Slack message" {
		t.Errorf("unexpected result: %+v", res)
	}
	if m.PendingCount() != 0 {
		t.Error("failed send must not leave a pending entry")
	}
}

func TestExactlyOnceResolution(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.HandleReaction("white_check_mark", "task-1", "U1")
			} else {
				m.HandleReply("reject", "task-1", "U2")
			}
		}(i)
	}
	wg.Wait()

	<-resCh
	select {
	case res := <-resCh:
		t.Fatalf("approval resolved twice: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestThreadRouting(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	if m.HandleThreadReply(chat.InboundMessage{ThreadTS: "unknown", Text: "approve"}) {
		t.Error("unknown thread should not be consumed")
	}

	// The memory transport assigns ts-1 to the first send.
	if !m.HandleThreadReply(chat.InboundMessage{ThreadTS: "ts-1", Text: "approve", UserID: "U3"}) {
		t.Fatal("thread reply not routed")
	}
	res := <-resCh
	if res.Status != StatusApproved || res.UserID != "U3" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCancelApproval(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	resCh := request(m, sampleTask())
	waitPending(t, m)

	if !m.CancelApproval("task-1", "superseded") {
		t.Fatal("cancel did not resolve")
	}
	res := <-resCh
	if res.Status != StatusRejected || res.Reason != "superseded" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDestroyRejectsAllPending(t *testing.T) {
	m, _ := newTestManager(time.Minute)

	taskA := sampleTask()
	taskB := sampleTask()
	taskB.ID = "task-2"
	chA := request(m, taskA)
	chB := request(m, taskB)
	deadline := time.Now().Add(time.Second)
	for m.PendingCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	m.Destroy()

	for _, ch := range []<-chan Result{chA, chB} {
		res := <-ch
		if res.Status != StatusRejected || res.Reason != "Manager destroyed" {
			t.Errorf("unexpected result: %+v", res)
		}
	}
}

func TestEstimateCost(t *testing.T) {
	task := sampleTask()
	// One nominal sonnet session: 30k in * $3/M + 8k out * $15/M = 0.09 + 0.12.
	if got := EstimateCost(task, models.ModelSonnet); got < 0.209 || got > 0.211 {
		t.Errorf("unexpected estimate %v", got)
	}

	task.SessionEstimates = map[models.Model]int{models.ModelSonnet: 3}
	if got := EstimateCost(task, models.ModelSonnet); got < 0.629 || got > 0.631 {
		t.Errorf("unexpected estimate %v", got)
	}
}
