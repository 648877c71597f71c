// Package contextbudget tracks a token budget over ordered context entries
// and compresses the oldest compressible entries when the budget overflows.
package contextbudget

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
	"github.com/trafficcontrol/trafficcontrol/internal/events/bus"
)

// Category classifies a context entry for compression.
type Category string

const (
	CategorySystem   Category = "system"
	CategoryTask     Category = "task"
	CategoryHistory  Category = "history"
	CategoryResponse Category = "response"
)

// tokenOverhead is the fixed per-entry estimate overhead.
const tokenOverhead = 10

// EstimateTokens estimates token usage for content: one token per four bytes
// plus a small fixed overhead. Monotone in content length.
func EstimateTokens(content string) int {
	return (len(content)+3)/4 + tokenOverhead
}

// Entry is one budgeted piece of context.
type Entry struct {
	ID           string
	Category     Category
	Compressible bool
	ReferenceID  string
	Content      string
	Tokens       int
}

// Manager tracks entries against the configured budget.
type Manager struct {
	maxTokens  int
	targetUtil float64
	warnUtil   float64
	bus        *bus.Bus
	logger     *logger.Logger

	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	total   int
}

// NewManager creates a budget manager from configuration.
func NewManager(cfg config.BudgetConfig, b *bus.Bus, log *logger.Logger) *Manager {
	return &Manager{
		maxTokens:  cfg.MaxTokens,
		targetUtil: cfg.TargetUtilization,
		warnUtil:   cfg.WarnUtilization,
		bus:        b,
		logger:     log.WithFields(zap.String("component", "context-budget")),
		byID:       make(map[string]*Entry),
	}
}

// AddEntry registers content under a category and returns the entry id.
func (m *Manager) AddEntry(category Category, compressible bool, referenceID, content string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &Entry{
		ID:           uuid.New().String(),
		Category:     category,
		Compressible: compressible,
		ReferenceID:  referenceID,
		Content:      content,
		Tokens:       EstimateTokens(content),
	}
	m.entries = append(m.entries, e)
	m.byID[e.ID] = e
	m.total += e.Tokens
	return e.ID
}

// UpdateEntry replaces an entry's content and re-estimates it.
func (m *Manager) UpdateEntry(id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("no context entry %s", id)
	}
	m.total -= e.Tokens
	e.Content = content
	e.Tokens = EstimateTokens(content)
	m.total += e.Tokens
	return nil
}

// RemoveEntry drops an entry by id.
func (m *Manager) RemoveEntry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	e, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	m.total -= e.Tokens
	for i, cur := range m.entries {
		if cur.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
}

// RemoveEntriesByReference drops every entry carrying the reference id and
// returns how many were removed.
func (m *Manager) RemoveEntriesByReference(refID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, e := range m.entries {
		if e.ReferenceID == refID {
			ids = append(ids, e.ID)
		}
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	return len(ids)
}

// CurrentEstimate returns the summed token estimate.
func (m *Manager) CurrentEstimate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// IsWithinBudget reports whether usage is at or below the target utilization.
func (m *Manager) IsWithinBudget() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withinBudgetLocked()
}

func (m *Manager) withinBudgetLocked() bool {
	return float64(m.total) <= float64(m.maxTokens)*m.targetUtil
}

// ShouldWarn reports whether usage has reached the warn utilization.
func (m *Manager) ShouldWarn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.total)/float64(m.maxTokens) >= m.warnUtil
}

// CompressibleEntries returns compressible entries oldest-first.
func (m *Manager) CompressibleEntries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.Compressible {
			out = append(out, e)
		}
	}
	return out
}

// Compress walks compressible entries oldest to newest, shrinking each with a
// category-specific summarizer, and stops once the budget holds again.
// Returns the number of entries compressed or removed. When everything
// compressible is spent and the budget still overflows, a system.error with
// reason context-budget-exhausted is emitted and operation continues.
func (m *Manager) Compress() int {
	m.mu.Lock()

	touched := 0
	for _, e := range append([]*Entry(nil), m.entries...) {
		if m.withinBudgetLocked() {
			break
		}
		if !e.Compressible {
			continue
		}
		touched++
		switch e.Category {
		case CategoryTask:
			m.replaceLocked(e, fmt.Sprintf("Task %s: delegated", e.ReferenceID))
		case CategoryHistory, CategoryResponse:
			m.removeLocked(e.ID)
		case CategorySystem:
			m.replaceLocked(e, "[system context compressed]")
		default:
			m.removeLocked(e.ID)
		}
	}

	exhausted := !m.withinBudgetLocked()
	total := m.total
	m.mu.Unlock()

	if exhausted {
		m.logger.Warn("context budget exhausted after compression",
			zap.Int("estimate", total),
			zap.Int("max_tokens", m.maxTokens))
		m.bus.Emit(events.New(events.SystemError, &events.SystemErrorPayload{
			Reason: "context-budget-exhausted",
			Source: "context-budget",
		}))
	} else if touched > 0 {
		m.logger.Info("compressed context entries",
			zap.Int("entries", touched),
			zap.Int("estimate", total))
	}
	return touched
}

func (m *Manager) replaceLocked(e *Entry, content string) {
	m.total -= e.Tokens
	e.Content = content
	e.Tokens = EstimateTokens(content)
	e.Compressible = false
	m.total += e.Tokens
}
