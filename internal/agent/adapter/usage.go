package adapter

import (
	"sync"

	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// modelRates holds per-million-token pricing.
type modelRates struct {
	inputPerM  float64
	outputPerM float64
}

// priceTable maps models to their per-million-token rates.
var priceTable = map[models.Model]modelRates{
	models.ModelOpus:   {inputPerM: 15.00, outputPerM: 75.00},
	models.ModelSonnet: {inputPerM: 3.00, outputPerM: 15.00},
	models.ModelHaiku:  {inputPerM: 0.80, outputPerM: 4.00},
}

// CostUSD computes the cost of a token count for a known model.
// Unknown models cost zero.
func CostUSD(model models.Model, inputTokens, outputTokens int64) float64 {
	rates, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*rates.inputPerM +
		float64(outputTokens)/1e6*rates.outputPerM
}

// RawUsage is a usage record as reported by an agent runtime, before
// normalization.
type RawUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64

	// Model as reported by the runtime; may be empty.
	Model models.Model

	// CostUSD as reported by the runtime; used only when the model is unknown.
	CostUSD float64
}

// UsageNormalizer converts raw usage records to normalized models.Usage and
// remembers which model each session runs so later records without an
// explicit model still cost correctly.
type UsageNormalizer struct {
	mu            sync.Mutex
	sessionModels map[string]models.Model
}

// NewUsageNormalizer creates an empty normalizer.
func NewUsageNormalizer() *UsageNormalizer {
	return &UsageNormalizer{
		sessionModels: make(map[string]models.Model),
	}
}

// RememberModel records the model for a session.
func (n *UsageNormalizer) RememberModel(sessionID string, model models.Model) {
	if !model.Valid() {
		return
	}
	n.mu.Lock()
	n.sessionModels[sessionID] = model
	n.mu.Unlock()
}

// ModelFor returns the remembered model for a session, if any.
func (n *UsageNormalizer) ModelFor(sessionID string) (models.Model, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	model, ok := n.sessionModels[sessionID]
	return model, ok
}

// Forget drops the session's remembered model.
func (n *UsageNormalizer) Forget(sessionID string) {
	n.mu.Lock()
	delete(n.sessionModels, sessionID)
	n.mu.Unlock()
}

// Normalize converts a raw record to normalized usage.
//
// Cost resolution: when the model is known (from the record or the session
// memory), cost is computed from the price table. When unknown, the
// runtime-reported cost is used, else zero. Zero tokens always cost zero.
func (n *UsageNormalizer) Normalize(sessionID string, raw RawUsage) models.Usage {
	model := raw.Model
	if !model.Valid() {
		if remembered, ok := n.ModelFor(sessionID); ok {
			model = remembered
		}
	}

	usage := models.Usage{
		InputTokens:         raw.InputTokens,
		OutputTokens:        raw.OutputTokens,
		TotalTokens:         raw.InputTokens + raw.OutputTokens,
		CacheReadTokens:     raw.CacheReadTokens,
		CacheCreationTokens: raw.CacheCreationTokens,
	}

	if usage.TotalTokens == 0 {
		return usage
	}
	if model.Valid() {
		usage.CostUSD = CostUSD(model, raw.InputTokens, raw.OutputTokens)
	} else {
		usage.CostUSD = raw.CostUSD
	}
	return usage
}
