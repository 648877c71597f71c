package adapter

import (
	"math"
	"testing"

	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCostOpus(t *testing.T) {
	// 1M input + 100k output on opus: (1 * 15) + (0.1 * 75) = 22.50
	cost := CostUSD(models.ModelOpus, 1_000_000, 100_000)
	if !almostEqual(cost, 22.50) {
		t.Errorf("expected 22.50, got %v", cost)
	}
}

func TestCostHaiku(t *testing.T) {
	// 1M input + 1M output on haiku: 0.80 + 4.00 = 4.80
	cost := CostUSD(models.ModelHaiku, 1_000_000, 1_000_000)
	if !almostEqual(cost, 4.80) {
		t.Errorf("expected 4.80, got %v", cost)
	}
}

func TestCostSonnet(t *testing.T) {
	cost := CostUSD(models.ModelSonnet, 2_000_000, 500_000)
	if !almostEqual(cost, 6.0+7.5) {
		t.Errorf("expected 13.50, got %v", cost)
	}
}

func TestCostUnknownModel(t *testing.T) {
	cost := CostUSD(models.Model("gpt"), 1_000_000, 1_000_000)
	if cost != 0 {
		t.Errorf("expected 0 for unknown model, got %v", cost)
	}
}

func TestCostZeroTokens(t *testing.T) {
	if cost := CostUSD(models.ModelOpus, 0, 0); cost != 0 {
		t.Errorf("expected 0 for zero tokens, got %v", cost)
	}
}

func TestNormalizeWithExplicitModel(t *testing.T) {
	n := NewUsageNormalizer()

	usage := n.Normalize("s1", RawUsage{
		InputTokens:  1_000_000,
		OutputTokens: 100_000,
		Model:        models.ModelOpus,
	})

	if usage.TotalTokens != 1_100_000 {
		t.Errorf("expected total 1100000, got %d", usage.TotalTokens)
	}
	if !almostEqual(usage.CostUSD, 22.50) {
		t.Errorf("expected cost 22.50, got %v", usage.CostUSD)
	}
}

func TestNormalizeUsesRememberedModel(t *testing.T) {
	n := NewUsageNormalizer()
	n.RememberModel("s1", models.ModelHaiku)

	usage := n.Normalize("s1", RawUsage{
		InputTokens:  1_000_000,
		OutputTokens: 1_000_000,
	})

	if !almostEqual(usage.CostUSD, 4.80) {
		t.Errorf("expected cost 4.80 from remembered haiku, got %v", usage.CostUSD)
	}
}

func TestNormalizeUnknownModelFallsBackToReportedCost(t *testing.T) {
	n := NewUsageNormalizer()

	usage := n.Normalize("s1", RawUsage{
		InputTokens:  500,
		OutputTokens: 500,
		CostUSD:      0.42,
	})
	if !almostEqual(usage.CostUSD, 0.42) {
		t.Errorf("expected reported cost 0.42, got %v", usage.CostUSD)
	}

	usage = n.Normalize("s2", RawUsage{InputTokens: 500, OutputTokens: 500})
	if usage.CostUSD != 0 {
		t.Errorf("expected 0 without reported cost, got %v", usage.CostUSD)
	}
}

func TestNormalizeZeroTokensZeroCost(t *testing.T) {
	n := NewUsageNormalizer()
	n.RememberModel("s1", models.ModelOpus)

	usage := n.Normalize("s1", RawUsage{CostUSD: 9.99})
	if usage.CostUSD != 0 {
		t.Errorf("zero tokens must cost zero, got %v", usage.CostUSD)
	}
}

func TestNormalizeCacheTokens(t *testing.T) {
	n := NewUsageNormalizer()

	usage := n.Normalize("s1", RawUsage{
		InputTokens:         100,
		OutputTokens:        50,
		CacheReadTokens:     2000,
		CacheCreationTokens: 300,
		Model:               models.ModelSonnet,
	})

	if usage.CacheReadTokens != 2000 || usage.CacheCreationTokens != 300 {
		t.Errorf("cache tokens not carried through: %+v", usage)
	}
	// Cache tokens do not count toward total.
	if usage.TotalTokens != 150 {
		t.Errorf("expected total 150, got %d", usage.TotalTokens)
	}
}

func TestForget(t *testing.T) {
	n := NewUsageNormalizer()
	n.RememberModel("s1", models.ModelOpus)
	n.Forget("s1")

	if _, ok := n.ModelFor("s1"); ok {
		t.Error("model should be forgotten")
	}
}

func TestRememberInvalidModelIgnored(t *testing.T) {
	n := NewUsageNormalizer()
	n.RememberModel("s1", models.Model(""))

	if _, ok := n.ModelFor("s1"); ok {
		t.Error("invalid model should not be remembered")
	}
}
