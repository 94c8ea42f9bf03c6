package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"sonnet": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: Usage{Input: 1000000, Output: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: Usage{Input: 500000, Output: 50000, CacheWrite: 200000, CacheRead: 300000},
			// cw: 0.2M/1M * 0.80 * 1.25 = 0.20
			// cr: 0.3M/1M * 0.80 * 0.1 = 0.024
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			usage: Usage{Input: 1000000, Output: 100000},
			want:  3.00 + 1.50,
		},
		{
			name:  "default cure model",
			model: "claude-sonnet-4-5-20250514",
			usage: Usage{Input: 2000, Output: 400},
			want:  0.006 + 0.006,
		},
		{
			name:  "unknown model returns 0",
			model: "unknown",
			usage: Usage{Input: 1000000, Output: 1000000},
			want:  0,
		},
		{
			name:  "zero tokens returns 0",
			model: "haiku",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Claude(tt.model, tt.usage)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestNewCalculator_OverridesDefaults(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(Rates{Anthropic: map[string]ModelRate{
		"claude-haiku-4-5-20251001": {Input: 1, Output: 5},
	}})

	assert.InDelta(t, 6.0, calc.Claude("claude-haiku-4-5-20251001", Usage{Input: 1e6, Output: 1e6}), 1e-9)
	assert.True(t, calc.Known("claude-sonnet-4-5-20250514"))
	assert.False(t, calc.Known("gpt-4"))
}

func TestUsage_Add(t *testing.T) {
	t.Parallel()
	var u Usage
	u.Add(Usage{Input: 10, Output: 2, CacheRead: 5})
	u.Add(Usage{Input: 1, Output: 1, CacheWrite: 3})
	assert.Equal(t, Usage{Input: 11, Output: 3, CacheWrite: 3, CacheRead: 5}, u)
}

func TestLogClaude_ReturnsCost(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 4.5, calc.LogClaude("sonnet", "curing", Usage{Input: 1e6, Output: 1e5}), 0.001)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250514")
}
