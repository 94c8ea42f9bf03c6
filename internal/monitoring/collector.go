// Package monitoring watches coherence and curing health and posts webhook
// alerts when rates drift past their thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cascade-cli/internal/model"
	"github.com/sells-group/cascade-cli/internal/resilience"
)

// recentRunWindow is how many batch runs the collector inspects.
const recentRunWindow = 20

// MetricsSnapshot holds a point-in-time view of coherence and curing health.
type MetricsSnapshot struct {
	// Validation metrics.
	ValidationTotal int     `json:"validation_total"`
	Coherent        int     `json:"coherent"`
	Incoherent      int     `json:"incoherent"`
	IncoherentRate  float64 `json:"incoherent_rate"`
	AvgScore        float64 `json:"avg_score"`

	// Curing metrics over records with at least one attempt.
	CureAttempted int     `json:"cure_attempted"`
	Cured         int     `json:"cured"`
	Exhausted     int     `json:"exhausted"`
	ExhaustedRate float64 `json:"exhausted_rate"`

	// Recent batch runs.
	RecentRuns    int     `json:"recent_runs"`
	FailedRuns    int     `json:"failed_runs"`
	RecentCostUSD float64 `json:"recent_cost_usd"`

	// Extraction circuit state, empty when not tracked.
	CircuitState string `json:"circuit_state,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// StatsSource abstracts the store methods the collector reads.
type StatsSource interface {
	CoherenceStats(ctx context.Context) (*model.CoherenceStats, error)
	CuringStats(ctx context.Context) (*model.CuringStats, error)
	ListCureRuns(ctx context.Context, limit int) ([]model.CureRun, error)
}

// BreakerState reports the state of a circuit breaker.
type BreakerState interface {
	State() resilience.CircuitState
}

// Collector gathers metrics from the store and the extraction breaker.
type Collector struct {
	stats   StatsSource
	breaker BreakerState
}

// NewCollector creates a new metrics collector. breaker may be nil.
func NewCollector(stats StatsSource, breaker BreakerState) *Collector {
	return &Collector{stats: stats, breaker: breaker}
}

// Collect gathers a snapshot of coherence and curing metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	coh, err := c.stats.CoherenceStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: coherence stats")
	}
	snap.ValidationTotal = coh.Total
	snap.Coherent = coh.Coherent
	snap.Incoherent = coh.Incoherent
	snap.AvgScore = coh.AvgScore
	if coh.Total > 0 {
		snap.IncoherentRate = float64(coh.Incoherent) / float64(coh.Total)
	}

	cur, err := c.stats.CuringStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: curing stats")
	}
	snap.CureAttempted = cur.TotalAttempted
	snap.Cured = cur.Cured
	snap.Exhausted = cur.Exhausted
	snap.ExhaustedRate = cur.ExhaustedRate()

	runs, err := c.stats.ListCureRuns(ctx, recentRunWindow)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cure runs")
	}
	snap.RecentRuns = len(runs)
	for _, r := range runs {
		if r.Status == model.CureRunFailed {
			snap.FailedRuns++
		}
		snap.RecentCostUSD += r.CostUSD
	}

	if c.breaker != nil {
		snap.CircuitState = c.breaker.State().String()
	}

	return snap, nil
}
