package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/cascade-cli/internal/coherence"
)

func TestCureStatus_Valid(t *testing.T) {
	for _, s := range []CureStatus{CureStatusCured, CureStatusImproved, CureStatusNoImprovement, CureStatusError, CureStatusExhausted} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, CureStatus("bogus").Valid())
	assert.False(t, CureStatus("").Valid())
}

func TestCureStatus_ConsumesAttempt(t *testing.T) {
	assert.True(t, CureStatusCured.ConsumesAttempt())
	assert.True(t, CureStatusError.ConsumesAttempt())
	assert.False(t, CureStatusExhausted.ConsumesAttempt())
}

func TestNewValidationRecord(t *testing.T) {
	res := coherence.Result{
		Score:  0.75,
		Issues: []coherence.Issue{{Type: coherence.IssueUrgencyPriorityMismatch, Severity: coherence.SeverityCritical}},
	}
	snap := coherence.Cascade{"l5_urgency_score": 5}

	rec := NewValidationRecord("env-1", snap, res)
	assert.Equal(t, "env-1", rec.EnvelopeID)
	assert.Equal(t, 0.75, rec.CoherenceScore)
	assert.False(t, rec.IsCoherent)
	assert.Equal(t, 1, rec.IssueCount)
	assert.Zero(t, rec.CureAttemptCount)
	assert.Nil(t, rec.OriginalScore)
}

func TestStatsRates(t *testing.T) {
	assert.Zero(t, CoherenceStats{}.CoherentRate())
	assert.InDelta(t, 0.25, CoherenceStats{Total: 4, Coherent: 1}.CoherentRate(), 1e-9)
	assert.Zero(t, CuringStats{}.ExhaustedRate())
	assert.InDelta(t, 0.5, CuringStats{TotalAttempted: 2, Exhausted: 1}.ExhaustedRate(), 1e-9)
}
