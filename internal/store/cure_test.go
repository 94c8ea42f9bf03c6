package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/model"
)

func TestCureUpdate_BookkeepingOnly(t *testing.T) {
	at := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	query, args, err := cureUpdate(model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusError, Model: "m", MaxAttempts: 3, At: at,
	}, pgPlaceholder)
	require.NoError(t, err)

	assert.Contains(t, query, "cure_attempt_count = cure_attempt_count + 1")
	assert.Contains(t, query, "curing_exhausted = (curing_exhausted OR cure_attempt_count + 1 >= $1)")
	assert.Contains(t, query, "original_score = COALESCE(original_score, coherence_score)")
	assert.NotContains(t, query, "coherence_score = $")
	assert.True(t, strings.HasSuffix(query, "WHERE envelope_id = $6 RETURNING cure_attempt_count, curing_exhausted"))
	assert.Equal(t, []any{3, "error", "m", at, at, "env-1"}, args)
}

func TestCureUpdate_WithResult(t *testing.T) {
	res := coherence.Result{Score: 0.75, IsCoherent: true, Issues: []coherence.Issue{{Type: coherence.IssueConfidenceAnomaly, Severity: coherence.SeverityLow}}}
	query, args, err := cureUpdate(model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusCured, MaxAttempts: 3,
		Snapshot: coherence.Cascade{"l9_priority": "HIGH"}, Result: &res,
	}, sqlitePlaceholder)
	require.NoError(t, err)

	assert.Contains(t, query, "coherence_score = ?, is_coherent = ?, issue_count = ?, issues = ?, cascade_snapshot = ?")
	require.Len(t, args, 11)
	assert.Equal(t, 0.75, args[5])
	assert.Equal(t, true, args[6])
	assert.Equal(t, 1, args[7])
	assert.JSONEq(t, `[{"issue_type":"confidence_anomaly","severity":"low","description":"","layer_a":"","layer_b":""}]`, args[8].(string))
	assert.JSONEq(t, `{"l9_priority":"HIGH"}`, args[9].(string))
	assert.Equal(t, "env-1", args[10])
}

func TestCureUpdate_Exhausted(t *testing.T) {
	query, args, err := cureUpdate(model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusExhausted, MaxAttempts: 3,
	}, pgPlaceholder)
	require.NoError(t, err)

	assert.Contains(t, query, "curing_exhausted = true")
	assert.NotContains(t, query, "cure_attempt_count = cure_attempt_count + 1")
	assert.NotContains(t, query, "original_score")
	assert.Len(t, args, 3)
	assert.Equal(t, "env-1", args[2])
}

func TestCureUpdate_Invalid(t *testing.T) {
	_, _, err := cureUpdate(model.CureAttempt{Status: model.CureStatusCured}, pgPlaceholder)
	assert.Error(t, err)

	_, _, err = cureUpdate(model.CureAttempt{EnvelopeID: "env-1", Status: "retrying"}, pgPlaceholder)
	assert.Error(t, err)
}
