package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func incoherentCascade() coherence.Cascade {
	return coherence.Cascade{
		"l2_intent":            "complaint",
		"l2_sentiment":         "positive",
		"l4_sender_posture":    "complaining",
		"l5_urgency_score":     5,
		"l9_executive_summary": "Unable to generate.",
		"l9_priority":          "low",
		"l9_confidence":        0.9,
	}
}

func seedValidation(t *testing.T, st *SQLiteStore, envelopeID string, c coherence.Cascade) model.ValidationRecord {
	t.Helper()
	rec := model.NewValidationRecord(envelopeID, c, coherence.ValidateCascade(c))
	require.NoError(t, st.SaveValidation(context.Background(), rec))
	return rec
}

func TestSQLite_SaveAndGetValidation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := seedValidation(t, st, "env-1", incoherentCascade())
	require.False(t, rec.IsCoherent)

	got, err := st.GetValidation(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, rec.CoherenceScore, got.CoherenceScore)
	assert.False(t, got.IsCoherent)
	assert.Equal(t, len(rec.Issues), got.IssueCount)
	assert.Equal(t, rec.Issues, got.Issues)
	assert.Equal(t, "low", got.CascadeSnapshot["l9_priority"])
	assert.Equal(t, 0, got.CureAttemptCount)
	assert.Nil(t, got.OriginalScore)
	assert.Nil(t, got.LastCuredAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_GetValidation_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetValidation(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_SaveValidation_PreservesBookkeeping(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedValidation(t, st, "env-1", incoherentCascade())
	_, err := st.RecordCureAttempt(ctx, model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusError, MaxAttempts: 3,
	})
	require.NoError(t, err)

	// Re-validation replaces the verdict but keeps the curing history.
	seedValidation(t, st, "env-1", incoherentCascade())

	got, err := st.GetValidation(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CureAttemptCount)
	assert.Equal(t, model.CureStatusError, got.LastCureStatus)
}

func TestSQLite_SaveValidations(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var recs []model.ValidationRecord
	for i := range 3 {
		c := incoherentCascade()
		recs = append(recs, model.NewValidationRecord(fmt.Sprintf("env-%d", i), c, coherence.ValidateCascade(c)))
	}

	n, err := st.SaveValidations(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = st.SaveValidations(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := st.CoherenceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Incoherent)
}

func TestSQLite_ListCureCandidates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveValidation(ctx, model.ValidationRecord{EnvelopeID: "low", CoherenceScore: 0.1}))
	require.NoError(t, st.SaveValidation(ctx, model.ValidationRecord{EnvelopeID: "mid", CoherenceScore: 0.5}))
	require.NoError(t, st.SaveValidation(ctx, model.ValidationRecord{EnvelopeID: "high", CoherenceScore: 0.65}))
	require.NoError(t, st.SaveValidation(ctx, model.ValidationRecord{EnvelopeID: "ok", CoherenceScore: 0.9, IsCoherent: true}))

	got, err := st.ListCureCandidates(ctx, CandidateFilter{MaxAttempts: 3})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.EnvelopeID)
	}
	assert.Equal(t, []string{"low", "mid", "high"}, ids)

	lo, hi := 0.2, 0.6
	got, err = st.ListCureCandidates(ctx, CandidateFilter{MaxAttempts: 3, MinScore: &lo, MaxScore: &hi})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mid", got[0].EnvelopeID)

	got, err = st.ListCureCandidates(ctx, CandidateFilter{MaxAttempts: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "low", got[0].EnvelopeID)
}

func TestSQLite_RecordCureAttempt_ExhaustsAtCap(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := seedValidation(t, st, "env-1", incoherentCascade())

	for i := 1; i <= 3; i++ {
		out, err := st.RecordCureAttempt(ctx, model.CureAttempt{
			EnvelopeID: "env-1", Status: model.CureStatusNoImprovement, Model: "m", MaxAttempts: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, i, out.CureAttemptCount)
		assert.Equal(t, i == 3, out.CuringExhausted)
	}

	got, err := st.GetValidation(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, got.CuringExhausted)
	require.NotNil(t, got.OriginalScore)
	assert.Equal(t, rec.CoherenceScore, *got.OriginalScore)

	cands, err := st.ListCureCandidates(ctx, CandidateFilter{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestSQLite_RecordCureAttempt_AppliesResult(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := seedValidation(t, st, "env-1", incoherentCascade())

	first := coherence.Result{Score: 0.5, Issues: []coherence.Issue{{Type: coherence.IssueGenericSummary, Severity: coherence.SeverityHigh}}}
	out, err := st.RecordCureAttempt(ctx, model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusImproved, Model: "m", MaxAttempts: 3,
		Snapshot: coherence.Cascade{"l9_priority": "HIGH"}, Result: &first,
	})
	require.NoError(t, err)
	assert.Equal(t, rec.CoherenceScore, out.PreviousScore)

	second := coherence.Result{Score: 0.9, IsCoherent: true}
	out, err = st.RecordCureAttempt(ctx, model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusCured, Model: "m", MaxAttempts: 3,
		Snapshot: coherence.Cascade{"l9_priority": "URGENT"}, Result: &second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, out.PreviousScore)
	assert.Equal(t, 2, out.CureAttemptCount)

	got, err := st.GetValidation(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, got.IsCoherent)
	assert.Equal(t, 0.9, got.CoherenceScore)
	assert.Equal(t, 0, got.IssueCount)
	assert.Equal(t, "URGENT", got.CascadeSnapshot["l9_priority"])
	assert.Equal(t, model.CureStatusCured, got.LastCureStatus)
	assert.Equal(t, "m", got.LastCureModel)
	assert.NotNil(t, got.LastCuredAt)
	// original_score is captured once, before the first attempt.
	require.NotNil(t, got.OriginalScore)
	assert.Equal(t, rec.CoherenceScore, *got.OriginalScore)
}

func TestSQLite_RecordCureAttempt_ExhaustedStatusKeepsCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedValidation(t, st, "env-1", incoherentCascade())

	out, err := st.RecordCureAttempt(ctx, model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusExhausted, MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.CureAttemptCount)
	assert.True(t, out.CuringExhausted)

	// Exhaustion never flips back, and a raised cap does not reopen the row.
	out, err = st.RecordCureAttempt(ctx, model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusError, MaxAttempts: 10,
	})
	require.NoError(t, err)
	assert.True(t, out.CapReached)
	assert.Equal(t, 0, out.CureAttemptCount)
	assert.True(t, out.CuringExhausted)
}

func TestSQLite_RecordCureAttempt_RefusedAtCap(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedValidation(t, st, "env-1", incoherentCascade())

	// Two attempts under a cap of three, then a lowered cap of two.
	for range 2 {
		_, err := st.RecordCureAttempt(ctx, model.CureAttempt{
			EnvelopeID: "env-1", Status: model.CureStatusNoImprovement, Model: "m", MaxAttempts: 3,
		})
		require.NoError(t, err)
	}

	cured := coherence.Result{Score: 0.95, IsCoherent: true}
	out, err := st.RecordCureAttempt(ctx, model.CureAttempt{
		EnvelopeID: "env-1", Status: model.CureStatusCured, Model: "m", MaxAttempts: 2, Result: &cured,
	})
	require.NoError(t, err)
	assert.True(t, out.CapReached)
	assert.True(t, out.CuringExhausted)
	assert.Equal(t, 2, out.CureAttemptCount)

	got, err := st.GetValidation(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CureAttemptCount)
	assert.True(t, got.CuringExhausted)
	assert.False(t, got.IsCoherent)
	assert.Equal(t, model.CureStatusExhausted, got.LastCureStatus)
}

func TestSQLite_RecordCureAttempt_ConcurrentAtCap(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedValidation(t, st, "env-1", incoherentCascade())
	for range 2 {
		_, err := st.RecordCureAttempt(ctx, model.CureAttempt{
			EnvelopeID: "env-1", Status: model.CureStatusError, MaxAttempts: 3,
		})
		require.NoError(t, err)
	}

	const n = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := st.RecordCureAttempt(ctx, model.CureAttempt{
				EnvelopeID: "env-1", Status: model.CureStatusNoImprovement, MaxAttempts: 3,
			})
			if !assert.NoError(t, err) {
				return
			}
			if !out.CapReached {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	got, err := st.GetValidation(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.CureAttemptCount)
	assert.True(t, got.CuringExhausted)
}

func TestSQLite_RecordCureAttempt_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.RecordCureAttempt(context.Background(), model.CureAttempt{
		EnvelopeID: "missing", Status: model.CureStatusError, MaxAttempts: 3,
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_RecordCureAttempt_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedValidation(t, st, "env-1", incoherentCascade())

	const n = 8
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.RecordCureAttempt(ctx, model.CureAttempt{
				EnvelopeID: "env-1", Status: model.CureStatusNoImprovement, MaxAttempts: 100,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := st.GetValidation(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, n, got.CureAttemptCount)
}

func TestSQLite_EnvelopeAndPrompt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetEnvelope(ctx, "env-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = st.LoadActivePrompt(ctx, "L9")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, st.PutEnvelope(ctx, model.Envelope{
		ID: "env-1", Subject: "Order 7781", Sender: "a@b.com",
		BodyPreview: "Where is it?", CleanBody: "Where is it? Order 7781 was due Monday.", ProcessingState: "L9_complete",
	}))
	require.NoError(t, st.PutPrompt(ctx, model.Prompt{ID: "p1", Layer: "L9", Version: 1, System: "old", User: "u"}))
	require.NoError(t, st.PutPrompt(ctx, model.Prompt{ID: "p2", Layer: "L9", Version: 2, System: "new", User: "u"}))

	e, err := st.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, "Order 7781", e.Subject)
	assert.Equal(t, "Where is it? Order 7781 was due Monday.", e.Text())
	assert.Equal(t, "L9_complete", e.ProcessingState)
	assert.False(t, e.ReceivedAt.IsZero())

	p, err := st.LoadActivePrompt(ctx, "L9")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)
	assert.Equal(t, "new", p.System)
}

func TestSQLite_CureRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.StartCureRun(ctx, model.CureRun{ID: "run-1", Limit: 10, MaxWorkers: 2}))
	require.NoError(t, st.CompleteCureRun(ctx, model.CureRun{ID: "run-1", Processed: 4, Cured: 2, Errors: 1, TokensIn: 100, TokensOut: 40, CostUSD: 0.01}))
	require.NoError(t, st.StartCureRun(ctx, model.CureRun{ID: "run-2", Limit: 5, MaxWorkers: 1}))
	require.NoError(t, st.FailCureRun(ctx, "run-2", "candidate query failed"))

	assert.True(t, errors.Is(st.FailCureRun(ctx, "run-x", "boom"), ErrNotFound))

	runs, err := st.ListCureRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]model.CureRun{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, model.CureRunComplete, byID["run-1"].Status)
	assert.Equal(t, 2, byID["run-1"].Cured)
	assert.Equal(t, int64(100), byID["run-1"].TokensIn)
	assert.NotNil(t, byID["run-1"].CompletedAt)
	assert.Equal(t, model.CureRunFailed, byID["run-2"].Status)
	assert.Equal(t, "candidate query failed", byID["run-2"].Error)
}

func TestSQLite_CuringStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedValidation(t, st, "a", incoherentCascade())
	seedValidation(t, st, "b", incoherentCascade())
	seedValidation(t, st, "c", incoherentCascade())

	cured := coherence.Result{Score: 1, IsCoherent: true}
	_, err := st.RecordCureAttempt(ctx, model.CureAttempt{EnvelopeID: "a", Status: model.CureStatusCured, MaxAttempts: 3, Result: &cured})
	require.NoError(t, err)
	_, err = st.RecordCureAttempt(ctx, model.CureAttempt{EnvelopeID: "b", Status: model.CureStatusError, MaxAttempts: 1})
	require.NoError(t, err)

	stats, err := st.CuringStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CuringStats{TotalAttempted: 2, Cured: 1, Exhausted: 1}, *stats)

	cs, err := st.CoherenceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cs.Total)
	assert.Equal(t, 1, cs.Coherent)
}
