package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidateQuery(t *testing.T) {
	lo, hi := 0.1, 0.6

	tests := []struct {
		name     string
		filter   CandidateFilter
		contains []string
		absent   []string
		args     []any
	}{
		{
			name:     "defaults",
			filter:   CandidateFilter{MaxAttempts: 3},
			contains: []string{"cure_attempt_count < $1", "LIMIT $2"},
			absent:   []string{"coherence_score >=", "coherence_score <="},
			args:     []any{3, defaultCandidateLimit},
		},
		{
			name:     "min only",
			filter:   CandidateFilter{MaxAttempts: 2, Limit: 5, MinScore: &lo},
			contains: []string{"AND coherence_score >= $2", "LIMIT $3"},
			absent:   []string{"coherence_score <="},
			args:     []any{2, 0.1, 5},
		},
		{
			name:     "both bounds",
			filter:   CandidateFilter{MaxAttempts: 3, Limit: 20, MinScore: &lo, MaxScore: &hi},
			contains: []string{"AND coherence_score >= $2", "AND coherence_score <= $3", "LIMIT $4"},
			args:     []any{3, 0.1, 0.6, 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := candidateQuery(tt.filter, pgPlaceholder)
			assert.Contains(t, query, "WHERE is_coherent = false AND curing_exhausted = false")
			assert.Contains(t, query, "ORDER BY coherence_score ASC, envelope_id ASC")
			for _, s := range tt.contains {
				assert.Contains(t, query, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, query, s)
			}
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestCandidateQuery_SQLitePlaceholders(t *testing.T) {
	query, args := candidateQuery(CandidateFilter{MaxAttempts: 3, Limit: 1}, sqlitePlaceholder)
	assert.Contains(t, query, "cure_attempt_count < ?")
	assert.Contains(t, query, "LIMIT ?")
	assert.NotContains(t, query, "$")
	assert.Equal(t, []any{3, 1}, args)
}
