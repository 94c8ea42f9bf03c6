package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validationUpsertConfig() UpsertConfig {
	return UpsertConfig{
		Table:        "coherence_validation",
		Columns:      []string{"envelope_id", "coherence_score", "is_coherent", "original_score"},
		ConflictKeys: []string{"envelope_id"},
		Preserve:     []string{"original_score"},
	}
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, validationUpsertConfig(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "coherence_validation",
		ConflictKeys: []string{"envelope_id"},
	}, [][]any{{"env-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "coherence_validation",
		Columns: []string{"envelope_id"},
	}, [][]any{{"env-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := validationUpsertConfig()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_coherence_validation"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_coherence_validation"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "coherence_validation"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{
		{"env-1", 0.75, false, nil},
		{"env-2", 1.0, true, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := validationUpsertConfig()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_coherence_validation"}, cfg.Columns).
		WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{"env-1", 0.5, false, nil}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	sql := upsertSQL(validationUpsertConfig(), "_tmp")
	assert.Contains(t, sql, `ON CONFLICT ("envelope_id") DO UPDATE SET`)
	assert.Contains(t, sql, `"coherence_score" = EXCLUDED."coherence_score"`)
	assert.Contains(t, sql, `"original_score" = COALESCE(EXCLUDED."original_score", "coherence_validation"."original_score")`)
	assert.NotContains(t, sql, `"envelope_id" = EXCLUDED`)
}

func TestUpsertSQL_ExplicitUpdateCols(t *testing.T) {
	cfg := validationUpsertConfig()
	cfg.UpdateCols = []string{"is_coherent"}
	sql := upsertSQL(cfg, "_tmp")
	assert.Contains(t, sql, `DO UPDATE SET "is_coherent" = EXCLUDED."is_coherent"`)
	assert.NotContains(t, sql, `"coherence_score" = EXCLUDED`)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"audit.coherence_validation", `"audit"."coherence_validation"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
