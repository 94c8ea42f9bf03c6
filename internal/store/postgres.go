package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/db"
	"github.com/sells-group/cascade-cli/internal/model"
	"github.com/sells-group/cascade-cli/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const selectEnvelope = `SELECT id, subject, sender, body_preview, COALESCE(clean_body, ''), COALESCE(processing_state, ''), received_at FROM email_envelopes WHERE id = $1`

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_validation": selectValidation + ` WHERE envelope_id = $1`,
	"get_envelope":   selectEnvelope,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Upstream tables may not exist yet in a fresh database.
				continue
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgresFromPool(pool, pool.Close), nil
}

// NewPostgresFromPool wraps an existing pool. closeFn may be nil.
func NewPostgresFromPool(pool db.Pool, closeFn func()) *PostgresStore {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("store.postgres", "read")
	return &PostgresStore{pool: pool, closeFn: closeFn, retry: retry}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const selectValidation = `SELECT envelope_id, coherence_score, is_coherent, issue_count, issues, cascade_snapshot,
	cure_attempt_count, original_score, curing_exhausted, last_cure_status, last_cure_model, last_cured_at,
	created_at, updated_at
FROM coherence_validation`

func (s *PostgresStore) GetValidation(ctx context.Context, envelopeID string) (*model.ValidationRecord, error) {
	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*model.ValidationRecord, error) {
		row := s.pool.QueryRow(ctx, selectValidation+` WHERE envelope_id = $1`, envelopeID)
		rec, err := scanValidation(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: get validation %s", envelopeID)
		}
		return rec, nil
	})
}

func scanValidation(row pgx.Row) (*model.ValidationRecord, error) {
	var r model.ValidationRecord
	var issuesJSON, snapshotJSON []byte
	var status, cureModel *string

	err := row.Scan(&r.EnvelopeID, &r.CoherenceScore, &r.IsCoherent, &r.IssueCount, &issuesJSON, &snapshotJSON,
		&r.CureAttemptCount, &r.OriginalScore, &r.CuringExhausted, &status, &cureModel, &r.LastCuredAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSONColumns(&r, issuesJSON, snapshotJSON); err != nil {
		return nil, err
	}
	if status != nil {
		r.LastCureStatus = model.CureStatus(*status)
	}
	if cureModel != nil {
		r.LastCureModel = *cureModel
	}
	return &r, nil
}

func decodeJSONColumns(r *model.ValidationRecord, issuesJSON, snapshotJSON []byte) error {
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &r.Issues); err != nil {
			return eris.Wrap(err, "unmarshal issues")
		}
	}
	if len(snapshotJSON) > 0 {
		snap, err := coherence.ParseCascade(snapshotJSON)
		if err != nil {
			return eris.Wrap(err, "unmarshal cascade snapshot")
		}
		r.CascadeSnapshot = snap
	}
	return nil
}

func encodeJSONColumns(issues []coherence.Issue, snapshot coherence.Cascade) ([]byte, []byte, error) {
	if issues == nil {
		issues = []coherence.Issue{}
	}
	if snapshot == nil {
		snapshot = coherence.Cascade{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal issues")
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal cascade snapshot")
	}
	return issuesJSON, snapshotJSON, nil
}

// SaveValidation inserts or refreshes a validation. Curing bookkeeping of an
// existing row is left untouched.
func (s *PostgresStore) SaveValidation(ctx context.Context, rec model.ValidationRecord) error {
	issuesJSON, snapshotJSON, err := encodeJSONColumns(rec.Issues, rec.CascadeSnapshot)
	if err != nil {
		return eris.Wrap(err, "postgres: save validation")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO coherence_validation
	(envelope_id, coherence_score, is_coherent, issue_count, issues, cascade_snapshot, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (envelope_id) DO UPDATE SET
	coherence_score = EXCLUDED.coherence_score,
	is_coherent = EXCLUDED.is_coherent,
	issue_count = EXCLUDED.issue_count,
	issues = EXCLUDED.issues,
	cascade_snapshot = EXCLUDED.cascade_snapshot,
	updated_at = EXCLUDED.updated_at`,
		rec.EnvelopeID, rec.CoherenceScore, rec.IsCoherent, len(rec.Issues), issuesJSON, snapshotJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save validation %s", rec.EnvelopeID)
}

// SaveValidations bulk-loads validations through COPY + upsert.
func (s *PostgresStore) SaveValidations(ctx context.Context, recs []model.ValidationRecord) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		issuesJSON, snapshotJSON, err := encodeJSONColumns(rec.Issues, rec.CascadeSnapshot)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode validation %s", rec.EnvelopeID)
		}
		rows = append(rows, []any{
			rec.EnvelopeID, rec.CoherenceScore, rec.IsCoherent, len(rec.Issues),
			string(issuesJSON), string(snapshotJSON), now, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "coherence_validation",
		Columns: []string{
			"envelope_id", "coherence_score", "is_coherent", "issue_count",
			"issues", "cascade_snapshot", "created_at", "updated_at",
		},
		ConflictKeys: []string{"envelope_id"},
		UpdateCols:   []string{"coherence_score", "is_coherent", "issue_count", "issues", "cascade_snapshot", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: save validations")
}

func (s *PostgresStore) ListCureCandidates(ctx context.Context, filter CandidateFilter) ([]model.CureCandidate, error) {
	query, args := candidateQuery(filter, pgPlaceholder)

	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.CureCandidate, error) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list cure candidates")
		}
		defer rows.Close()

		out := []model.CureCandidate{}
		for rows.Next() {
			var c model.CureCandidate
			if err := rows.Scan(&c.EnvelopeID, &c.CoherenceScore, &c.IssueCount, &c.CureAttemptCount); err != nil {
				return nil, eris.Wrap(err, "postgres: scan cure candidate")
			}
			out = append(out, c)
		}
		return out, eris.Wrap(rows.Err(), "postgres: list cure candidates iterate")
	})
}

// cureSavepoint scopes the locked read-modify-write of one envelope.
const cureSavepoint = "cure_update"

// RecordCureAttempt locks the envelope's row, increments its attempt count
// relative to the stored value and applies the outcome in one transaction.
// The cap is checked again under the lock, so overlapping runs on one
// envelope can never push the count past MaxAttempts.
func (s *PostgresStore) RecordCureAttempt(ctx context.Context, a model.CureAttempt) (*model.CureAttemptOutcome, error) {
	var out model.CureAttemptOutcome
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return db.Savepoint(ctx, tx, cureSavepoint, func() error {
			var exhausted bool
			err := tx.QueryRow(ctx,
				`SELECT coherence_score, cure_attempt_count, curing_exhausted FROM coherence_validation WHERE envelope_id = $1 FOR UPDATE`,
				a.EnvelopeID,
			).Scan(&out.PreviousScore, &out.CureAttemptCount, &exhausted)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return eris.Wrap(err, "lock validation row")
			}

			if atCap(a, out.CureAttemptCount, exhausted) {
				out.CapReached = true
				out.CuringExhausted = true
				if exhausted {
					return nil
				}
				query, args, err := cureUpdate(exhaustedMarker(a), pgPlaceholder)
				if err != nil {
					return err
				}
				err = tx.QueryRow(ctx, query, args...).Scan(&out.CureAttemptCount, &out.CuringExhausted)
				return eris.Wrap(err, "mark validation exhausted")
			}

			query, args, err := cureUpdate(a, pgPlaceholder)
			if err != nil {
				return err
			}
			err = tx.QueryRow(ctx, query, args...).Scan(&out.CureAttemptCount, &out.CuringExhausted)
			return eris.Wrap(err, "update validation row")
		})
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: record cure attempt %s", a.EnvelopeID)
	}
	return &out, nil
}

func (s *PostgresStore) GetEnvelope(ctx context.Context, envelopeID string) (*model.Envelope, error) {
	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*model.Envelope, error) {
		var e model.Envelope
		err := s.pool.QueryRow(ctx,
			selectEnvelope,
			envelopeID,
		).Scan(&e.ID, &e.Subject, &e.Sender, &e.BodyPreview, &e.CleanBody, &e.ProcessingState, &e.ReceivedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: get envelope %s", envelopeID)
		}
		return &e, nil
	})
}

func (s *PostgresStore) LoadActivePrompt(ctx context.Context, layer string) (*model.Prompt, error) {
	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*model.Prompt, error) {
		var p model.Prompt
		err := s.pool.QueryRow(ctx,
			`SELECT id, layer, version, system_prompt, user_template FROM prompt_registry
WHERE layer = $1 AND is_active = true ORDER BY version DESC LIMIT 1`,
			layer,
		).Scan(&p.ID, &p.Layer, &p.Version, &p.System, &p.User)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: load active prompt %s", layer)
		}
		return &p, nil
	})
}

func (s *PostgresStore) StartCureRun(ctx context.Context, run model.CureRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cure_runs (id, status, run_limit, max_workers, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(model.CureRunRunning), run.Limit, run.MaxWorkers, run.StartedAt,
	)
	return eris.Wrapf(err, "postgres: start cure run %s", run.ID)
}

func (s *PostgresStore) CompleteCureRun(ctx context.Context, run model.CureRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cure_runs SET status = $1, processed = $2, cured = $3, improved = $4, no_improvement = $5,
	errors = $6, exhausted = $7, tokens_in = $8, tokens_out = $9, cost_usd = $10, completed_at = $11
WHERE id = $12`,
		string(model.CureRunComplete), run.Processed, run.Cured, run.Improved, run.NoImprovement,
		run.Errors, run.Exhausted, run.TokensIn, run.TokensOut, run.CostUSD, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete cure run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: cure run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) FailCureRun(ctx context.Context, runID string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cure_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.CureRunFailed), errMsg, time.Now().UTC(), runID,
	)
	return eris.Wrapf(err, "postgres: fail cure run %s", runID)
}

func (s *PostgresStore) ListCureRuns(ctx context.Context, limit int) ([]model.CureRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, run_limit, max_workers, processed, cured, improved, no_improvement, errors, exhausted,
	tokens_in, tokens_out, cost_usd, error, started_at, completed_at
FROM cure_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cure runs")
	}
	defer rows.Close()

	var runs []model.CureRun
	for rows.Next() {
		var r model.CureRun
		var errStr *string
		if err := rows.Scan(&r.ID, &r.Status, &r.Limit, &r.MaxWorkers, &r.Processed, &r.Cured, &r.Improved,
			&r.NoImprovement, &r.Errors, &r.Exhausted, &r.TokensIn, &r.TokensOut, &r.CostUSD, &errStr,
			&r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cure run")
		}
		if errStr != nil {
			r.Error = *errStr
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list cure runs iterate")
}

func (s *PostgresStore) CoherenceStats(ctx context.Context) (*model.CoherenceStats, error) {
	var st model.CoherenceStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
	count(*) FILTER (WHERE is_coherent),
	count(*) FILTER (WHERE NOT is_coherent),
	COALESCE(avg(coherence_score), 0)
FROM coherence_validation`,
	).Scan(&st.Total, &st.Coherent, &st.Incoherent, &st.AvgScore)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: coherence stats")
	}
	return &st, nil
}

func (s *PostgresStore) CuringStats(ctx context.Context) (*model.CuringStats, error) {
	var st model.CuringStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
	count(*) FILTER (WHERE last_cure_status = 'cured'),
	count(*) FILTER (WHERE curing_exhausted)
FROM coherence_validation WHERE cure_attempt_count > 0`,
	).Scan(&st.TotalAttempted, &st.Cured, &st.Exhausted)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: curing stats")
	}
	return &st, nil
}
