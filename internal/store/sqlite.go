package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cascade-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It owns every
// table, including the upstream envelope and prompt tables, so it can back
// local runs and tests without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; concurrent curing workers queue on the pool.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS coherence_validation (
	envelope_id        TEXT PRIMARY KEY,
	coherence_score    REAL NOT NULL,
	is_coherent        BOOLEAN NOT NULL,
	issue_count        INTEGER NOT NULL DEFAULT 0,
	issues             TEXT NOT NULL DEFAULT '[]',
	cascade_snapshot   TEXT NOT NULL DEFAULT '{}',
	cure_attempt_count INTEGER NOT NULL DEFAULT 0,
	original_score     REAL,
	curing_exhausted   BOOLEAN NOT NULL DEFAULT 0,
	last_cure_status   TEXT,
	last_cure_model    TEXT,
	last_cured_at      DATETIME,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cure_runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'running',
	run_limit      INTEGER NOT NULL DEFAULT 0,
	max_workers    INTEGER NOT NULL DEFAULT 0,
	processed      INTEGER NOT NULL DEFAULT 0,
	cured          INTEGER NOT NULL DEFAULT 0,
	improved       INTEGER NOT NULL DEFAULT 0,
	no_improvement INTEGER NOT NULL DEFAULT 0,
	errors         INTEGER NOT NULL DEFAULT 0,
	exhausted      INTEGER NOT NULL DEFAULT 0,
	tokens_in      INTEGER NOT NULL DEFAULT 0,
	tokens_out     INTEGER NOT NULL DEFAULT 0,
	cost_usd       REAL NOT NULL DEFAULT 0,
	error          TEXT,
	started_at     DATETIME NOT NULL,
	completed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS email_envelopes (
	id          TEXT PRIMARY KEY,
	subject     TEXT NOT NULL DEFAULT '',
	sender      TEXT NOT NULL DEFAULT '',
	body_preview     TEXT NOT NULL DEFAULT '',
	clean_body       TEXT,
	processing_state TEXT,
	received_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS prompt_registry (
	id            TEXT PRIMARY KEY,
	layer         TEXT NOT NULL,
	version       INTEGER NOT NULL,
	system_prompt TEXT NOT NULL,
	user_template TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_coherence_validation_score ON coherence_validation(coherence_score);
CREATE INDEX IF NOT EXISTS idx_cure_runs_started_at ON cure_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_prompt_registry_layer ON prompt_registry(layer, is_active);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetValidation(ctx context.Context, envelopeID string) (*model.ValidationRecord, error) {
	var r model.ValidationRecord
	var issuesJSON, snapshotJSON string
	var original sql.NullFloat64
	var status, cureModel sql.NullString
	var curedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT envelope_id, coherence_score, is_coherent, issue_count, issues, cascade_snapshot,
	cure_attempt_count, original_score, curing_exhausted, last_cure_status, last_cure_model, last_cured_at,
	created_at, updated_at
FROM coherence_validation WHERE envelope_id = ?`,
		envelopeID,
	).Scan(&r.EnvelopeID, &r.CoherenceScore, &r.IsCoherent, &r.IssueCount, &issuesJSON, &snapshotJSON,
		&r.CureAttemptCount, &original, &r.CuringExhausted, &status, &cureModel, &curedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get validation %s", envelopeID)
	}

	if err := decodeJSONColumns(&r, []byte(issuesJSON), []byte(snapshotJSON)); err != nil {
		return nil, eris.Wrapf(err, "sqlite: get validation %s", envelopeID)
	}
	if original.Valid {
		r.OriginalScore = &original.Float64
	}
	r.LastCureStatus = model.CureStatus(status.String)
	r.LastCureModel = cureModel.String
	if curedAt.Valid {
		r.LastCuredAt = &curedAt.Time
	}
	return &r, nil
}

const sqliteUpsertValidation = `INSERT INTO coherence_validation
	(envelope_id, coherence_score, is_coherent, issue_count, issues, cascade_snapshot, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (envelope_id) DO UPDATE SET
	coherence_score = excluded.coherence_score,
	is_coherent = excluded.is_coherent,
	issue_count = excluded.issue_count,
	issues = excluded.issues,
	cascade_snapshot = excluded.cascade_snapshot,
	updated_at = excluded.updated_at`

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertValidation(ctx context.Context, ex sqlExecer, rec model.ValidationRecord) error {
	issuesJSON, snapshotJSON, err := encodeJSONColumns(rec.Issues, rec.CascadeSnapshot)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = ex.ExecContext(ctx, sqliteUpsertValidation,
		rec.EnvelopeID, rec.CoherenceScore, rec.IsCoherent, len(rec.Issues),
		string(issuesJSON), string(snapshotJSON), now, now,
	)
	return err
}

func (s *SQLiteStore) SaveValidation(ctx context.Context, rec model.ValidationRecord) error {
	return eris.Wrapf(upsertValidation(ctx, s.db, rec), "sqlite: save validation %s", rec.EnvelopeID)
}

func (s *SQLiteStore) SaveValidations(ctx context.Context, recs []model.ValidationRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save validations")
	}
	for _, rec := range recs {
		if err := upsertValidation(ctx, tx, rec); err != nil {
			tx.Rollback() //nolint:errcheck
			return 0, eris.Wrapf(err, "sqlite: save validation %s", rec.EnvelopeID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit save validations")
	}
	return int64(len(recs)), nil
}

func (s *SQLiteStore) ListCureCandidates(ctx context.Context, filter CandidateFilter) ([]model.CureCandidate, error) {
	query, args := candidateQuery(filter, sqlitePlaceholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cure candidates")
	}
	defer rows.Close()

	out := []model.CureCandidate{}
	for rows.Next() {
		var c model.CureCandidate
		if err := rows.Scan(&c.EnvelopeID, &c.CoherenceScore, &c.IssueCount, &c.CureAttemptCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cure candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cure candidates iterate")
}

func (s *SQLiteStore) RecordCureAttempt(ctx context.Context, a model.CureAttempt) (*model.CureAttemptOutcome, error) {
	query, args, err := cureUpdate(a, sqlitePlaceholder)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: record cure attempt")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin cure attempt")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+cureSavepoint); err != nil {
		return nil, eris.Wrap(err, "sqlite: savepoint")
	}

	var out model.CureAttemptOutcome
	var exhausted bool
	err = tx.QueryRowContext(ctx,
		`SELECT coherence_score, cure_attempt_count, curing_exhausted FROM coherence_validation WHERE envelope_id = ?`,
		a.EnvelopeID,
	).Scan(&out.PreviousScore, &out.CureAttemptCount, &exhausted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read validation %s", a.EnvelopeID)
	}

	if atCap(a, out.CureAttemptCount, exhausted) {
		out.CapReached = true
		out.CuringExhausted = true
		if exhausted {
			return &out, nil
		}
		query, args, err = cureUpdate(exhaustedMarker(a), sqlitePlaceholder)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: record cure attempt")
		}
	}

	if err := tx.QueryRowContext(ctx, query, args...).Scan(&out.CureAttemptCount, &out.CuringExhausted); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+cureSavepoint); rbErr != nil {
			return nil, eris.Wrap(rbErr, "sqlite: rollback to savepoint")
		}
		return nil, eris.Wrapf(err, "sqlite: update validation %s", a.EnvelopeID)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+cureSavepoint); err != nil {
		return nil, eris.Wrap(err, "sqlite: release savepoint")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit cure attempt")
	}
	return &out, nil
}

func (s *SQLiteStore) GetEnvelope(ctx context.Context, envelopeID string) (*model.Envelope, error) {
	var e model.Envelope
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, sender, body_preview, COALESCE(clean_body, ''), COALESCE(processing_state, ''), received_at
FROM email_envelopes WHERE id = ?`,
		envelopeID,
	).Scan(&e.ID, &e.Subject, &e.Sender, &e.BodyPreview, &e.CleanBody, &e.ProcessingState, &e.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get envelope %s", envelopeID)
	}
	return &e, nil
}

// PutEnvelope inserts or replaces an envelope. Upstream systems own this
// table in production; SQLite callers seed it directly.
func (s *SQLiteStore) PutEnvelope(ctx context.Context, e model.Envelope) error {
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO email_envelopes (id, subject, sender, body_preview, clean_body, processing_state, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Subject, e.Sender, e.BodyPreview, e.CleanBody, e.ProcessingState, receivedAt,
	)
	return eris.Wrapf(err, "sqlite: put envelope %s", e.ID)
}

func (s *SQLiteStore) LoadActivePrompt(ctx context.Context, layer string) (*model.Prompt, error) {
	var p model.Prompt
	err := s.db.QueryRowContext(ctx,
		`SELECT id, layer, version, system_prompt, user_template FROM prompt_registry
WHERE layer = ? AND is_active = 1 ORDER BY version DESC LIMIT 1`,
		layer,
	).Scan(&p.ID, &p.Layer, &p.Version, &p.System, &p.User)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load active prompt %s", layer)
	}
	return &p, nil
}

// PutPrompt registers an active prompt for a layer.
func (s *SQLiteStore) PutPrompt(ctx context.Context, p model.Prompt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO prompt_registry (id, layer, version, system_prompt, user_template, is_active)
VALUES (?, ?, ?, ?, ?, 1)`,
		p.ID, p.Layer, p.Version, p.System, p.User,
	)
	return eris.Wrapf(err, "sqlite: put prompt %s", p.ID)
}

func (s *SQLiteStore) StartCureRun(ctx context.Context, run model.CureRun) error {
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cure_runs (id, status, run_limit, max_workers, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(model.CureRunRunning), run.Limit, run.MaxWorkers, startedAt,
	)
	return eris.Wrapf(err, "sqlite: start cure run %s", run.ID)
}

func (s *SQLiteStore) CompleteCureRun(ctx context.Context, run model.CureRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cure_runs SET status = ?, processed = ?, cured = ?, improved = ?, no_improvement = ?,
	errors = ?, exhausted = ?, tokens_in = ?, tokens_out = ?, cost_usd = ?, completed_at = ?
WHERE id = ?`,
		string(model.CureRunComplete), run.Processed, run.Cured, run.Improved, run.NoImprovement,
		run.Errors, run.Exhausted, run.TokensIn, run.TokensOut, run.CostUSD, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete cure run %s", run.ID)
	}
	return checkRowsAffected(res, "cure run", run.ID)
}

func (s *SQLiteStore) FailCureRun(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cure_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.CureRunFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail cure run %s", runID)
	}
	return checkRowsAffected(res, "cure run", runID)
}

func (s *SQLiteStore) ListCureRuns(ctx context.Context, limit int) ([]model.CureRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, run_limit, max_workers, processed, cured, improved, no_improvement, errors, exhausted,
	tokens_in, tokens_out, cost_usd, error, started_at, completed_at
FROM cure_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cure runs")
	}
	defer rows.Close()

	var runs []model.CureRun
	for rows.Next() {
		var r model.CureRun
		var errStr sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Status, &r.Limit, &r.MaxWorkers, &r.Processed, &r.Cured, &r.Improved,
			&r.NoImprovement, &r.Errors, &r.Exhausted, &r.TokensIn, &r.TokensOut, &r.CostUSD, &errStr,
			&r.StartedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cure run")
		}
		r.Error = errStr.String
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list cure runs iterate")
}

func (s *SQLiteStore) CoherenceStats(ctx context.Context) (*model.CoherenceStats, error) {
	var st model.CoherenceStats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
	COALESCE(SUM(CASE WHEN is_coherent THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN is_coherent THEN 0 ELSE 1 END), 0),
	COALESCE(AVG(coherence_score), 0)
FROM coherence_validation`,
	).Scan(&st.Total, &st.Coherent, &st.Incoherent, &st.AvgScore)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: coherence stats")
	}
	return &st, nil
}

func (s *SQLiteStore) CuringStats(ctx context.Context) (*model.CuringStats, error) {
	var st model.CuringStats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
	COALESCE(SUM(CASE WHEN last_cure_status = 'cured' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN curing_exhausted THEN 1 ELSE 0 END), 0)
FROM coherence_validation WHERE cure_attempt_count > 0`,
	).Scan(&st.TotalAttempted, &st.Cured, &st.Exhausted)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: curing stats")
	}
	return &st, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}
