// Package store persists coherence validations and curing bookkeeping, and
// reads the upstream envelope and prompt tables the curing service needs.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cascade-cli/internal/model"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// CandidateFilter selects cure candidates. Nil score bounds are open.
type CandidateFilter struct {
	Limit       int      `json:"limit,omitempty"`
	MinScore    *float64 `json:"min_score,omitempty"`
	MaxScore    *float64 `json:"max_score,omitempty"`
	MaxAttempts int      `json:"max_attempts"`
}

// Store defines the persistence interface for validation and curing.
type Store interface {
	// Validations
	GetValidation(ctx context.Context, envelopeID string) (*model.ValidationRecord, error)
	SaveValidation(ctx context.Context, rec model.ValidationRecord) error
	SaveValidations(ctx context.Context, recs []model.ValidationRecord) (int64, error)
	ListCureCandidates(ctx context.Context, filter CandidateFilter) ([]model.CureCandidate, error)
	RecordCureAttempt(ctx context.Context, attempt model.CureAttempt) (*model.CureAttemptOutcome, error)

	// Upstream inputs
	GetEnvelope(ctx context.Context, envelopeID string) (*model.Envelope, error)
	LoadActivePrompt(ctx context.Context, layer string) (*model.Prompt, error)

	// Batch run log
	StartCureRun(ctx context.Context, run model.CureRun) error
	CompleteCureRun(ctx context.Context, run model.CureRun) error
	FailCureRun(ctx context.Context, runID string, errMsg string) error
	ListCureRuns(ctx context.Context, limit int) ([]model.CureRun, error)

	// Stats
	CoherenceStats(ctx context.Context) (*model.CoherenceStats, error)
	CuringStats(ctx context.Context) (*model.CuringStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// defaultCandidateLimit caps a candidate query without an explicit limit.
const defaultCandidateLimit = 100

// candidateQuery builds the cure candidate selection. placeholder renders
// the n-th (1-based) bind parameter for the target dialect.
func candidateQuery(f CandidateFilter, placeholder func(n int) string) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT envelope_id, coherence_score, issue_count, cure_attempt_count
FROM coherence_validation
WHERE is_coherent = false AND curing_exhausted = false`)

	args := []any{f.MaxAttempts}
	fmt.Fprintf(&b, " AND cure_attempt_count < %s", placeholder(len(args)))

	if f.MinScore != nil {
		args = append(args, *f.MinScore)
		fmt.Fprintf(&b, " AND coherence_score >= %s", placeholder(len(args)))
	}
	if f.MaxScore != nil {
		args = append(args, *f.MaxScore)
		fmt.Fprintf(&b, " AND coherence_score <= %s", placeholder(len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY coherence_score ASC, envelope_id ASC LIMIT %s", placeholder(len(args)))

	return b.String(), args
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func sqlitePlaceholder(int) string { return "?" }
