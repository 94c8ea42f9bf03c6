// Package curing re-runs the L9 summary with the cure model for envelopes
// whose cascade failed coherence validation, and records every attempt.
package curing

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/config"
	"github.com/sells-group/cascade-cli/internal/cost"
	"github.com/sells-group/cascade-cli/internal/extract"
	"github.com/sells-group/cascade-cli/internal/model"
	"github.com/sells-group/cascade-cli/internal/resilience"
	"github.com/sells-group/cascade-cli/internal/store"
)

const (
	DefaultMaxAttempts       = 3
	DefaultMaxWorkers        = 5
	DefaultExtractionTimeout = 120 * time.Second

	// CureModel is requested explicitly for every cure attempt.
	CureModel = "claude-sonnet-4-5-20250514"
	// InitialModel is the model the initial cascade was extracted with.
	InitialModel = "claude-haiku-4-5-20251001"

	DefaultProject = "l9-curing"
)

var (
	ErrRecordNotFound    = eris.New("curing: validation record not found")
	ErrAttemptsExhausted = eris.New("curing: cure attempts exhausted")
	ErrNoActivePrompt    = eris.New("curing: no active L9 prompt")
	ErrExtractionFailed  = eris.New("curing: extraction failed")
	ErrEnvelopeNotFound  = eris.New("curing: envelope not found")
)

// CureResult is the outcome of one CureSingle call. Err carries the outcome
// error for the error and exhausted statuses; it is not a call failure.
type CureResult struct {
	Status        model.CureStatus `json:"status"`
	EnvelopeID    string           `json:"envelope_id"`
	PreviousScore float64          `json:"previous_score"`
	NewScore      float64          `json:"new_score"`
	Improvement   float64          `json:"improvement"`
	IssueCount    int              `json:"issue_count"`
	Attempt       int              `json:"attempt"`
	Exhausted     bool             `json:"exhausted"`
	TokensIn      int64            `json:"tokens_in"`
	TokensOut     int64            `json:"tokens_out"`
	Model         string           `json:"model,omitempty"`
	CostUSD       float64          `json:"cost_usd"`
	Error         string           `json:"error,omitempty"`
	Err           error            `json:"-"`
}

// Service cures incoherent cascades.
type Service struct {
	store       store.Store
	runner      extract.Runner
	validator   *coherence.Validator
	calc        *cost.Calculator
	maxAttempts int
	maxWorkers  int
	timeout     time.Duration
	model       string
	project     string
	now         func() time.Time
}

// Option configures a Service. Options override config values.
type Option func(*Service)

// WithMaxAttempts sets the per-envelope attempt cap.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithMaxWorkers sets the batch worker ceiling.
func WithMaxWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxWorkers = n
		}
	}
}

// WithModel overrides the cure model.
func WithModel(m string) Option {
	return func(s *Service) {
		if m != "" {
			s.model = m
		}
	}
}

// WithValidator sets the validator used for revalidation.
func WithValidator(v *coherence.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithCalculator sets the cost calculator.
func WithCalculator(c *cost.Calculator) Option {
	return func(s *Service) { s.calc = c }
}

// WithExtractionTimeout bounds each extraction call.
func WithExtractionTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock replaces time.Now for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. Zero config values take the package defaults.
func New(st store.Store, runner extract.Runner, cfg config.CuringConfig, opts ...Option) *Service {
	s := &Service{
		store:       st,
		runner:      runner,
		maxAttempts: cfg.MaxAttempts,
		maxWorkers:  cfg.MaxWorkers,
		timeout:     time.Duration(cfg.ExtractionTimeoutSecs) * time.Second,
		model:       cfg.Model,
		project:     cfg.Project,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.maxWorkers <= 0 {
		s.maxWorkers = DefaultMaxWorkers
	}
	if s.timeout <= 0 {
		s.timeout = DefaultExtractionTimeout
	}
	if s.model == "" {
		s.model = CureModel
	}
	if s.project == "" {
		s.project = DefaultProject
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = coherence.Default()
	}
	if s.calc == nil {
		s.calc = cost.NewCalculator(cost.Rates{})
	}
	return s
}

// MaxAttempts returns the effective attempt cap.
func (s *Service) MaxAttempts() int { return s.maxAttempts }

// MaxWorkers returns the effective worker ceiling.
func (s *Service) MaxWorkers() int { return s.maxWorkers }

// Model returns the cure model.
func (s *Service) Model() string { return s.model }

// GetCureCandidates lists incoherent, non-exhausted records worst first.
func (s *Service) GetCureCandidates(ctx context.Context, f store.CandidateFilter) ([]model.CureCandidate, error) {
	f.MaxAttempts = s.maxAttempts
	cands, err := s.store.ListCureCandidates(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "curing: list candidates")
	}
	if cands == nil {
		cands = []model.CureCandidate{}
	}
	return cands, nil
}

// CureSingle runs one cure attempt for envelopeID. Outcome errors are carried
// in the result; the returned error is reserved for persistence failures and
// cancellation of ctx.
func (s *Service) CureSingle(ctx context.Context, envelopeID string) (*CureResult, error) {
	log := zap.L().With(
		zap.String("project", s.project),
		zap.String("envelope_id", envelopeID),
	)
	res := &CureResult{EnvelopeID: envelopeID}

	rec, err := s.store.GetValidation(ctx, envelopeID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("curing: no validation record")
		return res.fail(ErrRecordNotFound), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "curing: load validation")
	}
	res.PreviousScore = rec.CoherenceScore
	res.NewScore = rec.CoherenceScore
	res.IssueCount = rec.IssueCount
	res.Attempt = rec.CureAttemptCount

	if rec.CuringExhausted || rec.CureAttemptCount >= s.maxAttempts {
		res.exhausted(rec.CureAttemptCount)
		if !rec.CuringExhausted {
			if _, err := s.record(ctx, model.CureAttempt{EnvelopeID: envelopeID, Status: model.CureStatusExhausted}); err != nil {
				return nil, err
			}
		}
		log.Info("curing: attempts exhausted", zap.Int("attempts", rec.CureAttemptCount))
		return res, nil
	}

	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if errors.Is(err, store.ErrNotFound) {
		// The record cannot be cured without its source, so the attempt counts.
		log.Warn("curing: envelope missing")
		return s.recordFailure(ctx, res, ErrEnvelopeNotFound)
	}
	if err != nil {
		return nil, eris.Wrap(err, "curing: load envelope")
	}

	prompt, err := s.store.LoadActivePrompt(ctx, extract.LayerL9)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("curing: no active prompt", zap.String("layer", extract.LayerL9))
		return res.fail(ErrNoActivePrompt), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "curing: load prompt")
	}

	extractCtx, cancel := context.WithTimeout(ctx, s.timeout)
	out, err := s.runner.Run(extractCtx, extract.Request{
		Envelope: *env,
		Prompt:   *prompt,
		Model:    s.model,
		Upstream: rec.CascadeSnapshot,
	})
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "curing: cancelled")
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			// No model call was made.
			log.Warn("curing: extraction skipped, circuit open")
			return res.fail(eris.Wrap(ErrExtractionFailed, err.Error())), nil
		}
		log.Warn("curing: extraction failed", zap.Error(err))
		return s.recordFailure(ctx, res, eris.Wrap(ErrExtractionFailed, err.Error()))
	}

	merged := rec.CascadeSnapshot.WithOverview(out.Overview, out.ActionItems)
	result := s.validator.Validate(merged)

	status := model.CureStatusNoImprovement
	switch {
	case result.IsCoherent:
		status = model.CureStatusCured
	case result.Score > rec.CoherenceScore:
		status = model.CureStatusImproved
	}

	res.Model = out.Model
	if res.Model == "" {
		res.Model = s.model
	}
	res.TokensIn = out.TokensInput
	res.TokensOut = out.TokensOutput
	res.CostUSD = s.calc.LogClaude(res.Model, "l9_cure", cost.Usage{
		Input:      out.TokensInput,
		Output:     out.TokensOutput,
		CacheWrite: out.CacheWriteTokens,
		CacheRead:  out.CacheReadTokens,
	})

	outcome, err := s.record(ctx, model.CureAttempt{
		EnvelopeID:  envelopeID,
		Status:      status,
		Model:       res.Model,
		MaxAttempts: s.maxAttempts,
		Snapshot:    merged,
		Result:      &result,
		At:          s.now(),
	})
	if err != nil {
		return nil, err
	}
	if outcome.CapReached {
		// A concurrent run used the last attempt while the model was working.
		log.Warn("curing: attempt cap reached before recording", zap.Int("attempts", outcome.CureAttemptCount))
		return res.exhausted(outcome.CureAttemptCount), nil
	}

	res.Status = status
	res.NewScore = result.Score
	res.PreviousScore = outcome.PreviousScore
	res.Improvement = math.Round((result.Score-outcome.PreviousScore)*1e4) / 1e4
	res.IssueCount = result.IssueCount()
	res.Attempt = outcome.CureAttemptCount
	res.Exhausted = outcome.CuringExhausted

	log.Info("curing: attempt complete",
		zap.String("status", string(status)),
		zap.Float64("previous_score", res.PreviousScore),
		zap.Float64("new_score", res.NewScore),
		zap.Int("attempt", res.Attempt),
		zap.Bool("exhausted", res.Exhausted),
	)
	return res, nil
}

// recordFailure persists an error outcome that consumed an attempt.
func (s *Service) recordFailure(ctx context.Context, res *CureResult, cause error) (*CureResult, error) {
	outcome, err := s.record(ctx, model.CureAttempt{
		EnvelopeID:  res.EnvelopeID,
		Status:      model.CureStatusError,
		Model:       s.model,
		MaxAttempts: s.maxAttempts,
		At:          s.now(),
	})
	if err != nil {
		return nil, err
	}
	res.Model = s.model
	if outcome.CapReached {
		return res.exhausted(outcome.CureAttemptCount), nil
	}
	res.fail(cause)
	res.Attempt = outcome.CureAttemptCount
	res.Exhausted = outcome.CuringExhausted
	return res, nil
}

func (s *Service) record(ctx context.Context, a model.CureAttempt) (*model.CureAttemptOutcome, error) {
	if a.At.IsZero() {
		a.At = s.now()
	}
	outcome, err := s.store.RecordCureAttempt(ctx, a)
	if err != nil {
		return nil, eris.Wrapf(err, "curing: record %s attempt for %s", a.Status, a.EnvelopeID)
	}
	return outcome, nil
}

func (r *CureResult) exhausted(attempt int) *CureResult {
	r.Status = model.CureStatusExhausted
	r.Exhausted = true
	r.Attempt = attempt
	r.Err = ErrAttemptsExhausted
	r.Error = ErrAttemptsExhausted.Error()
	return r
}

func (r *CureResult) fail(err error) *CureResult {
	r.Status = model.CureStatusError
	r.Err = err
	r.Error = err.Error()
	return r
}
