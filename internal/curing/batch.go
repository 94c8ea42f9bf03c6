package curing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cascade-cli/internal/model"
	"github.com/sells-group/cascade-cli/internal/store"
)

const (
	BatchStatusCompleted    = "completed"
	BatchStatusNoCandidates = "no_candidates"
)

// BatchOptions selects and bounds a batch run. Zero values take defaults.
type BatchOptions struct {
	Limit      int      `json:"limit"`
	MaxWorkers int      `json:"max_workers"`
	MinScore   *float64 `json:"min_score,omitempty"`
	MaxScore   *float64 `json:"max_score,omitempty"`
}

// BatchResult aggregates a batch run. Token counts exclude error outcomes.
type BatchResult struct {
	RunID         string        `json:"run_id,omitempty"`
	Status        string        `json:"status"`
	Processed     int           `json:"processed"`
	Cured         int           `json:"cured"`
	Improved      int           `json:"improved"`
	NoImprovement int           `json:"no_improvement"`
	Errors        int           `json:"errors"`
	Exhausted     int           `json:"exhausted"`
	TokensIn      int64         `json:"tokens_in"`
	TokensOut     int64         `json:"tokens_out"`
	CostUSD       float64       `json:"cost_usd"`
	Duration      time.Duration `json:"duration_ns"`
}

// add tallies one outcome.
func (b *BatchResult) add(r *CureResult) {
	b.Processed++
	switch r.Status {
	case model.CureStatusCured:
		b.Cured++
	case model.CureStatusImproved:
		b.Improved++
	case model.CureStatusNoImprovement:
		b.NoImprovement++
	case model.CureStatusExhausted:
		b.Exhausted++
	default:
		b.Errors++
		return
	}
	b.TokensIn += r.TokensIn
	b.TokensOut += r.TokensOut
	b.CostUSD += r.CostUSD
}

func (b *BatchResult) merge(o BatchResult) {
	b.Processed += o.Processed
	b.Cured += o.Cured
	b.Improved += o.Improved
	b.NoImprovement += o.NoImprovement
	b.Errors += o.Errors
	b.Exhausted += o.Exhausted
	b.TokensIn += o.TokensIn
	b.TokensOut += o.TokensOut
	b.CostUSD += o.CostUSD
}

// CureBatch cures up to opts.Limit candidates on a fixed pool of workers.
// A failing candidate is tallied as an error and never aborts the batch.
func (s *Service) CureBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	start := time.Now()
	log := zap.L().With(zap.String("project", s.project))

	cands, err := s.GetCureCandidates(ctx, store.CandidateFilter{
		Limit:    opts.Limit,
		MinScore: opts.MinScore,
		MaxScore: opts.MaxScore,
	})
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		log.Info("curing: no candidates")
		return &BatchResult{Status: BatchStatusNoCandidates, Duration: time.Since(start)}, nil
	}

	workers := s.maxWorkers
	if opts.MaxWorkers > 0 {
		workers = min(opts.MaxWorkers, workers)
	}
	workers = min(workers, len(cands))

	run := model.CureRun{
		ID:         uuid.New().String(),
		Status:     model.CureRunRunning,
		Limit:      opts.Limit,
		MaxWorkers: workers,
		StartedAt:  start.UTC(),
	}
	log = log.With(zap.String("run_id", run.ID))
	if err := s.store.StartCureRun(ctx, run); err != nil {
		log.Warn("curing: failed to start run log", zap.Error(err))
	}

	log.Info("curing: batch started",
		zap.Int("candidates", len(cands)),
		zap.Int("workers", workers),
	)

	queue := make(chan model.CureCandidate, len(cands))
	for _, c := range cands {
		queue <- c
	}
	close(queue)

	tallies := make([]BatchResult, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			tally := &tallies[w]
			for c := range queue {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res, err := s.CureSingle(gctx, c.EnvelopeID)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Error("curing: candidate failed", zap.String("envelope_id", c.EnvelopeID), zap.Error(err))
					res = &CureResult{EnvelopeID: c.EnvelopeID}
					res.fail(err)
				}
				tally.add(res)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	out := &BatchResult{RunID: run.ID, Status: BatchStatusCompleted}
	for _, t := range tallies {
		out.merge(t)
	}
	out.Duration = time.Since(start)

	if waitErr != nil {
		if err := s.store.FailCureRun(context.WithoutCancel(ctx), run.ID, waitErr.Error()); err != nil {
			log.Warn("curing: failed to mark run failed", zap.Error(err))
		}
		return out, eris.Wrap(waitErr, "curing: batch interrupted")
	}

	run.Status = model.CureRunComplete
	run.Processed = out.Processed
	run.Cured = out.Cured
	run.Improved = out.Improved
	run.NoImprovement = out.NoImprovement
	run.Errors = out.Errors
	run.Exhausted = out.Exhausted
	run.TokensIn = out.TokensIn
	run.TokensOut = out.TokensOut
	run.CostUSD = out.CostUSD
	done := time.Now().UTC()
	run.CompletedAt = &done
	if err := s.store.CompleteCureRun(ctx, run); err != nil {
		log.Warn("curing: failed to complete run log", zap.Error(err))
	}

	log.Info("curing: batch complete",
		zap.Int("processed", out.Processed),
		zap.Int("cured", out.Cured),
		zap.Int("improved", out.Improved),
		zap.Int("no_improvement", out.NoImprovement),
		zap.Int("errors", out.Errors),
		zap.Int("exhausted", out.Exhausted),
		zap.Int64("tokens_in", out.TokensIn),
		zap.Int64("tokens_out", out.TokensOut),
		zap.Float64("cost_usd", out.CostUSD),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// CureIncoherent forwards to CureBatch.
func CureIncoherent(ctx context.Context, svc *Service, limit, maxWorkers int) (*BatchResult, error) {
	return svc.CureBatch(ctx, BatchOptions{Limit: limit, MaxWorkers: maxWorkers})
}
