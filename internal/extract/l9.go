package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/cascade-cli/internal/resilience"
	"github.com/sells-group/cascade-cli/pkg/anthropic"
)

// Config tunes the L9 runner.
type Config struct {
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	CacheTTL      string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`

	Retry   resilience.RetryConfig          `yaml:"-" mapstructure:"-"`
	Breaker resilience.CircuitBreakerConfig `yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:     2048,
		RatePerSecond: 2,
		Burst:         5,
		CacheTTL:      "5m",
		Retry:         resilience.DefaultRetryConfig(),
		Breaker:       resilience.DefaultCircuitBreakerConfig(),
	}
}

// L9Runner calls the model through a shared rate limiter and circuit
// breaker. It is safe for concurrent use by curing workers.
type L9Runner struct {
	client  anthropic.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	cfg     Config
}

// NewL9Runner creates an L9Runner. Zero config fields take defaults.
func NewL9Runner(client anthropic.Client, cfg Config) *L9Runner {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("extract.l9", "create_message")
	}
	if cfg.Breaker.ShouldTrip == nil {
		// Bad requests and parse failures are not outages.
		cfg.Breaker.ShouldTrip = resilience.IsTransient
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("extract: l9 circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &L9Runner{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		cfg:     cfg,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (r *L9Runner) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// Run renders the registry prompt, calls the model and parses the overview.
// A rejected call returns an error wrapping resilience.ErrCircuitOpen.
func (r *L9Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		return nil, eris.New("extract: model is required")
	}
	log := zap.L().With(
		zap.String("envelope_id", req.Envelope.ID),
		zap.String("model", req.Model),
		zap.String("prompt_id", req.Prompt.ID),
	)

	user, err := renderUserPrompt(req)
	if err != nil {
		return nil, err
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "extract: rate limiter")
	}

	temp := 0.0
	msgReq := anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   r.cfg.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(req.Prompt.System, r.cfg.CacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	}

	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, r.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := r.client.CreateMessage(ctx, msgReq)
			if err != nil {
				if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
					return nil, resilience.NewTransientError(err, code)
				}
				return nil, err
			}
			return resp, nil
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			log.Warn("extract: l9 call rejected, circuit open")
		}
		return nil, eris.Wrap(err, "extract: l9 call")
	}

	overview, items, err := parseL9(resp.Text())
	if err != nil {
		log.Warn("extract: failed to parse l9 output", zap.Error(err), zap.String("stop_reason", resp.StopReason))
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	log.Debug("extract: l9 complete",
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int64("cache_read_tokens", resp.Usage.CacheReadInputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Result{
		Overview:         overview,
		ActionItems:      items,
		TokensInput:      resp.Usage.InputTokens,
		TokensOutput:     resp.Usage.OutputTokens,
		CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		Model:            model,
	}, nil
}
