package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/config"
	"github.com/sells-group/cascade-cli/internal/cost"
	"github.com/sells-group/cascade-cli/internal/curing"
	"github.com/sells-group/cascade-cli/internal/extract"
	"github.com/sells-group/cascade-cli/internal/resilience"
	"github.com/sells-group/cascade-cli/internal/store"
	"github.com/sells-group/cascade-cli/pkg/anthropic"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initValidator builds the validator from the rule flags and optional
// table overrides, and installs it as the process default.
func initValidator(c *config.Config) (*coherence.Validator, error) {
	tables := coherence.DefaultTables()
	if c.Coherence.TablesFile != "" {
		t, err := coherence.LoadTables(c.Coherence.TablesFile)
		if err != nil {
			return nil, eris.Wrap(err, "load coherence tables")
		}
		tables = t
	}
	v := coherence.NewWithTables(c.Coherence.Rules, tables)
	coherence.SetDefault(v)
	return v, nil
}

// initRunner wires the Anthropic client into the L9 runner. SDK retries are
// disabled so the runner's retry and breaker see every failure.
func initRunner(c *config.Config) *extract.L9Runner {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if c.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.Anthropic.BaseURL))
	}
	client := anthropic.NewClient(c.Anthropic.Key, opts...)

	rcfg := extract.DefaultConfig()
	rcfg.MaxTokens = c.Anthropic.MaxTokens
	rcfg.RatePerSecond = c.Anthropic.RatePerSecond
	rcfg.Burst = c.Anthropic.Burst
	rcfg.CacheTTL = c.Anthropic.CacheTTL
	if c.Anthropic.RetryMaxAttempts > 0 {
		rcfg.Retry.MaxAttempts = c.Anthropic.RetryMaxAttempts
	}
	if c.Anthropic.BreakerThreshold > 0 {
		rcfg.Breaker.FailureThreshold = c.Anthropic.BreakerThreshold
	}
	if c.Anthropic.BreakerResetSecs > 0 {
		rcfg.Breaker.ResetTimeout = time.Duration(c.Anthropic.BreakerResetSecs) * time.Second
	}
	return extract.NewL9Runner(client, rcfg)
}

// curingEnv holds everything a curing command needs.
type curingEnv struct {
	Store   store.Store
	Runner  *extract.L9Runner
	Service *curing.Service
}

// Breaker returns the extraction breaker for health reporting.
func (e *curingEnv) Breaker() *resilience.CircuitBreaker {
	return e.Runner.Breaker()
}

// Close releases the store.
func (e *curingEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// initCuring opens the store and builds the curing service.
func initCuring(ctx context.Context, c *config.Config) (*curingEnv, error) {
	v, err := initValidator(c)
	if err != nil {
		return nil, err
	}
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	runner := initRunner(c)
	svc := curing.New(st, runner, c.Curing,
		curing.WithValidator(v),
		curing.WithCalculator(cost.NewCalculator(c.Pricing)),
	)
	return &curingEnv{Store: st, Runner: runner, Service: svc}, nil
}
