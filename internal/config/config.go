package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Curing     CuringConfig     `yaml:"curing" mapstructure:"curing"`
	Coherence  CoherenceConfig  `yaml:"coherence" mapstructure:"coherence"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key              string  `yaml:"key" mapstructure:"key"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	HaikuModel       string  `yaml:"haiku_model" mapstructure:"haiku_model"`
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSecond    float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	CacheTTL         string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	RetryMaxAttempts int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
}

// CuringConfig configures the L9 curing service.
type CuringConfig struct {
	MaxAttempts           int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxWorkers            int    `yaml:"max_workers" mapstructure:"max_workers"`
	ExtractionTimeoutSecs int    `yaml:"extraction_timeout_secs" mapstructure:"extraction_timeout_secs"`
	Model                 string `yaml:"model" mapstructure:"model"`
	Project               string `yaml:"project" mapstructure:"project"`
}

// CoherenceConfig selects validator rules and optional rule table overrides.
type CoherenceConfig struct {
	Rules      coherence.Config `yaml:"rules" mapstructure:"rules"`
	TablesFile string           `yaml:"tables_file" mapstructure:"tables_file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures metric checks and alert delivery.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	IncoherentRateThreshold float64 `yaml:"incoherent_rate_threshold" mapstructure:"incoherent_rate_threshold"`
	ExhaustedRateThreshold  float64 `yaml:"exhausted_rate_threshold" mapstructure:"exhausted_rate_threshold"`
	MinSampleSize           int     `yaml:"min_sample_size" mapstructure:"min_sample_size"`
	AlertCooldownMins       int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The curing knobs predate the CASCADE_ prefix; the prefixed names win.
	_ = v.BindEnv("curing.max_attempts", "CASCADE_CURING_MAX_ATTEMPTS", "L9_CURING_MAX_ATTEMPTS")
	_ = v.BindEnv("curing.max_workers", "CASCADE_CURING_MAX_WORKERS", "L9_CURING_MAX_WORKERS")
	_ = v.BindEnv("anthropic.key", "CASCADE_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "cascade.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.rate_per_second", 2.0)
	v.SetDefault("anthropic.burst", 5)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("anthropic.breaker_threshold", 5)
	v.SetDefault("anthropic.breaker_reset_secs", 60)
	v.SetDefault("anthropic.retry_max_attempts", 3)
	v.SetDefault("curing.max_attempts", 3)
	v.SetDefault("curing.max_workers", 5)
	v.SetDefault("curing.extraction_timeout_secs", 120)
	v.SetDefault("curing.model", "claude-sonnet-4-5-20250514")
	v.SetDefault("curing.project", "l9-curing")
	for key, on := range ruleDefaults() {
		v.SetDefault("coherence.rules."+key, on)
	}
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.incoherent_rate_threshold", 0.30)
	v.SetDefault("monitoring.exhausted_rate_threshold", 0.20)
	v.SetDefault("monitoring.min_sample_size", 20)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// ruleDefaults maps every coherence rule flag to its default.
func ruleDefaults() map[string]bool {
	d := coherence.DefaultConfig()
	return map[string]bool{
		"strict_mode":               d.StrictMode,
		"check_urgency_priority":    d.CheckUrgencyPriority,
		"check_entity_grounding":    d.CheckEntityGrounding,
		"check_intent_consistency":  d.CheckIntentConsistency,
		"check_role_routing":        d.CheckRoleRouting,
		"check_generic_output":      d.CheckGenericOutput,
		"check_complexity_workload": d.CheckComplexityWorkload,
		"check_sentiment_posture":   d.CheckSentimentPosture,
		"check_entity_references":   d.CheckEntityReferences,
		"check_confidence":          d.CheckConfidence,
	}
}

// Validate checks the settings a command mode depends on. All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch mode {
	case "validate":
		// Pure rule evaluation; only the store is touched when persisting.
	case "store":
		c.validateStore(require)
	case "cure":
		c.validateStore(require)
		c.validateCuring(require)
		require(c.Anthropic.Key != "", "anthropic.key is required")
	case "serve":
		c.validateStore(require)
		c.validateCuring(require)
		require(c.Server.Port > 0, "server.port must be > 0")
		require(c.Monitoring.IncoherentRateThreshold >= 0 && c.Monitoring.IncoherentRateThreshold <= 1,
			"monitoring.incoherent_rate_threshold must be between 0 and 1")
		require(c.Monitoring.ExhaustedRateThreshold >= 0 && c.Monitoring.ExhaustedRateThreshold <= 1,
			"monitoring.exhausted_rate_threshold must be between 0 and 1")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: %s", strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateStore(require func(bool, string)) {
	switch c.Store.Driver {
	case "postgres":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	case "sqlite":
		require(c.Store.SQLitePath != "", "store.sqlite_path is required")
	default:
		require(false, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
}

func (c *Config) validateCuring(require func(bool, string)) {
	require(c.Curing.MaxAttempts >= 1, "curing.max_attempts must be >= 1")
	require(c.Curing.MaxWorkers >= 1 && c.Curing.MaxWorkers <= 50, "curing.max_workers must be between 1 and 50")
	require(c.Curing.ExtractionTimeoutSecs > 0, "curing.extraction_timeout_secs must be > 0")
	require(c.Curing.Model != "", "curing.model is required")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
