package coherence

import (
	"math"
	"sync/atomic"
)

// CoherentThreshold is the minimum score for a snapshot to count as coherent.
const CoherentThreshold = 0.70

// Config selects which rules run. StrictMode is carried through to the
// result for callers that want to treat any issue as a failure.
type Config struct {
	StrictMode              bool `mapstructure:"strict_mode"`
	CheckUrgencyPriority    bool `mapstructure:"check_urgency_priority"`
	CheckEntityGrounding    bool `mapstructure:"check_entity_grounding"`
	CheckIntentConsistency  bool `mapstructure:"check_intent_consistency"`
	CheckRoleRouting        bool `mapstructure:"check_role_routing"`
	CheckGenericOutput      bool `mapstructure:"check_generic_output"`
	CheckComplexityWorkload bool `mapstructure:"check_complexity_workload"`
	CheckSentimentPosture   bool `mapstructure:"check_sentiment_posture"`
	CheckEntityReferences   bool `mapstructure:"check_entity_references"`
	CheckConfidence         bool `mapstructure:"check_confidence"`
}

// DefaultConfig enables every rule.
func DefaultConfig() Config {
	return Config{
		CheckUrgencyPriority:    true,
		CheckEntityGrounding:    true,
		CheckIntentConsistency:  true,
		CheckRoleRouting:        true,
		CheckGenericOutput:      true,
		CheckComplexityWorkload: true,
		CheckSentimentPosture:   true,
		CheckEntityReferences:   true,
		CheckConfidence:         true,
	}
}

// Validator scores cascades. It holds no mutable state and is safe for
// concurrent use.
type Validator struct {
	cfg    Config
	tables *compiledTables
	rules  []rule
}

// New builds a validator with the built-in rule tables.
func New(cfg Config) *Validator {
	return NewWithTables(cfg, DefaultTables())
}

// NewWithTables builds a validator with custom rule tables.
func NewWithTables(cfg Config, t Tables) *Validator {
	v := &Validator{cfg: cfg, tables: compileTables(t)}
	add := func(on bool, r rule) {
		if on {
			v.rules = append(v.rules, r)
		}
	}
	add(cfg.CheckUrgencyPriority, checkUrgencyPriority)
	add(cfg.CheckEntityGrounding, checkEntityGrounding)
	add(cfg.CheckIntentConsistency, checkIntentConsistency)
	add(cfg.CheckRoleRouting, checkRoleRouting)
	add(cfg.CheckGenericOutput, checkGenericOutput)
	add(cfg.CheckComplexityWorkload, checkComplexityWorkload)
	add(cfg.CheckSentimentPosture, checkSentimentPosture)
	add(cfg.CheckEntityReferences, checkEntityReferences)
	add(cfg.CheckConfidence, checkConfidence)
	return v
}

// Config returns the configuration the validator was built with.
func (v *Validator) Config() Config {
	return v.cfg
}

// Validate runs every enabled rule against c and scores the result.
func (v *Validator) Validate(c Cascade) Result {
	snap, warnings := Normalize(c)

	var issues []Issue
	for _, r := range v.rules {
		issues = append(issues, r(&snap, v.tables)...)
	}

	score := Score(issues)
	res := Result{
		Score:      score,
		Issues:     issues,
		Warnings:   warnings,
		StrictMode: v.cfg.StrictMode,
	}
	res.IsCoherent = score >= CoherentThreshold && !res.HasCritical()
	return res
}

// Score computes 1 minus the summed severity penalties, clamped to [0, 1]
// and rounded to four decimals.
func Score(issues []Issue) float64 {
	score := 1.0
	for _, is := range issues {
		score -= is.Severity.Penalty()
	}
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1e4) / 1e4
}

var defaultValidator atomic.Pointer[Validator]

// Default returns the process-wide validator, creating one with
// DefaultConfig on first use.
func Default() *Validator {
	if v := defaultValidator.Load(); v != nil {
		return v
	}
	defaultValidator.CompareAndSwap(nil, New(DefaultConfig()))
	return defaultValidator.Load()
}

// SetDefault replaces the process-wide validator.
func SetDefault(v *Validator) {
	defaultValidator.Store(v)
}

// ResetDefault drops the process-wide validator so the next Default call
// builds a fresh one.
func ResetDefault() {
	defaultValidator.Store(nil)
}

// ValidateCascade validates c with the process-wide validator.
func ValidateCascade(c Cascade) Result {
	return Default().Validate(c)
}
