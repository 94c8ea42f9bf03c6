// Package model holds the persisted records shared by the store, the curing
// service and the CLI.
package model

import (
	"time"

	"github.com/sells-group/cascade-cli/internal/coherence"
)

// CureStatus is the outcome of one cure attempt.
type CureStatus string

const (
	CureStatusCured         CureStatus = "cured"
	CureStatusImproved      CureStatus = "improved"
	CureStatusNoImprovement CureStatus = "no_improvement"
	CureStatusError         CureStatus = "error"
	CureStatusExhausted     CureStatus = "exhausted"
)

// Valid reports whether s is a known cure status.
func (s CureStatus) Valid() bool {
	switch s {
	case CureStatusCured, CureStatusImproved, CureStatusNoImprovement, CureStatusError, CureStatusExhausted:
		return true
	}
	return false
}

// ConsumesAttempt reports whether an outcome counts against the attempt cap.
// Exhausted outcomes never reached the model.
func (s CureStatus) ConsumesAttempt() bool {
	return s != CureStatusExhausted && s != ""
}

// ValidationRecord is one row of coherence_validation: the latest validation
// of an envelope's cascade plus its curing bookkeeping.
type ValidationRecord struct {
	EnvelopeID       string            `json:"envelope_id"`
	CoherenceScore   float64           `json:"coherence_score"`
	IsCoherent       bool              `json:"is_coherent"`
	IssueCount       int               `json:"issue_count"`
	Issues           []coherence.Issue `json:"issues"`
	CascadeSnapshot  coherence.Cascade `json:"cascade_snapshot"`
	CureAttemptCount int               `json:"cure_attempt_count"`
	OriginalScore    *float64          `json:"original_score,omitempty"`
	CuringExhausted  bool              `json:"curing_exhausted"`
	LastCureStatus   CureStatus        `json:"last_cure_status,omitempty"`
	LastCureModel    string            `json:"last_cure_model,omitempty"`
	LastCuredAt      *time.Time        `json:"last_cured_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewValidationRecord builds a fresh record from a validation result.
func NewValidationRecord(envelopeID string, snapshot coherence.Cascade, res coherence.Result) ValidationRecord {
	return ValidationRecord{
		EnvelopeID:      envelopeID,
		CoherenceScore:  res.Score,
		IsCoherent:      res.IsCoherent,
		IssueCount:      res.IssueCount(),
		Issues:          res.Issues,
		CascadeSnapshot: snapshot,
	}
}

// CureCandidate is the subset of a validation record the selector returns.
type CureCandidate struct {
	EnvelopeID       string  `json:"envelope_id"`
	CoherenceScore   float64 `json:"coherence_score"`
	IssueCount       int     `json:"issue_count"`
	CureAttemptCount int     `json:"cure_attempt_count"`
}

// CureAttempt is what the curing service persists after one attempt. When
// Result is nil only the bookkeeping columns change.
type CureAttempt struct {
	EnvelopeID  string
	Status      CureStatus
	Model       string
	MaxAttempts int
	Snapshot    coherence.Cascade
	Result      *coherence.Result
	At          time.Time
}

// CureAttemptOutcome is the row state after a cure attempt was recorded.
// CapReached is set when the locked row had no attempts left; the attempt was
// then not counted and only the exhausted flag was written.
type CureAttemptOutcome struct {
	PreviousScore    float64 `json:"previous_score"`
	CureAttemptCount int     `json:"cure_attempt_count"`
	CuringExhausted  bool    `json:"curing_exhausted"`
	CapReached       bool    `json:"cap_reached,omitempty"`
}
