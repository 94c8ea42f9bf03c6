package model

import (
	"strings"
	"time"
)

// Envelope is the subset of an email envelope needed to re-run L9.
type Envelope struct {
	ID              string    `json:"id"`
	Subject         string    `json:"subject"`
	Sender          string    `json:"sender"`
	BodyPreview     string    `json:"body_preview"`
	CleanBody       string    `json:"clean_body,omitempty"`
	ProcessingState string    `json:"processing_state,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Text is the body handed to re-extraction: the clean body when upstream
// produced one, the preview otherwise.
func (e Envelope) Text() string {
	if s := strings.TrimSpace(e.CleanBody); s != "" {
		return s
	}
	return strings.TrimSpace(e.BodyPreview)
}

// Prompt is an active prompt from the prompt registry.
type Prompt struct {
	ID      string `json:"id"`
	Layer   string `json:"layer"`
	Version int    `json:"version"`
	System  string `json:"system"`
	User    string `json:"user"`
}

// CoherenceStats aggregates the coherence_validation table.
type CoherenceStats struct {
	Total      int     `json:"total"`
	Coherent   int     `json:"coherent"`
	Incoherent int     `json:"incoherent"`
	AvgScore   float64 `json:"avg_score"`
}

// CoherentRate returns the coherent share, or 0 for an empty table.
func (s CoherenceStats) CoherentRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Coherent) / float64(s.Total)
}

// CuringStats aggregates curing bookkeeping over records with at least one
// attempt.
type CuringStats struct {
	TotalAttempted int `json:"total_attempts"`
	Cured          int `json:"cured"`
	Exhausted      int `json:"exhausted"`
}

// ExhaustedRate returns the exhausted share of attempted records.
func (s CuringStats) ExhaustedRate() float64 {
	if s.TotalAttempted == 0 {
		return 0
	}
	return float64(s.Exhausted) / float64(s.TotalAttempted)
}
