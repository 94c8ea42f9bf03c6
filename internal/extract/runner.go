// Package extract re-runs the L9 summarization layer against an envelope.
package extract

import (
	"context"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/model"
)

// LayerL9 is the prompt registry layer of the executive summary extraction.
const LayerL9 = "L9"

// Request is one L9 extraction.
type Request struct {
	Envelope model.Envelope
	Prompt   model.Prompt
	Model    string
	// Upstream holds the L2-L7 output the summary is conditioned on.
	Upstream coherence.Cascade
}

// Result is the parsed L9 output plus token accounting.
type Result struct {
	Overview         coherence.Overview     `json:"overview"`
	ActionItems      []coherence.ActionItem `json:"action_items"`
	TokensInput      int64                  `json:"tokens_input"`
	TokensOutput     int64                  `json:"tokens_output"`
	CacheWriteTokens int64                  `json:"cache_write_tokens"`
	CacheReadTokens  int64                  `json:"cache_read_tokens"`
	Model            string                 `json:"model"`
}

// Runner executes an L9 extraction.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
