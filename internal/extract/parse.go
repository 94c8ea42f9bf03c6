package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cascade-cli/internal/coherence"
)

// ErrEmptySummary is returned when the model answered without a summary.
var ErrEmptySummary = eris.New("extract: empty executive summary")

// l9Output accepts both the flat layout and an "overview" wrapper.
type l9Output struct {
	ExecutiveSummary       string                 `json:"executive_summary"`
	RecommendedPriority    string                 `json:"recommended_priority"`
	Confidence             *float64               `json:"confidence"`
	KeyFinding             string                 `json:"key_finding"`
	ResponseRecommendation string                 `json:"response_recommendation"`
	Overview               *coherence.Overview    `json:"overview"`
	ActionItems            []coherence.ActionItem `json:"action_items"`
}

// parseL9 decodes the model's JSON answer.
func parseL9(text string) (coherence.Overview, []coherence.ActionItem, error) {
	var out l9Output
	if err := json.Unmarshal([]byte(cleanJSON(text)), &out); err != nil {
		return coherence.Overview{}, nil, eris.Wrap(err, "extract: parse l9 json")
	}

	overview := coherence.Overview{
		ExecutiveSummary:       out.ExecutiveSummary,
		RecommendedPriority:    out.RecommendedPriority,
		Confidence:             out.Confidence,
		KeyFinding:             out.KeyFinding,
		ResponseRecommendation: out.ResponseRecommendation,
	}
	if out.Overview != nil {
		overview = *out.Overview
	}
	overview.ExecutiveSummary = strings.TrimSpace(overview.ExecutiveSummary)
	if overview.ExecutiveSummary == "" {
		return coherence.Overview{}, nil, ErrEmptySummary
	}
	// A missing confidence stays nil so the merged cascade leaves it absent.
	if c := overview.Confidence; c != nil && (*c < 0 || *c > 1) {
		return coherence.Overview{}, nil, eris.Errorf("extract: confidence %v out of range", *c)
	}

	var items []coherence.ActionItem
	for _, it := range out.ActionItems {
		if strings.TrimSpace(it.Action) != "" {
			items = append(items, it)
		}
	}
	return overview, items, nil
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
