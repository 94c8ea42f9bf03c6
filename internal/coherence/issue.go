// Package coherence scores a cascade snapshot for cross-layer consistency.
//
// Each rule compares fields produced by two extraction layers (for example the
// L5 urgency score against the L9 recommended priority) and reports an Issue
// when they contradict each other. The Validator aggregates issues into a
// score in [0, 1] and a coherent/incoherent verdict.
package coherence

// IssueType identifies the kind of cross-layer contradiction.
type IssueType string

const (
	IssueIntentMismatch             IssueType = "intent_mismatch"
	IssueUrgencyPriorityMismatch    IssueType = "urgency_priority_mismatch"
	IssueUngroundedAction           IssueType = "ungrounded_action"
	IssueMissingEntityReference     IssueType = "missing_entity_reference"
	IssueSentimentContradiction     IssueType = "sentiment_contradiction"
	IssueRoleRoutingMismatch        IssueType = "role_routing_mismatch"
	IssueComplexityWorkloadMismatch IssueType = "complexity_workload_mismatch"
	IssueConfidenceAnomaly          IssueType = "confidence_anomaly"
	IssueGenericSummary             IssueType = "generic_summary"
)

// AllIssueTypes lists every issue kind in rule order.
var AllIssueTypes = []IssueType{
	IssueUrgencyPriorityMismatch,
	IssueUngroundedAction,
	IssueIntentMismatch,
	IssueRoleRoutingMismatch,
	IssueGenericSummary,
	IssueComplexityWorkloadMismatch,
	IssueSentimentContradiction,
	IssueMissingEntityReference,
	IssueConfidenceAnomaly,
}

// Severity classifies the impact of an issue on trustworthiness.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity (low=1 … critical=4).
// Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Penalty returns the score deduction applied for one issue of this severity.
func (s Severity) Penalty() float64 {
	switch s {
	case SeverityCritical:
		return 0.25
	case SeverityHigh:
		return 0.15
	case SeverityMedium:
		return 0.08
	case SeverityLow:
		return 0.02
	default:
		return 0
	}
}

// Layer identifiers used in issues.
const (
	LayerIntent   = "L2"
	LayerEntities = "L3"
	LayerSender   = "L4"
	LayerUrgency  = "L5"
	LayerWorkload = "L7"
	LayerOverview = "L9"
)

// Issue is a single contradiction detected between two layers.
type Issue struct {
	Type        IssueType `json:"issue_type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	LayerA      string    `json:"layer_a"`
	LayerB      string    `json:"layer_b"`
	Evidence    string    `json:"evidence,omitempty"`
}

// Result is the outcome of validating one snapshot.
type Result struct {
	IsCoherent bool     `json:"is_coherent"`
	Score      float64  `json:"score"`
	Issues     []Issue  `json:"issues"`
	Warnings   []string `json:"warnings"`
	StrictMode bool     `json:"strict_mode"`
}

// IssueCount returns the number of issues.
func (r Result) IssueCount() int {
	return len(r.Issues)
}

// HasCritical reports whether any issue is CRITICAL.
func (r Result) HasCritical() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity present, or "" when there are no issues.
func (r Result) MaxSeverity() Severity {
	var top Severity
	for _, is := range r.Issues {
		if is.Severity.Rank() > top.Rank() {
			top = is.Severity
		}
	}
	return top
}

// IssuesOfType returns the issues with the given type, in rule order.
func (r Result) IssuesOfType(t IssueType) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Type == t {
			out = append(out, is)
		}
	}
	return out
}

// Summary is the flattened JSON form used by the API and the CLI.
type Summary struct {
	IsCoherent bool     `json:"is_coherent"`
	Score      float64  `json:"score"`
	IssueCount int      `json:"issue_count"`
	Issues     []Issue  `json:"issues"`
	Warnings   []string `json:"warnings"`
}

// Summary converts the result into its flattened JSON form.
func (r Result) Summary() Summary {
	issues := r.Issues
	if issues == nil {
		issues = []Issue{}
	}
	warnings := r.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return Summary{
		IsCoherent: r.IsCoherent,
		Score:      r.Score,
		IssueCount: len(issues),
		Issues:     issues,
		Warnings:   warnings,
	}
}
