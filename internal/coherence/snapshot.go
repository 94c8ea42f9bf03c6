package coherence

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cascade is the raw, persisted form of a cascade snapshot: a flat mapping
// of layer fields as produced by the extraction layers. Field names may use
// the layer-prefixed form ("l5_urgency_score") or the short form
// ("urgency_score").
type Cascade map[string]any

// Entity is an L3 entity.
type Entity struct {
	Type       string   `json:"entity_type"`
	Value      string   `json:"entity_value"`
	Context    string   `json:"entity_context,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ActionItem is an L9 action item.
type ActionItem struct {
	Action   string `json:"action"`
	Priority string `json:"priority,omitempty"`
	Owner    string `json:"owner,omitempty"`
	DueBy    string `json:"due_by,omitempty"`
}

// Overview is the L9 overview block produced by the summarization layer.
type Overview struct {
	ExecutiveSummary       string   `json:"executive_summary"`
	RecommendedPriority    string   `json:"recommended_priority"`
	Confidence             *float64 `json:"confidence,omitempty"`
	KeyFinding             string   `json:"key_finding,omitempty"`
	ResponseRecommendation string   `json:"response_recommendation,omitempty"`
}

// Snapshot is the normalized, typed view of a Cascade that the rules read.
// Zero values mean "absent": Urgency and Complexity are 0 when missing,
// EstMinutes and Confidence are nil.
type Snapshot struct {
	Intent        string
	Sentiment     string
	RoutingHint   string
	Entities      []Entity
	SenderRole    string
	SenderPosture string
	Urgency       int
	Complexity    int
	EstMinutes    *int
	Summary       string
	Priority      string
	ActionItems   []ActionItem
	Confidence    *float64
}

// Accepted keys per canonical field, in lookup order.
var (
	keysIntent      = []string{"l2_intent", "intent"}
	keysSentiment   = []string{"l2_sentiment", "sentiment"}
	keysRouting     = []string{"l2_routing_hint", "routing_hint"}
	keysEntities    = []string{"l3_entities", "entities"}
	keysRole        = []string{"l4_sender_role", "sender_role"}
	keysPosture     = []string{"l4_sender_posture", "sender_posture"}
	keysUrgency     = []string{"l5_urgency_score", "urgency_score", "l5_urgency"}
	keysComplexity  = []string{"l7_complexity_score", "complexity_score"}
	keysEstMinutes  = []string{"l7_est_minutes", "est_minutes", "estimated_minutes"}
	keysSummary     = []string{"l9_executive_summary", "executive_summary"}
	keysPriority    = []string{"l9_priority", "recommended_priority", "priority"}
	keysActionItems = []string{"l9_action_items", "action_items"}
	keysConfidence  = []string{"l9_confidence", "confidence"}
)

// overviewKeys are replaced when a new L9 overview is merged into a cascade.
var overviewKeys = [][]string{keysSummary, keysPriority, keysActionItems, keysConfidence}

// Normalize maps every known key of c onto the canonical Snapshot fields.
// It never fails: absent, null or malformed values leave the field absent,
// out-of-range numbers are clamped. Each adjustment is reported as a warning.
func Normalize(c Cascade) (Snapshot, []string) {
	var s Snapshot
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	s.Intent = lowerString(c, keysIntent)
	s.Sentiment = lowerString(c, keysSentiment)
	s.RoutingHint = lowerString(c, keysRouting)
	s.Entities = entities(c)
	s.SenderRole = lowerString(c, keysRole)
	s.SenderPosture = lowerString(c, keysPosture)

	if n, ok := intField(c, keysUrgency, 1, 5, warn); ok {
		s.Urgency = n
	}
	if n, ok := intField(c, keysComplexity, 1, 5, warn); ok {
		s.Complexity = n
	}
	if n, ok := intField(c, keysEstMinutes, 0, math.MaxInt32, warn); ok {
		s.EstMinutes = &n
	}

	s.Summary = plainString(c, keysSummary)
	s.Priority = lowerString(c, keysPriority)
	s.ActionItems = actionItems(c)

	if key, v, ok := lookup(c, keysConfidence); ok {
		f, fok := toFloat(v)
		switch {
		case !fok:
			warn("%s is not numeric, ignored", key)
		default:
			clamped := math.Max(0, math.Min(1, f))
			if clamped != f {
				warn("%s %g clamped to %g", key, f, clamped)
			}
			s.Confidence = &clamped
		}
	}

	return s, warnings
}

// Clone returns a shallow copy of the cascade.
func (c Cascade) Clone() Cascade {
	out := make(Cascade, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// WithOverview returns a copy of c whose L9 fields (summary, priority,
// confidence, action items) are replaced by the given output. All other
// layers are kept as they were. A nil confidence leaves the field absent.
func (c Cascade) WithOverview(o Overview, items []ActionItem) Cascade {
	out := c.Clone()
	for _, keys := range overviewKeys {
		for _, k := range keys {
			delete(out, k)
		}
	}

	actions := make([]any, 0, len(items))
	for _, it := range items {
		m := map[string]any{"action": it.Action}
		if it.Priority != "" {
			m["priority"] = it.Priority
		}
		if it.Owner != "" {
			m["owner"] = it.Owner
		}
		if it.DueBy != "" {
			m["due_by"] = it.DueBy
		}
		actions = append(actions, m)
	}

	out["l9_executive_summary"] = o.ExecutiveSummary
	out["l9_priority"] = o.RecommendedPriority
	if o.Confidence != nil {
		out["l9_confidence"] = *o.Confidence
	}
	out["l9_action_items"] = actions
	return out
}

// ParseCascade decodes a JSON object into a Cascade. Numbers are kept as
// json.Number so integer fields survive the round trip exactly.
func ParseCascade(data []byte) (Cascade, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Cascade{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var c Cascade
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	if c == nil {
		c = Cascade{}
	}
	return c, nil
}

// lookup returns the first key in keys that holds a non-nil value.
func lookup(c Cascade, keys []string) (string, any, bool) {
	for _, k := range keys {
		if v, ok := c[k]; ok && v != nil {
			return k, v, true
		}
	}
	return "", nil, false
}

func plainString(c Cascade, keys []string) string {
	_, v, ok := lookup(c, keys)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(v))
}

func lowerString(c Cascade, keys []string) string {
	return strings.ToLower(plainString(c, keys))
}

// intField reads a numeric field, rounds it and clamps it to [lo, hi]. The
// clamp happens before the int conversion so huge values cannot wrap.
func intField(c Cascade, keys []string, lo, hi float64, warn func(string, ...any)) (int, bool) {
	key, v, ok := lookup(c, keys)
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok {
		warn("%s is not numeric, ignored", key)
		return 0, false
	}
	r := math.Round(f)
	clamped := math.Max(lo, math.Min(hi, r))
	if clamped != r {
		warn("%s %g clamped to %g", key, r, clamped)
	}
	return int(clamped), true
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringOf(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := strings.TrimSpace(toString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func entities(c Cascade) []Entity {
	_, v, ok := lookup(c, keysEntities)
	if !ok {
		return nil
	}
	var out []Entity
	switch list := v.(type) {
	case []Entity:
		for _, e := range list {
			out = append(out, normalEntity(e))
		}
	case []map[string]any:
		for _, m := range list {
			out = append(out, entityFromMap(m))
		}
	case []any:
		for _, item := range list {
			switch e := item.(type) {
			case map[string]any:
				out = append(out, entityFromMap(e))
			case Entity:
				out = append(out, normalEntity(e))
			}
		}
	}
	return out
}

// normalEntity lower-cases the type of a typed entity so it matches the
// alias table the same way decoded entities do.
func normalEntity(e Entity) Entity {
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.Value = strings.TrimSpace(e.Value)
	return e
}

func entityFromMap(m map[string]any) Entity {
	e := Entity{
		Type:    strings.ToLower(stringOf(m, "entity_type", "type")),
		Value:   stringOf(m, "entity_value", "value"),
		Context: stringOf(m, "entity_context", "context"),
	}
	if v, ok := m["confidence"]; ok && v != nil {
		if f, ok := toFloat(v); ok {
			e.Confidence = &f
		}
	}
	return e
}

func actionItems(c Cascade) []ActionItem {
	_, v, ok := lookup(c, keysActionItems)
	if !ok {
		return nil
	}
	var out []ActionItem
	switch list := v.(type) {
	case []ActionItem:
		return append(out, list...)
	case []map[string]any:
		for _, m := range list {
			out = append(out, actionFromMap(m))
		}
	case []any:
		for _, item := range list {
			switch a := item.(type) {
			case map[string]any:
				out = append(out, actionFromMap(a))
			case string:
				out = append(out, ActionItem{Action: strings.TrimSpace(a)})
			case ActionItem:
				out = append(out, a)
			}
		}
	}
	return out
}

func actionFromMap(m map[string]any) ActionItem {
	return ActionItem{
		Action:   stringOf(m, "action", "description"),
		Priority: strings.ToLower(stringOf(m, "priority")),
		Owner:    stringOf(m, "owner"),
		DueBy:    stringOf(m, "due_by"),
	}
}
