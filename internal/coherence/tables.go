package coherence

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// ActionTrigger maps a keyword found in an action description to the entity
// kinds that must exist for the action to be grounded. Any one of Requires
// satisfies the trigger.
type ActionTrigger struct {
	Keyword  string   `yaml:"keyword"`
	Requires []string `yaml:"requires"`
}

// Band is an inclusive range of estimated minutes. Max 0 means unbounded.
type Band struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Thresholds holds the numeric cut-offs used by the rules.
type Thresholds struct {
	MinIntentSummaryLen int     `yaml:"min_intent_summary_len"`
	MinSummaryLen       int     `yaml:"min_summary_len"`
	WorkloadTolerance   float64 `yaml:"workload_tolerance"`
	HighConfidence      float64 `yaml:"high_confidence"`
	LowConfidence       float64 `yaml:"low_confidence"`
}

// Tables holds the static lookup data behind the rules. Keeping it as data
// lets each rule be tested on its own and lets deployments extend the
// keyword lists without code changes (see LoadTables).
type Tables struct {
	PriorityByUrgency  map[int]string      `yaml:"priority_by_urgency"`
	ActionTriggers     []ActionTrigger     `yaml:"action_triggers"`
	EntityAliases      map[string]string   `yaml:"entity_aliases"`
	IntentKeywords     map[string][]string `yaml:"intent_keywords"`
	RoleRouting        map[string][]string `yaml:"role_routing"`
	GenericPhrases     []string            `yaml:"generic_phrases"`
	WorkloadBands      map[int]Band        `yaml:"workload_bands"`
	SentimentConflicts map[string][]string `yaml:"sentiment_conflicts"`
	Thresholds         Thresholds          `yaml:"thresholds"`
}

// DefaultTables returns the built-in rule data.
func DefaultTables() Tables {
	return Tables{
		PriorityByUrgency: map[int]string{
			1: "low",
			2: "low",
			3: "medium",
			4: "high",
			5: "critical",
		},
		ActionTriggers: []ActionTrigger{
			{Keyword: "call", Requires: []string{"phone"}},
			{Keyword: "phone", Requires: []string{"phone"}},
			{Keyword: "ring", Requires: []string{"phone"}},
			{Keyword: "anrufen", Requires: []string{"phone"}},
			{Keyword: "email", Requires: []string{"email"}},
			{Keyword: "e-mail", Requires: []string{"email"}},
			{Keyword: "check order", Requires: []string{"order"}},
			{Keyword: "order status", Requires: []string{"order"}},
			{Keyword: "bestellung prüfen", Requires: []string{"order"}},
			{Keyword: "verify invoice", Requires: []string{"invoice"}},
			{Keyword: "check invoice", Requires: []string{"invoice"}},
			{Keyword: "rechnung prüfen", Requires: []string{"invoice"}},
			{Keyword: "track", Requires: []string{"tracking", "order"}},
			{Keyword: "delivery status", Requires: []string{"tracking", "order"}},
			{Keyword: "sendung verfolgen", Requires: []string{"tracking", "order"}},
			{Keyword: "confirm quote", Requires: []string{"quote"}},
		},
		EntityAliases: map[string]string{
			"phone":           "phone",
			"phone_number":    "phone",
			"telephone":       "phone",
			"mobile":          "phone",
			"fax":             "phone",
			"email":           "email",
			"email_address":   "email",
			"e-mail":          "email",
			"order":           "order",
			"order_number":    "order",
			"order_id":        "order",
			"po_number":       "order",
			"purchase_order":  "order",
			"invoice":         "invoice",
			"invoice_number":  "invoice",
			"invoice_id":      "invoice",
			"tracking":        "tracking",
			"tracking_number": "tracking",
			"shipment":        "tracking",
			"delivery_note":   "tracking",
			"quote":           "quote",
			"quote_number":    "quote",
			"offer":           "quote",
		},
		IntentKeywords: map[string][]string{
			"order":     {"order", "purchase", "buy", "units", "bestellung", "bestellen", "auftrag", "ordine"},
			"complaint": {"complaint", "complain", "problem", "issue", "defect", "damaged", "broken", "dissatisfied", "unhappy", "reklamation", "beschwerde", "mangel", "beschädigt"},
			"invoice":   {"invoice", "billing", "bill", "payment", "charge", "rechnung", "zahlung", "fattura"},
			"delivery":  {"delivery", "shipping", "shipment", "ship", "track", "dispatch", "lieferung", "liefer", "versand", "sendung"},
			"quote":     {"quote", "quotation", "pricing", "price", "offer", "angebot", "preis"},
			"return":    {"return", "refund", "rma", "send back", "rücksendung", "retoure", "erstattung"},
			"payment":   {"payment", "paid", "remittance", "transfer", "overdue", "zahlung", "überweisung", "mahnung"},
		},
		RoleRouting: map[string][]string{
			"customer":  {"sales", "support", "customer_service", "ops", "logistics"},
			"prospect":  {"sales", "marketing"},
			"supplier":  {"ops", "procurement", "purchasing", "logistics", "finance"},
			"carrier":   {"ops", "logistics"},
			"partner":   {"sales", "management", "ops"},
			"internal":  {"sales", "support", "ops", "finance", "management", "hr", "it"},
			"authority": {"management", "finance", "legal"},
		},
		GenericPhrases: []string{
			"unable to generate",
			"manual review required",
			"requires manual review",
			"general inquiry",
			"no specific",
			"not enough information",
			"insufficient information",
			"could not be determined",
			"see email for details",
			"email requires attention",
			"summary not available",
			"processing error",
			"allgemeine anfrage",
			"manuelle prüfung erforderlich",
		},
		WorkloadBands: map[int]Band{
			1: {Min: 0, Max: 15},
			2: {Min: 5, Max: 30},
			3: {Min: 15, Max: 60},
			4: {Min: 30, Max: 120},
			5: {Min: 60, Max: 0},
		},
		SentimentConflicts: map[string][]string{
			"positive": {"complaining", "escalating", "threatening"},
			"negative": {"thanking", "praising"},
		},
		Thresholds: Thresholds{
			MinIntentSummaryLen: 50,
			MinSummaryLen:       30,
			WorkloadTolerance:   2,
			HighConfidence:      0.85,
			LowConfidence:       0.30,
		},
	}
}

// LoadTables reads a YAML file and merges it onto DefaultTables. Map entries
// in the file replace the default entry with the same key; list entries
// (action triggers, generic phrases) are appended. Zero thresholds keep the
// default value.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, eris.Wrapf(err, "coherence: read tables %s", path)
	}

	var override Tables
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Tables{}, eris.Wrapf(err, "coherence: parse tables %s", path)
	}

	t := DefaultTables()
	for k, v := range override.PriorityByUrgency {
		t.PriorityByUrgency[k] = strings.ToLower(v)
	}
	t.ActionTriggers = append(t.ActionTriggers, override.ActionTriggers...)
	for k, v := range override.EntityAliases {
		t.EntityAliases[strings.ToLower(k)] = strings.ToLower(v)
	}
	for k, v := range override.IntentKeywords {
		t.IntentKeywords[strings.ToLower(k)] = v
	}
	for k, v := range override.RoleRouting {
		t.RoleRouting[strings.ToLower(k)] = v
	}
	t.GenericPhrases = append(t.GenericPhrases, override.GenericPhrases...)
	for k, v := range override.WorkloadBands {
		t.WorkloadBands[k] = v
	}
	for k, v := range override.SentimentConflicts {
		t.SentimentConflicts[strings.ToLower(k)] = v
	}

	th := override.Thresholds
	if th.MinIntentSummaryLen > 0 {
		t.Thresholds.MinIntentSummaryLen = th.MinIntentSummaryLen
	}
	if th.MinSummaryLen > 0 {
		t.Thresholds.MinSummaryLen = th.MinSummaryLen
	}
	if th.WorkloadTolerance > 0 {
		t.Thresholds.WorkloadTolerance = th.WorkloadTolerance
	}
	if th.HighConfidence > 0 {
		t.Thresholds.HighConfidence = th.HighConfidence
	}
	if th.LowConfidence > 0 {
		t.Thresholds.LowConfidence = th.LowConfidence
	}
	return t, nil
}

// fold normalizes text for keyword matching: NFC composition (so "ü" typed
// as u+diaeresis matches the precomposed form) followed by Unicode case
// folding. A Caser is stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

func foldAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		f := strings.TrimSpace(fold(s))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// compiledTables is Tables with every keyword folded once up front.
type compiledTables struct {
	priorityByUrgency  map[int]string
	triggers           []ActionTrigger
	entityAliases      map[string]string
	intentKeywords     map[string][]string
	roleRouting        map[string]map[string]bool
	genericPhrases     []string
	workloadBands      map[int]Band
	sentimentConflicts map[string]map[string]bool
	thresholds         Thresholds
}

func compileTables(t Tables) *compiledTables {
	c := &compiledTables{
		priorityByUrgency:  make(map[int]string, len(t.PriorityByUrgency)),
		entityAliases:      make(map[string]string, len(t.EntityAliases)),
		intentKeywords:     make(map[string][]string, len(t.IntentKeywords)),
		roleRouting:        make(map[string]map[string]bool, len(t.RoleRouting)),
		genericPhrases:     foldAll(t.GenericPhrases),
		workloadBands:      make(map[int]Band, len(t.WorkloadBands)),
		sentimentConflicts: make(map[string]map[string]bool, len(t.SentimentConflicts)),
		thresholds:         t.Thresholds,
	}
	for k, v := range t.PriorityByUrgency {
		c.priorityByUrgency[k] = strings.ToLower(v)
	}
	for _, tr := range t.ActionTriggers {
		kw := strings.TrimSpace(fold(tr.Keyword))
		if kw == "" {
			continue
		}
		req := make([]string, 0, len(tr.Requires))
		for _, r := range tr.Requires {
			req = append(req, strings.ToLower(r))
		}
		c.triggers = append(c.triggers, ActionTrigger{Keyword: kw, Requires: req})
	}
	for k, v := range t.EntityAliases {
		c.entityAliases[strings.ToLower(k)] = strings.ToLower(v)
	}
	for k, v := range t.IntentKeywords {
		c.intentKeywords[strings.ToLower(k)] = foldAll(v)
	}
	for k, v := range t.RoleRouting {
		c.roleRouting[strings.ToLower(k)] = toSet(v)
	}
	for k, v := range t.WorkloadBands {
		c.workloadBands[k] = v
	}
	for k, v := range t.SentimentConflicts {
		c.sentimentConflicts[strings.ToLower(k)] = toSet(v)
	}
	return c
}

func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return out
}

// sortedKeys returns the keys of a set in stable order, for evidence strings.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
