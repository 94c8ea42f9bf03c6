package coherence

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// rule inspects a snapshot and returns the issues it finds. Rules are
// independent of each other and must not mutate the snapshot.
type rule func(s *Snapshot, t *compiledTables) []Issue

// checkUrgencyPriority compares the L5 urgency score with the L9 priority.
func checkUrgencyPriority(s *Snapshot, t *compiledTables) []Issue {
	if s.Urgency == 0 || s.Priority == "" {
		return nil
	}
	expected, ok := t.priorityByUrgency[s.Urgency]
	if !ok || expected == s.Priority {
		return nil
	}

	severity := SeverityMedium
	switch {
	case s.Urgency >= 4 && s.Priority == "low":
		severity = SeverityCritical
	case s.Urgency <= 2 && (s.Priority == "critical" || s.Priority == "high"):
		severity = SeverityHigh
	}

	return []Issue{{
		Type:        IssueUrgencyPriorityMismatch,
		Severity:    severity,
		Description: fmt.Sprintf("urgency %d implies %s priority but L9 recommends %s", s.Urgency, expected, s.Priority),
		LayerA:      LayerUrgency,
		LayerB:      LayerOverview,
		Evidence:    fmt.Sprintf("urgency=%d, priority=%s", s.Urgency, s.Priority),
	}}
}

// checkEntityGrounding verifies that actions referring to a contact channel
// or document have a matching L3 entity to act on.
func checkEntityGrounding(s *Snapshot, t *compiledTables) []Issue {
	if len(s.ActionItems) == 0 {
		return nil
	}

	kinds := make(map[string]bool, len(s.Entities))
	for _, e := range s.Entities {
		kind := e.Type
		if alias, ok := t.entityAliases[kind]; ok {
			kind = alias
		}
		if kind != "" {
			kinds[kind] = true
		}
	}

	var issues []Issue
	for _, item := range s.ActionItems {
		action := fold(item.Action)
		if action == "" {
			continue
		}
		for _, tr := range t.triggers {
			if !containsPhrase(action, tr.Keyword) {
				continue
			}
			if anyOf(kinds, tr.Requires) {
				continue
			}
			issues = append(issues, Issue{
				Type:        IssueUngroundedAction,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("action %q requires a %s entity but none was extracted", item.Action, strings.Join(tr.Requires, " or ")),
				LayerA:      LayerEntities,
				LayerB:      LayerOverview,
				Evidence:    fmt.Sprintf("keyword=%s", tr.Keyword),
			})
			// One issue per action item is enough to flag it.
			break
		}
	}
	return issues
}

// checkIntentConsistency verifies that the L9 summary talks about the L2 intent.
func checkIntentConsistency(s *Snapshot, t *compiledTables) []Issue {
	if s.Intent == "" {
		return nil
	}
	keywords, ok := t.intentKeywords[s.Intent]
	if !ok || len(keywords) == 0 {
		return nil
	}
	if utf8.RuneCountInString(s.Summary) < t.thresholds.MinIntentSummaryLen {
		return nil
	}

	summary := fold(s.Summary)
	for _, kw := range keywords {
		if strings.Contains(summary, kw) {
			return nil
		}
	}

	return []Issue{{
		Type:        IssueIntentMismatch,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("L2 intent %q is not reflected in the executive summary", s.Intent),
		LayerA:      LayerIntent,
		LayerB:      LayerOverview,
		Evidence:    fmt.Sprintf("intent=%s", s.Intent),
	}}
}

// checkRoleRouting verifies the L2 routing hint is plausible for the L4 role.
func checkRoleRouting(s *Snapshot, t *compiledTables) []Issue {
	if s.SenderRole == "" || s.RoutingHint == "" {
		return nil
	}
	allowed, ok := t.roleRouting[s.SenderRole]
	if !ok || allowed[s.RoutingHint] {
		return nil
	}

	return []Issue{{
		Type:        IssueRoleRoutingMismatch,
		Severity:    SeverityLow,
		Description: fmt.Sprintf("routing %q is unusual for sender role %q", s.RoutingHint, s.SenderRole),
		LayerA:      LayerSender,
		LayerB:      LayerIntent,
		Evidence:    fmt.Sprintf("role=%s, routing=%s, expected=%s", s.SenderRole, s.RoutingHint, strings.Join(sortedKeys(allowed), "|")),
	}}
}

// checkGenericOutput flags fallback or boilerplate summaries.
func checkGenericOutput(s *Snapshot, t *compiledTables) []Issue {
	if s.Summary == "" {
		return nil
	}

	if phrase, ok := matchGenericPhrase(s.Summary, t); ok {
		return []Issue{{
			Type:        IssueGenericSummary,
			Severity:    SeverityHigh,
			Description: "executive summary is boilerplate fallback text",
			LayerA:      LayerOverview,
			LayerB:      LayerOverview,
			Evidence:    fmt.Sprintf("phrase=%s", phrase),
		}}
	}

	if n := utf8.RuneCountInString(s.Summary); n < t.thresholds.MinSummaryLen {
		return []Issue{{
			Type:        IssueGenericSummary,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("executive summary is too short to be specific (%d chars)", n),
			LayerA:      LayerOverview,
			LayerB:      LayerOverview,
			Evidence:    fmt.Sprintf("length=%d", n),
		}}
	}
	return nil
}

// checkComplexityWorkload compares the L7 complexity score with the
// estimated minutes. Only large deviations from the expected band count.
func checkComplexityWorkload(s *Snapshot, t *compiledTables) []Issue {
	if s.Complexity == 0 || s.EstMinutes == nil {
		return nil
	}
	band, ok := t.workloadBands[s.Complexity]
	if !ok {
		return nil
	}

	tol := t.thresholds.WorkloadTolerance
	if tol < 1 {
		tol = 1
	}
	minutes := float64(*s.EstMinutes)
	under := minutes < float64(band.Min)/tol
	over := band.Max > 0 && minutes > float64(band.Max)*tol
	if !under && !over {
		return nil
	}

	expected := fmt.Sprintf("%d-%d", band.Min, band.Max)
	if band.Max == 0 {
		expected = fmt.Sprintf("%d+", band.Min)
	}
	return []Issue{{
		Type:        IssueComplexityWorkloadMismatch,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("complexity %d expects %s minutes but estimate is %d", s.Complexity, expected, *s.EstMinutes),
		LayerA:      LayerWorkload,
		LayerB:      LayerWorkload,
		Evidence:    fmt.Sprintf("complexity=%d, est_minutes=%d", s.Complexity, *s.EstMinutes),
	}}
}

// checkSentimentPosture compares L2 sentiment with the L4 sender posture.
func checkSentimentPosture(s *Snapshot, t *compiledTables) []Issue {
	if s.Sentiment == "" || s.SenderPosture == "" {
		return nil
	}
	conflicts, ok := t.sentimentConflicts[s.Sentiment]
	if !ok || !conflicts[s.SenderPosture] {
		return nil
	}

	return []Issue{{
		Type:        IssueSentimentContradiction,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("%s sentiment contradicts %s posture", s.Sentiment, s.SenderPosture),
		LayerA:      LayerIntent,
		LayerB:      LayerSender,
		Evidence:    fmt.Sprintf("sentiment=%s, posture=%s", s.Sentiment, s.SenderPosture),
	}}
}

// referencePattern finds document numbers quoted in a summary, such as
// "#12345", "order 12345" or "Rechnung Nr. 4711".
var referencePattern = regexp.MustCompile(`(?i)(?:#\s?(\d{3,})|\b(?:order|invoice|po|bestellung|auftrag|rechnung|lieferschein)\s*(?:no\.?|nr\.?|number|nummer)?\s*#?\s*(\d{3,}))`)

// checkEntityReferences verifies that document numbers quoted in the summary
// were also extracted by L3. Only runs when L3 produced entities at all.
func checkEntityReferences(s *Snapshot, _ *compiledTables) []Issue {
	if len(s.Entities) == 0 || s.Summary == "" {
		return nil
	}

	var issues []Issue
	seen := make(map[string]bool)
	for _, m := range referencePattern.FindAllStringSubmatch(s.Summary, -1) {
		ref := m[1]
		if ref == "" {
			ref = m[2]
		}
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true

		found := false
		for _, e := range s.Entities {
			if strings.Contains(e.Value, ref) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		issues = append(issues, Issue{
			Type:        IssueMissingEntityReference,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("summary references %s but no L3 entity carries it", ref),
			LayerA:      LayerEntities,
			LayerB:      LayerOverview,
			Evidence:    fmt.Sprintf("reference=%s", ref),
		})
	}
	return issues
}

// checkConfidence flags an L9 confidence that disagrees with the output it
// describes: high confidence on fallback text, or very low confidence.
func checkConfidence(s *Snapshot, t *compiledTables) []Issue {
	if s.Confidence == nil {
		return nil
	}
	conf := *s.Confidence

	if conf >= t.thresholds.HighConfidence && s.Summary != "" {
		if phrase, ok := matchGenericPhrase(s.Summary, t); ok {
			return []Issue{{
				Type:        IssueConfidenceAnomaly,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("confidence %.2f reported for fallback summary", conf),
				LayerA:      LayerOverview,
				LayerB:      LayerOverview,
				Evidence:    fmt.Sprintf("confidence=%.2f, phrase=%s", conf, phrase),
			}}
		}
	}

	if conf < t.thresholds.LowConfidence {
		return []Issue{{
			Type:        IssueConfidenceAnomaly,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("L9 reported low confidence %.2f", conf),
			LayerA:      LayerOverview,
			LayerB:      LayerOverview,
			Evidence:    fmt.Sprintf("confidence=%.2f", conf),
		}}
	}
	return nil
}

func matchGenericPhrase(summary string, t *compiledTables) (string, bool) {
	folded := fold(summary)
	for _, p := range t.genericPhrases {
		if strings.Contains(folded, p) {
			return p, true
		}
	}
	return "", false
}

func anyOf(set map[string]bool, keys []string) bool {
	for _, k := range keys {
		if set[k] {
			return true
		}
	}
	return false
}

// containsPhrase reports whether phrase occurs in text on word boundaries,
// so "call" matches "Call customer" but not "recall".
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		if boundaryBefore(text, i) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		start = i + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
