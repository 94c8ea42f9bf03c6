package coherence

func sampleCoherentCascade() Cascade {
	return Cascade{
		"l2_intent":            "order",
		"l2_sentiment":         "neutral",
		"l2_routing_hint":      "sales",
		"l3_entities":          []any{map[string]any{"entity_type": "order_number", "entity_value": "12345"}},
		"l4_sender_role":       "customer",
		"l4_sender_posture":    "requesting",
		"l5_urgency_score":     3,
		"l7_complexity_score":  3,
		"l7_est_minutes":       30,
		"l9_executive_summary": "Customer John requesting update on order #12345 delivery timeline.",
		"l9_priority":          "MEDIUM",
		"l9_action_items":      []any{map[string]any{"action": "Check order status in ERP"}},
		"l9_confidence":        0.82,
	}
}

func sampleIncoherentCascade() Cascade {
	return Cascade{
		"l2_intent":            "complaint",
		"l2_sentiment":         "positive",
		"l2_routing_hint":      "finance",
		"l3_entities":          []any{},
		"l4_sender_role":       "customer",
		"l4_sender_posture":    "complaining",
		"l5_urgency_score":     5,
		"l7_complexity_score":  1,
		"l7_est_minutes":       500,
		"l9_executive_summary": "Unable to generate.",
		"l9_priority":          "low",
		"l9_action_items":      []any{map[string]any{"action": "Call customer"}},
		"l9_confidence":        0.9,
	}
}

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }
