package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cascade-cli/internal/coherence"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `{"a":1}`, want: `{"a":1}`},
		{name: "json fence", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around", in: "Sure! {\"a\":{\"b\":2}} Hope that helps.", want: `{"a":{"b":2}}`},
		{name: "no object", in: "nothing here", want: "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestParseL9_FlatLayout(t *testing.T) {
	ov, items, err := parseL9(`{"executive_summary":" Customer confirms order 12345. ","recommended_priority":"low","confidence":0.9,"key_finding":"confirmation","action_items":[{"action":"Archive","priority":"low"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "Customer confirms order 12345.", ov.ExecutiveSummary)
	require.NotNil(t, ov.Confidence)
	assert.Equal(t, 0.9, *ov.Confidence)
	assert.Equal(t, "confirmation", ov.KeyFinding)
	require.Len(t, items, 1)
	assert.Equal(t, "low", items[0].Priority)
}

func TestParseL9_NoActionItems(t *testing.T) {
	_, items, err := parseL9(`{"executive_summary":"Newsletter with no request.","confidence":0.5}`)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestParseL9_MissingConfidenceStaysAbsent(t *testing.T) {
	ov, items, err := parseL9(`{"executive_summary":"Customer complaint about a damaged pallet; the customer wants a replacement.","recommended_priority":"critical","action_items":[{"action":"Arrange replacement shipment"}]}`)
	require.NoError(t, err)
	assert.Nil(t, ov.Confidence)

	merged := coherence.Cascade{"l2_intent": "complaint", "l9_confidence": 0.2}.WithOverview(ov, items)
	assert.NotContains(t, merged, "l9_confidence")

	res := coherence.New(coherence.DefaultConfig()).Validate(merged)
	assert.Empty(t, res.Issues)
	assert.Equal(t, 1.0, res.Score)
}
