package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/model"
	"github.com/sells-group/cascade-cli/internal/resilience"
	"github.com/sells-group/cascade-cli/pkg/anthropic"
)

// mockClient implements anthropic.Client for testing.
type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg_1",
		Model:   "claude-sonnet-4-5-20250514",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1500, OutputTokens: 220, CacheReadInputTokens: 1000},
	}
}

func testRequest() Request {
	return Request{
		Envelope: model.Envelope{ID: "env-1", Subject: "Order 4411 late", Sender: "buyer@example.com", BodyPreview: "Where is order 4411?"},
		Prompt:   model.Prompt{ID: "l9-v3", Layer: LayerL9, Version: 3, System: "You summarise emails.", User: "Subject: {{.Subject}}\nFrom: {{.Sender}}\n\n{{.Body}}\n\nLayers:\n{{.Upstream}}"},
		Model:    "claude-sonnet-4-5-20250514",
		Upstream: coherence.Cascade{"l2_intent": "order", "l9_executive_summary": "Unable to generate."},
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 1000
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = time.Millisecond
	return cfg
}

func TestL9Runner_Run(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-sonnet-4-5-20250514" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 &&
			assert.Contains(t, req.Messages[0].Content, "Subject: Order 4411 late") &&
			assert.NotContains(t, req.Messages[0].Content, "Unable to generate")
	})).Return(textResponse("```json\n"+`{
		"executive_summary": "Customer asks for the delivery date of order 4411.",
		"recommended_priority": "MEDIUM",
		"confidence": 0.88,
		"action_items": [{"action": "Check order status in ERP", "owner": "sales"}, {"action": "  "}]
	}`+"\n```"), nil).Once()

	r := NewL9Runner(client, fastConfig())
	res, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "Customer asks for the delivery date of order 4411.", res.Overview.ExecutiveSummary)
	assert.Equal(t, "MEDIUM", res.Overview.RecommendedPriority)
	require.NotNil(t, res.Overview.Confidence)
	assert.Equal(t, 0.88, *res.Overview.Confidence)
	require.Len(t, res.ActionItems, 1)
	assert.Equal(t, "sales", res.ActionItems[0].Owner)
	assert.Equal(t, int64(1500), res.TokensInput)
	assert.Equal(t, int64(220), res.TokensOutput)
	assert.Equal(t, int64(1000), res.CacheReadTokens)
	assert.Equal(t, "claude-sonnet-4-5-20250514", res.Model)
	client.AssertExpectations(t)
}

func TestL9Runner_Run_OverviewWrapper(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		`Here you go: {"overview": {"executive_summary": "Invoice 7781 is disputed.", "recommended_priority": "HIGH", "confidence": 0.7}, "action_items": [{"action": "Verify invoice 7781"}]}`,
	), nil).Once()

	res, err := NewL9Runner(client, fastConfig()).Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "Invoice 7781 is disputed.", res.Overview.ExecutiveSummary)
	assert.Equal(t, "HIGH", res.Overview.RecommendedPriority)
	assert.Len(t, res.ActionItems, 1)
}

func TestL9Runner_Run_ParseFailures(t *testing.T) {
	tests := []struct {
		name string
		text string
		is   error
	}{
		{name: "not json", text: "I cannot help with that."},
		{name: "empty summary", text: `{"executive_summary": "   ", "confidence": 0.5}`, is: ErrEmptySummary},
		{name: "confidence out of range", text: `{"executive_summary": "ok summary", "confidence": 7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{}
			client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(tt.text), nil).Once()

			_, err := NewL9Runner(client, fastConfig()).Run(context.Background(), testRequest())
			require.Error(t, err)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is))
			}
		})
	}
}

func TestL9Runner_Run_RetriesTransient(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"executive_summary": "Second try worked fine.", "confidence": 0.6}`), nil).Once()

	res, err := NewL9Runner(client, fastConfig()).Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "Second try worked fine.", res.Overview.ExecutiveSummary)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestL9Runner_Run_PermanentErrorNotRetried(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid model")).Once()

	r := NewL9Runner(client, fastConfig())
	_, err := r.Run(context.Background(), testRequest())
	require.Error(t, err)
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
	assert.Equal(t, resilience.CircuitClosed, r.Breaker().State())
}

func TestL9Runner_Run_CircuitOpen(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeout = time.Hour

	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()

	r := NewL9Runner(client, cfg)
	_, err := r.Run(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, resilience.CircuitOpen, r.Breaker().State())

	_, err = r.Run(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestL9Runner_Run_RequiresModel(t *testing.T) {
	req := testRequest()
	req.Model = ""
	_, err := NewL9Runner(&mockClient{}, fastConfig()).Run(context.Background(), req)
	assert.Error(t, err)
}

func TestL9Runner_Run_ContextCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"executive_summary": "Fine summary text here.", "confidence": 0.6}`), nil)

	r := NewL9Runner(client, cfg)
	_, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)

	// The single token is spent; the next wait outlives the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}
