package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func TestCreateMessage_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 4096,
		Messages: []Message{
			{Role: "user", Content: "Extract answers from this context."},
		},
	}

	expected := &MessageResponse{
		ID:         "msg_123",
		Model:      "claude-sonnet-4-5-20250929",
		Content:    []ContentBlock{{Type: "text", Text: `{"extractions":[]}`}},
		StopReason: "end_turn",
		Usage: TokenUsage{
			InputTokens:  820,
			OutputTokens: 14,
		},
	}

	mc.On("CreateMessage", ctx, req).Return(expected, nil)

	resp, err := mc.CreateMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "msg_123", resp.ID)
	assert.Equal(t, `{"extractions":[]}`, resp.Text())
	mc.AssertExpectations(t)
}

func TestCreateMessage_MockClient_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("CreateMessage", ctx, mock.Anything).Return(nil, errors.New("overloaded"))

	resp, err := mc.CreateMessage(ctx, MessageRequest{Model: "claude-haiku-4-5-20251001"})
	require.Error(t, err)
	assert.Nil(t, resp)
}

func TestMessageResponse_Text_ConcatenatesTextBlocks(t *testing.T) {
	resp := &MessageResponse{
		Content: []ContentBlock{
			{Type: "text", Text: "part one "},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: "part two"},
		},
	}
	assert.Equal(t, "part one part two", resp.Text())
}

func TestTokenUsage_EstimateCost(t *testing.T) {
	usage := TokenUsage{
		InputTokens:  1_000_000,
		OutputTokens: 1_000_000,
	}

	cost := usage.EstimateCost("claude-sonnet-4-5-20250929")
	assert.InDelta(t, 18.00, cost, 0.001)

	assert.Zero(t, usage.EstimateCost("unknown-model"))
}

func TestTokenUsage_EstimateCost_CacheTokens(t *testing.T) {
	usage := TokenUsage{
		InputTokens:              100_000,
		OutputTokens:             10_000,
		CacheCreationInputTokens: 50_000,
		CacheReadInputTokens:     200_000,
	}

	// haiku: in 0.80, out 4.00; cache write ×1.25, cache read ×0.1
	want := 0.1*0.80 + 0.01*4.00 + 0.05*0.80*1.25 + 0.2*0.80*0.1
	cost := usage.EstimateCost("claude-haiku-4-5-20251001")
	assert.InDelta(t, want, cost, 0.0001)
}

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("You are a deal analyst.")
	require.Len(t, blocks, 1)
	assert.Equal(t, "You are a deal analyst.", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}
