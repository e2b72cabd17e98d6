package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/report-verify/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func newTestAnthropicAdapter(c anthropic.Client) (*AnthropicAdapter, *[]string) {
	var keys []string
	a := NewAnthropicAdapter("claude-haiku-4-5-20251001", nil, func(apiKey string) anthropic.Client {
		keys = append(keys, apiKey)
		return c
	})
	return a, &keys
}

func TestAnthropicAdapter_Call(t *testing.T) {
	c := new(mockAnthropicClient)
	c.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.Messages) == 1 &&
			assert.ObjectsAreEqual(`{"title":"Flooded underpass"}`, req.Messages[0].Content) &&
			len(req.System) == 1
	})).Return(textResponse("```json\n{\"label\":\"flooding\",\"confidence\":0.9,\"plausible\":true}\n```"), nil)

	a, keys := newTestAnthropicAdapter(c)
	resp, err := a.Call(context.Background(), Payload{"title": "Flooded underpass"}, "sk-test", time.Second)
	require.NoError(t, err)
	assert.Equal(t, AnthropicName, resp.Provider)
	assert.Equal(t, "flooding", resp.Body["label"])
	assert.Equal(t, true, resp.Body["plausible"])
	assert.Equal(t, []string{"sk-test"}, *keys)
	c.AssertExpectations(t)
}

func TestAnthropicAdapter_ReusesClientPerCredential(t *testing.T) {
	c := new(mockAnthropicClient)
	c.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"label":"x"}`), nil)

	a, keys := newTestAnthropicAdapter(c)
	for range 3 {
		_, err := a.Call(context.Background(), Payload{}, "k1", time.Second)
		require.NoError(t, err)
	}
	_, err := a.Call(context.Background(), Payload{}, "k2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, *keys)
}

func TestAnthropicAdapter_APIErrorIsUnavailable(t *testing.T) {
	c := new(mockAnthropicClient)
	c.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("anthropic: create message: 529 overloaded"))

	a, _ := newTestAnthropicAdapter(c)
	_, err := a.Call(context.Background(), Payload{}, "k", time.Second)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestAnthropicAdapter_UnparseableReplyIsUnavailable(t *testing.T) {
	c := new(mockAnthropicClient)
	c.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot help with that."), nil)

	a, _ := newTestAnthropicAdapter(c)
	_, err := a.Call(context.Background(), Payload{}, "k", time.Second)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestAnthropicAdapter_DeadlineIsTimeout(t *testing.T) {
	c := new(mockAnthropicClient)
	c.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	a, _ := newTestAnthropicAdapter(c)
	_, err := a.Call(context.Background(), Payload{}, "k", 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrProviderTimeout))
}
