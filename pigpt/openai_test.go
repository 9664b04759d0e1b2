package pigpt

import (
	"context"
	"errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockOpenAIClient struct {
	mock.Mock
}

func (m *mockOpenAIClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func testOpenAIConfig() *OpenAIConfig {
	cfg := DefaultConfig().OpenAI
	cfg.Token = "test-token"
	cfg.MaxRequestsPerSecond = 1000
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func chatResponse(content string, totalTokens int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:    "chatcmpl-123",
		Model: openai.GPT3Dot5Turbo,
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{
			PromptTokens:     totalTokens / 2,
			CompletionTokens: totalTokens - totalTokens/2,
			TotalTokens:      totalTokens,
		},
	}
}

func TestOpenAI_Complete(t *testing.T) {
	client := &mockOpenAIClient{}
	o := newOpenAIWithClient(testOpenAIConfig(), client)

	history := testHistory("be nice", 3)
	history = append(history, Message{Role: RoleUser, Content: "hello"})

	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.Model == DefaultOpenAIModel &&
					req.MaxTokens == 100 &&
					len(req.Messages) == 4 &&
					req.Messages[0].Role == openai.ChatMessageRoleSystem &&
					req.Messages[0].Content == "be nice" &&
					req.Messages[3].Role == openai.ChatMessageRoleUser &&
					req.Messages[3].Content == "hello"
			},
		),
	).Return(chatResponse("  hi there!\n", 42), nil).Once()

	reply, tokensUsed, err := o.Complete(context.Background(), history, 3, 100)
	require.NoError(t, err)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "hi there!"}, reply)
	assert.Equal(t, 42, tokensUsed)
	client.AssertExpectations(t)
}

func TestOpenAI_CompleteErrors(t *testing.T) {
	apiErr := &openai.APIError{
		HTTPStatusCode: http.StatusTooManyRequests,
		Message:        "quota exceeded",
	}
	testCases := []struct {
		name     string
		response openai.ChatCompletionResponse
		err      error
		expected error
	}{
		{
			name:     "api error",
			response: openai.ChatCompletionResponse{},
			err:      apiErr,
			expected: apiErr,
		},
		{
			name:     "no choices",
			response: openai.ChatCompletionResponse{},
			expected: errNoChoices,
		},
		{
			name:     "empty content",
			response: chatResponse("   ", 10),
			expected: errEmptyContent,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				client := &mockOpenAIClient{}
				o := newOpenAIWithClient(testOpenAIConfig(), client)
				client.On(
					"CreateChatCompletion",
					mock.Anything,
					mock.Anything,
				).Return(tc.response, tc.err).Once()

				_, _, err := o.Complete(
					context.Background(),
					NewHistory("be nice"),
					8,
					100,
				)
				require.Error(t, err)

				var ce *CompletionError
				require.ErrorAs(t, err, &ce)
				assert.ErrorIs(t, err, tc.expected)
				client.AssertExpectations(t)
			},
		)
	}
}

func TestOpenAI_CompleteCanceled(t *testing.T) {
	client := &mockOpenAIClient{}
	o := newOpenAIWithClient(testOpenAIConfig(), client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := o.Complete(ctx, NewHistory("be nice"), 8, 100)
	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
}

func TestOpenAI_HTTPClient(t *testing.T) {
	authHeaders := make(chan string, 1)
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				select {
				case authHeaders <- r.Header.Get("Authorization"):
				default:
				}
				if r.URL.Path != "/v1/chat/completions" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{
						"id": "chatcmpl-1",
						"object": "chat.completion",
						"model": "gpt-3.5-turbo",
						"choices": [{
							"index": 0,
							"message": {"role": "assistant", "content": "pong"},
							"finish_reason": "stop"
						}],
						"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
					}`),
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	cfg := testOpenAIConfig()
	cfg.BaseURL = srv.URL + "/v1"
	o := newOpenAI(cfg, srv.Client())

	reply, tokensUsed, err := o.Complete(
		context.Background(),
		append(NewHistory("be nice"), Message{Role: RoleUser, Content: "ping"}),
		8,
		100,
	)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Content)
	assert.Equal(t, 6, tokensUsed)
	assert.Equal(t, "Bearer test-token", <-authHeaders)
}

func TestCompletionError(t *testing.T) {
	inner := errors.New("connection refused")
	err := error(&CompletionError{Err: inner})
	assert.Equal(t, "completion: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
}
