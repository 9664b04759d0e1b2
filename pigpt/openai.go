package pigpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	errNoChoices    = errors.New("response contained no choices")
	errEmptyContent = errors.New("response contained no content")
)

// Completer generates the next assistant Message for a conversation.
// [OpenAI] is the production implementation.
type Completer interface {
	// Complete sends at most the last window messages of history to the
	// backend, and returns the generated reply along with the total number
	// of tokens the backend reported for the call. Failures are returned
	// as *CompletionError.
	Complete(
		ctx context.Context,
		history History,
		window int,
		maxTokens int,
	) (reply Message, tokensUsed int, err error)
}

// OpenAIClient is the subset of the go-openai client used here, so it
// can be replaced in tests.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI sends conversation histories to the OpenAI chat completion API.
//
// Fields:
//   - client: The OpenAI client for making API requests.
//   - config: Configuration for OpenAI integration.
//   - logger: Logger for OpenAI-related events.
//   - requestLimiter: Limits requests to the API across all users.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return newOpenAIWithClient(config, openai.NewClientWithConfig(clientCfg))
}

func newOpenAIWithClient(config *OpenAIConfig, client OpenAIClient) *OpenAI {
	maxRPS := config.MaxRequestsPerSecond
	if maxRPS <= 0 {
		maxRPS = DefaultOpenAIMaxRequestsPerSecond
	}
	return &OpenAI{
		client:         client,
		config:         config,
		logger:         newComponentLogger("openai", config.LogLevel),
		requestLimiter: rate.NewLimiter(rate.Limit(maxRPS), 1),
	}
}

func chatCompletionMessages(history History) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: m.Role.String(), Content: m.Content},
		)
	}
	return messages
}

func (o *OpenAI) Complete(
	ctx context.Context,
	history History,
	window int,
	maxTokens int,
) (Message, int, error) {
	ctx, logger := contextLoggerOr(ctx, o.logger)

	if o.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()
	}

	if err := o.requestLimiter.Wait(ctx); err != nil {
		return Message{}, 0, &CompletionError{Err: err}
	}

	request := openai.ChatCompletionRequest{
		Model:     o.config.Model,
		MaxTokens: maxTokens,
		Messages:  chatCompletionMessages(history.Window(window)),
	}

	started := time.Now()
	response, err := o.client.CreateChatCompletion(ctx, request)
	elapsed := time.Since(started)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error creating chat completion",
			"model", request.Model,
			"messages", len(request.Messages),
			"elapsed", elapsed,
			tint.Err(err),
		)
		return Message{}, 0, &CompletionError{Err: err}
	}

	if len(response.Choices) == 0 {
		return Message{}, 0, &CompletionError{Err: errNoChoices}
	}
	content := strings.TrimSpace(response.Choices[0].Message.Content)
	if content == "" {
		return Message{}, 0, &CompletionError{
			Err: fmt.Errorf(
				"%w (finish reason: %s)",
				errEmptyContent,
				response.Choices[0].FinishReason,
			),
		}
	}

	logger.InfoContext(
		ctx,
		"response generated",
		"id", response.ID,
		"model", response.Model,
		"elapsed", elapsed,
		slog.Group(
			"usage",
			"prompt_tokens", response.Usage.PromptTokens,
			"completion_tokens", response.Usage.CompletionTokens,
			"total_tokens", response.Usage.TotalTokens,
		),
	)
	logger.DebugContext(ctx, "response content", "content", content)

	return Message{Role: RoleAssistant, Content: content}, response.Usage.TotalTokens, nil
}
