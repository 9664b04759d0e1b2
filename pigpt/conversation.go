package pigpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
)

const tokenBudgetExceededFormat = "`%d tokens used. Conversation history has now been cleared. Last response:\n%s`"

// ConversationManager runs conversation turns: it loads a user's history,
// gets the next reply from the Completer and persists the result, all
// while holding the user's lease.
type ConversationManager struct {
	store     Store
	completer Completer
	window    int
	maxTokens int
	logger    *slog.Logger
	metrics   *Metrics
}

func NewConversationManager(
	store Store,
	completer Completer,
	window int,
	maxTokens int,
	logger *slog.Logger,
) *ConversationManager {
	if window <= 0 {
		window = DefaultOpenAIWindow
	}
	if maxTokens <= 0 {
		maxTokens = DefaultOpenAIMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationManager{
		store:     store,
		completer: completer,
		window:    window,
		maxTokens: maxTokens,
		logger:    logger.With(loggerNameKey, "conversation"),
	}
}

// HandleTurn appends userText to the user's history, generates a reply and
// persists the updated history, returning the reply text.
//
// If the backend reports using at least the token budget, the persisted
// history is reset to just the system message, and the reply is prefixed
// with a notice including the number of tokens used.
//
// ErrUserBusy is returned if another turn for the user is in progress.
// Store failures are returned as *StorageError, and backend failures as
// *CompletionError. The lease is released in every case.
func (c *ConversationManager) HandleTurn(
	ctx context.Context,
	user string,
	userText string,
) (reply string, err error) {
	ctx, logger := contextLoggerOr(ctx, c.logger)

	outcome := outcomeOK
	defer func() {
		if c.metrics != nil {
			c.metrics.turns.WithLabelValues(turnOutcome(outcome, err)).Inc()
		}
	}()

	err = WithLock(
		ctx, c.store, user, func(ctx context.Context) error {
			history, loadErr := c.store.LoadHistory(ctx, user)
			if loadErr != nil {
				return loadErr
			}
			history = append(history, Message{Role: RoleUser, Content: userText})

			generated, tokensUsed, completeErr := c.completer.Complete(
				ctx,
				history,
				c.window,
				c.maxTokens,
			)
			if completeErr != nil {
				var ce *CompletionError
				if !errors.As(completeErr, &ce) {
					completeErr = &CompletionError{Err: completeErr}
				}
				return completeErr
			}
			if c.metrics != nil {
				c.metrics.tokensUsed.Observe(float64(tokensUsed))
			}
			history = append(history, generated)

			if tokensUsed >= c.maxTokens {
				logger.WarnContext(
					ctx,
					"token budget exceeded, clearing history",
					"user_id", user,
					"tokens_used", tokensUsed,
					"max_tokens", c.maxTokens,
					"history_length", len(history),
				)
				if clearErr := c.store.ClearHistory(ctx, user); clearErr != nil {
					return clearErr
				}
				outcome = outcomeReset
				reply = fmt.Sprintf(tokenBudgetExceededFormat, tokensUsed, generated.Content)
				return nil
			}

			if saveErr := c.store.SaveHistory(ctx, user, history); saveErr != nil {
				return saveErr
			}
			logger.InfoContext(
				ctx,
				"saved conversation",
				"user_id", user,
				"tokens_used", tokensUsed,
				"history_length", len(history),
			)
			reply = generated.Content
			return nil
		},
	)
	if err != nil {
		if !errors.Is(err, ErrUserBusy) {
			logger.ErrorContext(ctx, "error handling turn", "user_id", user, tint.Err(err))
		}
		return "", err
	}
	return reply, nil
}

// Clear resets the user's history to just the system message
func (c *ConversationManager) Clear(ctx context.Context, user string) error {
	ctx, logger := contextLoggerOr(ctx, c.logger)
	err := WithLock(
		ctx, c.store, user, func(ctx context.Context) error {
			return c.store.ClearHistory(ctx, user)
		},
	)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "cleared conversation", "user_id", user)
	return nil
}

// turnOutcome returns the metric label for a finished turn
func turnOutcome(outcome string, err error) string {
	if err == nil {
		return outcome
	}
	var se *StorageError
	var ce *CompletionError
	switch {
	case errors.Is(err, ErrUserBusy):
		return outcomeBusy
	case errors.As(err, &ce):
		return outcomeCompletion
	case errors.As(err, &se):
		return outcomeStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeError
	}
}
