package pigpt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// RelayError is returned by RelayClient when the relay responds with an
// unexpected status
type RelayError struct {
	StatusCode int
	Message    string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// RelayClient is a Responder which sends messages to a remote relay's
// POST /process endpoint
type RelayClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewRelayClient(url string, client *http.Client, logger *slog.Logger) *RelayClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultRelayClientHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayClient{url: url, client: client, logger: logger}
}

// Respond implements Responder. A 409 response is returned as ErrUserBusy.
func (r *RelayClient) Respond(ctx context.Context, user string, text string) (string, error) {
	ctx, logger := contextLoggerOr(ctx, r.logger)

	body, err := json.Marshal(
		ProcessRequest{
			Username:     user,
			MessageInput: text,
			InputType:    InputTypeText,
		},
	)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("error creating relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending relay request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading relay response: %w", err)
	}
	logger.DebugContext(
		ctx,
		"got relay response",
		"status_code", resp.StatusCode,
		"request_id", resp.Header.Get(xRequestIDHeader),
	)

	switch resp.StatusCode {
	case http.StatusOK:
		var reply string
		if err = json.Unmarshal(data, &reply); err != nil {
			return "", fmt.Errorf("error decoding relay response: %w", err)
		}
		return reply, nil
	case http.StatusConflict:
		return "", ErrUserBusy
	default:
		var he httpError
		if jsonErr := json.Unmarshal(data, &he); jsonErr != nil || he.Error == "" {
			he.Error = http.StatusText(resp.StatusCode)
		}
		return "", &RelayError{StatusCode: resp.StatusCode, Message: he.Error}
	}
}

var _ Responder = (*RelayClient)(nil)
var _ Responder = (*Dispatcher)(nil)

