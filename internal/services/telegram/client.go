// Package telegram delivers summaries to subscriber chats through the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vodsum/internal/services"
)

const defaultBaseURL = "https://api.telegram.org"

// Message is one outbound delivery.
type Message struct {
	ChatID int64
	Text   string
}

// SendResult carries the provider identifiers for a delivered message.
type SendResult struct {
	MessageID string
}

// Sender is the behaviour the fanout distributor depends on.
type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// Client wraps the Bot API sendMessage endpoint. Errors are tagged with the
// services markers so callers can distinguish a blocked chat (permanent, stop
// retrying and deactivate the recipient) from throttling or outages
// (transient, retry with backoff).
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a Bot API client.
func NewClient(token, baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram bot token required")
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	Result *struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts one message to a chat.
func (c *Client) Send(ctx context.Context, msg Message) (SendResult, error) {
	var empty SendResult
	if msg.ChatID == 0 {
		return empty, services.Wrap(services.ErrValidation, "telegram", "send", "chat id required", nil)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return empty, services.Wrap(services.ErrValidation, "telegram", "send", "message text required", nil)
	}

	encoded, err := json.Marshal(sendMessageRequest{ChatID: msg.ChatID, Text: msg.Text})
	if err != nil {
		return empty, fmt.Errorf("telegram send: encode body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("telegram send: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "telegram", "send", "read response", err)
	}

	var parsed sendMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return empty, services.Wrap(services.ErrTransient, "telegram", "send",
			fmt.Sprintf("decode response (http %d)", resp.StatusCode), err)
	}
	if !parsed.OK {
		return empty, classifyAPIError(resp.StatusCode, parsed)
	}
	if parsed.Result == nil {
		return empty, services.Wrap(services.ErrTransient, "telegram", "send", "response missing result", nil)
	}
	return SendResult{MessageID: strconv.FormatInt(parsed.Result.MessageID, 10)}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "telegram", "send", "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "telegram", "send", "request timed out", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "telegram", "send", "request timed out", err)
	}
	return services.Wrap(services.ErrTransient, "telegram", "send", "http error", err)
}

func classifyAPIError(status int, parsed sendMessageResponse) error {
	code := parsed.ErrorCode
	if code == 0 {
		code = status
	}
	desc := strings.TrimSpace(parsed.Description)
	if desc == "" {
		desc = fmt.Sprintf("http %d", status)
	}

	switch {
	case code == http.StatusForbidden:
		// Bot blocked or kicked from the chat. Retrying can never succeed.
		return services.Wrap(services.ErrPermanent, "telegram", "send", desc, nil)
	case code == http.StatusBadRequest:
		return services.Wrap(services.ErrValidation, "telegram", "send", desc, nil)
	case code == http.StatusTooManyRequests:
		if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
			desc = fmt.Sprintf("%s (retry after %ds)", desc, parsed.Parameters.RetryAfter)
		}
		return services.Wrap(services.ErrTransient, "telegram", "send", desc, nil)
	case code >= http.StatusInternalServerError:
		return services.Wrap(services.ErrTransient, "telegram", "send", desc, nil)
	default:
		return services.Wrap(services.ErrTransient, "telegram", "send", desc, nil)
	}
}
