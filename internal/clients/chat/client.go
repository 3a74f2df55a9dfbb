// Package chat delivers user-facing messages through the chat gateway.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 25 // messages per second across all chats
)

// Client implements the ChatClient interface.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithToken sets the gateway auth token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithRateLimit sets the message rate limit
func WithRateLimit(messagesPerSecond int) ClientOption {
	return func(c *Client) {
		if messagesPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(messagesPerSecond), messagesPerSecond)
		}
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new chat client
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SendMessage delivers one message. The text must already fit the gateway's
// length limit; the notifier truncates before calling.
func (c *Client) SendMessage(ctx context.Context, chatID, text, parseMode string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, ParseMode: parseMode})
	if err != nil {
		return models.NewError(models.ErrKindFatal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return models.NewError(models.ErrKindFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Errorf(models.ErrKindTransient, "chat request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return models.Errorf(models.ErrKindRateLimited, "chat gateway returned 429: %s", snippet)
		case resp.StatusCode >= 500:
			return models.Errorf(models.ErrKindTransient, "chat gateway returned %d: %s", resp.StatusCode, snippet)
		default:
			return models.Errorf(models.ErrKindInvalidInput, "chat gateway returned %d: %s", resp.StatusCode, snippet)
		}
	}

	c.logger.Debug().Str("chat_id", chatID).Str("parse_mode", parseMode).Msg("Message sent")
	return nil
}

var _ interfaces.ChatClient = (*Client)(nil)
