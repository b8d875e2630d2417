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

	"github.com/tokengate/tokengate/internal/util"
)

const telegramBaseURL = "https://api.telegram.org"

// notifyTimeout bounds fire-and-forget notifications that run outside any
// request context.
const notifyTimeout = 10 * time.Second

// Messenger delivers outbound messages to the chat transport.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Update is one inbound transport event.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is one inbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
}

// User identifies a message sender.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// TelegramClient is a minimal Bot API client: long-poll updates in, messages
// out. The chat protocol itself is a collaborator, not part of the metering
// core, so only the handful of calls the bot needs are implemented.
type TelegramClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// TelegramOption configures the client.
type TelegramOption func(*TelegramClient)

// WithTelegramBaseURL overrides the API endpoint, mainly for tests.
func WithTelegramBaseURL(base string) TelegramOption {
	return func(c *TelegramClient) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithTelegramHTTPClient sets a custom HTTP client.
func WithTelegramHTTPClient(httpClient *http.Client) TelegramOption {
	return func(c *TelegramClient) { c.httpClient = httpClient }
}

// NewTelegramClient creates a Bot API client for the given token.
func NewTelegramClient(token string, opts ...TelegramOption) *TelegramClient {
	c := &TelegramClient{
		baseURL: telegramBaseURL,
		token:   token,
		// Long polls hold the connection open for up to 30s; leave headroom.
		httpClient: &http.Client{Timeout: 50 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Messenger = (*TelegramClient)(nil)

// GetUpdates long-polls for inbound updates after offset.
func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var reply struct {
		OK     bool     `json:"ok"`
		Result []Update `json:"result"`
	}
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": 30,
	}, &reply)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, fmt.Errorf("chat: getUpdates rejected")
	}
	return reply.Result, nil
}

// SendMessage delivers text to a chat.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// SendChatAction sets a transient status such as "typing".
func (c *TelegramClient) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  action,
	}, nil)
}

// call posts a JSON payload to one Bot API method.
func (c *TelegramClient) call(ctx context.Context, method string, payload map[string]any, out any) error {
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return fmt.Errorf("chat: marshal %s: %w", method, errMarshal)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, errRequest := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if errRequest != nil {
		return fmt.Errorf("chat: build %s: %w", method, errRequest)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		// Transport errors echo the URL, which embeds the bot token.
		msg := errDo.Error()
		if c.token != "" {
			msg = strings.ReplaceAll(msg, c.token, util.HideSecret(c.token))
		}
		return fmt.Errorf("chat: %s: %s", method, msg)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat: %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(out); errDecode != nil {
		return fmt.Errorf("chat: decode %s: %w", method, errDecode)
	}
	return nil
}
