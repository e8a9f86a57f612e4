package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to the Telegram Bot API. It carries no per-user state.
type Client struct {
	BotToken string
	APIBase  string
	HTTP     *http.Client
	logger   *zap.Logger
}

// NewClient creates a Bot API client with optional proxy support.
func NewClient(botToken, apiBase, proxyURL string, logger *zap.Logger) *Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Client{
		BotToken: botToken,
		APIBase:  strings.TrimRight(apiBase, "/"),
		HTTP: &http.Client{
			Timeout:   40 * time.Second,
			Transport: transport,
		},
		logger: logger,
	}
}

// APIError is a Bot API call that came back with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int // seconds, set on 429
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %ds)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.APIBase, c.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}

	var r apiResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("telegram %s: status %d, body: %s", method, resp.StatusCode, truncate(string(raw), 200))
	}
	if !r.OK {
		apiErr := &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
		if r.Parameters != nil {
			apiErr.RetryAfter = r.Parameters.RetryAfter
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// OutgoingMessage is one text message. ReplyTo, when set, threads the message
// under an earlier one; the send still succeeds if that message is gone.
type OutgoingMessage struct {
	ChatID  int64
	Text    string
	ReplyTo int64
}

// SendMessage sends an HTML text message and returns its message id.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (int64, error) {
	payload := map[string]interface{}{
		"chat_id":                  msg.ChatID,
		"text":                     msg.Text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if msg.ReplyTo != 0 {
		payload["reply_parameters"] = map[string]interface{}{
			"message_id":                  msg.ReplyTo,
			"allow_sending_without_reply": true,
		}
	}
	var sent Message
	if err := c.call(ctx, "sendMessage", payload, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// GetMe returns the bot's own user; used to check credentials at startup.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", struct{}{}, &u)
	return u, err
}

// GetChat resolves a chat or user id. It is the cheap lookup used to
// establish a peer before delivering queued messages.
func (c *Client) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	var ch Chat
	err := c.call(ctx, "getChat", map[string]interface{}{"chat_id": chatID}, &ch)
	return ch, err
}

// GetChatMember returns the user's membership in chatID.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error) {
	var m ChatMember
	err := c.call(ctx, "getChatMember", map[string]interface{}{"chat_id": chatID, "user_id": userID}, &m)
	return m, err
}

// IsMember reports whether userID currently belongs to chatID.
func (c *Client) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	m, err := c.GetChatMember(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	return m.Active(), nil
}

func (c *Client) BanChatMember(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "banChatMember", map[string]interface{}{"chat_id": chatID, "user_id": userID}, nil)
}

// UnbanChatMember lifts a ban without re-adding the user, so they can rejoin later.
func (c *Client) UnbanChatMember(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "unbanChatMember", map[string]interface{}{
		"chat_id": chatID, "user_id": userID, "only_if_banned": true,
	}, nil)
}

// RemoveMember kicks userID from chatID with a ban followed by an unban.
func (c *Client) RemoveMember(ctx context.Context, chatID, userID int64) error {
	if err := c.BanChatMember(ctx, chatID, userID); err != nil {
		return err
	}
	return c.UnbanChatMember(ctx, chatID, userID)
}

func (c *Client) ApproveChatJoinRequest(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "approveChatJoinRequest", map[string]interface{}{"chat_id": chatID, "user_id": userID}, nil)
}

func (c *Client) DeclineChatJoinRequest(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "declineChatJoinRequest", map[string]interface{}{"chat_id": chatID, "user_id": userID}, nil)
}

// DeleteMessage removes a message, typically a join/leave service message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]interface{}{"chat_id": chatID, "message_id": messageID}, nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
