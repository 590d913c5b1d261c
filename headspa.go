// Package headspa provides the Go SDK for the head-spa site's chat backend.
//
// It covers the REST chat gateway, the realtime channel, and the chat
// synchronization Engine that keeps a conversation list and the message
// stream of the selected conversation consistent with the server.
//
// Example:
//
//	client := headspa.NewClient(token, headspa.WithBaseURL("https://spa.example.com/api"))
//
//	// REST
//	convs, _ := client.Chat.ListConversations(ctx)
//
//	// Engine
//	engine := headspa.NewEngine(client.Gateway(), client.Realtime.Dialer(nil))
//	engine.Init(ctx, me)
//	defer engine.Dispose()
//	engine.SelectConversation(ctx, &convs[0])
//	engine.SendMessage(ctx, adminID, "Bonjour")
package headspa

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

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	DefaultTimeout = 30 * time.Second
)

// TokenSource yields the current bearer token. An empty token means the
// request goes out without an Authorization header.
type TokenSource func() string

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	tokens     TokenSource
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *Metrics

	Chat     *ChatClient
	Users    *UsersClient
	Realtime *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenSource reads the token on every request instead of using the
// static token passed to NewClient.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a new chat API client.
// token is optional; pass "" for unauthenticated contexts.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Chat = &ChatClient{client: c}
	c.Users = &UsersClient{client: c}
	c.Realtime = &RealtimeClient{client: c}
	return c
}

// SetToken sets or replaces the static bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) currentToken() string {
	if c.tokens != nil {
		return c.tokens()
	}
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}) (res *Result, err error) {
	start := time.Now()
	defer func() {
		c.metrics.request(op, time.Since(start).Seconds(), err)
		if err != nil {
			c.logger.Debug().Err(err).Str("op", op).Str("path", path).Msg("chat request failed")
		}
	}()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeResult(resp.StatusCode, data)
}

func decodeResult(status int, data []byte) (*Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if status >= http.StatusBadRequest {
			return nil, &APIError{Status: status, Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "request failed"
		}
		return nil, &APIError{Status: status, Message: msg}
	}
	return &result, nil
}

func decodeData[T any](res *Result, what string) (T, error) {
	var out T
	if err := res.Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return out, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ChatClient handles conversations and message history.
type ChatClient struct{ client *Client }

// ListConversations lists the conversations of the current identity.
func (cc *ChatClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	res, err := cc.client.do(ctx, "list_conversations", http.MethodGet, "/chat", nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](res, "conversations")
}

// ListMessages returns the message history of a conversation.
func (cc *ChatClient) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := cc.client.do(ctx, "list_messages", http.MethodGet, "/chat/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Message](res, "messages")
}

// StartWithAdmin finds or creates the caller's conversation with the admin.
// Client accounts only.
func (cc *ChatClient) StartWithAdmin(ctx context.Context) (*Conversation, error) {
	res, err := cc.client.do(ctx, "start_with_admin", http.MethodPost, "/chat/start-with-admin", nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeData[Conversation](res, "conversation")
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// StartWithClient finds or creates the conversation with a client.
// Admin accounts only.
func (cc *ChatClient) StartWithClient(ctx context.Context, clientID string) (*Conversation, error) {
	res, err := cc.client.do(ctx, "start_with_client", http.MethodPost, "/chat/admin/start-conversation/"+url.PathEscape(clientID), nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeData[Conversation](res, "conversation")
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// SendMessage posts a message over REST. The realtime channel is the
// primary send path; this is the fallback.
func (cc *ChatClient) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidPayload)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	if err := validatePayload(req); err != nil {
		return nil, err
	}
	res, err := cc.client.do(ctx, "send_message", http.MethodPost, "/chat/send-message", req)
	if err != nil {
		return nil, err
	}
	msg, err := decodeData[Message](res, "message")
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UsersClient handles the user roster.
type UsersClient struct{ client *Client }

// List returns every user visible to the caller.
func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	res, err := u.client.do(ctx, "list_users", http.MethodGet, "/users", nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]User](res, "users")
}

// Clients returns the users with the client role.
func (u *UsersClient) Clients(ctx context.Context) ([]User, error) {
	users, err := u.List(ctx)
	if err != nil {
		return nil, err
	}
	clients := make([]User, 0, len(users))
	for _, usr := range users {
		if usr.Role == RoleClient {
			clients = append(clients, usr)
		}
	}
	return clients, nil
}

// ============================================================================
// Engine gateway
// ============================================================================

// ChatGateway is the REST surface the Engine depends on.
type ChatGateway interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	StartWithAdmin(ctx context.Context) (*Conversation, error)
	StartWithClient(ctx context.Context, clientID string) (*Conversation, error)
	ListClients(ctx context.Context) ([]User, error)
}

type gateway struct {
	*ChatClient
	users *UsersClient
}

func (g gateway) ListClients(ctx context.Context) ([]User, error) {
	return g.users.Clients(ctx)
}

// Gateway returns the client as a ChatGateway for NewEngine.
func (c *Client) Gateway() ChatGateway {
	return gateway{ChatClient: c.Chat, users: c.Users}
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeClient builds realtime channels bound to the client's base URL
// and token.
type RealtimeClient struct{ client *Client }

// WSUrl returns the websocket URL for userID.
func (r *RealtimeClient) WSUrl(userID string) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.TrimSuffix(base, "/api")
	return base + "/ws?userId=" + url.QueryEscape(userID)
}

// Dialer returns a Dialer for the engine. A nil config uses the defaults
// with AutoReconnect enabled and the client's logger and metrics.
func (r *RealtimeClient) Dialer(config *ChannelConfig) *WSDialer {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	} else {
		cfg.AutoReconnect = true
		cfg.Logger = r.client.logger
		cfg.Metrics = r.client.metrics
	}
	if cfg.Token == nil {
		cfg.Token = r.client.currentToken
	}
	return NewWSDialer(r.WSUrl, cfg)
}
