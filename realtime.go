package headspa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

// Wire event names.
const (
	EventReceiveMessage = "receive_message"
	EventSendMessage    = "send_message"
	EventError          = "error"
)

// Event is one of ConnectEvent, DisconnectEvent, MessageEvent, ErrorEvent
// or ReconnectingEvent.
type Event interface {
	EventName() string
}

// ConnectEvent is emitted once the socket is open.
type ConnectEvent struct{}

// DisconnectEvent is emitted when an open socket drops.
type DisconnectEvent struct {
	Code   int
	Reason string
}

// MessageEvent carries a server-authoritative receive_message.
type MessageEvent struct {
	Message Message
}

// ErrorEvent carries a transport or server error. It is never fatal.
type ErrorEvent struct {
	Err error
}

// ReconnectingEvent is emitted before each reconnect attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

func (ConnectEvent) EventName() string      { return "connect" }
func (DisconnectEvent) EventName() string   { return "disconnect" }
func (MessageEvent) EventName() string      { return EventReceiveMessage }
func (ErrorEvent) EventName() string        { return "error" }
func (ReconnectingEvent) EventName() string { return "reconnecting" }

// EventHandler receives the events of one channel, one at a time and in
// arrival order.
type EventHandler func(Event)

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SendMessagePayload is the body of an outbound send_message. Sender and
// Receiver are user ids.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Sender         string `json:"sender" validate:"required"`
	Content        string `json:"content" validate:"required"`
	Receiver       string `json:"receiver" validate:"required"`
	ClientID       string `json:"clientId,omitempty"`
}

// ErrChannelClosed is returned by a channel after Close.
var ErrChannelClosed = errors.New("headspa: realtime channel closed")

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures realtime channels.
type ChannelConfig struct {
	Token                TokenSource
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               zerolog.Logger
	Metrics              *Metrics
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Channel is a bidirectional realtime connection for one user.
type Channel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, p *SendMessagePayload) error
	Close() error
	State() ConnState
}

// Dialer creates a channel for userID. The channel does not connect until
// Connect is called.
type Dialer interface {
	Dial(userID string, handler EventHandler) Channel
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter of the base. A connection
// that stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSDialer / WSChannel
// ============================================================================

// WSDialer dials websocket channels.
type WSDialer struct {
	urlFor func(userID string) string
	config ChannelConfig
}

// NewWSDialer returns a dialer for an explicit websocket URL builder.
func NewWSDialer(urlFor func(userID string) string, config ChannelConfig) *WSDialer {
	config.defaults()
	return &WSDialer{urlFor: urlFor, config: config}
}

// Dial implements Dialer.
func (d *WSDialer) Dial(userID string, handler EventHandler) Channel {
	return newWSChannel(d.urlFor(userID), d.config, handler)
}

// WSChannel is a websocket channel with auto-reconnect and heartbeat.
type WSChannel struct {
	url     string
	config  ChannelConfig
	handler EventHandler
	logger  zerolog.Logger

	life   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	state  ConnState
	closed bool
	recon  *reconnector

	emitMu sync.Mutex
}

func newWSChannel(url string, config ChannelConfig, handler EventHandler) *WSChannel {
	life, cancel := context.WithCancel(context.Background())
	return &WSChannel{
		url:     url,
		config:  config,
		handler: handler,
		logger:  config.Logger.With().Str("component", "realtime").Logger(),
		life:    life,
		cancel:  cancel,
		state:   StateDisconnected,
		recon:   newReconnector(&config),
	}
}

// State returns the current connection state.
func (ws *WSChannel) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect opens the websocket. On failure with AutoReconnect the channel
// keeps retrying in the background and the dial error is still returned.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return ErrChannelClosed
	}
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.mu.Unlock()

	err := ws.dial(ctx)
	if err == nil || errors.Is(err, ErrChannelClosed) {
		return err
	}

	ws.mu.Lock()
	ws.state = StateDisconnected
	retry := ws.config.AutoReconnect && !ws.closed
	ws.mu.Unlock()

	ws.emit(ErrorEvent{Err: err})
	if retry {
		go ws.reconnectLoop()
	}
	return err
}

// Close closes the socket and stops reconnecting. No event is delivered
// after Close returns, except one already being handled.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a send_message command.
func (ws *WSChannel) Send(ctx context.Context, p *SendMessagePayload) error {
	if p == nil {
		return fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if err := validatePayload(p); err != nil {
		return err
	}

	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNoChannel
	}

	data, err := json.Marshal(&command{Type: EventSendMessage, Payload: p})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSChannel) dial(ctx context.Context) error {
	opts := &websocket.DialOptions{HTTPClient: ws.config.HTTPClient}
	if ws.config.Token != nil {
		if token := ws.config.Token(); token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, ws.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ws.url, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrChannelClosed
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.recon.markConnected()
	ws.mu.Unlock()

	ws.logger.Debug().Str("url", ws.url).Msg("realtime connected")
	ws.emit(ConnectEvent{})

	go ws.readLoop(conn)
	go ws.heartbeatLoop(conn)
	return nil
}

func (ws *WSChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ws.life)
		if err != nil {
			ws.mu.Lock()
			closed := ws.closed
			if ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			retry := ws.config.AutoReconnect && !closed
			ws.mu.Unlock()
			if closed {
				return
			}

			ws.emit(DisconnectEvent{Code: int(websocket.CloseStatus(err)), Reason: err.Error()})
			if retry {
				ws.reconnectLoop()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.logger.Warn().Err(err).Msg("dropping malformed realtime frame")
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *WSChannel) dispatch(env Envelope) {
	switch env.Type {
	case EventReceiveMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			ws.emit(ErrorEvent{Err: fmt.Errorf("decode %s: %w", env.Type, err)})
			return
		}
		ws.emit(MessageEvent{Message: m})
	case EventError:
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		if p.Message == "" {
			p.Message = "realtime error"
		}
		ws.emit(ErrorEvent{Err: &APIError{Code: "REALTIME", Message: p.Message}})
	default:
		ws.logger.Debug().Str("type", env.Type).Msg("ignoring realtime event")
	}
}

func (ws *WSChannel) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.life.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			current := ws.conn == conn
			ws.mu.Unlock()
			if !current {
				return
			}

			ctx, cancel := context.WithTimeout(ws.life, 10*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				if ws.life.Err() != nil {
					return
				}
				// readLoop sees the close and reconnects.
				ws.logger.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSChannel) reconnectLoop() {
	for {
		ws.mu.Lock()
		if ws.closed {
			ws.mu.Unlock()
			return
		}
		if !ws.recon.shouldReconnect() {
			ws.state = StateDisconnected
			ws.mu.Unlock()
			ws.emit(ErrorEvent{Err: errors.New("realtime: reconnect attempts exhausted")})
			return
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.emit(ReconnectingEvent{Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ws.life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := ws.dial(ws.life)
		if err == nil || errors.Is(err, ErrChannelClosed) {
			return
		}
		ws.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		ws.emit(ErrorEvent{Err: err})
	}
}

// emit delivers ev unless the channel is closed. Handler panics are
// recovered.
func (ws *WSChannel) emit(ev Event) {
	ws.emitMu.Lock()
	defer ws.emitMu.Unlock()

	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if closed {
		return
	}
	ws.config.Metrics.channelEvent(ev.EventName())
	if ws.handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			ws.logger.Error().Interface("panic", r).Str("event", ev.EventName()).Msg("realtime handler panicked")
		}
	}()
	ws.handler(ev)
}
