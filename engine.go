package headspa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// backgroundRefreshTimeout bounds list refreshes the engine starts itself.
const backgroundRefreshTimeout = 15 * time.Second

// ============================================================================
// State
// ============================================================================

// State is a snapshot of the engine for rendering.
type State struct {
	User          *User
	Conversations []Conversation
	Messages      []Message
	Selected      *Conversation
	Loading       bool
	Error         string
	Connection    ConnState
}

// ============================================================================
// Options
// ============================================================================

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithEngineLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for optimistic ids and timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithCorrelationIDs makes outbound sends carry a clientId that the backend
// echoes back. Off by default.
func WithCorrelationIDs(enabled bool) EngineOption {
	return func(e *Engine) { e.correlate = enabled }
}

// WithRequestTimeout bounds every gateway call. Zero keeps the caller's
// context as is.
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the chat synchronization engine. It owns the realtime channel of
// the signed-in user, keeps the conversation list and the message stream of
// the selected conversation in sync, and reconciles optimistic sends with
// their server echo.
//
// Operations return their error and also record it for the UI: a failed
// fetch sets State.Error, every failure raises a Notification. Events that
// belong to a torn-down identity are dropped.
type Engine struct {
	gateway   ChatGateway
	dialer    Dialer
	logger    zerolog.Logger
	notifier  Notifier
	metrics   *Metrics
	now       func() time.Time
	correlate bool
	timeout   time.Duration

	convs *ConversationStore
	msgs  *MessageStore
	subs  listeners[State]

	mu       sync.Mutex
	user     *User
	channel  Channel
	gen      uint64
	selGen   uint64
	selected *Conversation
	loading  int
	chatErr  string
	dropped  bool
}

// NewEngine creates an engine. It stays idle until Init.
func NewEngine(gateway ChatGateway, dialer Dialer, opts ...EngineOption) *Engine {
	e := &Engine{
		gateway: gateway,
		dialer:  dialer,
		logger:  zerolog.Nop(),
		now:     time.Now,
		convs:   NewConversationStore(),
		msgs:    NewMessageStore(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ── Lifecycle ────────────────────────────────────────────

// OnSessionChanged follows the session provider: a settled identity opens
// the engine for it, no identity tears it down, a resolving session is
// ignored.
func (e *Engine) OnSessionChanged(ctx context.Context, s Session) error {
	if s.Resolving {
		return nil
	}
	if !s.IsAuthenticated() {
		e.Dispose()
		return nil
	}
	return e.Init(ctx, *s.User)
}

// Init opens the realtime channel for user and loads the conversation list.
// Calling it again for the same user is a no-op; a different user replaces
// the previous one after closing its channel.
//
// A failed connect is not returned: the channel reports it as an event and
// keeps retrying. The returned error is the conversation fetch's.
func (e *Engine) Init(ctx context.Context, user User) error {
	if user.ID == "" {
		return e.reject("init", ErrNotAuthenticated)
	}

	e.mu.Lock()
	if e.user != nil && e.user.ID == user.ID && e.channel != nil {
		e.mu.Unlock()
		return nil
	}
	old := e.teardownLocked()
	gen := e.gen
	u := user
	e.user = &u
	ch := e.dialer.Dial(user.ID, func(ev Event) { e.dispatch(gen, ev) })
	e.channel = ch
	e.mu.Unlock()

	if old != nil {
		e.closeChannel(old)
	}
	e.logger.Info().Str("user_id", user.ID).Str("role", string(user.Role)).Msg("chat session started")
	e.publish()

	if err := ch.Connect(ctx); err != nil {
		e.logger.Warn().Err(err).Str("user_id", user.ID).Msg("realtime connect failed")
	}
	return e.FetchConversations(ctx)
}

// Dispose closes the channel and clears all chat state. Events delivered
// afterwards are ignored. The engine can be initialized again.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.user == nil && e.channel == nil {
		e.mu.Unlock()
		return
	}
	ch := e.teardownLocked()
	e.mu.Unlock()

	if ch != nil {
		e.closeChannel(ch)
	}
	e.logger.Info().Msg("chat session closed")
	e.publish()
}

func (e *Engine) teardownLocked() Channel {
	ch := e.channel
	e.channel = nil
	e.user = nil
	e.gen++
	e.selGen++
	e.selected = nil
	e.loading = 0
	e.chatErr = ""
	e.dropped = false
	e.convs.Reset()
	e.msgs.Reset()
	return ch
}

func (e *Engine) closeChannel(ch Channel) {
	if err := ch.Close(); err != nil {
		e.logger.Debug().Err(err).Msg("realtime close")
	}
}

// ── Conversations ────────────────────────────────────────

// FetchConversations replaces the conversation list with the server's. It
// does nothing without a signed-in user.
func (e *Engine) FetchConversations(ctx context.Context) error {
	e.mu.Lock()
	if e.user == nil {
		e.mu.Unlock()
		return ErrNotAuthenticated
	}
	gen := e.gen
	e.loading++
	e.mu.Unlock()
	e.publish()

	ctx, cancel := e.withTimeout(ctx)
	convs, err := e.gateway.ListConversations(ctx)
	cancel()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	e.loading--
	if err != nil {
		e.chatErr = "failed to load conversations: " + err.Error()
		e.mu.Unlock()
		e.fail("fetch_conversations", "Could not load conversations", err)
		e.publish()
		return err
	}
	e.convs.Replace(convs)
	if e.selected != nil {
		e.convs.ZeroUnread(e.selected.ID)
	}
	e.chatErr = ""
	e.mu.Unlock()

	e.publish()
	return nil
}

// SelectConversation makes c the active conversation and loads its history.
// A nil c clears the selection.
func (e *Engine) SelectConversation(ctx context.Context, c *Conversation) error {
	e.mu.Lock()
	if e.user == nil {
		e.mu.Unlock()
		return e.reject("select_conversation", ErrNotAuthenticated)
	}
	e.selGen++
	e.msgs.Reset()
	if c == nil {
		e.selected = nil
		e.mu.Unlock()
		e.publish()
		return nil
	}
	sel := c.clone()
	sel.UnreadCount = 0
	e.selected = &sel
	e.convs.ZeroUnread(c.ID)
	e.mu.Unlock()

	e.logger.Debug().Str("conversation_id", c.ID).Msg("conversation selected")
	e.publish()
	return e.FetchMessages(ctx, c.ID)
}

// FetchMessages loads the history of conversationID into the message
// stream and marks it read. Messages received while the request was in
// flight survive the merge. A response that arrives after the
// selection moved elsewhere is dropped.
func (e *Engine) FetchMessages(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	if e.user == nil {
		e.mu.Unlock()
		return e.reject("fetch_messages", ErrNotAuthenticated)
	}
	if conversationID == "" {
		e.mu.Unlock()
		return e.reject("fetch_messages", ErrNoConversation)
	}
	gen, selGen := e.gen, e.selGen
	e.loading++
	e.mu.Unlock()
	e.publish()

	ctx, cancel := e.withTimeout(ctx)
	msgs, err := e.gateway.ListMessages(ctx, conversationID)
	cancel()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	e.loading--
	if err != nil {
		e.chatErr = "failed to load messages: " + err.Error()
		e.mu.Unlock()
		e.fail("fetch_messages", "Could not load messages", err)
		e.publish()
		return err
	}
	if selGen != e.selGen || e.selected == nil || e.selected.ID != conversationID {
		e.mu.Unlock()
		e.logger.Debug().Str("conversation_id", conversationID).Msg("dropping stale message history")
		e.publish()
		return nil
	}
	e.msgs.Merge(msgs)
	e.convs.ZeroUnread(conversationID)
	e.selected.UnreadCount = 0
	e.chatErr = ""
	e.mu.Unlock()

	e.publish()
	return nil
}

// StartConversationWithAdmin finds or creates the signed-in client's
// conversation with the admin, then selects it. Client accounts only.
func (e *Engine) StartConversationWithAdmin(ctx context.Context) (*Conversation, error) {
	return e.startConversation(ctx, "start_with_admin", RoleClient, e.gateway.StartWithAdmin)
}

// StartConversationWithClient finds or creates the conversation with
// clientID, then selects it. Admin accounts only.
func (e *Engine) StartConversationWithClient(ctx context.Context, clientID string) (*Conversation, error) {
	if clientID == "" {
		return nil, e.reject("start_with_client", fmt.Errorf("%w: client id is empty", ErrInvalidPayload))
	}
	return e.startConversation(ctx, "start_with_client", RoleAdmin, func(ctx context.Context) (*Conversation, error) {
		return e.gateway.StartWithClient(ctx, clientID)
	})
}

func (e *Engine) startConversation(ctx context.Context, op string, role Role, start func(context.Context) (*Conversation, error)) (*Conversation, error) {
	e.mu.Lock()
	if e.user == nil {
		e.mu.Unlock()
		return nil, e.reject(op, ErrNotAuthenticated)
	}
	if e.user.Role != role {
		e.mu.Unlock()
		return nil, e.reject(op, ErrWrongRole)
	}
	gen := e.gen
	e.loading++
	e.mu.Unlock()
	e.publish()

	rctx, cancel := e.withTimeout(ctx)
	conv, err := start(rctx)
	cancel()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return conv, nil
	}
	e.loading--
	if err == nil && conv == nil {
		err = errors.New("empty conversation in response")
	}
	if err != nil {
		e.chatErr = "failed to start conversation: " + err.Error()
		e.mu.Unlock()
		e.fail(op, "Could not start the conversation", err)
		e.publish()
		return nil, err
	}
	e.convs.Upsert(*conv)
	e.mu.Unlock()

	e.publish()
	if err := e.SelectConversation(ctx, conv); err != nil {
		return conv, err
	}
	return conv, nil
}

// ClientRoster lists the client accounts an admin can start a chat with.
func (e *Engine) ClientRoster(ctx context.Context) ([]User, error) {
	e.mu.Lock()
	user := e.user
	e.mu.Unlock()
	if user == nil {
		return nil, e.reject("client_roster", ErrNotAuthenticated)
	}
	if user.Role != RoleAdmin {
		return nil, e.reject("client_roster", ErrWrongRole)
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	clients, err := e.gateway.ListClients(ctx)
	if err != nil {
		e.mu.Lock()
		e.chatErr = "failed to load clients: " + err.Error()
		e.mu.Unlock()
		e.fail("client_roster", "Could not load clients", err)
		e.publish()
		return nil, err
	}
	return clients, nil
}

// ── Messages ─────────────────────────────────────────────

// SendMessage appends an optimistic message to the selected conversation
// and emits it on the realtime channel. It does not wait for the server
// echo. An empty receiverID addresses the selected conversation's
// counterpart.
func (e *Engine) SendMessage(ctx context.Context, receiverID, content string) error {
	const op = "send_message"
	if strings.TrimSpace(content) == "" {
		return e.reject(op, ErrEmptyContent)
	}

	e.mu.Lock()
	if e.user == nil {
		e.mu.Unlock()
		return e.reject(op, ErrNotAuthenticated)
	}
	if e.channel == nil || e.channel.State() != StateConnected {
		e.mu.Unlock()
		return e.reject(op, ErrNoChannel)
	}
	if e.selected == nil {
		e.mu.Unlock()
		return e.reject(op, ErrNoConversation)
	}
	self := *e.user
	if receiverID == "" {
		if other, ok := e.selected.Counterpart(self.ID); ok {
			receiverID = other.ID
		}
	}

	now := e.now()
	m := Message{
		ID:             fmt.Sprintf("temp_%d", now.UnixMilli()),
		ConversationID: e.selected.ID,
		Sender:         self,
		Content:        content,
		Timestamp:      now,
		ReadBy:         []string{self.ID},
		IsOptimistic:   true,
	}
	if e.correlate {
		m.ClientID = uuid.NewString()
	}
	payload := &SendMessagePayload{
		ConversationID: m.ConversationID,
		Sender:         self.ID,
		Content:        content,
		Receiver:       receiverID,
		ClientID:       m.ClientID,
	}
	if err := validatePayload(payload); err != nil {
		e.mu.Unlock()
		return e.reject(op, err)
	}
	e.msgs.Append(m)
	ch := e.channel
	e.mu.Unlock()

	e.metrics.optimisticSent()
	e.publish()

	if err := ch.Send(ctx, payload); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", m.ConversationID).Str("message_id", m.ID).Msg("realtime send failed")
		e.fail(op, "Message could not be sent", err)
		return err
	}
	return nil
}

// SetMessages overwrites the message stream. It is meant for hard resets.
func (e *Engine) SetMessages(msgs []Message) {
	e.msgs.Replace(msgs)
	e.publish()
}

// ── Realtime events ──────────────────────────────────────

// HandleEvent applies a realtime event to the current session.
func (e *Engine) HandleEvent(ev Event) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	e.dispatch(gen, ev)
}

func (e *Engine) dispatch(gen uint64, ev Event) {
	e.mu.Lock()
	live := gen == e.gen && e.user != nil
	e.mu.Unlock()
	if !live {
		return
	}

	switch ev := ev.(type) {
	case MessageEvent:
		e.receive(gen, ev.Message)
	case ConnectEvent:
		e.mu.Lock()
		back := e.dropped
		e.dropped = false
		e.mu.Unlock()
		e.logger.Info().Bool("reconnect", back).Msg("realtime connected")
		if back {
			e.notify(Notification{Severity: SeverityInfo, Op: "realtime", Message: "Chat reconnected"})
		}
		e.publish()
	case DisconnectEvent:
		e.mu.Lock()
		e.dropped = true
		e.mu.Unlock()
		e.logger.Warn().Int("code", ev.Code).Str("reason", ev.Reason).Msg("realtime disconnected")
		e.notify(Notification{Severity: SeverityWarning, Op: "realtime", Message: "Chat disconnected"})
		e.publish()
	case ReconnectingEvent:
		e.logger.Debug().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("realtime reconnecting")
		e.publish()
	case ErrorEvent:
		e.logger.Error().Err(ev.Err).Msg("realtime error")
		e.fail("realtime", "Chat connection error", ev.Err)
	default:
		e.logger.Debug().Str("event", ev.EventName()).Msg("unhandled realtime event")
	}
}

func (e *Engine) receive(gen uint64, m Message) {
	e.mu.Lock()
	if gen != e.gen || e.user == nil {
		e.mu.Unlock()
		return
	}
	selfID := e.user.ID
	selected := e.selected != nil && e.selected.ID == m.ConversationID

	match := "skipped"
	if selected {
		kind := e.msgs.Reconcile(m, selfID)
		match = string(kind)
		if kind == MatchNone && m.Sender.ID == selfID {
			e.logger.Warn().Str("conversation_id", m.ConversationID).Str("message_id", m.ID).
				Msg("own message had no pending optimistic entry")
		}
		e.selected.UnreadCount = 0
	}
	known := e.convs.ApplyMessage(m, selected, selfID)
	e.mu.Unlock()

	e.metrics.messageReceived(match)
	e.publish()

	if !known {
		e.logger.Debug().Str("conversation_id", m.ConversationID).Msg("message for unknown conversation, refreshing list")
		go e.refreshConversations(gen)
	}
}

// refreshConversations reloads the list off the channel's delivery
// goroutine so a slow request never holds back inbound events.
func (e *Engine) refreshConversations(gen uint64) {
	e.mu.Lock()
	current := gen == e.gen && e.user != nil
	e.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
	defer cancel()
	if err := e.FetchConversations(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("conversation refresh failed")
	}
}

// ── Read side ────────────────────────────────────────────

// State returns a snapshot of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		Conversations: e.convs.Conversations(),
		Messages:      e.msgs.Messages(),
		Loading:       e.loading > 0,
		Error:         e.chatErr,
		Connection:    StateDisconnected,
	}
	if e.user != nil {
		u := *e.user
		st.User = &u
	}
	if e.selected != nil {
		sel := e.selected.clone()
		if c, ok := e.convs.Get(sel.ID); ok {
			sel = c
		}
		st.Selected = &sel
	}
	if e.channel != nil {
		st.Connection = e.channel.State()
	}
	return st
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func unregisters it.
func (e *Engine) Subscribe(fn func(State)) (cancel func()) {
	return e.subs.add(fn)
}

// TotalUnread sums the unread counters of all conversations.
func (e *Engine) TotalUnread() int {
	return e.convs.TotalUnread()
}

// IsChatLoading reports whether any gateway call is in flight.
func (e *Engine) IsChatLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading > 0
}

// ChatError returns the last list or history load failure, or "".
func (e *Engine) ChatError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chatErr
}

// ── helpers ──────────────────────────────────────────────

func (e *Engine) publish() {
	e.subs.emit(e.State(), func(r interface{}) {
		e.logger.Error().Interface("panic", r).Msg("state subscriber panicked")
	})
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// reject reports a precondition failure. State is left untouched.
func (e *Engine) reject(op string, err error) error {
	e.logger.Debug().Err(err).Str("op", op).Msg("rejected")
	e.notify(Notification{Severity: SeverityWarning, Op: op, Message: err.Error(), Err: err})
	return err
}

func (e *Engine) fail(op, msg string, err error) {
	e.notify(Notification{Severity: SeverityError, Op: op, Message: msg, Err: err})
}

func (e *Engine) notify(n Notification) {
	if e.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = e.now()
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("notifier panicked")
		}
	}()
	e.notifier.Notify(n)
}
