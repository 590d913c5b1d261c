// Package chattest is an in-process chat backend speaking the same REST and
// websocket protocol as the production server. It backs the SDK tests and
// the devserver command.
package chattest

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	headspa "github.com/headspa-studio/headspa-sdk-go"
)

// Server holds users, conversations and live websocket connections in
// memory. It is goroutine-safe.
type Server struct {
	logger       zerolog.Logger
	now          func() time.Time
	echoClientID bool

	mu       sync.Mutex
	users    map[string]headspa.User
	tokens   map[string]string
	convs    map[string]*headspa.Conversation
	messages map[string][]headspa.Message
	unread   map[string]map[string]int
	conns    map[string]map[*websocket.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock sets the source of message and conversation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithClientIDEcho makes broadcasts carry the clientId of the send payload.
func WithClientIDEcho(enabled bool) Option {
	return func(s *Server) { s.echoClientID = enabled }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[string]headspa.User),
		tokens:   make(map[string]string),
		convs:    make(map[string]*headspa.Conversation),
		messages: make(map[string][]headspa.Message),
		unread:   make(map[string]map[string]int),
		conns:    make(map[string]map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers u, authenticated by token.
func (s *Server) AddUser(u headspa.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	if token != "" {
		s.tokens[token] = u.ID
	}
}

// Handler returns the HTTP handler: REST under /api, websocket at /ws.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/ws", s.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/users", s.listUsers)
		r.Get("/chat", s.listConversations)
		r.Get("/chat/{id}/messages", s.listMessages)
		r.Post("/chat/start-with-admin", s.startWithAdmin)
		r.Post("/chat/admin/start-conversation/{clientId}", s.startWithClient)
		r.Post("/chat/send-message", s.sendMessage)
	})
	return r
}

// ── Test hooks ───────────────────────────────────────────

// StartConversation finds or creates the conversation between a client and
// an admin.
func (s *Server) StartConversation(clientID, adminID string) (headspa.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.users[clientID]
	if !ok {
		return headspa.Conversation{}, false
	}
	admin, ok := s.users[adminID]
	if !ok {
		return headspa.Conversation{}, false
	}
	return *s.findOrCreateLocked(client, admin), true
}

// Post stores a message from senderID and pushes it to every connection of
// both participants.
func (s *Server) Post(conversationID, senderID, content string) (headspa.Message, error) {
	return s.post(conversationID, senderID, content, "")
}

// Connections returns the number of live websocket connections of userID.
func (s *Server) Connections(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// Disconnect drops every websocket connection of userID.
func (s *Server) Disconnect(userID string) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns[userID]))
	for c := range s.conns[userID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server disconnect")
	}
}

// Conversations returns the number of stored conversations.
func (s *Server) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// ── Store ────────────────────────────────────────────────

func (s *Server) findOrCreateLocked(client, admin headspa.User) *headspa.Conversation {
	for _, c := range s.convs {
		if c.HasParticipant(client.ID) && c.HasParticipant(admin.ID) {
			return c
		}
	}
	now := s.now()
	c := &headspa.Conversation{
		ID:           uuid.NewString(),
		Participants: []headspa.User{client, admin},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[c.ID] = c
	s.unread[c.ID] = make(map[string]int)
	s.logger.Debug().Str("conversation_id", c.ID).Str("client_id", client.ID).Str("admin_id", admin.ID).Msg("conversation created")
	return c
}

func (s *Server) viewLocked(c *headspa.Conversation, userID string) headspa.Conversation {
	out := *c
	out.Participants = append([]headspa.User(nil), c.Participants...)
	out.UnreadCount = s.unread[c.ID][userID]
	return out
}

func (s *Server) post(conversationID, senderID, content, clientID string) (headspa.Message, error) {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return headspa.Message{}, errNotFound
	}
	if !c.HasParticipant(senderID) {
		s.mu.Unlock()
		return headspa.Message{}, errForbidden
	}
	if strings.TrimSpace(content) == "" {
		s.mu.Unlock()
		return headspa.Message{}, errEmpty
	}

	m := headspa.Message{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		Sender:         s.users[senderID],
		Content:        content,
		Timestamp:      s.now(),
		ReadBy:         []string{senderID},
	}
	if s.echoClientID {
		m.ClientID = clientID
	}
	s.messages[c.ID] = append(s.messages[c.ID], m)
	last := m
	c.LastMessage = &last
	c.UpdatedAt = m.Timestamp

	var targets []*websocket.Conn
	for _, p := range c.Participants {
		if p.ID != senderID {
			s.unread[c.ID][p.ID]++
		}
		for conn := range s.conns[p.ID] {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()

	s.push(targets, headspa.EventReceiveMessage, m)
	return m, nil
}

// ── Helpers ──────────────────────────────────────────────

type ctxKey struct{}

func userFrom(ctx context.Context) headspa.User {
	u, _ := ctx.Value(ctxKey{}).(headspa.User)
	return u
}

func (s *Server) userForToken(r *http.Request) (headspa.User, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return headspa.User{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return headspa.User{}, false
	}
	u, ok := s.users[id]
	return u, ok
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.userForToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authorized, no valid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

func writeResult(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, status, headspa.Result{Success: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, headspa.Result{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sortByRecency(convs []headspa.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
