package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	headspa "github.com/headspa-studio/headspa-sdk-go"
)

var (
	admin  = headspa.User{ID: "admin", Role: headspa.RoleAdmin}
	client = headspa.User{ID: "client-1", Role: headspa.RoleClient}
	other  = headspa.User{ID: "client-2", Role: headspa.RoleClient}
)

func newServer(t *testing.T) *Server {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	s := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	s.AddUser(admin, "admin-token")
	s.AddUser(client, "client-token")
	s.AddUser(other, "other-token")
	return s
}

func do(t *testing.T, h http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, headspa.Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res headspa.Result
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func TestServer_StartConversationIsIdempotent(t *testing.T) {
	s := newServer(t)

	a, ok := s.StartConversation(client.ID, admin.ID)
	require.True(t, ok)
	b, ok := s.StartConversation(client.ID, admin.ID)
	require.True(t, ok)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, s.Conversations())

	_, ok = s.StartConversation("ghost", admin.ID)
	assert.False(t, ok)
}

func TestServer_Post(t *testing.T) {
	s := newServer(t)
	conv, _ := s.StartConversation(client.ID, admin.ID)

	m, err := s.Post(conv.ID, admin.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{admin.ID}, m.ReadBy)

	_, err = s.Post("missing", admin.ID, "hello")
	assert.ErrorIs(t, err, errNotFound)
	_, err = s.Post(conv.ID, other.ID, "hello")
	assert.ErrorIs(t, err, errForbidden)
	_, err = s.Post(conv.ID, admin.ID, " ")
	assert.ErrorIs(t, err, errEmpty)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.unread[conv.ID][client.ID])
	assert.Equal(t, 0, s.unread[conv.ID][admin.ID])
	assert.Len(t, s.messages[conv.ID], 1)
}

func TestHandler_RequiresToken(t *testing.T) {
	s := newServer(t)
	h := s.Handler()

	rec, res := do(t, h, http.MethodGet, "/api/chat", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, res.Success)

	rec, _ = do(t, h, http.MethodGet, "/api/chat", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_ListConversationsIsPerUser(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	first, _ := s.StartConversation(client.ID, admin.ID)
	second, _ := s.StartConversation(other.ID, admin.ID)
	_, err := s.Post(first.ID, client.ID, "older")
	require.NoError(t, err)
	_, err = s.Post(second.ID, other.ID, "newer")
	require.NoError(t, err)

	_, res := do(t, h, http.MethodGet, "/api/chat", "admin-token", "")
	require.True(t, res.Success)
	var convs []headspa.Conversation
	require.NoError(t, res.Decode(&convs))
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)

	_, res = do(t, h, http.MethodGet, "/api/chat", "client-token", "")
	require.NoError(t, res.Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestHandler_SendMessage(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	conv, _ := s.StartConversation(client.ID, admin.ID)

	rec, res := do(t, h, http.MethodPost, "/api/chat/send-message", "client-token",
		`{"conversationId":"`+conv.ID+`","receiverId":"admin","content":"Bonjour"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	var m headspa.Message
	require.NoError(t, res.Decode(&m))
	assert.Equal(t, client.ID, m.Sender.ID)

	rec, _ = do(t, h, http.MethodPost, "/api/chat/send-message", "other-token",
		`{"conversationId":"`+conv.ID+`","receiverId":"admin","content":"intrus"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/chat/send-message", "client-token", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_StartWithAdminWithoutAdmin(t *testing.T) {
	s := New()
	s.AddUser(client, "client-token")

	rec, res := do(t, s.Handler(), http.MethodPost, "/api/chat/start-with-admin", "client-token", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No admin available", res.Message)
}

func TestServeWS_RejectsUnknownUser(t *testing.T) {
	s := newServer(t)

	rec, _ := do(t, s.Handler(), http.MethodGet, "/ws?userId=ghost", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, s.Handler(), http.MethodGet, "/ws?userId="+client.ID, "other-token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
