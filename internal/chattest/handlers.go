package chattest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	headspa "github.com/headspa-studio/headspa-sdk-go"
)

var (
	errNotFound  = errors.New("Conversation not found")
	errForbidden = errors.New("Not a participant of this conversation")
	errEmpty     = errors.New("Message content is required")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	users := make([]headspa.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.Unlock()
	writeResult(w, http.StatusOK, users)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r.Context())

	s.mu.Lock()
	convs := make([]headspa.Conversation, 0)
	for _, c := range s.convs {
		if c.HasParticipant(me.ID) {
			convs = append(convs, s.viewLocked(c, me.ID))
		}
	}
	s.mu.Unlock()

	sortByRecency(convs)
	writeResult(w, http.StatusOK, convs)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r.Context())
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	c, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, errNotFound.Error())
		return
	}
	if !c.HasParticipant(me.ID) {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, errForbidden.Error())
		return
	}
	msgs := append([]headspa.Message{}, s.messages[id]...)
	s.unread[id][me.ID] = 0
	s.mu.Unlock()

	writeResult(w, http.StatusOK, msgs)
}

func (s *Server) startWithAdmin(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r.Context())
	if me.Role != headspa.RoleClient {
		writeError(w, http.StatusForbidden, "Only clients can start a conversation with the admin")
		return
	}

	s.mu.Lock()
	var admin *headspa.User
	for _, u := range s.users {
		if u.Role == headspa.RoleAdmin {
			u := u
			admin = &u
			break
		}
	}
	if admin == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "No admin available")
		return
	}
	conv := s.viewLocked(s.findOrCreateLocked(me, *admin), me.ID)
	s.mu.Unlock()

	writeResult(w, http.StatusOK, conv)
}

func (s *Server) startWithClient(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r.Context())
	if me.Role != headspa.RoleAdmin {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}
	clientID := chi.URLParam(r, "clientId")

	s.mu.Lock()
	client, ok := s.users[clientID]
	if !ok || client.Role != headspa.RoleClient {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	conv := s.viewLocked(s.findOrCreateLocked(client, me), me.ID)
	s.mu.Unlock()

	writeResult(w, http.StatusOK, conv)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r.Context())

	var req headspa.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	m, err := s.post(req.ConversationID, me.ID, req.Content, "")
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeResult(w, http.StatusCreated, m)
}
