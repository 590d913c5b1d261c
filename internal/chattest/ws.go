package chattest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	headspa "github.com/headspa-studio/headspa-sdk-go"
)

const writeTimeout = 5 * time.Second

// serveWS upgrades /ws?userId=<id>. A bearer token, when sent, must belong
// to that user.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	s.mu.Lock()
	_, known := s.users[userID]
	s.mu.Unlock()
	if !known {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Authorization") != "" {
		if u, ok := s.userForToken(r); !ok || u.ID != userID {
			http.Error(w, "token does not match user", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	s.register(userID, conn)
	defer s.unregister(userID, conn)

	s.readPump(r.Context(), userID, conn)
}

func (s *Server) register(userID string, conn *websocket.Conn) {
	s.mu.Lock()
	if s.conns[userID] == nil {
		s.conns[userID] = make(map[*websocket.Conn]struct{})
	}
	s.conns[userID][conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug().Str("user_id", userID).Msg("client connected")
}

func (s *Server) unregister(userID string, conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns[userID], conn)
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug().Str("user_id", userID).Msg("client disconnected")
}

func (s *Server) readPump(ctx context.Context, userID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env headspa.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.push([]*websocket.Conn{conn}, headspa.EventError, map[string]string{"message": "malformed frame"})
			continue
		}
		if env.Type != headspa.EventSendMessage {
			continue
		}

		var p headspa.SendMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.push([]*websocket.Conn{conn}, headspa.EventError, map[string]string{"message": "malformed send_message"})
			continue
		}
		if p.Sender != userID {
			s.push([]*websocket.Conn{conn}, headspa.EventError, map[string]string{"message": "sender does not match connection"})
			continue
		}
		if _, err := s.post(p.ConversationID, userID, p.Content, p.ClientID); err != nil {
			s.push([]*websocket.Conn{conn}, headspa.EventError, map[string]string{"message": err.Error()})
		}
	}
}

// push writes one event to every target. Failed writes are logged; the read
// side of that connection cleans it up.
func (s *Server) push(targets []*websocket.Conn, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	data, err := json.Marshal(headspa.Envelope{Type: event, Payload: raw})
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("encode envelope")
		return
	}

	for _, conn := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.logger.Debug().Err(err).Str("event", event).Msg("push failed")
		}
		cancel()
	}
}
