package headspa

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed backend call. Status is the HTTP status code
// when one was received.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	if e.Status != 0 {
		return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
	}
	return e.Message
}

// Result is the uniform response envelope of the backend.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity
// ============================================================================

// Role is the account role of a user.
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// User is the identity of a chat participant.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role,omitempty"`
}

// DisplayName returns "First Last", falling back to the id.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.ID
	}
	return name
}

// ============================================================================
// Chat Types
// ============================================================================

// Message is a single chat message. Optimistic messages carry a temporary
// "temp_<unix-millis>" id until the server echo replaces them.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Sender         User      `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	ReadBy         []string  `json:"readBy,omitempty"`
	IsOptimistic   bool      `json:"isOptimistic,omitempty"`
}

// Conversation is a two-party thread between a client and an admin.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Counterpart returns the participant that is not selfID.
func (c *Conversation) Counterpart(selfID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return User{}, false
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

func (c Conversation) clone() Conversation {
	out := c
	out.Participants = append([]User(nil), c.Participants...)
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		out.LastMessage = &m
	}
	return out
}

func (m Message) clone() Message {
	out := m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}

// ============================================================================
// Request Types
// ============================================================================

// SendMessageRequest is the body of the REST send fallback.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"required"`
	ReceiverID     string `json:"receiverId" validate:"required"`
}
