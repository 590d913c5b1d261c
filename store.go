package headspa

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MessageStore
// ============================================================================

// MatchKind reports how an inbound message was reconciled.
type MatchKind string

const (
	MatchID          MatchKind = "id"
	MatchCorrelation MatchKind = "correlation"
	MatchOptimistic  MatchKind = "optimistic"
	MatchNone        MatchKind = "none"
)

// MessageStore holds the messages of the selected conversation in ascending
// timestamp order. It is goroutine-safe.
type MessageStore struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// Replace swaps the whole content for msgs.
func (s *MessageStore) Replace(msgs []Message) {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.clone())
	}
	sortMessages(out)

	s.mu.Lock()
	s.messages = out
	s.mu.Unlock()
}

// Merge swaps the content for history while keeping what history cannot
// know about yet: pending optimistic entries, and confirmed entries missing
// from history that are newer than its last message.
func (s *MessageStore) Merge(history []Message) {
	out := make([]Message, 0, len(history))
	ids := make(map[string]struct{}, len(history))
	clientIDs := make(map[string]struct{})
	var last time.Time
	for _, m := range history {
		out = append(out, m.clone())
		ids[m.ID] = struct{}{}
		if m.ClientID != "" {
			clientIDs[m.ClientID] = struct{}{}
		}
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		if m.IsOptimistic {
			if _, ok := clientIDs[m.ClientID]; ok && m.ClientID != "" {
				continue
			}
			out = append(out, m)
			continue
		}
		if m.Timestamp.After(last) {
			out = append(out, m)
		}
	}
	sortMessages(out)
	s.messages = out
}

// Append adds m.
func (s *MessageStore) Append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m.clone())
	sortMessages(s.messages)
}

// Reconcile applies a server-confirmed message. An entry with the same id
// is replaced first; otherwise the oldest pending optimistic entry with the
// same correlation id, or else with the same content and conversation when
// selfID sent m. Without a match m is appended.
func (s *MessageStore) Reconcile(m Message, selfID string) MatchKind {
	m = m.clone()
	m.IsOptimistic = false

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, kind := s.match(m, selfID)
	if idx >= 0 {
		s.messages[idx] = m
	} else {
		s.messages = append(s.messages, m)
	}
	sortMessages(s.messages)
	return kind
}

func (s *MessageStore) match(m Message, selfID string) (int, MatchKind) {
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			return i, MatchID
		}
	}
	if m.ClientID != "" {
		for i, e := range s.messages {
			if e.IsOptimistic && e.ClientID == m.ClientID {
				return i, MatchCorrelation
			}
		}
	}
	if m.Sender.ID == "" || m.Sender.ID != selfID {
		return -1, MatchNone
	}
	for i, e := range s.messages {
		if e.IsOptimistic && e.Content == m.Content && e.ConversationID == m.ConversationID {
			return i, MatchOptimistic
		}
	}
	return -1, MatchNone
}

// Messages returns a copy of the stored messages.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Reset empties the store.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore holds conversation summaries, most recent first. It is
// goroutine-safe.
type ConversationStore struct {
	mu    sync.RWMutex
	convs []Conversation
}

// NewConversationStore creates an empty conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// Replace swaps the whole content for convs.
func (s *ConversationStore) Replace(convs []Conversation) {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.clone())
	}
	sortConversations(out)

	s.mu.Lock()
	s.convs = out
	s.mu.Unlock()
}

// Upsert replaces the conversation with the same id, or prepends c.
func (s *ConversationStore) Upsert(c Conversation) {
	c = c.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(c.ID); i >= 0 {
		s.convs[i] = c
	} else {
		s.convs = append([]Conversation{c}, s.convs...)
	}
	sortConversations(s.convs)
}

// Get returns a copy of the conversation with the given id.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(id); i >= 0 {
		return s.convs[i].clone(), true
	}
	return Conversation{}, false
}

// ZeroUnread clears the unread counter of a conversation. It reports
// whether the conversation is known.
func (s *ConversationStore) ZeroUnread(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return false
	}
	s.convs[i].UnreadCount = 0
	return true
}

// ApplyMessage updates the preview and unread counter of m's conversation.
// A selected conversation is read; otherwise a message from the counterpart
// counts as unread. It returns false when the conversation is unknown.
func (s *ConversationStore) ApplyMessage(m Message, selected bool, selfID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(m.ConversationID)
	if i < 0 {
		return false
	}

	c := &s.convs[i]
	switch {
	case selected:
		c.UnreadCount = 0
	case m.Sender.ID != selfID:
		c.UnreadCount++
	}
	last := m.clone()
	last.IsOptimistic = false
	c.LastMessage = &last
	c.UpdatedAt = m.Timestamp

	sortConversations(s.convs)
	return true
}

// Conversations returns a copy of the stored conversations.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.clone()
	}
	return out
}

// TotalUnread sums the unread counters.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.convs {
		n += c.UnreadCount
	}
	return n
}

// Len returns the number of stored conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Reset empties the store.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.convs = nil
	s.mu.Unlock()
}

func (s *ConversationStore) index(id string) int {
	for i := range s.convs {
		if s.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
