package domain

import "time"

// MaxBufferedMessages caps the in-memory conversation buffer; oldest
// messages are evicted first.
const MaxBufferedMessages = 50

// Session identifies one logical conversation with the backend.
type Session struct {
	TenantID       string    `json:"tenant_id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Turn           int       `json:"turn"`
	StateToken     string    `json:"-"`
	LocalToken     bool      `json:"-"` // token was minted locally, never sent to the backend
	Summary        string    `json:"summary,omitempty"`
	Messages       []Message `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AddMessage validates, truncates and appends a message to the buffer,
// evicting the oldest entry when the cap is reached. Returns false for
// messages that fail validation.
func (s *Session) AddMessage(m Message) bool {
	if err := (&m).Validate(); err != nil {
		return false
	}
	m.Content = TruncateContent(m.Content, MaxContentLength)
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, m)
	if len(s.Messages) > MaxBufferedMessages {
		s.Messages = s.Messages[len(s.Messages)-MaxBufferedMessages:]
	}
	s.UpdatedAt = time.Now()
	return true
}

// Recent returns up to n of the newest buffered messages, oldest first.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	if n > len(s.Messages) {
		n = len(s.Messages)
	}
	out := make([]Message, n)
	copy(out, s.Messages[len(s.Messages)-n:])
	return out
}

// Delta is the unit of synchronization sent to the backend: the messages
// appended this turn plus optional auxiliary updates. Always tagged with
// the turn the client believed current at creation time.
type Delta struct {
	Turn             int               `json:"turn"`
	UserMessage      *Message          `json:"user_message,omitempty"`
	AssistantMessage *Message          `json:"assistant_message,omitempty"`
	Facts            map[string]string `json:"facts,omitempty"`
	Summary          string            `json:"summary,omitempty"`
}

// ConversationContext is a synchronous snapshot handed to UI collaborators
// for inclusion in outgoing requests.
type ConversationContext struct {
	ConversationID string    `json:"conversation_id"`
	Turn           int       `json:"turn"`
	Summary        string    `json:"summary,omitempty"`
	Messages       []Message `json:"messages"`
}
