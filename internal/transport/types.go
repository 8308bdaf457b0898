package transport

import (
	"fmt"

	"github.com/embedkit/chatsync/internal/domain"
)

// InitRequest starts or resumes a conversation session.
type InitRequest struct {
	TenantID       string `json:"tenant_id"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ConversationState carries prior history returned by the backend on a
// restore or recall.
type ConversationState struct {
	Turn     int              `json:"turn"`
	Summary  string           `json:"summary,omitempty"`
	Messages []domain.Message `json:"messages"`
}

// InitResponse is the normalized result of an init_session call.
type InitResponse struct {
	SessionID    string             `json:"session_id"`
	Turn         int                `json:"turn"`
	StateToken   string             `json:"state_token"`
	Conversation *ConversationState `json:"conversation,omitempty"`
}

// AppendRequest sends one turn's delta tagged with the turn the client
// believes current.
type AppendRequest struct {
	SessionID string       `json:"session_id"`
	Turn      int          `json:"turn"`
	Delta     domain.Delta `json:"delta"`
}

// AppendResponse is the normalized result of an append_delta call. A Turn
// of zero means the backend applied an implicit increment.
type AppendResponse struct {
	Turn       int    `json:"turn"`
	StateToken string `json:"state_token"`
}

// ClearResponse reports the outcome of a best-effort clear_session call.
type ClearResponse struct {
	Report string `json:"report,omitempty"`
}

// GetResponse is the normalized result of a get_conversation call.
type GetResponse struct {
	SessionID  string             `json:"session_id"`
	State      *ConversationState `json:"state,omitempty"`
	StateToken string             `json:"state_token,omitempty"`
}

// ConflictError is returned when the backend rejects a delta tagged with a
// stale turn; it carries the canonical turn and, when present, a refreshed
// token to retry with.
type ConflictError struct {
	CurrentTurn int    `json:"current_turn"`
	StateToken  string `json:"state_token,omitempty"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("turn conflict: server at turn %d", e.CurrentTurn)
}
