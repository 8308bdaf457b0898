package domain

import (
	"time"
	"unicode/utf8"
)

// Message roles accepted by the conversation buffer.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MaxContentLength bounds the stored length of a single message.
const MaxContentLength = 8000

// Message represents one entry in the conversation buffer
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"` // user, assistant, system
	Content   string         `json:"content"`
	Turn      int            `json:"turn"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Actions   []Action       `json:"actions,omitempty"`
}

// Action is a structured follow-up attached to an assistant message.
type Action struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// ValidRole reports whether role is one of the three accepted values.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Validate rejects malformed messages before they enter the buffer.
func (m *Message) Validate() error {
	if m == nil {
		return ErrInvalidMessage
	}
	if !ValidRole(m.Role) {
		return ErrInvalidMessage
	}
	if m.Content == "" {
		return ErrInvalidMessage
	}
	return nil
}

// TruncateContent caps content at max runes, preserving UTF-8 boundaries.
func TruncateContent(content string, max int) string {
	if max <= 0 || utf8.RuneCountInString(content) <= max {
		return content
	}
	runes := []rune(content)
	return string(runes[:max])
}
