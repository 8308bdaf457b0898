package domain

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsUnknownRole(t *testing.T) {
	m := &Message{Role: "moderator", Content: "hi"}
	assert.ErrorIs(t, m.Validate(), ErrInvalidMessage)

	for _, role := range []string{RoleUser, RoleAssistant, RoleSystem} {
		m := &Message{Role: role, Content: "hi"}
		assert.NoError(t, m.Validate())
	}
}

func TestValidateRejectsEmptyContent(t *testing.T) {
	m := &Message{Role: RoleUser}
	assert.ErrorIs(t, m.Validate(), ErrInvalidMessage)
}

func TestTruncateContentRuneSafe(t *testing.T) {
	assert.Equal(t, "héllo", TruncateContent("héllo", 10))
	assert.Equal(t, "hél", TruncateContent("héllo", 3))
	assert.Equal(t, "日本", TruncateContent("日本語", 2))
}

func TestAddMessageValidatesAndTruncates(t *testing.T) {
	s := &Session{}

	assert.False(t, s.AddMessage(Message{Role: "bogus", Content: "x"}))
	assert.Empty(t, s.Messages)

	long := strings.Repeat("a", MaxContentLength+100)
	assert.True(t, s.AddMessage(Message{Role: RoleUser, Content: long}))
	assert.Len(t, s.Messages[0].Content, MaxContentLength)
	assert.False(t, s.Messages[0].Timestamp.IsZero())
}

func TestAddMessageEvictsOldest(t *testing.T) {
	s := &Session{}
	for i := 0; i < MaxBufferedMessages+5; i++ {
		assert.True(t, s.AddMessage(Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("msg %d", i),
		}))
	}
	assert.Len(t, s.Messages, MaxBufferedMessages)
	assert.Equal(t, "msg 5", s.Messages[0].Content)
}

func TestRecentReturnsTailPreservingOrder(t *testing.T) {
	s := &Session{}
	for i := 0; i < 10; i++ {
		s.AddMessage(Message{Role: RoleUser, Content: fmt.Sprintf("msg %d", i)})
	}

	recent := s.Recent(3)
	assert.Len(t, recent, 3)
	assert.Equal(t, "msg 7", recent[0].Content)
	assert.Equal(t, "msg 9", recent[2].Content)

	assert.Len(t, s.Recent(100), 10)
	assert.Nil(t, s.Recent(0))
}
