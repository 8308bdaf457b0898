package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/chatsync/internal/domain"
)

func newBackend(t *testing.T, register func(*gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitSessionBareResponse(t *testing.T) {
	srv := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/widget/session/init", func(c *gin.Context) {
			var req InitRequest
			require.NoError(t, c.ShouldBindJSON(&req))
			assert.Equal(t, "t1", req.TenantID)
			c.JSON(http.StatusOK, gin.H{
				"session_id":  "s1",
				"turn":        0,
				"state_token": "tok1",
			})
		})
	})

	client := NewClient(srv.URL)
	resp, err := client.InitSession(context.Background(), &InitRequest{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, 0, resp.Turn)
	assert.Equal(t, "tok1", resp.StateToken)
	assert.Nil(t, resp.Conversation)
}

func TestInitSessionWrappedResponse(t *testing.T) {
	srv := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/widget/session/init", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"data": gin.H{
				"session_id":  "s2",
				"turn":        4,
				"state_token": "tok2",
				"conversation": gin.H{
					"turn": 4,
					"messages": []gin.H{
						{"id": "m1", "role": "user", "content": "hi", "turn": 1},
					},
				},
			}})
		})
	})

	client := NewClient(srv.URL)
	resp, err := client.InitSession(context.Background(), &InitRequest{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Turn)
	require.NotNil(t, resp.Conversation)
	require.Len(t, resp.Conversation.Messages, 1)
	assert.Equal(t, domain.RoleUser, resp.Conversation.Messages[0].Role)
}

func TestAppendDeltaSendsBearerToken(t *testing.T) {
	srv := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/widget/session/delta", func(c *gin.Context) {
			assert.Equal(t, "Bearer tok1", c.GetHeader("Authorization"))
			c.JSON(http.StatusOK, gin.H{"turn": 1, "state_token": "tok2"})
		})
	})

	client := NewClient(srv.URL)
	resp, err := client.AppendDelta(context.Background(), "tok1", &AppendRequest{SessionID: "s1", Turn: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Turn)
	assert.Equal(t, "tok2", resp.StateToken)
}

func TestAppendDeltaConflict(t *testing.T) {
	srv := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/widget/session/delta", func(c *gin.Context) {
			c.JSON(http.StatusConflict, gin.H{"current_turn": 5, "state_token": "tok9"})
		})
	})

	client := NewClient(srv.URL)
	_, err := client.AppendDelta(context.Background(), "tok1", &AppendRequest{Turn: 3})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 5, conflict.CurrentTurn)
	assert.Equal(t, "tok9", conflict.StateToken)
}

func TestAppendDeltaUnauthorized(t *testing.T) {
	srv := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/widget/session/delta", func(c *gin.Context) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		})
	})

	client := NewClient(srv.URL)
	_, err := client.AppendDelta(context.Background(), "stale", &AppendRequest{})
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestTransportFailureMapsToUnavailable(t *testing.T) {
	srv := newBackend(t, func(r *gin.Engine) {})
	srv.Close()

	client := NewClient(srv.URL)
	_, err := client.InitSession(context.Background(), &InitRequest{TenantID: "t1"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestGetConversationNoUsableState(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusConflict} {
		srv := newBackend(t, func(r *gin.Engine) {
			r.GET("/api/widget/session", func(c *gin.Context) {
				if status == http.StatusConflict {
					c.JSON(status, gin.H{"current_turn": 2})
					return
				}
				c.JSON(status, gin.H{"error": "unauthorized"})
			})
		})

		client := NewClient(srv.URL)
		_, err := client.GetConversation(context.Background(), "tok")
		assert.ErrorIs(t, err, domain.ErrNoUsableState)
	}
}

func TestClearSession(t *testing.T) {
	srv := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/widget/session/clear", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"report": "deleted"})
		})
	})

	client := NewClient(srv.URL)
	resp, err := client.ClearSession(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "deleted", resp.Report)
}
