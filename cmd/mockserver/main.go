// Command mockserver is an in-memory implementation of the widget backend
// contract for local development: session init with token rotation, delta
// appends with turn conflict detection, and a push endpoint that streams
// chunked echo replies. State lives only for the process lifetime.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/embedkit/chatsync/internal/domain"
	"github.com/embedkit/chatsync/internal/transport"
)

var addr = flag.String("addr", ":8080", "Listen address")

type sessionState struct {
	sessionID      string
	conversationID string
	tenantID       string
	turn           int
	token          string
	summary        string
	messages       []domain.Message
}

type backend struct {
	mu       sync.Mutex
	byToken  map[string]*sessionState
	byConvID map[string]*sessionState
	logger   *zap.Logger
}

func newBackend(logger *zap.Logger) *backend {
	return &backend{
		byToken:  make(map[string]*sessionState),
		byConvID: make(map[string]*sessionState),
		logger:   logger,
	}
}

func (b *backend) rotateToken(s *sessionState) string {
	delete(b.byToken, s.token)
	s.token = uuid.New().String()
	b.byToken[s.token] = s
	return s.token
}

// authSession resolves the bearer token to a session. Authorization
// header only, no API-key fallback.
func (b *backend) authSession(c *gin.Context) *sessionState {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byToken[token]
}

func (b *backend) initSession(c *gin.Context) {
	var req transport.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.byConvID[req.ConversationID]; ok && req.ConversationID != "" {
		// Recall: hand back the existing conversation.
		token := b.rotateToken(s)
		c.JSON(http.StatusOK, gin.H{
			"session_id":  s.sessionID,
			"turn":        s.turn,
			"state_token": token,
			"conversation": gin.H{
				"turn":     s.turn,
				"summary":  s.summary,
				"messages": s.messages,
			},
		})
		return
	}

	s := &sessionState{
		sessionID:      uuid.New().String(),
		conversationID: req.ConversationID,
		tenantID:       req.TenantID,
		token:          uuid.New().String(),
	}
	if s.conversationID == "" {
		s.conversationID = uuid.New().String()
	}
	b.byToken[s.token] = s
	b.byConvID[s.conversationID] = s

	c.JSON(http.StatusOK, gin.H{
		"session_id":  s.sessionID,
		"turn":        0,
		"state_token": s.token,
	})
}

func (b *backend) appendDelta(c *gin.Context) {
	s := b.authSession(c)
	if s == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req transport.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Turn != s.turn {
		c.JSON(http.StatusConflict, gin.H{
			"current_turn": s.turn,
			"state_token":  b.rotateToken(s),
		})
		return
	}

	for _, m := range []*domain.Message{req.Delta.UserMessage, req.Delta.AssistantMessage} {
		if m != nil {
			s.messages = append(s.messages, *m)
		}
	}
	if req.Delta.Summary != "" {
		s.summary = req.Delta.Summary
	}
	s.turn++

	c.JSON(http.StatusOK, gin.H{
		"turn":        s.turn,
		"state_token": b.rotateToken(s),
	})
}

func (b *backend) clearSession(c *gin.Context) {
	s := b.authSession(c)
	if s == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	b.mu.Lock()
	delete(b.byToken, s.token)
	delete(b.byConvID, s.conversationID)
	b.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"report": "session cleared"})
}

func (b *backend) getConversation(c *gin.Context) {
	s := b.authSession(c)
	if s == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"session_id":  s.sessionID,
		"state_token": b.rotateToken(s),
		"state": gin.H{
			"turn":     s.turn,
			"summary":  s.summary,
			"messages": s.messages,
		},
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a push connection, answers client messages with
// a chunked echo reply and sends periodic heartbeats.
func (b *backend) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	b.logger.Info("stream client connected",
		zap.String("attempt", c.Query("attempt")),
		zap.String("background", c.Query("background")),
	)

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}
	writeText := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, []byte(s))
	}

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				if err := write(gin.H{"type": "heartbeat", "ack": false}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var frame struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "message" {
			continue
		}

		reply := fmt.Sprintf("You said: %q. This reply is streamed in chunks.", frame.Content)
		for _, word := range strings.SplitAfter(reply, " ") {
			if err := write(gin.H{"type": "chunk", "content": word}); err != nil {
				return
			}
			time.Sleep(40 * time.Millisecond)
		}
		if err := writeText("[DONE]"); err != nil {
			return
		}
	}
}

func setupRouter(b *backend) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	widget := r.Group("/api/widget")
	widget.POST("/session/init", b.initSession)
	widget.POST("/session/delta", b.appendDelta)
	widget.POST("/session/clear", b.clearSession)
	widget.GET("/session", b.getConversation)
	widget.GET("/stream", b.handleStream)

	return r
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	router := setupRouter(newBackend(logger))

	logger.Info("Starting mock widget backend", zap.String("address", *addr))
	if err := http.ListenAndServe(*addr, router); err != nil {
		logger.Fatal("Server exited", zap.Error(err))
	}
}
