// Command chatsync is a terminal host for the widget sync layer: it reads
// user messages from stdin, streams assistant replies from the backend's
// push connection and keeps the conversation synchronized, falling back to
// local-only persistence when the backend is unreachable.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/embedkit/chatsync/internal/chunks"
	"github.com/embedkit/chatsync/internal/config"
	"github.com/embedkit/chatsync/internal/conversation"
	"github.com/embedkit/chatsync/internal/domain"
	"github.com/embedkit/chatsync/internal/store"
	"github.com/embedkit/chatsync/internal/stream"
	"github.com/embedkit/chatsync/internal/transport"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	tenantID   = flag.String("tenant", "", "Tenant identifier (overrides config)")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *tenantID != "" {
		cfg.Backend.TenantID = *tenantID
	}
	if cfg.Backend.TenantID == "" {
		log.Fatal("A tenant id is required (-tenant or config)")
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Initialize the local state cache
	cache, err := store.New(store.DriverType(cfg.Cache.Driver),
		store.WithPath(cfg.Cache.Path),
		store.WithTTL(cfg.Cache.TTL),
		store.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("Failed to initialize state cache", zap.Error(err))
	}
	defer cache.Close()

	// Initialize the backend client and synchronizer
	api := transport.NewClient(cfg.Backend.BaseURL,
		transport.WithHTTPClient(&http.Client{Timeout: cfg.Backend.RequestTimeout}),
		transport.WithLogger(logger),
	)
	syncer := conversation.NewSynchronizer(conversation.Config{
		TenantID:       cfg.Backend.TenantID,
		InitCooldown:   cfg.Session.InitCooldown,
		ContextWindow:  cfg.Session.ContextWindow,
		RetryBudget:    cfg.Retry.MaxAttempts,
		RetryBaseDelay: cfg.Retry.BaseDelay,
		TokenTTL:       cfg.Cache.TTL,
	}, api, cache, logger)

	// Chunk registry plus the push connection feeding it. Chunks address
	// the current in-flight message; the host assigns its id at stream
	// start.
	registry := chunks.NewRegistry()

	var inflight struct {
		sync.Mutex
		id string
	}
	currentMessage := func() string {
		inflight.Lock()
		defer inflight.Unlock()
		return inflight.id
	}

	manager := stream.NewManager(stream.Config{
		URL:                         cfg.Stream.URL,
		KeepAlive:                   cfg.Stream.KeepAlive,
		ConnectTimeout:              cfg.Stream.ConnectTimeout,
		MaxReconnectAttempts:        cfg.Stream.MaxReconnectAttempts,
		BaseReconnectDelay:          cfg.Stream.BaseReconnectDelay,
		BackoffFactor:               cfg.Stream.BackoffFactor,
		MaxReconnectDelay:           cfg.Stream.MaxReconnectDelay,
		HeartbeatInterval:           cfg.Stream.HeartbeatInterval,
		BackgroundHeartbeatInterval: cfg.Stream.BackgroundHeartbeatInterval,
		BackgroundTimeout:           cfg.Stream.BackgroundTimeout,
		ForegroundReconnectDelay:    cfg.Stream.ForegroundReconnectDelay,
	}, stream.Events{
		OnMessage: func(m stream.Message) {
			if id := currentMessage(); id != "" {
				registry.Append(id, m.Text)
			}
		},
		OnStreamEnd: func() {
			if id := currentMessage(); id != "" {
				registry.EndStream(id)
			}
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			logger.Info("stream reconnecting",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
		},
		OnError: func(err error) {
			logger.Warn("stream error", zap.Error(err))
		},
	}, logger)
	defer manager.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop cleanly on interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
		manager.Disconnect()
		os.Exit(0)
	}()

	if err := syncer.WaitForReady(ctx, 10*time.Second); err != nil {
		logger.Fatal("Session never became ready", zap.Error(err))
	}
	if syncer.LocalOnly() {
		fmt.Println("(backend unreachable, conversation is local-only)")
	}
	manager.Connect("")

	fmt.Println("chatsync ready. Type a message and press enter.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "/clear" {
			syncer.Clear(ctx)
			fmt.Println("(conversation cleared)")
			continue
		}

		runTurn(ctx, syncer, manager, registry, &inflight.Mutex, &inflight.id, line)
	}
}

// runTurn sends one user message, renders the streamed reply and appends
// the completed turn to the synchronizer.
func runTurn(
	ctx context.Context,
	syncer *conversation.Synchronizer,
	manager *stream.Manager,
	registry *chunks.Registry,
	mu *sync.Mutex,
	inflightID *string,
	content string,
) {
	userMsg := &domain.Message{Role: domain.RoleUser, Content: content}

	msgID := uuid.New().String()
	mu.Lock()
	*inflightID = msgID
	mu.Unlock()
	// Clear the id on every exit so a later stream cannot append to it.
	defer func() {
		mu.Lock()
		*inflightID = ""
		mu.Unlock()
	}()

	done := make(chan string, 1)
	unsubscribe := registry.Subscribe(msgID,
		func(chunk string) { fmt.Print(chunk) },
		func(final string) { done <- final },
	)
	defer unsubscribe()

	err := manager.Send(map[string]string{"type": "message", "content": content})
	if err != nil {
		// No live stream: persist the user message alone.
		if _, err := syncer.AppendTurn(ctx, userMsg, nil); err != nil {
			fmt.Printf("(failed to record message: %v)\n", err)
		}
		registry.EndStream(msgID)
		<-done
		return
	}

	var final string
	select {
	case final = <-done:
	case <-time.After(60 * time.Second):
		final = registry.Buffer(msgID)
		registry.EndStream(msgID)
		<-done
	case <-ctx.Done():
		return
	}
	fmt.Println()

	var assistantMsg *domain.Message
	if final != "" {
		assistantMsg = &domain.Message{Role: domain.RoleAssistant, Content: final}
	}
	res, err := syncer.AppendTurn(ctx, userMsg, assistantMsg)
	if err != nil {
		fmt.Printf("(failed to record turn: %v)\n", err)
		return
	}
	if res.Local {
		fmt.Println("(saved locally only)")
	}
}
