package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/chatsync/internal/chunks"
	"github.com/embedkit/chatsync/internal/conversation"
	"github.com/embedkit/chatsync/internal/store"
	"github.com/embedkit/chatsync/internal/stream"
	"github.com/embedkit/chatsync/internal/transport"
)

func TestRunTurnClearsInflightIDWithoutLiveStream(t *testing.T) {
	cache, err := store.New(store.DriverMemory)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	// The backend is unreachable and the stream manager never connected,
	// so the turn takes the local fallback path.
	syncer := conversation.NewSynchronizer(conversation.Config{TenantID: "t1"},
		transport.NewClient("http://127.0.0.1:1"), cache, nil)
	manager := stream.NewManager(stream.Config{}, stream.Events{}, nil)
	registry := chunks.NewRegistry()

	var mu sync.Mutex
	var inflightID string
	runTurn(context.Background(), syncer, manager, registry, &mu, &inflightID, "hi")

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, inflightID)
}
