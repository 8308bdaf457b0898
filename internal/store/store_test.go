package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/chatsync/internal/domain"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := New(DriverMemory)
	require.NoError(t, err)

	lite, err := New(DriverSQLite, WithPath(filepath.Join(t.TempDir(), "cache.db")))
	require.NoError(t, err)

	t.Cleanup(func() {
		mem.Close()
		lite.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": lite}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			snap := &Snapshot{
				TenantID:       "t1",
				SessionID:      "s1",
				ConversationID: "c1",
				Turn:           3,
				Messages: []domain.Message{
					{ID: "m1", Role: domain.RoleUser, Content: "hi", Turn: 1},
				},
			}
			require.NoError(t, s.SaveSnapshot(ctx, snap))

			got, err := s.LoadSnapshot(ctx, "t1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "c1", got.ConversationID)
			assert.Equal(t, 3, got.Turn)
			require.Len(t, got.Messages, 1)
			assert.Equal(t, "hi", got.Messages[0].Content)
			assert.False(t, got.SavedAt.IsZero())
		})
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.LoadSnapshot(ctx, "nobody")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStaleSnapshotInvalidated(t *testing.T) {
	ctx := context.Background()
	mem, err := New(DriverMemory, WithTTL(30*time.Millisecond))
	require.NoError(t, err)
	defer mem.Close()

	lite, err := New(DriverSQLite,
		WithPath(filepath.Join(t.TempDir(), "cache.db")),
		WithTTL(30*time.Millisecond),
	)
	require.NoError(t, err)
	defer lite.Close()

	for name, s := range map[string]Store{"memory": mem, "sqlite": lite} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{TenantID: "t1", ConversationID: "c1"}))
			time.Sleep(60 * time.Millisecond)

			got, err := s.LoadSnapshot(ctx, "t1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			live := &TokenRecord{Value: "tok1", ExpiresAt: time.Now().Add(time.Hour)}
			require.NoError(t, s.SaveToken(ctx, "c1", live))

			got, err := s.LoadToken(ctx, "c1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "tok1", got.Value)

			dead := &TokenRecord{Value: "tok2", ExpiresAt: time.Now().Add(-time.Minute)}
			require.NoError(t, s.SaveToken(ctx, "c2", dead))

			got, err = s.LoadToken(ctx, "c2")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestLocalTokenFlagSurvives(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			rec := &TokenRecord{Value: "local-abc", Local: true, ExpiresAt: time.Now().Add(time.Hour)}
			require.NoError(t, s.SaveToken(ctx, "c1", rec))

			got, err := s.LoadToken(ctx, "c1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Local)
		})
	}
}

func TestClearRemovesSnapshotAndToken(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{TenantID: "t1", ConversationID: "c1"}))
			require.NoError(t, s.SaveToken(ctx, "c1", &TokenRecord{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}))

			require.NoError(t, s.Clear(ctx, "t1"))

			snap, err := s.LoadSnapshot(ctx, "t1")
			require.NoError(t, err)
			assert.Nil(t, snap)

			tok, err := s.LoadToken(ctx, "c1")
			require.NoError(t, err)
			assert.Nil(t, tok)
		})
	}
}

func TestUnknownDriver(t *testing.T) {
	_, err := New("redis")
	assert.Error(t, err)
}
