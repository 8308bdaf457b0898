// Package store holds the per-host ephemeral session cache: an advisory
// copy of the last known conversation snapshot and bearer token. Cached
// state is always subordinate to server-confirmed state and is invalidated
// by age or identity mismatch.
package store

import (
	"context"
	"time"

	"github.com/embedkit/chatsync/internal/domain"
)

// DefaultTTL is how long cached snapshots and tokens stay usable.
const DefaultTTL = 15 * time.Minute

// Snapshot is the persisted session state for one tenant.
type Snapshot struct {
	TenantID       string           `json:"tenant_id"`
	SessionID      string           `json:"session_id"`
	ConversationID string           `json:"conversation_id"`
	Turn           int              `json:"turn"`
	Summary        string           `json:"summary,omitempty"`
	Messages       []domain.Message `json:"messages"`
	SavedAt        time.Time        `json:"saved_at"`
}

// TokenRecord is a cached bearer credential with its expiry.
type TokenRecord struct {
	Value     string    `json:"value"`
	Local     bool      `json:"local"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is unusable at time now.
func (t *TokenRecord) Expired(now time.Time) bool {
	return t == nil || t.Value == "" || now.After(t.ExpiresAt)
}

// Store is the driver interface for the session cache.
type Store interface {
	// SaveSnapshot persists the snapshot, stamping SavedAt.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LoadSnapshot retrieves the snapshot for a tenant. Returns nil when
	// absent or older than the configured TTL (not an error).
	LoadSnapshot(ctx context.Context, tenantID string) (*Snapshot, error)

	// SaveToken persists the bearer credential for a conversation.
	SaveToken(ctx context.Context, conversationID string, rec *TokenRecord) error

	// LoadToken retrieves the credential for a conversation. Returns nil
	// when absent or expired (not an error).
	LoadToken(ctx context.Context, conversationID string) (*TokenRecord, error)

	// Clear removes all cached state for a tenant.
	Clear(ctx context.Context, tenantID string) error

	// Close releases driver resources.
	Close() error
}
