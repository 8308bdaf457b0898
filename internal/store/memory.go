package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryStore keeps cached state in a TTL-expiring in-process cache.
type memoryStore struct {
	cache *gocache.Cache
	ttl   time.Duration
}

func newMemoryStore(cfg *config) *memoryStore {
	return &memoryStore{
		cache: gocache.New(cfg.ttl, cfg.ttl),
		ttl:   cfg.ttl,
	}
}

func snapshotKey(tenantID string) string { return "snapshot:" + tenantID }
func tokenKey(conversationID string) string {
	return "token:" + conversationID
}

func (s *memoryStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	snap.SavedAt = time.Now()
	s.cache.Set(snapshotKey(snap.TenantID), snap, s.ttl)
	return nil
}

func (s *memoryStore) LoadSnapshot(_ context.Context, tenantID string) (*Snapshot, error) {
	v, ok := s.cache.Get(snapshotKey(tenantID))
	if !ok {
		return nil, nil
	}
	snap := v.(*Snapshot)
	if time.Since(snap.SavedAt) > s.ttl {
		s.cache.Delete(snapshotKey(tenantID))
		return nil, nil
	}
	return snap, nil
}

func (s *memoryStore) SaveToken(_ context.Context, conversationID string, rec *TokenRecord) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		s.cache.Delete(tokenKey(conversationID))
		return nil
	}
	s.cache.Set(tokenKey(conversationID), rec, ttl)
	return nil
}

func (s *memoryStore) LoadToken(_ context.Context, conversationID string) (*TokenRecord, error) {
	v, ok := s.cache.Get(tokenKey(conversationID))
	if !ok {
		return nil, nil
	}
	rec := v.(*TokenRecord)
	if rec.Expired(time.Now()) {
		s.cache.Delete(tokenKey(conversationID))
		return nil, nil
	}
	return rec, nil
}

func (s *memoryStore) Clear(ctx context.Context, tenantID string) error {
	if snap, _ := s.LoadSnapshot(ctx, tenantID); snap != nil {
		s.cache.Delete(tokenKey(snap.ConversationID))
	}
	s.cache.Delete(snapshotKey(tenantID))
	return nil
}

func (s *memoryStore) Close() error {
	s.cache.Flush()
	return nil
}
