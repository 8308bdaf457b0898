package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// sqliteStore persists the session cache to a local sqlite database so a
// host restart does not lose the advisory copy.
type sqliteStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
}

func newSQLiteStore(cfg *config) (*sqliteStore, error) {
	if cfg.path == "" {
		return nil, fmt.Errorf("sqlite store requires a database path")
	}

	// Ensure directory exists
	dir := filepath.Dir(cfg.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &sqliteStore{db: db, ttl: cfg.ttl, logger: cfg.logger}, nil
}

func runMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			tenant_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			conversation_id TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			local INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	snap.SavedAt = time.Now()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (tenant_id, payload, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at
	`, snap.TenantID, string(payload), snap.SavedAt)

	return err
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	var payload string
	var savedAt time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT payload, saved_at FROM snapshots WHERE tenant_id = ?
	`, tenantID).Scan(&payload, &savedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if time.Since(savedAt) > s.ttl {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE tenant_id = ?`, tenantID); err != nil {
			s.logger.Warn("failed to evict stale snapshot", zap.Error(err))
		}
		return nil, nil
	}

	snap := &Snapshot{}
	if err := json.Unmarshal([]byte(payload), snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *sqliteStore) SaveToken(ctx context.Context, conversationID string, rec *TokenRecord) error {
	local := 0
	if rec.Local {
		local = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (conversation_id, value, local, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET value = excluded.value, local = excluded.local, expires_at = excluded.expires_at
	`, conversationID, rec.Value, local, rec.ExpiresAt)

	return err
}

func (s *sqliteStore) LoadToken(ctx context.Context, conversationID string) (*TokenRecord, error) {
	rec := &TokenRecord{}
	var local int

	err := s.db.QueryRowContext(ctx, `
		SELECT value, local, expires_at FROM tokens WHERE conversation_id = ?
	`, conversationID).Scan(&rec.Value, &local, &rec.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.Local = local == 1
	if rec.Expired(time.Now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE conversation_id = ?`, conversationID); err != nil {
			s.logger.Warn("failed to evict expired token", zap.Error(err))
		}
		return nil, nil
	}
	return rec, nil
}

func (s *sqliteStore) Clear(ctx context.Context, tenantID string) error {
	if snap, _ := s.LoadSnapshot(ctx, tenantID); snap != nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE conversation_id = ?`, snap.ConversationID); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE tenant_id = ?`, tenantID)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
