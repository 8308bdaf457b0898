// Package conversation keeps the client-visible conversation history
// eventually consistent with the authoritative stateless backend. The turn
// counter is server-owned: the confirmed value only advances on a
// server-confirmed append or a conflict resynchronization. When the backend
// is unreachable or not provisioned the synchronizer degrades to local-only
// persistence behind a locally minted token so the rest of the pipeline
// proceeds uniformly.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/embedkit/chatsync/internal/domain"
	"github.com/embedkit/chatsync/internal/store"
	"github.com/embedkit/chatsync/internal/transport"
)

// Config carries the explicit knobs for a Synchronizer. Zero values fall
// back to the defaults below.
type Config struct {
	TenantID  string
	SessionID string

	// InitCooldown is the debounce window for repeated initialize calls.
	InitCooldown time.Duration
	// RetryBudget bounds append attempts against the backend.
	RetryBudget int
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
	// TokenTTL is the cache lifetime recorded for rotated tokens.
	TokenTTL time.Duration
	// ContextWindow is how many recent messages a context snapshot carries.
	ContextWindow int
	// ReadyPollInterval is the WaitForReady polling cadence.
	ReadyPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitCooldown <= 0 {
		c.InitCooldown = 5 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = store.DefaultTTL
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 10
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 100 * time.Millisecond
	}
	return c
}

// InitResult reports the outcome of an initialization attempt.
type InitResult struct {
	Success        bool
	RateLimited    bool
	Local          bool // running on a locally-scoped credential
	Restored       bool // prior history was applied
	ConversationID string
	Turn           int
}

// AppendResult reports the outcome of an append. Local persistence is
// reported explicitly instead of being folded into Success: a local append
// carries no durability guarantee.
type AppendResult struct {
	Success bool
	Local   bool
	Turn    int
}

// Synchronizer owns the session identity, turn counter and bearer
// credential lifecycle for one widget instance.
type Synchronizer struct {
	cfg    Config
	api    *transport.Client
	cache  store.Store
	logger *zap.Logger

	mu           sync.Mutex
	session      *domain.Session
	localOnly    bool
	initInFlight bool
	lastInitAt   time.Time
}

// NewSynchronizer creates a synchronizer for one tenant session. A nil
// logger is replaced with a no-op one.
func NewSynchronizer(cfg Config, api *transport.Client, cache store.Store, logger *zap.Logger) *Synchronizer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := time.Now()
	return &Synchronizer{
		cfg:    cfg,
		api:    api,
		cache:  cache,
		logger: logger,
		session: &domain.Session{
			TenantID:       cfg.TenantID,
			SessionID:      sessionID,
			ConversationID: uuid.New().String(),
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
}

// Initialize establishes a session with the backend, restoring prior
// history when the backend returns one. Repeated calls inside the cooldown
// window and calls overlapping an in-flight attempt are rate limited
// without touching the network.
func (s *Synchronizer) Initialize(ctx context.Context) InitResult {
	return s.initialize(ctx, false)
}

func (s *Synchronizer) initialize(ctx context.Context, bypassCooldown bool) InitResult {
	s.mu.Lock()
	if s.initInFlight {
		s.mu.Unlock()
		return InitResult{RateLimited: true}
	}
	if !bypassCooldown && !s.lastInitAt.IsZero() && time.Since(s.lastInitAt) < s.cfg.InitCooldown {
		s.mu.Unlock()
		return InitResult{RateLimited: true}
	}
	s.initInFlight = true
	s.lastInitAt = time.Now()
	tenantID := s.session.TenantID
	sessionID := s.session.SessionID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.initInFlight = false
		s.mu.Unlock()
	}()

	// The cached snapshot supplies the durable conversation id so the
	// backend can recall history across page loads.
	snap, err := s.cache.LoadSnapshot(ctx, tenantID)
	if err != nil {
		s.logger.Warn("failed to load cached snapshot", zap.Error(err))
		snap = nil
	}
	if snap != nil && snap.TenantID != tenantID {
		snap = nil
	}

	conversationID := ""
	if snap != nil {
		conversationID = snap.ConversationID
	}

	// A live cached credential for the snapshot's conversation is adopted
	// without a network round trip. A forced re-initialization skips it:
	// that credential was just rejected.
	if !bypassCooldown && snap != nil {
		rec, err := s.cache.LoadToken(ctx, snap.ConversationID)
		if err != nil {
			s.logger.Warn("failed to load cached token", zap.Error(err))
			rec = nil
		}
		if rec != nil && !rec.Local && !rec.Expired(time.Now()) {
			s.mu.Lock()
			s.session.ConversationID = snap.ConversationID
			s.session.Turn = snap.Turn
			s.session.Summary = snap.Summary
			s.session.Messages = append([]domain.Message(nil), snap.Messages...)
			s.session.StateToken = rec.Value
			s.session.LocalToken = false
			s.localOnly = false
			result := InitResult{
				Success:        true,
				Restored:       true,
				ConversationID: s.session.ConversationID,
				Turn:           s.session.Turn,
			}
			s.mu.Unlock()
			return result
		}
	}

	resp, err := s.api.InitSession(ctx, &transport.InitRequest{
		TenantID:       tenantID,
		SessionID:      sessionID,
		ConversationID: conversationID,
	})
	if err != nil {
		s.logger.Info("session init unreachable, entering local-only mode", zap.Error(err))
		return s.fallBackToLocal(ctx, snap)
	}

	s.mu.Lock()
	if resp.SessionID != "" {
		s.session.SessionID = resp.SessionID
	}
	if conversationID != "" {
		s.session.ConversationID = conversationID
	}
	s.session.StateToken = resp.StateToken
	s.session.LocalToken = false
	s.localOnly = false

	restored := false
	if resp.Conversation != nil {
		// Restore is applied verbatim: buffer, turn and summary all come
		// from the server.
		s.session.Messages = append([]domain.Message(nil), resp.Conversation.Messages...)
		s.session.Turn = resp.Conversation.Turn
		s.session.Summary = resp.Conversation.Summary
		restored = true
	} else {
		s.session.Turn = resp.Turn
	}
	result := InitResult{
		Success:        true,
		Restored:       restored,
		ConversationID: s.session.ConversationID,
		Turn:           s.session.Turn,
	}
	token := s.session.StateToken
	s.mu.Unlock()

	s.persist(ctx, token, false)
	return result
}

// fallBackToLocal mints a locally-scoped credential and, when a valid
// cached snapshot exists, restores the buffer from it.
func (s *Synchronizer) fallBackToLocal(ctx context.Context, snap *store.Snapshot) InitResult {
	s.mu.Lock()
	if snap != nil {
		s.session.ConversationID = snap.ConversationID
		s.session.Turn = snap.Turn
		s.session.Summary = snap.Summary
		s.session.Messages = append([]domain.Message(nil), snap.Messages...)
	}
	s.session.StateToken = "local-" + uuid.New().String()
	s.session.LocalToken = true
	s.localOnly = true
	result := InitResult{
		Success:        true,
		Local:          true,
		Restored:       snap != nil,
		ConversationID: s.session.ConversationID,
		Turn:           s.session.Turn,
	}
	token := s.session.StateToken
	s.mu.Unlock()

	s.persist(ctx, token, true)
	return result
}

// AppendTurn records a user and/or assistant message and synchronizes the
// resulting delta with the backend. Recoverable failures are hidden from
// the caller; only an exhausted retry budget or invalid messages surface as
// errors, and the local buffer stays intact either way.
func (s *Synchronizer) AppendTurn(ctx context.Context, userMsg, assistantMsg *domain.Message) (AppendResult, error) {
	s.mu.Lock()
	believedTurn := s.session.Turn
	for _, m := range []*domain.Message{userMsg, assistantMsg} {
		if m == nil {
			continue
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.Turn = believedTurn
		if !s.session.AddMessage(*m) {
			s.mu.Unlock()
			return AppendResult{}, domain.ErrInvalidMessage
		}
	}
	delta := domain.Delta{
		Turn:             believedTurn,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Summary:          s.session.Summary,
	}
	token := s.session.StateToken
	local := s.localOnly
	s.mu.Unlock()

	if token == "" {
		res := s.initialize(ctx, false)
		// Initialization may have restored server history over the buffer;
		// the messages captured above must survive it.
		s.reapplyDelta(&delta)
		if res.RateLimited {
			// Another initialization owns the window; persist locally so
			// the caller is never blocked on credentials.
			return s.appendLocally(ctx, false), nil
		}
		s.mu.Lock()
		token = s.session.StateToken
		local = s.localOnly
		delta.Turn = s.session.Turn
		s.mu.Unlock()
	}

	if local || token == "" {
		return s.appendLocally(ctx, true), nil
	}

	return s.appendRemote(ctx, token, delta)
}

// appendRemote runs the bounded retry loop against the backend. The attempt
// index is immutable per iteration; backoff is base-2 exponential.
func (s *Synchronizer) appendRemote(ctx context.Context, token string, delta domain.Delta) (AppendResult, error) {
	reinitialized := false

	s.mu.Lock()
	sessionID := s.session.SessionID
	s.mu.Unlock()

	for attempt := 0; attempt < s.cfg.RetryBudget; attempt++ {
		resp, err := s.api.AppendDelta(ctx, token, &transport.AppendRequest{
			SessionID: sessionID,
			Turn:      delta.Turn,
			Delta:     delta,
		})
		if err == nil {
			s.mu.Lock()
			confirmed := resp.Turn
			if confirmed == 0 {
				confirmed = delta.Turn + 1
			}
			// The server's stated turn is ground truth.
			s.session.Turn = confirmed
			s.session.StateToken = resp.StateToken
			s.mu.Unlock()

			s.persist(ctx, resp.StateToken, false)
			return AppendResult{Success: true, Turn: confirmed}, nil
		}

		var conflict *transport.ConflictError
		switch {
		case errors.As(err, &conflict):
			s.logger.Debug("turn conflict, adopting canonical turn",
				zap.Int("believed", delta.Turn),
				zap.Int("canonical", conflict.CurrentTurn),
				zap.Int("attempt", attempt),
			)
			s.mu.Lock()
			s.session.Turn = conflict.CurrentTurn
			if conflict.StateToken != "" {
				s.session.StateToken = conflict.StateToken
				token = conflict.StateToken
			}
			s.mu.Unlock()
			delta.Turn = conflict.CurrentTurn

			if attempt == s.cfg.RetryBudget-1 {
				return AppendResult{}, domain.ErrRetryExhausted
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return AppendResult{}, err
			}

		case errors.Is(err, domain.ErrTokenExpired):
			s.mu.Lock()
			s.session.StateToken = ""
			s.mu.Unlock()
			if reinitialized {
				return s.appendLocally(ctx, false), nil
			}
			reinitialized = true
			res := s.initialize(ctx, true)
			s.reapplyDelta(&delta)
			if !res.Success || res.Local {
				return s.appendLocally(ctx, false), nil
			}
			s.mu.Lock()
			token = s.session.StateToken
			delta.Turn = s.session.Turn
			s.mu.Unlock()

		default:
			// Transport failure: persist locally without advancing the
			// confirmed turn.
			s.logger.Debug("append transport failure, persisting locally", zap.Error(err))
			return s.appendLocally(ctx, false), nil
		}
	}
	return AppendResult{}, domain.ErrRetryExhausted
}

// reapplyDelta re-adds the in-flight messages when an initialization that
// ran mid-append replaced the buffer with restored history.
func (s *Synchronizer) reapplyDelta(delta *domain.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range []*domain.Message{delta.UserMessage, delta.AssistantMessage} {
		if m == nil || s.hasMessageLocked(m.ID) {
			continue
		}
		m.Turn = s.session.Turn
		s.session.AddMessage(*m)
	}
}

func (s *Synchronizer) hasMessageLocked(id string) bool {
	for i := range s.session.Messages {
		if s.session.Messages[i].ID == id {
			return true
		}
	}
	return false
}

// appendLocally persists the buffer to the local cache only. advanceTurn is
// set in locally-scoped credential mode, where the turn counter is
// informational; a transport failure on a server credential never advances
// the confirmed turn.
func (s *Synchronizer) appendLocally(ctx context.Context, advanceTurn bool) AppendResult {
	s.mu.Lock()
	if advanceTurn {
		s.session.Turn++
	}
	turn := s.session.Turn
	token := s.session.StateToken
	localToken := s.session.LocalToken
	s.mu.Unlock()

	s.persist(ctx, token, localToken)
	return AppendResult{Success: true, Local: true, Turn: turn}
}

func (s *Synchronizer) backoff(ctx context.Context, attempt int) error {
	delay := s.cfg.RetryBaseDelay << uint(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Clear resets the conversation. The server-side delete is best-effort;
// local state is reset unconditionally. Returns whether the server delete
// succeeded (or was not needed).
func (s *Synchronizer) Clear(ctx context.Context) bool {
	s.mu.Lock()
	token := s.session.StateToken
	localToken := s.session.LocalToken
	tenantID := s.session.TenantID
	sessionID := s.session.SessionID
	s.mu.Unlock()

	serverOK := true
	if token != "" && !localToken {
		if _, err := s.api.ClearSession(ctx, token); err != nil {
			s.logger.Warn("server-side clear failed", zap.Error(err))
			serverOK = false
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.session = &domain.Session{
		TenantID:       tenantID,
		SessionID:      sessionID,
		ConversationID: uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.localOnly = false
	s.mu.Unlock()

	if err := s.cache.Clear(ctx, tenantID); err != nil {
		s.logger.Warn("failed to clear local cache", zap.Error(err))
	}
	return serverOK
}

// WaitForReady blocks until a usable token exists or the timeout elapses,
// triggering initialization when none is in flight. The poll is bounded; it
// cannot be cancelled other than by timeout or context.
func (s *Synchronizer) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		ready := s.session.StateToken != ""
		inFlight := s.initInFlight
		s.mu.Unlock()

		if ready {
			return nil
		}
		if !inFlight {
			go s.initialize(ctx, false)
		}
		if time.Now().After(deadline) {
			return domain.ErrNotReady
		}

		timer := time.NewTimer(s.cfg.ReadyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Recall fetches the conversation state held for the current token and
// applies it verbatim. Used for explicit cross-device recall; unlike
// appends, its failure is surfaced to the caller.
func (s *Synchronizer) Recall(ctx context.Context) error {
	s.mu.Lock()
	token := s.session.StateToken
	localToken := s.session.LocalToken
	s.mu.Unlock()

	if token == "" || localToken {
		return domain.ErrNoUsableState
	}

	resp, err := s.api.GetConversation(ctx, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if resp.SessionID != "" {
		s.session.SessionID = resp.SessionID
	}
	if resp.StateToken != "" {
		s.session.StateToken = resp.StateToken
	}
	if resp.State != nil {
		s.session.Messages = append([]domain.Message(nil), resp.State.Messages...)
		s.session.Turn = resp.State.Turn
		s.session.Summary = resp.State.Summary
	}
	token = s.session.StateToken
	s.mu.Unlock()

	s.persist(ctx, token, false)
	return nil
}

// Context returns a synchronous snapshot for inclusion in outgoing
// requests: recent messages, turn and rolling summary.
func (s *Synchronizer) Context() domain.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ConversationContext{
		ConversationID: s.session.ConversationID,
		Turn:           s.session.Turn,
		Summary:        s.session.Summary,
		Messages:       s.session.Recent(s.cfg.ContextWindow),
	}
}

// Turn returns the current confirmed turn value.
func (s *Synchronizer) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Turn
}

// LocalOnly reports whether persistence is degraded to local-only mode.
func (s *Synchronizer) LocalOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localOnly
}

// SetSummary replaces the rolling conversation summary carried in deltas.
func (s *Synchronizer) SetSummary(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Summary = summary
}

// persist writes the current session to the local cache.
func (s *Synchronizer) persist(ctx context.Context, token string, local bool) {
	s.mu.Lock()
	snap := &store.Snapshot{
		TenantID:       s.session.TenantID,
		SessionID:      s.session.SessionID,
		ConversationID: s.session.ConversationID,
		Turn:           s.session.Turn,
		Summary:        s.session.Summary,
		Messages:       append([]domain.Message(nil), s.session.Messages...),
	}
	s.mu.Unlock()

	if err := s.cache.SaveSnapshot(ctx, snap); err != nil {
		s.logger.Warn("failed to persist snapshot", zap.Error(err))
	}
	if token != "" {
		rec := &store.TokenRecord{
			Value:     token,
			Local:     local,
			ExpiresAt: time.Now().Add(s.cfg.TokenTTL),
		}
		if err := s.cache.SaveToken(ctx, snap.ConversationID, rec); err != nil {
			s.logger.Warn("failed to persist token", zap.Error(err))
		}
	}
}
