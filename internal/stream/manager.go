// Package stream owns the long-lived push connection to the widget
// backend: its lifecycle state machine, heartbeat and backoff policy, and
// tab-visibility reactions. Consumers observe the connection through a
// small event surface and never touch the transport directly.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DoneSentinel is the terminal frame value that signals stream completion.
const DoneSentinel = "[DONE]"

const heartbeatType = "heartbeat"

// Config carries the explicit knobs for a Manager.
type Config struct {
	URL string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// MaxReconnectAttempts bounds automatic recovery before Failed.
	MaxReconnectAttempts int
	// BaseReconnectDelay and BackoffFactor shape the reconnection delay:
	// min(base × factor^attempts, max). No jitter, so recovery timing is
	// deterministic.
	BaseReconnectDelay time.Duration
	BackoffFactor      float64
	MaxReconnectDelay  time.Duration

	// KeepAlive enables client heartbeats and the background timeout.
	KeepAlive bool
	// HeartbeatInterval is the foreground heartbeat cadence;
	// BackgroundHeartbeatInterval applies while the tab is hidden.
	HeartbeatInterval           time.Duration
	BackgroundHeartbeatInterval time.Duration
	// BackgroundTimeout force-disconnects a connection that stays
	// backgrounded, mirroring mobile browsers that silently kill hidden
	// long-lived connections while reporting them open.
	BackgroundTimeout time.Duration
	// ForegroundReconnectDelay is the fast reconnect delay applied when a
	// disconnected tab returns to the foreground.
	ForegroundReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.BackgroundHeartbeatInterval <= 0 {
		c.BackgroundHeartbeatInterval = 60 * time.Second
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = 30 * time.Second
	}
	if c.ForegroundReconnectDelay <= 0 {
		c.ForegroundReconnectDelay = 500 * time.Millisecond
	}
	return c
}

// Message is a payload delivered by the push connection. Raw is set when
// the payload was structured; plain-text frames arrive with Type "text".
type Message struct {
	Type string
	Text string
	Raw  json.RawMessage
}

// Events is the consumer-facing event surface. Nil callbacks are skipped.
// Callbacks run on the manager's internal goroutines and must not block.
type Events struct {
	OnOpen         func()
	OnMessage      func(Message)
	OnStreamEnd    func()
	OnError        func(error)
	OnReconnecting func(attempt int, delay time.Duration)
	OnBackground   func()
	OnForeground   func()
	OnKeepAlive    func()
}

// envelope is the wire shape of structured frames.
type envelope struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Ack     bool   `json:"ack,omitempty"`
}

// Manager maintains a single long-lived push connection with deterministic
// recovery behavior.
type Manager struct {
	cfg    Config
	events Events
	logger *zap.Logger
	dialer *websocket.Dialer

	mu           sync.Mutex
	writeMu      sync.Mutex
	state        State
	conn         *websocket.Conn
	url          string
	attempts     int
	background   bool
	lastActivity time.Time
	gen          int

	hbQuit          chan struct{}
	reconnectTimer  *time.Timer
	backgroundTimer *time.Timer
}

// NewManager creates a connection manager. A nil logger is replaced with a
// no-op one.
func NewManager(cfg Config, events Events, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		events: events,
		logger: logger,
		dialer: websocket.DefaultDialer,
		state:  StateDisconnected,
	}
}

// Connect establishes the push connection. A no-op while Connecting or
// Connected. An explicit call resets the attempt budget, so a Failed
// connection can be revived.
func (m *Manager) Connect(rawURL string) {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	if rawURL != "" {
		m.url = rawURL
	} else if m.url == "" {
		m.url = m.cfg.URL
	}
	m.attempts = 0
	m.cancelTimersLocked()
	m.mu.Unlock()

	m.dial()
}

// dial starts connection establishment without resetting the attempt
// budget; reconnections come through here.
func (m *Manager) dial() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	attempt := m.attempts
	background := m.background
	target := m.url
	m.mu.Unlock()

	go m.dialAsync(gen, attempt, background, target)
}

func (m *Manager) dialAsync(gen, attempt int, background bool, target string) {
	endpoint, err := connectionURL(target, attempt, background)
	if err != nil {
		m.handleError(gen, fmt.Errorf("invalid stream url: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.handleError(gen, fmt.Errorf("connection failed: %w", err))
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.lastActivity = time.Now()
	if m.cfg.KeepAlive {
		m.startHeartbeatLocked(gen)
	}
	m.mu.Unlock()

	m.logger.Debug("stream connected", zap.String("url", endpoint))
	if m.events.OnOpen != nil {
		m.events.OnOpen()
	}

	go m.readLoop(conn, gen)
}

// connectionURL appends contextual parameters so the server side can tune
// its own heartbeat behavior per attempt.
func connectionURL(rawURL string, attempt int, background bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("attempt", strconv.Itoa(attempt))
	q.Set("background", strconv.FormatBool(background))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.gen != gen
			m.mu.Unlock()
			if !stale {
				m.handleError(gen, fmt.Errorf("read failed: %w", err))
			}
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()

	text := string(data)
	if text == DoneSentinel {
		if m.events.OnStreamEnd != nil {
			m.events.OnStreamEnd()
		}
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" {
		switch env.Type {
		case heartbeatType:
			// Heartbeats update liveness and never reach message consumers.
			if env.Ack {
				if err := m.Send(envelope{Type: "heartbeat_ack"}); err != nil {
					m.logger.Debug("heartbeat ack failed", zap.Error(err))
				}
			}
			if m.events.OnKeepAlive != nil {
				m.events.OnKeepAlive()
			}
		case "done":
			if m.events.OnStreamEnd != nil {
				m.events.OnStreamEnd()
			}
		default:
			if m.events.OnMessage != nil {
				m.events.OnMessage(Message{Type: env.Type, Text: env.Content, Raw: data})
			}
		}
		return
	}

	// Unparseable payloads are plain text.
	if m.events.OnMessage != nil {
		m.events.OnMessage(Message{Type: "text", Text: text})
	}
}

// handleError is the single error path for dial timeouts, dial failures
// and read failures: schedule a reconnection while under budget, otherwise
// transition to Failed.
func (m *Manager) handleError(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen || m.state == StateDisconnected || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.state = StateFailed
		m.mu.Unlock()
		m.logger.Warn("stream failed, attempt budget exhausted", zap.Error(err))
		if m.events.OnError != nil {
			m.events.OnError(err)
		}
		return
	}

	delay := m.backoffDelay(m.attempts)
	m.attempts++
	attempt := m.attempts
	m.state = StateReconnecting
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.state != StateReconnecting
		m.mu.Unlock()
		if stale {
			return
		}
		m.dial()
	})
	m.mu.Unlock()

	m.logger.Debug("stream error, reconnection scheduled",
		zap.Error(err),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
	if m.events.OnError != nil {
		m.events.OnError(err)
	}
	if m.events.OnReconnecting != nil {
		m.events.OnReconnecting(attempt, delay)
	}
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(m.cfg.BaseReconnectDelay) * math.Pow(m.cfg.BackoffFactor, float64(attempt)))
	if delay > m.cfg.MaxReconnectDelay {
		delay = m.cfg.MaxReconnectDelay
	}
	return delay
}

// SetBackground reports host-page visibility. Backgrounding widens the
// heartbeat cadence and arms the forced-disconnect timeout; foregrounding
// restores cadence and fast-reconnects a dropped connection.
func (m *Manager) SetBackground(background bool) {
	m.mu.Lock()
	if m.background == background {
		m.mu.Unlock()
		return
	}
	m.background = background

	if background {
		if m.cfg.KeepAlive {
			if m.state == StateConnected {
				m.startHeartbeatLocked(m.gen)
			}
			m.backgroundTimer = time.AfterFunc(m.cfg.BackgroundTimeout, m.backgroundTimeoutFired)
		}
		m.mu.Unlock()
		if m.events.OnBackground != nil {
			m.events.OnBackground()
		}
		return
	}

	if m.backgroundTimer != nil {
		m.backgroundTimer.Stop()
		m.backgroundTimer = nil
	}
	if m.cfg.KeepAlive && m.state == StateConnected {
		m.startHeartbeatLocked(m.gen)
	}
	if m.state == StateDisconnected {
		m.reconnectTimer = time.AfterFunc(m.cfg.ForegroundReconnectDelay, func() {
			m.Connect("")
		})
	}
	m.mu.Unlock()

	if m.events.OnForeground != nil {
		m.events.OnForeground()
	}
}

// backgroundTimeoutFired force-disconnects a connection that stayed
// backgrounded past the timeout. No automatic reconnection follows; the
// next foreground transition schedules one.
func (m *Manager) backgroundTimeoutFired() {
	m.mu.Lock()
	if !m.background || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopHeartbeatLocked()
	m.cancelTimersLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Info("stream force-disconnected after background timeout")
}

// Disconnect tears the connection down manually. No reconnection follows
// until an explicit Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopHeartbeatLocked()
	m.cancelTimersLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()
}

// Send writes a JSON frame to the connection.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("stream not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastActivity returns the time of the most recent received frame.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// ReconnectionAttempts returns the current attempt counter.
func (m *Manager) ReconnectionAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Background reports the current visibility flag.
func (m *Manager) Background() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.background
}

// startHeartbeatLocked (re)starts the heartbeat sender at the cadence for
// the current visibility. Caller holds m.mu.
func (m *Manager) startHeartbeatLocked(gen int) {
	m.stopHeartbeatLocked()
	interval := m.cfg.HeartbeatInterval
	if m.background {
		interval = m.cfg.BackgroundHeartbeatInterval
	}
	quit := make(chan struct{})
	m.hbQuit = quit

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				m.mu.Lock()
				live := m.gen == gen && m.state == StateConnected
				m.mu.Unlock()
				if !live {
					return
				}
				if err := m.Send(envelope{Type: heartbeatType}); err != nil {
					m.logger.Debug("heartbeat send failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

// stopHeartbeatLocked cancels the heartbeat sender. Caller holds m.mu.
func (m *Manager) stopHeartbeatLocked() {
	if m.hbQuit != nil {
		close(m.hbQuit)
		m.hbQuit = nil
	}
}

// cancelTimersLocked stops the reconnect and background timers so no stale
// timer fires into a new state. Caller holds m.mu.
func (m *Manager) cancelTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.backgroundTimer != nil {
		m.backgroundTimer.Stop()
		m.backgroundTimer = nil
	}
}
