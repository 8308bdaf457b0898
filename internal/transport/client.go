// Package transport implements the typed client for the stateless widget
// backend. Response bodies arrive either bare or wrapped in a {"data": …}
// envelope depending on the deployment; both shapes are normalized here so
// callers never branch on wrapper shape.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/embedkit/chatsync/internal/domain"
)

const defaultRequestTimeout = 10 * time.Second

// Client talks to the widget backend's session endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitSession starts or resumes a session for a tenant.
func (c *Client) InitSession(ctx context.Context, req *InitRequest) (*InitResponse, error) {
	var resp InitResponse
	if err := c.do(ctx, http.MethodPost, "/api/widget/session/init", "", req, &resp); err != nil {
		return nil, err
	}
	if resp.StateToken == "" {
		return nil, fmt.Errorf("init response missing state token: %w", domain.ErrBackendUnavailable)
	}
	return &resp, nil
}

// AppendDelta persists one turn's delta. A stale turn yields a
// *ConflictError; a rejected token yields domain.ErrTokenExpired.
func (c *Client) AppendDelta(ctx context.Context, token string, req *AppendRequest) (*AppendResponse, error) {
	var resp AppendResponse
	if err := c.do(ctx, http.MethodPost, "/api/widget/session/delta", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearSession deletes server-side conversation state. Best-effort from the
// caller's perspective.
func (c *Client) ClearSession(ctx context.Context, token string) (*ClearResponse, error) {
	var resp ClearResponse
	if err := c.do(ctx, http.MethodPost, "/api/widget/session/clear", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetConversation recalls the conversation state held for the token. Both
// 401 and 409 mean no usable state.
func (c *Client) GetConversation(ctx context.Context, token string) (*GetResponse, error) {
	var resp GetResponse
	err := c.do(ctx, http.MethodGet, "/api/widget/session", token, nil, &resp)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) || errors.Is(err, domain.ErrTokenExpired) {
			return nil, domain.ErrNoUsableState
		}
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", domain.ErrBackendUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return unwrap(raw, out)
	case http.StatusUnauthorized:
		return domain.ErrTokenExpired
	case http.StatusConflict:
		conflict := &ConflictError{}
		if err := unwrap(raw, conflict); err != nil {
			return fmt.Errorf("unreadable conflict response: %w", err)
		}
		return conflict
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	default:
		return fmt.Errorf("backend returned status %d: %w", resp.StatusCode, domain.ErrBackendUnavailable)
	}
}

// unwrap decodes a response body that may or may not carry a {"data": …}
// envelope into out.
func unwrap(raw []byte, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		raw = envelope.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
