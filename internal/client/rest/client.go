package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// Client is the typed REST client for the chat server. The base URL can
// change mid-session when a fallback server is selected.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	token   string

	http   *http.Client
	logger *zap.Logger
}

// New creates a client for the given API base (ending in /api).
func New(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// SetBaseURL switches the API base for subsequent requests.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	c.baseURL = u
	c.mu.Unlock()
}

// BaseURL returns the current API base.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetToken replaces the bearer token after reauthentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ListConversations returns the caller's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]wire.Conversation, error) {
	var out []wire.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns one page of a conversation's messages,
// newest-first as served; callers re-sort for display.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]wire.Message, error) {
	path := "/conversations/" + conversationID +
		"?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)
	var out []wire.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Send submits a message over the durable path.
func (c *Client) Send(ctx context.Context, req wire.SendRequest) (*wire.SendResponse, error) {
	var out wire.SendResponse
	if err := c.do(ctx, http.MethodPost, "/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve finds or creates the conversation with a counterpart.
func (c *Client) Resolve(ctx context.Context, req wire.ResolveRequest) (*wire.Conversation, error) {
	var out wire.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead records read receipts durably. Returns the number of messages
// newly marked; zero is a valid repeat outcome.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (int, error) {
	var out wire.MarkReadResponse
	err := c.do(ctx, http.MethodPatch, "/conversations/"+conversationID+"/read",
		wire.MarkReadRequest{MessageIDs: messageIDs}, &out)
	if err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// SoftDelete marks one of the caller's own messages deleted.
func (c *Client) SoftDelete(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+messageID, nil, nil)
}

// Health probes the server without authentication.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	c.mu.RLock()
	base := c.baseURL
	token := c.token
	c.mu.RUnlock()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrServerUnreachable, err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	var body wire.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		msg := body.Message
		if msg == "" {
			msg = "bad request"
		}
		return &ValidationError{Message: msg}
	default:
		c.logger.Warn("unexpected server status",
			zap.Int("status", resp.StatusCode), zap.String("code", body.Code))
		return fmt.Errorf("%w: status %d", ErrServerUnreachable, resp.StatusCode)
	}
}
