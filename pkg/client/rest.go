package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed with status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// APIClient talks to the request/response surface under /api. It is the
// degraded send path while the gateway is not Ready, and the history source.
type APIClient struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewAPIClient creates a client for the server at baseURL (http or https).
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/api",
		http:    &http.Client{Timeout: 15 * time.Second},
		token:   token,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *APIClient) WithHTTPClient(hc *http.Client) *APIClient {
	c.http = hc
	return c
}

// SetToken replaces the bearer token.
func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func conversationPath(ref protocol.ConversationRef) string {
	kind := "channels"
	if ref.DM {
		kind = "dms"
	}
	return "/" + kind + "/" + strconv.FormatInt(ref.ID, 10) + "/messages"
}

// ListConversations returns the channels and DMs visible to the caller.
func (c *APIClient) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	var out []protocol.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// ListMessages fetches the recent history of ref, oldest first.
func (c *APIClient) ListMessages(ctx context.Context, ref protocol.ConversationRef) ([]protocol.Message, error) {
	var out []protocol.Message
	if err := c.do(ctx, http.MethodGet, conversationPath(ref), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", ref, err)
	}
	return out, nil
}

// PostMessage sends a message and returns the stored result.
func (c *APIClient) PostMessage(ctx context.Context, ref protocol.ConversationRef, req protocol.PostMessageRequest) (*protocol.Message, error) {
	var msg protocol.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(ref), req, &msg); err != nil {
		return nil, fmt.Errorf("failed to post message to %s: %w", ref, err)
	}
	return &msg, nil
}

// EditMessage replaces the text of a message the caller owns.
func (c *APIClient) EditMessage(ctx context.Context, messageID int64, text string) (*protocol.Message, error) {
	var msg protocol.Message
	path := "/messages/" + strconv.FormatInt(messageID, 10)
	if err := c.do(ctx, http.MethodPut, path, protocol.EditMessageRequest{Text: text}, &msg); err != nil {
		return nil, fmt.Errorf("failed to edit message %d: %w", messageID, err)
	}
	return &msg, nil
}

// DeleteMessage deletes a message the caller owns.
func (c *APIClient) DeleteMessage(ctx context.Context, messageID int64) error {
	path := "/messages/" + strconv.FormatInt(messageID, 10)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}
	return nil
}

// ToggleReaction adds or removes the caller's reaction and returns the
// message's full reaction set.
func (c *APIClient) ToggleReaction(ctx context.Context, messageID int64, emoji string) (protocol.Reactions, error) {
	var resp protocol.ReactionsResponse
	path := "/messages/" + strconv.FormatInt(messageID, 10) + "/reactions"
	if err := c.do(ctx, http.MethodPost, path, protocol.ReactionRequest{Emoji: emoji}, &resp); err != nil {
		return nil, fmt.Errorf("failed to react to message %d: %w", messageID, err)
	}
	return resp.Reactions, nil
}

// SaveSettings stores the user's client settings on the server.
func (c *APIClient) SaveSettings(ctx context.Context, settings protocol.Settings) error {
	if err := c.do(ctx, http.MethodPut, "/users/settings", settings, nil); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return urlErr.Err
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr protocol.APIError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response body: %w", err)
	}
	return nil
}
