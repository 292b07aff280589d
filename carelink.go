// Package carelink is the Go client SDK for the CareLink care-messaging
// platform: patient↔doctor conversations gated by chat requests, with a
// realtime synchronization core shared by every dashboard surface.
//
// The REST client covers the boundary the sync core consumes: chat history,
// conversation summaries and the chat-request workflow. The realtime side
// lives in ConnectionManager, RoomTracker, MessageStore, ChatSession and
// ListAggregator.
//
// Example:
//
//	client := carelink.NewClient(token)
//	mgr := carelink.NewConnectionManager(client.BaseURL(), nil, logger)
//
//	conn, _ := mgr.Connect(ctx, token)
//	list := carelink.NewListAggregator(client.Conversations, logger)
//	sess := carelink.NewChatSession(self, client.History, conn, list, logger)
//	sess.Attach(conn)
//	sess.Open(ctx, "chat-42", doctor)
//	sess.Send(ctx, "Hello")
package carelink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.carelink.health"

	// DefaultTimeout bounds every REST call. Hydrate and list refreshes have
	// no protocol-level timeout of their own, so the HTTP client's deadline
	// is what turns a stalled fetch into a surfaced error.
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the CareLink REST client. Sub-clients group the boundary
// surfaces the sync core consumes.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	History       *HistoryClient
	Conversations *ConversationsClient
	Requests      *RequestsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a CareLink REST client authenticated with the session
// bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.History = &HistoryClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Requests = &RequestsClient{client: c}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		var decoded APIError
		if json.Unmarshal(data, &decoded) == nil && decoded.Message != "" {
			apiErr = &decoded
		}
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// History
// ============================================================================

// HistoryClient fetches message history for one chat.
type HistoryClient struct{ client *Client }

// Messages performs the one-shot history fetch for a chat and normalizes
// whichever response shape the server speaks into the canonical form.
func (h *HistoryClient) Messages(ctx context.Context, chatID string, roles RoleMap) ([]Message, error) {
	data, err := h.client.doRequest(ctx, "GET", "/api/chats/"+chatID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeHistory(data, chatID, roles)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient covers the summarized conversation list.
type ConversationsClient struct{ client *Client }

// List fetches the active conversations with last-message previews and
// unread counts.
func (cv *ConversationsClient) List(ctx context.Context) ([]ConversationSummary, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]ConversationSummary](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// MarkRead is the REST-level read acknowledgment. The realtime mark-read
// command is the primary path; this exists for surfaces without a live
// connection.
func (cv *ConversationsClient) MarkRead(ctx context.Context, chatID string) error {
	_, err := cv.client.doRequest(ctx, "POST", "/api/conversations/"+chatID+"/read", nil, nil)
	return err
}

// ============================================================================
// Chat Requests
// ============================================================================

// RequestsClient covers the chat-request gate. Approve and Reject are REST
// side effects only; callers refresh the chat list afterwards.
type RequestsClient struct{ client *Client }

// ListMine returns the requests the authenticated patient has sent.
func (r *RequestsClient) ListMine(ctx context.Context) ([]ChatRequest, error) {
	return r.list(ctx, "/api/chat-requests/mine")
}

// ListReceived returns the requests addressed to the authenticated doctor.
func (r *RequestsClient) ListReceived(ctx context.Context) ([]ChatRequest, error) {
	return r.list(ctx, "/api/chat-requests/received")
}

func (r *RequestsClient) list(ctx context.Context, path string) ([]ChatRequest, error) {
	data, err := r.client.doRequest(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]ChatRequest](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

func (r *RequestsClient) Approve(ctx context.Context, patientID string) error {
	_, err := r.client.doRequest(ctx, "POST", "/api/chat-requests/"+patientID+"/approve", nil, nil)
	return err
}

func (r *RequestsClient) Reject(ctx context.Context, patientID string) error {
	_, err := r.client.doRequest(ctx, "POST", "/api/chat-requests/"+patientID+"/reject", nil, nil)
	return err
}
