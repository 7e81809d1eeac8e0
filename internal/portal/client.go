package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portal/internal/constants"
	"portal/internal/models"
	"portal/internal/thread"
)

const maxResponseBytes = 64 << 20

// Client talks to a remote portal API on behalf of one user. Every response
// passes through the normalizers before it reaches the engine.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultRequestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// WithToken returns a copy of the client that authenticates as another user.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// APIError is a non-2xx answer from the portal API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("portal api: status %d", e.Status)
	}
	return fmt.Sprintf("portal api: %s (%d): %s", e.Code, e.Status, e.Message)
}

func (c *Client) FetchThread(ctx context.Context, viewerID, peerID string) ([]models.Message, error) {
	body, err := c.do(ctx, "fetch", http.MethodGet, "/api/v1/threads/"+url.PathEscape(peerID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(body)
}

func (c *Client) SendMessage(ctx context.Context, req models.SendRequest) (*models.Message, error) {
	payload := map[string]any{
		"text":        req.Text,
		"attachments": req.Attachments,
		"repliedTo":   req.RepliedTo,
		"nonce":       req.Nonce,
	}
	body, err := c.do(ctx, "send", http.MethodPost, "/api/v1/threads/"+url.PathEscape(req.RecipientID)+"/messages", payload)
	if err != nil {
		return nil, err
	}
	m, err := decodeMessage(body)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, editorID, text string) error {
	_, err := c.do(ctx, "edit", http.MethodPut, "/api/v1/messages/"+url.PathEscape(messageID), map[string]string{"text": text})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID, actorID string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, "/api/v1/messages/"+url.PathEscape(messageID), nil)
	return err
}

func (c *Client) React(ctx context.Context, messageID, reactorID, emoji string) ([]models.Reaction, error) {
	body, err := c.do(ctx, "react", http.MethodPost, "/api/v1/messages/"+url.PathEscape(messageID)+"/reactions", map[string]string{"emoji": emoji})
	if err != nil {
		return nil, err
	}
	return decodeReactions(body)
}

func (c *Client) MarkRead(ctx context.Context, viewerID, peerID string) error {
	_, err := c.do(ctx, "mark-read", http.MethodPatch, "/api/v1/threads/"+url.PathEscape(peerID)+"/read", nil)
	return err
}

func (c *Client) ListPeers(ctx context.Context, viewerID string) ([]models.Peer, error) {
	body, err := c.do(ctx, "peers", http.MethodGet, "/api/v1/peers", nil)
	if err != nil {
		return nil, err
	}
	return decodePeers(body)
}

func (c *Client) UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error) {
	body, err := c.do(ctx, "unread-counts", http.MethodGet, "/api/v1/unread-counts", nil)
	if err != nil {
		return nil, err
	}
	return decodeCounts(body)
}

func (c *Client) LatestTimestamps(ctx context.Context, viewerID string) (map[string]time.Time, error) {
	body, err := c.do(ctx, "latest-timestamps", http.MethodGet, "/api/v1/latest-timestamps", nil)
	if err != nil {
		return nil, err
	}
	return decodeTimestamps(body)
}

// NotificationBadge returns the number of unread notifications.
func (c *Client) NotificationBadge(ctx context.Context, userID string) (int, error) {
	body, err := c.do(ctx, "notifications", http.MethodGet, "/api/v1/notifications?limit=1", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Unread json.RawMessage `json:"unread"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n, err := asInt(resp.Unread)
	return int(n), err
}

// do sends one request. Transport failures and 5xx/429 answers come back as
// transient errors; other non-2xx answers as rejections.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, thread.NewStaleError(op)
		}
		return nil, thread.NewTransientError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, thread.NewTransientError(op, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, thread.NewTransientError(op, apiErr)
	}
	return nil, thread.NewRejectedError(op, apiErr)
}

// IsNotFound reports whether err is a 404 from the portal API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
