package backend

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

	"github.com/matheus3301/parla/internal/wire"
)

// StatusError is returned for unexpected relay HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the relay's HTTP session API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the relay at baseURL (e.g. http://127.0.0.1:7420).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) JoinSession(ctx context.Context, code string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/v1/codes/"+url.PathEscape(code), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) ValidateSession(ctx context.Context, code string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/codes/"+url.PathEscape(code)+"/valid", nil, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) AddParticipant(ctx context.Context, sessionID, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/participants", body, nil)
}

func (c *Client) History(ctx context.Context, sessionID string) ([]wire.Message, error) {
	var msgs []wire.Message
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
