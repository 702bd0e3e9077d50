// Package backing is the HTTP client for the authoritative gateway API. It
// implements the narrow interfaces the challenge machine and notification
// dispatcher depend on; every mutation returns the committed entity so local
// state can reconcile against it.
package backing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stakeline/engage/internal/challenge"
	"github.com/stakeline/engage/internal/notify"
)

// Config holds client settings.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// APIError is a structured error response from the gateway.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backing: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether the request is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the gateway over HTTP. Safe for concurrent use.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a gateway client.
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// Act issues a challenge lifecycle action and returns the committed entity.
func (c *Client) Act(ctx context.Context, id int64, action challenge.Action) (challenge.Challenge, error) {
	var ch challenge.Challenge
	path := fmt.Sprintf("/api/challenges/%d/%s", id, action)
	if err := c.do(ctx, http.MethodPost, path, nil, &ch); err != nil {
		return challenge.Challenge{}, err
	}
	return ch, nil
}

// Get fetches one challenge.
func (c *Client) Get(ctx context.Context, id int64) (challenge.Challenge, error) {
	var ch challenge.Challenge
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/challenges/%d", id), nil, &ch); err != nil {
		return challenge.Challenge{}, err
	}
	return ch, nil
}

// ListChallenges fetches every challenge the user is a party to.
func (c *Client) ListChallenges(ctx context.Context) ([]challenge.Challenge, error) {
	var out []challenge.Challenge
	if err := c.do(ctx, http.MethodGet, "/api/challenges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListNotifications fetches the authoritative notification list.
func (c *Client) ListNotifications(ctx context.Context) ([]notify.Notification, error) {
	var out []notify.Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkNotificationRead marks one notification read on the gateway.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	body := map[string]bool{"read": true}
	return c.do(ctx, http.MethodPatch, "/api/notifications/"+id, body, nil)
}

// do performs one JSON request. Non-2xx responses decode into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backing: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("backing: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backing: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown"}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("backing: decode response: %w", err)
		}
	}
	return nil
}

// IsTemporary reports whether err is a retryable gateway error.
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return false
}
