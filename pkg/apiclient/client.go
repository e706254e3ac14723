// Package apiclient is a client for the DittoFC status API, used by the
// dittofc status command.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the DittoFC API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithTimeout returns a copy of the client using the given request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: &http.Client{Timeout: d},
	}
}

// envelope is the response wrapper every endpoint uses.
type envelope struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// get performs a GET request and decodes the data of the response envelope
// into result. A 503 carrying an envelope is not an error: the envelope is
// returned so health checks can report why the node is not ready.
func (c *Client) get(ctx context.Context, path string, result any) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	decoded := json.Unmarshal(body, &env) == nil && env.Status != ""

	if resp.StatusCode >= 400 && !(decoded && resp.StatusCode == http.StatusServiceUnavailable) {
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Title != "" {
			apiErr.Status = resp.StatusCode
			return nil, &apiErr
		}
		return nil, &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode), Detail: string(body)}
	}
	if !decoded {
		return nil, fmt.Errorf("failed to decode response from %s", path)
	}

	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return &env, nil
}
