// Package transport is the typed JSON transport for a running server.
//
// It performs no retries and knows nothing about the session lifecycle;
// callers construct a Client only once a base URL exists and decide their
// own retry policy.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	uierr "github.com/entrhq/uidriver/pkg/errors"
)

// DefaultRequestTimeout bounds a single request/response exchange. The
// server executes UI interactions synchronously, so calls can legitimately
// take a while.
const DefaultRequestTimeout = 60 * time.Second

// Client issues typed requests against one server endpoint. It is owned by
// a single session and reused for all of that session's calls.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient exposes the underlying client for the readiness prober.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Close releases idle transport connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Get issues a GET and decodes the JSON response into T.
func Get[T any](c *Client, path string) (T, error) {
	var zero T
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return zero, fmt.Errorf("build request for %s: %w", path, err)
	}
	return do[T](c, req, path)
}

// Post issues a POST with body serialized as a JSON object (an empty
// object when body is nil) and decodes the JSON response into T.
func Post[T any](c *Client, path string, body any) (T, error) {
	var zero T
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return zero, &uierr.ProtocolError{Detail: fmt.Sprintf("encode request body for %s", path), Err: err}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return zero, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do[T](c, req, path)
}

// GetRaw issues a GET and returns the response body verbatim, for the few
// endpoints that speak plain text rather than JSON.
func GetRaw(c *Client, path string) (string, error) {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response for %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &uierr.HTTPError{Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return string(raw), nil
}

func do[T any](c *Client, req *http.Request, path string) (T, error) {
	var zero T

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("read response for %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zero, &uierr.HTTPError{Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return zero, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, &uierr.ProtocolError{Detail: fmt.Sprintf("decode response for %s", path), Err: err}
	}
	return out, nil
}
