// ABOUTME: HTTP client core with the common response envelope and error mapping.
// ABOUTME: All REST operations funnel through do(), the single request/decode path.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Error is a non-zero envelope code from the server. Callers treat it the
// same as a transport-level failure.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// envelope is the common wrapper around every response payload.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Client talks to the gateway's REST surface. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger

	mu           sync.Mutex
	streamToken  string
	streamExpiry time.Time
}

// NewClient creates a REST client. Pass nil httpc for a default client with
// a 30 second timeout, nil logger for the default logger.
func NewClient(baseURL, token string, httpc *http.Client, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   httpc,
		logger:  logger.With("component", "api"),
	}
}

// do performs one request and decodes the envelope into out. A non-zero
// envelope code (or a non-envelope HTTP error) is returned as *Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	return c.decode(resp, method, path, out)
}

// authorize attaches the bearer credential when one is configured.
func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// decode unwraps the envelope from a response.
func (c *Client) decode(resp *http.Response, method, path string, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decoding envelope: %w", err)
	}

	if env.Code != 0 {
		c.logger.Debug("request rejected",
			"method", method,
			"path", path,
			"code", env.Code,
			"message", env.Message)
		return &Error{Code: env.Code, Message: env.Message}
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}
