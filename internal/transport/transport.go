// Package transport implements authenticated HTTP request/response against
// a sync peer, with the retry/backoff policy spec.md §4.A describes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/n1/n1sync/internal/log"
)

// ErrConnection is returned when every retry attempt failed to reach the
// peer (request.MaxRetries exhausted on a transient transport error).
var ErrConnection = errors.New("connection error: peer unreachable after retries")

// HTTPStatusError is returned immediately — never retried — when the peer
// answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("peer returned HTTP %d: %s", e.StatusCode, string(e.Body))
}

// BasicAuth carries HTTP Basic credentials for a request.
type BasicAuth struct {
	Username string
	Password string
}

// Request describes one call against a peer endpoint.
type Request struct {
	Endpoint   string
	Method     string
	Lookup     string
	Body       interface{}
	Query      url.Values
	Auth       *BasicAuth
	Timeout    time.Duration
	MaxRetries int
}

// Response is the decoded result of a successful request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Unmarshal decodes the response body as JSON into v.
func (r *Response) Unmarshal(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Client issues requests against one peer's base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Client for baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
	}
}

const (
	// DefaultTimeout is the base sleep between retries.
	DefaultTimeout = 3 * time.Second
	// DefaultMaxRetries is the number of attempts before surfacing
	// ErrConnection.
	DefaultMaxRetries = 5
)

// Do issues req against the peer, retrying transient connection failures
// with linearly increasing backoff (timeout * attempt) up to MaxRetries.
// A non-2xx response is never retried — it is surfaced immediately as an
// *HTTPStatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	rawURL, err := c.buildURL(req)
	if err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	if _, err := http.NewRequestWithContext(ctx, req.Method, rawURL, nil); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := c.attempt(ctx, req.Method, rawURL, bodyBytes, req.Auth)
		if err != nil {
			var statusErr *nonRetryableStatus
			if errors.As(err, &statusErr) {
				return nil, statusErr.HTTPStatusError
			}
			log.Warn().Err(err).Int("attempt", attempt).Str("url", rawURL).Msg("transport: connection attempt failed")
			time.Sleep(timeout * time.Duration(attempt))
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrConnection, rawURL)
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, body []byte, auth *BasicAuth) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		// Malformed requests are a programmer error, not a transient
		// connection failure; don't retry them.
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		httpReq.SetBasicAuth(auth.Username, auth.Password)
	}

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &nonRetryableStatus{&HTTPStatusError{StatusCode: httpResp.StatusCode, Body: respBody}}
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

// nonRetryableStatus wraps an HTTPStatusError so Do's retry loop can
// recognize it and return it immediately instead of retrying.
type nonRetryableStatus struct {
	*HTTPStatusError
}

func (c *Client) buildURL(req Request) (string, error) {
	endpoint := c.BaseURL + req.Endpoint
	if req.Lookup != "" {
		endpoint += req.Lookup + "/"
	}
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}
	return endpoint, nil
}
