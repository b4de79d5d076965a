// Package gameapi is the HTTP client for the game server: path submission,
// login and access-token refresh.
package gameapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TimestampLayout is the wire format of path timestamps (UTC, second precision)
const TimestampLayout = "2006-01-02T15:04:05Z"

const maxErrorBody = 64 * 1024

// PathDataItem is a single submitted point
type PathDataItem struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
}

// PathDataRequest is the submission body
type PathDataRequest struct {
	PathData []PathDataItem `json:"pathData"`
}

// FormatTimestamp converts epoch milliseconds to the wire timestamp.
// Sub-second precision is truncated.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(TimestampLayout)
}

// LoginResponse is returned by POST /login
type LoginResponse struct {
	ID           string `json:"id"`
	JWT          string `json:"jwt"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned by POST /refresh/auth
type RefreshResponse struct {
	JWT          string `json:"jwt"`
	RefreshToken string `json:"refreshtoken"`
}

// APIError is a non-2xx response from the game server
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("game server returned status %d: %s", e.StatusCode, e.Body)
}

// TokenSource supplies the bearer token for authenticated requests.
// An empty token means the request is sent without an Authorization header.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Option configures a Client
type Option func(*Client)

// WithTokenSource attaches a bearer token to path submissions
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client talks to the game server
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewClient creates a game server client
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens != nil {
		c.httpClient = &http.Client{
			Timeout:       c.httpClient.Timeout,
			Transport:     &bearerTransport{base: transportOf(c.httpClient), tokens: c.tokens},
			CheckRedirect: c.httpClient.CheckRedirect,
			Jar:           c.httpClient.Jar,
		}
	}
	return c
}

// SubmitPath posts the path. Any 2xx status is success; anything else is
// returned as *APIError.
func (c *Client) SubmitPath(ctx context.Context, items []PathDataItem) error {
	if items == nil {
		items = []PathDataItem{}
	}
	return c.postJSON(ctx, "/api/v1/games/paths", PathDataRequest{PathData: items}, nil)
}

// Login exchanges credentials for an access and refresh token
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.postJSON(ctx, "/login", body, &resp); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return &resp, nil
}

// Refresh exchanges a refresh token for a new token pair
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	var resp RefreshResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.postJSON(ctx, "/refresh/auth", body, &resp); err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func transportOf(hc *http.Client) http.RoundTripper {
	if hc.Transport != nil {
		return hc.Transport
	}
	return http.DefaultTransport
}

type bearerTransport struct {
	base   http.RoundTripper
	tokens TokenSource
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.AccessToken(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}
	if token == "" {
		return t.base.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(r)
}
