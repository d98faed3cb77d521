/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package sigcore provides the core client shared by every callkit plugin:
// bearer-credential handling, HTTP request plumbing with retry for transient
// errors, and the structured API error types.
package sigcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client is the core signaling API client. It does not know anything about
// calls; it only knows how to talk to the signaling backend with the right
// credentials attached.
type Client struct {
	httpClient *http.Client

	// BaseURL is the base URL of the signaling REST API.
	BaseURL *url.URL

	creds CredentialsProvider

	// Config for the client.
	Config *Config

	log *logrus.Logger
}

// Config holds the configuration for the core client.
type Config struct {
	// BaseURL is the base URL of the signaling REST API.
	BaseURL string

	// Timeout for API requests.
	Timeout time.Duration

	// DefaultHeaders to include in every API request.
	DefaultHeaders map[string]string

	// HTTPClient overrides the default HTTP client when non-nil.
	HTTPClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors
	// (429, 502, 503, 504). Set to 0 to disable retries.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Subsequent
	// retries use exponential backoff (delay * 2^attempt).
	RetryBaseDelay time.Duration

	// Logger for the whole client stack. Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// DefaultConfig returns a default configuration for the core client.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://signaling.meshtalk.dev/v1",
		Timeout:        30 * time.Second,
		DefaultHeaders: make(map[string]string),
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
	}
}

// NewClient creates a new core client with the given credentials provider
// and optional configuration.
func NewClient(creds CredentialsProvider, config *Config) (*Client, error) {
	if creds == nil {
		return nil, fmt.Errorf("credentials provider cannot be nil")
	}

	if config == nil {
		config = DefaultConfig()
	}

	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Client{
		httpClient: httpClient,
		BaseURL:    baseURL,
		creds:      creds,
		Config:     config,
		log:        log,
	}, nil
}

// Credentials returns the credentials provider used by the client.
func (c *Client) Credentials() CredentialsProvider {
	return c.creds
}

// HTTPClient returns the HTTP client used for API requests.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Logger returns the logger shared by the client stack.
func (c *Client) Logger() *logrus.Logger {
	return c.log
}

// Request performs an HTTP request to the signaling API with automatic retry
// for transient errors. The bearer credential is fetched from the provider
// on every attempt so refreshed tokens are picked up without restart.
// The caller is responsible for closing the response body.
func (c *Client) Request(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	maxRetries := c.Config.MaxRetries
	baseDelay := c.Config.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err = c.doRequest(ctx, method, path, params, body)
		if err != nil {
			return nil, err
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == maxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, baseDelay, attempt)
		resp.Body.Close()

		c.log.WithFields(logrus.Fields{
			"method":  method,
			"path":    path,
			"status":  resp.StatusCode,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debug("retrying transient API error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return resp, err
}

// doRequest performs a single HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL.String() + "/" + path)
	if err != nil {
		return nil, err
	}

	if params != nil {
		u.RawQuery = params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	if err := c.SetAuthHeaders(ctx, req); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range c.Config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// SetAuthHeaders attaches the bearer credential and a tracking ID to req.
func (c *Client) SetAuthHeaders(ctx context.Context, req *http.Request) error {
	headers, err := c.AuthHeaders(ctx)
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return nil
}

// AuthHeaders builds the bearer credential and tracking ID headers. Exported
// so the websocket and stream channels can attach the exact same header set
// to their own handshakes.
func (c *Client) AuthHeaders(ctx context.Context) (http.Header, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain credential: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Trackingid", fmt.Sprintf("callkit-go_%s", uuid.New().String()))
	return headers, nil
}

// ParseResponse parses an HTTP response body into v, converting error
// statuses into typed API errors.
func ParseResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return NewAPIError(resp, body)
	}

	if v == nil {
		return nil
	}
	return json.Unmarshal(body, v)
}

// isRetryableStatus returns true for HTTP status codes that should be retried.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// retryDelay calculates the delay before the next retry attempt. For 429
// responses it respects the Retry-After header if present; otherwise it uses
// exponential backoff (baseDelay * 2^attempt).
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return baseDelay * (1 << uint(attempt))
}
