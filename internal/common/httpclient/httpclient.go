// Package httpclient provides an HTTP client with retry and exponential
// backoff shared by the registry and advisory clients.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"
)

// Error variables for HTTP client errors
var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have failed
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrRequestTimeout is returned when a request times out
	ErrRequestTimeout = errors.New("request timeout")
)

// envVarPattern matches ${VAR_NAME} syntax for environment variable substitution
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// StatusError reports the last retryable status seen before giving up
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: status %d", e.StatusCode)
}

// RetryConfig holds configuration for retry behavior.
type RetryConfig struct {
	// Attempts is the total number of attempts per request (default: 3)
	Attempts int
	// BaseDelay is the delay before the second attempt (default: 1s)
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts (default: 10s)
	MaxDelay time.Duration
	// Timeout is the timeout for each individual request (default: 30s)
	Timeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
// Delays grow 1s, 2s, 4s, 8s and are capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:  3,
		BaseDelay: 1 * time.Second,
		MaxDelay:  10 * time.Second,
		Timeout:   30 * time.Second,
	}
}

// Client wraps an HTTP client with retry logic.
type Client struct {
	client *http.Client
	config RetryConfig
	// sleep waits between attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	recordedDelays []time.Duration
	defaultHeaders map[string]string
}

// New creates a client with the default retry configuration.
func New() *Client {
	return NewWithConfig(DefaultRetryConfig())
}

// NewWithConfig creates a client with a custom retry configuration.
func NewWithConfig(config RetryConfig) *Client {
	if config.Attempts < 1 {
		config.Attempts = 1
	}
	return &Client{
		client: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
		sleep:  sleepContext,
	}
}

// SetHTTPClient sets a custom underlying HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.client = client
}

// SetSleepFunc replaces the wait between attempts (useful for testing).
func (c *Client) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

// RecordedDelays returns the delays waited so far.
func (c *Client) RecordedDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.recordedDelays...)
}

// SetDefaultHeaders sets headers applied to every request before
// request-specific ones. Values undergo ${VAR} substitution.
func (c *Client) SetDefaultHeaders(headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultHeaders = headers
}

// Config returns the current retry configuration.
func (c *Client) Config() RetryConfig {
	return c.config
}

// Do executes req, retrying network errors, 5xx and 429 responses.
// Any other response, including 4xx, is returned to the caller as is.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.applyDefaultHeaders(req)

	var lastErr error
	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 1 {
			delay := c.calculateDelay(attempt - 1)
			c.recordDelay(delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		reqCopy := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			reqCopy.Body = body
		}

		resp, err := c.client.Do(reqCopy)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if isTimeoutError(err) {
				lastErr = fmt.Errorf("%w: %v", ErrRequestTimeout, err)
			}
			continue
		}

		if shouldRetry(resp.StatusCode) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, c.config.Attempts, lastErr)
}

// Get performs a GET request with the given headers.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(ctx, req)
}

// PostJSON marshals body and POSTs it with the given headers.
func (c *Client) PostJSON(ctx context.Context, url string, body any, headers map[string]string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(ctx, req)
}

// calculateDelay returns the wait before retry number n (1-based):
// min(BaseDelay * 2^(n-1), MaxDelay).
func (c *Client) calculateDelay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	delay := c.config.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= c.config.MaxDelay {
			return c.config.MaxDelay
		}
	}
	if delay > c.config.MaxDelay {
		delay = c.config.MaxDelay
	}
	return delay
}

func (c *Client) recordDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordedDelays = append(c.recordedDelays, d)
}

func (c *Client) applyDefaultHeaders(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range c.defaultHeaders {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, SubstituteEnvVars(value))
		}
	}
}

// shouldRetry reports whether a status code is worth retrying.
// Retries on 5xx server errors and 429 (Too Many Requests).
func shouldRetry(statusCode int) bool {
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	return statusCode == http.StatusTooManyRequests
}

// isTimeoutError checks if an error is a timeout error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubstituteEnvVars replaces ${VAR_NAME} patterns in a string with
// the corresponding environment variable values.
// If an environment variable is not set, the pattern is replaced with an empty string.
func SubstituteEnvVars(value string) string {
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}
