// Package client is the Go HTTP client for the review server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/lamim/ddreview/internal/server"
	"github.com/lamim/ddreview/pkg/models"
)

const defaultMaxRetries = 3

// StatusError is a non-2xx response that carries no richer typed error
type StatusError struct {
	StatusCode int
	Body       server.ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body.Error)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Unwrap exposes the sentinel named by the response code
func (e *StatusError) Unwrap() error {
	return models.ErrorForCode(e.Body.Code)
}

// Temporary reports whether the server asked the caller to retry later
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// TransportError is a request that never produced a response
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string   { return fmt.Sprintf("request failed: %v", e.Err) }
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Temporary() bool { return true }

// Client talks to one review server
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	newBackOff func() backoff.BackOff
}

// Option customizes a client
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried; 0 disables retries
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = max(n, 0)
	}
}

// WithBackOff sets the retry delay policy
func WithBackOff(initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = maxInterval
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		}
	}
}

// New creates a client for baseURL
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Long polls hold the connection for up to a minute
			Timeout: 90 * time.Second,
		},
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
	WithBackOff(250*time.Millisecond, 5*time.Second)(c)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// do sends one request, retrying transient failures with exponential backoff.
// Mutations are retried only when the server answered; a lost response may
// have been committed.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (http.Header, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	b := c.newBackOff()
	for attempt := 0; ; attempt++ {
		header, err := c.once(ctx, method, endpoint, payload, out)
		if err == nil {
			return header, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var transport *TransportError
		retryable := models.Classify(err).Retryable() &&
			(method == http.MethodGet || !errors.As(err, &transport))
		if !retryable || attempt >= c.maxRetries {
			return nil, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		c.logger.Warn("Request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"retry_in", wait,
			"error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) (http.Header, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.Header, nil
}

// decodeError rebuilds the typed error the server reported
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, server.MaxBodyBytes))
	var body server.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body = server.ErrorBody{Error: strings.TrimSpace(string(raw))}
	}

	switch {
	case body.Code == "incomplete_response" && len(body.Missing) > 0:
		return models.NewIncompleteResponse(body.Missing)
	case body.Code == "invalid_response" && len(body.Problems) > 0:
		return &models.InvalidResponseError{Problems: body.Problems}
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}

// PollInterval reads the server's cadence hint; ok is false when absent
func PollInterval(h http.Header) (time.Duration, bool) {
	raw := h.Get(server.PollIntervalHeader)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func seg(s string) string {
	return url.PathEscape(s)
}
