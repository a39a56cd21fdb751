/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package consultsdk holds the pieces shared by every consult package: the
// call error taxonomy, logger construction and an HTTP client for the
// surrounding telehealth application's API.
package consultsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const userAgent = "consult-go-sdk"

// Client reads from the telehealth application's HTTP API on behalf of the
// signed-in user.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	token      string
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

// Config holds the configuration for the API client
type Config struct {
	// BaseURL is the base URL of the application API
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// Custom HTTP client to use instead of the default one
	HttpClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors (429, 502, 503, 504).
	// Set to 0 to disable retries.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Default: 1s.
	RetryBaseDelay time.Duration

	// Logger for client operations. Nil means no logging.
	Logger *zap.Logger
}

// DefaultConfig returns a default configuration for the API client
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080/api",
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
	}
}

// NewClient creates an API client authenticating with the user's access token.
func NewClient(accessToken string, config *Config) (*Client, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	baseDelay := config.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      accessToken,
		maxRetries: config.MaxRetries,
		baseDelay:  baseDelay,
		logger:     LoggerOrNop(config.Logger).With(zap.String("api", baseURL.Host)),
	}, nil
}

// GetJSON fetches endpoint, relative to the base URL, and decodes the JSON
// response into v. Transient failures are retried. Each call carries an
// X-Request-ID that also identifies it in logs and in the returned APIError
// when the server supplies no tracking id of its own.
func (c *Client) GetJSON(ctx context.Context, endpoint string, v interface{}) error {
	requestID := uuid.NewString()
	logger := c.logger.With(zap.String("endpoint", endpoint), zap.String("request_id", requestID))
	start := time.Now()

	resp, err := c.get(ctx, endpoint, requestID, logger)
	if err != nil {
		logger.Warn("api request failed", zap.Error(err))
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	err = decode(resp, requestID, v)
	logger.Debug("api request done",
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.Bool("ok", err == nil))
	return err
}

func (c *Client) get(ctx context.Context, endpoint, requestID string, logger *zap.Logger) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, endpoint, requestID)
		if err != nil {
			return nil, err
		}
		if !isRetryableStatus(resp.StatusCode) || attempt >= c.maxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, c.baseDelay, attempt)
		resp.Body.Close()
		logger.Debug("retrying api request",
			zap.Int("status", resp.StatusCode),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt+1))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) send(ctx context.Context, endpoint, requestID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath(endpoint).String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)
	return c.httpClient.Do(req)
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryDelay respects Retry-After on 429, otherwise baseDelay * 2^attempt.
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return baseDelay << uint(attempt)
}

// decode reads resp into v, or returns the typed APIError for a failed status.
func decode(resp *http.Response, requestID string, v interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read api response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := NewAPIError(resp, body)
		var base *APIError
		if errors.As(apiErr, &base) && base.TrackingID == "" {
			base.TrackingID = requestID
		}
		return apiErr
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode api response: %w", err)
	}
	return nil
}
