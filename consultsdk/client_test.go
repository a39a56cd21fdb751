/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package consultsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		accessToken string
		config      *Config
		wantBase    string
		expectError bool
	}{
		{name: "Valid with default config", accessToken: "token", wantBase: "http://localhost:8080/api"},
		{name: "Trailing slash trimmed", accessToken: "token", config: &Config{BaseURL: "https://app.example.com/api/", Timeout: time.Second}, wantBase: "https://app.example.com/api"},
		{name: "Empty access token", accessToken: "", expectError: true},
		{name: "Invalid base URL", accessToken: "token", config: &Config{BaseURL: ":"}, expectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(tc.accessToken, tc.config)
			if tc.expectError {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got := client.baseURL.String(); got != tc.wantBase {
				t.Errorf("Expected base URL %q, got %q", tc.wantBase, got)
			}
			if client.baseDelay <= 0 {
				t.Errorf("Expected a positive retry delay, got %v", client.baseDelay)
			}
		})
	}
}

func TestGetJSON(t *testing.T) {
	var requestID atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/me" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Unexpected Authorization header %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("Unexpected User-Agent %q", got)
		}
		requestID.Store(r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u-1"}`))
	}))
	defer server.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	client, err := NewClient("secret", &Config{BaseURL: server.URL + "/api", Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := client.GetJSON(context.Background(), "me", &out); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out.ID != "u-1" {
		t.Errorf("Expected id u-1, got %q", out.ID)
	}

	id, _ := requestID.Load().(string)
	if id == "" {
		t.Fatal("Expected an X-Request-ID header")
	}
	done := logs.FilterMessage("api request done").All()
	if len(done) != 1 {
		t.Fatalf("Expected one completion log, got %d", len(done))
	}
	fields := done[0].ContextMap()
	if fields["endpoint"] != "me" || fields["request_id"] != id {
		t.Errorf("Expected endpoint and request id in log fields, got %v", fields)
	}
}

func TestGetJSONErrors(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		}))
		defer server.Close()

		client, _ := NewClient("t", &Config{BaseURL: server.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond})
		var out map[string]any
		if err := client.GetJSON(context.Background(), "me", &out); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if atomic.LoadInt32(&calls) != 3 {
			t.Errorf("Expected 3 attempts, got %d", calls)
		}
	})

	t.Run("gives up after the last retry", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client, _ := NewClient("t", &Config{BaseURL: server.URL, MaxRetries: 2, RetryBaseDelay: time.Millisecond})
		var out map[string]any
		err := client.GetJSON(context.Background(), "me", &out)
		if !IsServerError(err) {
			t.Fatalf("Expected ServerError, got %v", err)
		}
		if atomic.LoadInt32(&calls) != 3 {
			t.Errorf("Expected 3 attempts, got %d", calls)
		}
	})

	t.Run("auth error carries the request id", func(t *testing.T) {
		var requestID atomic.Value
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID.Store(r.Header.Get("X-Request-ID"))
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"expired"}`))
		}))
		defer server.Close()

		client, _ := NewClient("t", &Config{BaseURL: server.URL, RetryBaseDelay: time.Millisecond})
		var out map[string]any
		err := client.GetJSON(context.Background(), "me", &out)
		if !IsAuthError(err) {
			t.Fatalf("Expected AuthError, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Expected an APIError, got %T", err)
		}
		if apiErr.Message != "expired" {
			t.Errorf("Expected message expired, got %q", apiErr.Message)
		}
		if id, _ := requestID.Load().(string); apiErr.TrackingID != id {
			t.Errorf("Expected tracking id %q, got %q", id, apiErr.TrackingID)
		}
	})

	t.Run("server tracking id wins", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"no such user","trackingId":"srv-1"}`))
		}))
		defer server.Close()

		client, _ := NewClient("t", &Config{BaseURL: server.URL})
		var out map[string]any
		err := client.GetJSON(context.Background(), "me", &out)
		var apiErr *APIError
		if !IsNotFound(err) || !errors.As(err, &apiErr) || apiErr.TrackingID != "srv-1" {
			t.Errorf("Expected NotFound with tracking id srv-1, got %v", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":`))
		}))
		defer server.Close()

		client, _ := NewClient("t", &Config{BaseURL: server.URL})
		var out map[string]any
		if err := client.GetJSON(context.Background(), "me", &out); err == nil {
			t.Fatal("Expected a decode error")
		}
	})

	t.Run("context cancellation stops backoff", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		client, _ := NewClient("t", &Config{BaseURL: server.URL, MaxRetries: 5, RetryBaseDelay: time.Hour})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		var out map[string]any
		err := client.GetJSON(ctx, "me", &out)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected context deadline error, got %v", err)
		}
	})
}

func TestRetryDelay(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"3"}}}
	if d := retryDelay(resp, time.Second, 0); d != 3*time.Second {
		t.Errorf("Expected Retry-After delay 3s, got %v", d)
	}
	resp = &http.Response{StatusCode: http.StatusBadGateway, Header: http.Header{}}
	if d := retryDelay(resp, time.Second, 2); d != 4*time.Second {
		t.Errorf("Expected exponential delay 4s, got %v", d)
	}
}
