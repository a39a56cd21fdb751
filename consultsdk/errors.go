/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package consultsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies call-session failures so the UI can pick an
// actionable message without string matching.
type ErrorKind string

const (
	KindPrecondition        ErrorKind = "precondition"
	KindMediaAccessDenied   ErrorKind = "media_access_denied"
	KindDeviceUnavailable   ErrorKind = "device_unavailable"
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"
	KindNegotiationTimeout  ErrorKind = "negotiation_timeout"
	KindConnectivityLost    ErrorKind = "connectivity_lost"
)

// CallError is the base error type for all call-session errors.
// All specific error sub-types embed this struct, so consumers can use
// errors.As(err, &callErr) to access the common fields regardless of the
// specific error type.
type CallError struct {
	// Kind is the failure classification.
	Kind ErrorKind

	// Op is the operation that failed (e.g., "start_call", "acquire").
	Op string

	// Message is a human readable description suitable for the UI.
	Message string

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *CallError) Unwrap() error {
	return e.Err
}

// --- Call error sub-types ---

// PreconditionError is returned when an operation is invoked without its
// preconditions: missing identity, empty address, or wrong call state.
type PreconditionError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *PreconditionError) Unwrap() error { return e.CallError }

// MediaAccessDeniedError is returned when the user (or platform policy)
// refused camera, microphone or display access.
type MediaAccessDeniedError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *MediaAccessDeniedError) Unwrap() error { return e.CallError }

// DeviceUnavailableError is returned when no suitable capture device exists
// or the device is busy.
type DeviceUnavailableError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *DeviceUnavailableError) Unwrap() error { return e.CallError }

// UnsupportedPlatformError is returned when the runtime lacks the capture API
// that was requested (e.g., display capture without a screen driver).
type UnsupportedPlatformError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *UnsupportedPlatformError) Unwrap() error { return e.CallError }

// NegotiationTimeoutError is returned when the remote party did not answer
// within the configured negotiation window.
type NegotiationTimeoutError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *NegotiationTimeoutError) Unwrap() error { return e.CallError }

// ConnectivityLostError describes a dropped call. It is delivered as a
// notification event and never returned from an operation.
type ConnectivityLostError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *ConnectivityLostError) Unwrap() error { return e.CallError }

// --- Factories ---

// NewPreconditionError creates a PreconditionError for op.
func NewPreconditionError(op, format string, args ...any) error {
	return &PreconditionError{CallError: &CallError{Kind: KindPrecondition, Op: op, Message: fmt.Sprintf(format, args...)}}
}

// NewMediaAccessDenied creates a MediaAccessDeniedError wrapping cause.
func NewMediaAccessDenied(op string, cause error) error {
	return &MediaAccessDeniedError{CallError: &CallError{Kind: KindMediaAccessDenied, Op: op, Message: "camera or microphone permission denied", Err: cause}}
}

// NewDeviceUnavailable creates a DeviceUnavailableError wrapping cause.
func NewDeviceUnavailable(op string, cause error) error {
	return &DeviceUnavailableError{CallError: &CallError{Kind: KindDeviceUnavailable, Op: op, Message: "no usable capture device", Err: cause}}
}

// NewUnsupportedPlatform creates an UnsupportedPlatformError wrapping cause.
func NewUnsupportedPlatform(op string, cause error) error {
	return &UnsupportedPlatformError{CallError: &CallError{Kind: KindUnsupportedPlatform, Op: op, Message: "capture is not supported on this platform", Err: cause}}
}

// NewNegotiationTimeout creates a NegotiationTimeoutError after d elapsed.
func NewNegotiationTimeout(op string, d time.Duration) error {
	return &NegotiationTimeoutError{CallError: &CallError{Kind: KindNegotiationTimeout, Op: op, Message: fmt.Sprintf("no answer within %s", d)}}
}

// NewConnectivityLost creates a ConnectivityLostError for the given peer state.
func NewConnectivityLost(state string) error {
	return &ConnectivityLostError{CallError: &CallError{Kind: KindConnectivityLost, Op: "connectivity", Message: "peer connection " + state}}
}

// KindOf returns the ErrorKind of err, or "" if err is not a CallError.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// --- Convenience functions ---

// IsPrecondition reports whether err is a precondition error.
func IsPrecondition(err error) bool {
	var e *PreconditionError
	return errors.As(err, &e)
}

// IsMediaAccessDenied reports whether err is a media permission error.
func IsMediaAccessDenied(err error) bool {
	var e *MediaAccessDeniedError
	return errors.As(err, &e)
}

// IsDeviceUnavailable reports whether err is a missing/busy device error.
func IsDeviceUnavailable(err error) bool {
	var e *DeviceUnavailableError
	return errors.As(err, &e)
}

// IsUnsupportedPlatform reports whether err is an unsupported platform error.
func IsUnsupportedPlatform(err error) bool {
	var e *UnsupportedPlatformError
	return errors.As(err, &e)
}

// IsNegotiationTimeout reports whether err is a negotiation timeout.
func IsNegotiationTimeout(err error) bool {
	var e *NegotiationTimeoutError
	return errors.As(err, &e)
}

// IsConnectivityLost reports whether err is a connectivity loss notification.
func IsConnectivityLost(err error) bool {
	var e *ConnectivityLostError
	return errors.As(err, &e)
}

// APIError is returned by Client for non-2xx responses from the
// application's HTTP API.
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "404 Not Found").
	Status string

	// Message is the error message from the response body.
	Message string

	// TrackingID is the server-side request identifier, if provided.
	TrackingID string

	// RetryAfter is parsed from the Retry-After header. Zero if absent.
	RetryAfter time.Duration

	// RawBody is the raw response body bytes, preserved for debugging.
	RawBody []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error: %d", e.StatusCode)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.TrackingID != "" {
		msg += " (trackingId: " + e.TrackingID + ")"
	}
	return msg
}

// AuthError is returned for HTTP 401 Unauthorized responses.
type AuthError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *AuthError) Unwrap() error { return e.APIError }

// NotFoundError is returned for HTTP 404 Not Found responses.
type NotFoundError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.APIError }

// RateLimitError is returned for HTTP 429 Too Many Requests responses.
type RateLimitError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *RateLimitError) Unwrap() error { return e.APIError }

// ServerError is returned for HTTP 5xx responses.
type ServerError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ServerError) Unwrap() error { return e.APIError }

type apiErrorBody struct {
	Message    string `json:"message"`
	TrackingID string `json:"trackingId"`
}

// NewAPIError creates a structured error from an HTTP response and its body.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	var parsed apiErrorBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil {
			base.Message = parsed.Message
			base.TrackingID = parsed.TrackingID
		}
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			base.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{APIError: base}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{APIError: base}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{APIError: base}
	case resp.StatusCode >= 500:
		return &ServerError{APIError: base}
	default:
		return base
	}
}

// IsAuthError reports whether err is an authentication error (HTTP 401).
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a not found error (HTTP 404).
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a server error (HTTP 5xx).
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}
