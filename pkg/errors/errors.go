// Package errors defines unified error types for proxy operations.
// Every failure surfaced by the request pipeline is mapped to one of these
// kinds so handlers can translate errors to HTTP responses uniformly.
package errors

import (
	"fmt"
	"net/http"
)

// ProxyError represents a standardized error raised inside the proxy.
// It contains all necessary information for error handling, logging, and
// the client response.
type ProxyError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	Domain     string `json:"domain"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("[%s] %s (domain=%s, code=%d)",
		e.Kind, e.Message, e.Domain, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error kinds as constants for consistency.
const (
	KindAuth              = "auth_error"
	KindRouting           = "routing_error"
	KindThrottle          = "throttle_error"
	KindUpstreamTransport = "upstream_transport_error"
	KindUpstreamStatus    = "upstream_status_error"
	KindStorage           = "storage_error"
	KindCache             = "cache_error"
)

// NewAuthError creates an authentication error (401).
func NewAuthError(message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Kind:       KindAuth,
		Retryable:  false,
	}
}

// NewRoutingError creates an unknown-alias error (404).
func NewRoutingError(domain, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Kind:       KindRouting,
		Domain:     domain,
		Retryable:  false,
	}
}

// NewThrottleError creates a rate limit error (429).
func NewThrottleError(domain, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Kind:       KindThrottle,
		Domain:     domain,
		Retryable:  true,
	}
}

// NewUpstreamTransportError creates a gateway error (502) for network-level
// upstream failures.
func NewUpstreamTransportError(domain, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Kind:       KindUpstreamTransport,
		Domain:     domain,
		Retryable:  true,
	}
}

// NewUpstreamStatusError wraps a non-success status returned by the upstream.
// The status is passed through to the client unmodified.
func NewUpstreamStatusError(domain string, status int, message string) *ProxyError {
	return &ProxyError{
		StatusCode: status,
		Message:    message,
		Kind:       KindUpstreamStatus,
		Domain:     domain,
		Retryable:  status == http.StatusTooManyRequests,
	}
}

// NewStorageError creates a datastore error (500). Fatal at startup,
// degrades the cache layer to pass-through at request time.
func NewStorageError(message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Kind:       KindStorage,
		Retryable:  true,
	}
}

// NewCacheError creates a recoverable cache serialization or compression
// error. Callers swallow it: lookups degrade to misses, stores to no-ops.
func NewCacheError(message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Kind:       KindCache,
		Retryable:  false,
	}
}

// IsViolation reports whether an upstream status should count as a throttle
// violation. Only explicit 429 responses do; transport failures never do.
func IsViolation(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests
}
