package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/codefionn/tongate/tongate-srv/logger"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy error codes. The set is closed: every failure the core can produce
// maps to exactly one of these, and each maps to a 502 response.
const (
	// Connection and tunnel errors (E2xxx)
	ErrCodeMissingAuthority = "E2001"
	ErrCodeDialFailed       = "E2002"
	ErrCodeSocks5DialFailed = "E2003"
	ErrCodeRelayFailed      = "E2004"

	// HTTP forwarding errors (E4xxx)
	ErrCodeGatewayRewriteFailed = "E4001"
	ErrCodeHTTPForwardFailed    = "E4002"
	ErrCodeHijackFailed         = "E4003"
	ErrCodeHijackNotSupported   = "E4004"
	ErrCodeClientNotFound       = "E4005"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeMissingAuthority: "CONNECT request missing authority",
	ErrCodeDialFailed:       "Failed to dial target address",
	ErrCodeSocks5DialFailed: "Failed to connect via SOCKS5 upstream",
	ErrCodeRelayFailed:      "Tunnel relay failed",

	ErrCodeGatewayRewriteFailed: "Failed to rewrite URI for TON gateway",
	ErrCodeHTTPForwardFailed:    "Failed to forward HTTP request",
	ErrCodeHijackFailed:         "Failed to hijack HTTP connection",
	ErrCodeHijackNotSupported:   "HTTP connection hijacking not supported",
	ErrCodeClientNotFound:       "HTTP client not found in request context",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an
// error code and optional cause. The body is plain text so any client
// (including non-browser tooling) can read the failure reason.
func NewBadGatewayResponse(errorCode string, cause error) *http.Response {
	description := GetErrorDescription(errorCode)

	body := fmt.Sprintf("502 Bad Gateway\nError code: %s\nDescription: %s\n", errorCode, description)
	if cause != nil {
		body += fmt.Sprintf("Cause: %v\n", cause)
	}

	bodyBytes := []byte(body)

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}

// writeProxyErrorResponse converts an internal failure into a 502 response at
// the dispatcher boundary. If the error is a *Error its own code wins over
// the supplied default.
func writeProxyErrorResponse(w http.ResponseWriter, originalErr error, defaultErrorCode string) {
	errorCode := defaultErrorCode
	cause := originalErr
	var proxyErr *Error
	if errors.As(originalErr, &proxyErr) {
		errorCode = proxyErr.Code
		cause = proxyErr.Cause
	}

	if _, exists := ErrorDescriptions[errorCode]; !exists {
		logger.Warn("Error code '%s' not found in ErrorDescriptions. Original error: %v. Default code used: '%s'", errorCode, originalErr, defaultErrorCode)
	}

	badGatewayResp := NewBadGatewayResponse(errorCode, cause)
	defer func() {
		if badGatewayResp.Body != nil {
			badGatewayResp.Body.Close()
		}
	}()

	for key, values := range badGatewayResp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(badGatewayResp.StatusCode)
	if badGatewayResp.Body != nil {
		if _, err := io.Copy(w, badGatewayResp.Body); err != nil {
			logger.Error("Failed to copy bad gateway response body: %v", err)
		}
	}
}
