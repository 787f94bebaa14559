package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/genai"
)

// statusCode extracts the HTTP status from a genai API error, or 0.
func statusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsRateLimit reports quota exhaustion (HTTP 429 / RESOURCE_EXHAUSTED).
func IsRateLimit(err error) bool {
	if statusCode(err) == 429 {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "RESOURCE_EXHAUSTED")
}

// IsServerError reports a provider-side 5xx failure.
func IsServerError(err error) bool {
	code := statusCode(err)
	return code >= 500 && code < 600
}

// IsTimeout reports a deadline or provider timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return statusCode(err) == 504
}

// IsNetwork reports a transport-level failure.
func IsNetwork(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
