package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/genai"

	errx "github.com/mate-core/server/internal/core/error"
)

// Reason codes for normalized provider failures. Providers map their native
// errors onto this small taxonomy; nothing provider-specific leaks past the
// gateway boundary.
const (
	ReasonRateLimited         = "rate_limited"
	ReasonTimeout             = "timeout"
	ReasonInvalidRequest      = "invalid_request"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonUnknown             = "unknown"
)

// ProviderError is a provider failure tagged with a normalized reason code.
type ProviderError struct {
	Reason string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the normalized reason from an error chain.
func ReasonOf(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonUnknown
}

// Normalize folds a raw provider error into the errx taxonomy. Rate limits,
// timeouts and temporary unavailability are transient; invalid requests and
// anything unrecognised are fatal. Already-classified errors pass through.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	var classified *errx.Error
	if errors.As(err, &classified) {
		return err
	}

	reason := classify(err)
	pe := &ProviderError{Reason: reason, Err: err}

	switch reason {
	case ReasonRateLimited, ReasonTimeout, ReasonProviderUnavailable:
		return errx.New(pe, errx.KindProviderTransient, "provider call failed")
	default:
		return errx.New(pe, errx.KindProviderFatal, "provider call failed")
	}
}

func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		// Caller-initiated; retrying would only fight the cancellation.
		return ReasonUnknown
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code)
	}

	// Last resort for bindings that only surface text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return ReasonRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		return ReasonInvalidRequest
	case strings.Contains(msg, "503") || strings.Contains(msg, "502") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "overloaded"):
		return ReasonProviderUnavailable
	default:
		return ReasonUnknown
	}
}

func classifyStatus(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return ReasonRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ReasonTimeout
	case code >= 500:
		return ReasonProviderUnavailable
	case code >= 400:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}
