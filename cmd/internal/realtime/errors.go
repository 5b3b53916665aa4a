package realtime

import (
	"errors"
	"net/http"
)

// Handshake rejections. Every Gatekeeper error wraps exactly one of these.
var (
	// Authentication class (401).
	ErrTokenMissing         = errors.New("authentication token required")
	ErrTokenBlocked         = errors.New("token is blocked")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrAuthenticationFailed = errors.New("authentication failed")

	// Authorization class (403), never blocks the credential.
	ErrAccessDenied = errors.New("access denied")

	// Throttling.
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrCapacity    = errors.New("maximum connection limit reached")
)

// IsAuthenticationError reports whether err belongs to the 401 class.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrTokenMissing) ||
		errors.Is(err, ErrTokenBlocked) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrAuthenticationFailed)
}

// HandshakeStatus maps a Gatekeeper error to the HTTP status returned before upgrade.
func HandshakeStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsAuthenticationError(err):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

// rejectReason is the stable label used in logs and metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return "token_missing"
	case errors.Is(err, ErrTokenBlocked):
		return "blocked"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	default:
		return "auth_failed"
	}
}
