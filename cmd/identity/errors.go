package identity

import (
	"errors"
	"fmt"
)

// Sentinel kinds returned by Verifier implementations.
var (
	ErrInvalidCredential = errors.New("invalid or expired credential")
	ErrForbidden         = errors.New("access denied")
	ErrUnavailable       = errors.New("identity service unavailable")
	ErrInvalidResponse   = errors.New("invalid identity response")
)

// StatusError carries the HTTP status the identity service answered with.
type StatusError struct {
	Status int
	Kind   error
}

func (e StatusError) Error() string {
	return fmt.Sprintf("identity verify: status %d: %v", e.Status, e.Kind)
}

func (e StatusError) Unwrap() error { return e.Kind }

// IsInvalidCredential reports whether err represents ErrInvalidCredential.
func IsInvalidCredential(err error) bool { return errors.Is(err, ErrInvalidCredential) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }
