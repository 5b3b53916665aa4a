package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyTooShort      = errors.New("token HMAC key too short")
	ErrSignatureSecretUnset = errors.New("message signature secret missing")
)
