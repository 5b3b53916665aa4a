package app

import (
	"errors"
	"strings"

	"relay/cmd/security/token"
)

// minCredentialKeyBytes is the shortest accepted HMAC key for credential hashing.
const minCredentialKeyBytes = 32

// ValidateSecurityConfig enforces the security policy at startup.
// Fail-fast: production never runs with the development signature secret.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.Security.SignatureSecret)
	if secret == "" {
		return errors.New("security policy: security.signature_secret is empty")
	}
	if cfg.IsProduction() && secret == DefaultSignatureSecret {
		return errors.New("security policy: RELAY_SECURITY_SIGNATURE_SECRET must be set in production")
	}

	if _, err := token.NewHasher(cfg.Security.CredentialHMACKey, minCredentialKeyBytes); err != nil {
		if errors.Is(err, token.ErrHMACKeyTooShort) {
			return errors.New("security policy: security.credential_hmac_key is too short (min 32 bytes)")
		}
		return err
	}
	return nil
}
