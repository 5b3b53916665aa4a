// Package token provides hashing primitives for Relay.
//
// It is the single source of truth for two digests:
// - credential hashes: the key of the revocation cache and of the presumed-user index.
// - message signatures: the integrity tag attached to every relayed live event.
//
// Credential hashing modes:
// - Default: SHA-256(token) when no HMAC key is configured.
// - Keyed: HMAC-SHA256(token, key) when RELAY_SECURITY_CREDENTIAL_HMAC_KEY is set.
//
// Both produce stable 64-char hex output.
package token
