package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher hashes bearer credentials. The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with key (trimmed). An empty key selects SHA-256 mode.
// A non-empty key shorter than minBytes is rejected.
func NewHasher(key string, minBytes int) (Hasher, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return Hasher{}, nil
	}
	if minBytes > 0 && len(k) < minBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	return Hasher{key: []byte(k)}, nil
}

// Keyed reports whether the hasher runs in HMAC mode.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// HashCredential returns the hex digest used to identify a credential without storing it.
func (h Hasher) HashCredential(credential string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(credential)
	}
	return HashHMACSHA256Hex(credential, h.key)
}

// Signer computes message signatures with a shared secret.
type Signer struct {
	secret string
}

// NewSigner returns a Signer. The secret must be non-empty.
func NewSigner(secret string) (Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return Signer{}, ErrSignatureSecretUnset
	}
	return Signer{secret: secret}, nil
}

// Sign returns sha256hex("sender:receiver:content:secret").
func (s Signer) Sign(senderID, receiverID int64, content string) string {
	var b strings.Builder
	b.Grow(len(content) + len(s.secret) + 48)
	b.WriteString(strconv.FormatInt(senderID, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(receiverID, 10))
	b.WriteByte(':')
	b.WriteString(content)
	b.WriteByte(':')
	b.WriteString(s.secret)
	return HashSHA256Hex(b.String())
}

// Verify checks sig against the expected signature in constant time.
func (s Signer) Verify(senderID, receiverID int64, content, sig string) bool {
	want := s.Sign(senderID, receiverID, content)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}
