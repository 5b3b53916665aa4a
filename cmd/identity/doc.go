// Package identity is Relay's client for the external identity service.
//
// The identity service owns users and credentials. Relay only asks it one question:
// "who does this bearer credential belong to?" via GET /auth/verify.
//
// Status mapping:
//   - 200 with a user id: success.
//   - 401: ErrInvalidCredential (callers may block the credential).
//   - 403: ErrForbidden (callers must not block).
//   - anything else, timeouts included: ErrUnavailable.
package identity
