package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	verifyPath = "/auth/verify"

	// DefaultTimeout bounds a single verify call.
	DefaultTimeout = 5 * time.Second

	maxResponseBytes = 64 << 10
)

// User is the identity attached to a verified credential.
type User struct {
	ID    int64
	Email string
}

// Meta is forwarded to the identity service for auditing.
type Meta struct {
	ClientIP  string
	RequestID string
}

// Verifier resolves bearer credentials to users.
type Verifier interface {
	Verify(ctx context.Context, credential string, meta Meta) (User, error)
}

// verifyResponse mirrors the identity service envelope: {status, message, data: {id, email}}.
type verifyResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	} `json:"data"`
}

// HTTPVerifier calls the identity service over HTTP.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPVerifier constructs an HTTPVerifier. A non-positive timeout selects DefaultTimeout.
func NewHTTPVerifier(baseURL string, timeout time.Duration, client *http.Client) *HTTPVerifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPVerifier{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
		timeout: timeout,
	}
}

// Verify asks the identity service who owns credential.
func (v *HTTPVerifier) Verify(ctx context.Context, credential string, meta Meta) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+verifyPath, nil)
	if err != nil {
		return User{}, fmt.Errorf("identity verify: build request: %w", err)
	}

	requestID := strings.TrimSpace(meta.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("X-Request-ID", requestID)
	if ip := strings.TrimSpace(meta.ClientIP); ip != "" {
		req.Header.Set("X-Client-IP", ip)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return User{}, StatusError{Status: resp.StatusCode, Kind: ErrInvalidCredential}
	case http.StatusForbidden:
		return User{}, StatusError{Status: resp.StatusCode, Kind: ErrForbidden}
	default:
		return User{}, StatusError{Status: resp.StatusCode, Kind: ErrUnavailable}
	}

	var body verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if body.Data == nil || body.Data.ID <= 0 {
		return User{}, fmt.Errorf("%w: missing user id", ErrInvalidResponse)
	}

	return User{ID: body.Data.ID, Email: body.Data.Email}, nil
}
